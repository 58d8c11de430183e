package model

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ValueType tags the variant held by a Value
type ValueType uint8

const (
	TypeNull ValueType = iota
	TypeString
	TypeNumber
	TypeDate
	TypeBool
)

func (t ValueType) String() string {
	switch t {
	case TypeString:
		return "string"
	case TypeNumber:
		return "number"
	case TypeDate:
		return "date"
	case TypeBool:
		return "bool"
	default:
		return "null"
	}
}

// UnmarshalText parses a type name as used in mapping files
func (t *ValueType) UnmarshalText(text []byte) error {
	switch strings.ToLower(string(text)) {
	case "", "string", "text":
		*t = TypeString
	case "number", "numeric", "float", "int":
		*t = TypeNumber
	case "date", "datetime", "timestamp":
		*t = TypeDate
	case "bool", "boolean":
		*t = TypeBool
	default:
		return fmt.Errorf("unknown value type %q", text)
	}
	return nil
}

// Value is a typed cell value produced by the column mapper
type Value struct {
	typ ValueType
	str string
	num float64
	ts  time.Time
	b   bool
}

func Null() Value { return Value{} }
func String(s string) Value { return Value{typ: TypeString, str: s} }
func Number(f float64) Value { return Value{typ: TypeNumber, num: f} }
func Date(t time.Time) Value { return Value{typ: TypeDate, ts: t} }
func Bool(b bool) Value { return Value{typ: TypeBool, b: b} }
func (v Value) Type() ValueType { return v.typ }
func (v Value) IsNull() bool { return v.typ == TypeNull }

// Interface returns the value as a plain Go value for drivers and encoders
func (v Value) Interface() any {
	switch v.typ {
	case TypeString:
		return v.str
	case TypeNumber:
		return v.num
	case TypeDate:
		return v.ts.Format(time.RFC3339)
	case TypeBool:
		return v.b
	default:
		return nil
	}
}

func (v Value) String() string {
	switch v.typ {
	case TypeString:
		return v.str
	case TypeNumber:
		return strconv.FormatFloat(v.num, 'f', -1, 64)
	case TypeDate:
		return v.ts.Format(time.RFC3339)
	case TypeBool:
		return strconv.FormatBool(v.b)
	default:
		return ""
	}
}

// MarshalJSON encodes the value as its natural JSON counterpart
func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Interface())
}

// Field is one named value of a record
type Field struct {
	Name  string
	Value Value
}

// Record is a source row keyed by its natural key, fields kept in mapping order
type Record struct {
	Key    string
	Fields []Field
}

// Get returns the named field value
func (r Record) Get(name string) (Value, bool) {
	for _, f := range r.Fields {
		if f.Name == name {
			return f.Value, true
		}
	}
	return Value{}, false
}

// FieldsJSON encodes the fields as a JSON object preserving field order
func (r Record) FieldsJSON() ([]byte, error) {
	buf := []byte{'{'}
	for i, f := range r.Fields {
		if i > 0 {
			buf = append(buf, ',')
		}
		name, err := json.Marshal(f.Name)
		if err != nil {
			return nil, err
		}
		val, err := f.Value.MarshalJSON()
		if err != nil {
			return nil, err
		}
		buf = append(buf, name...)
		buf = append(buf, ':')
		buf = append(buf, val...)
	}
	return append(buf, '}'), nil
}

// Row is one raw source row keyed by column header
type Row map[string]string
