// Package mapping turns raw source rows into typed records.
package mapping

import (
	"errors"
	"fmt"
	"math"
	"os"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cybertec-postgresql/sheetsync/internal/model"
)

// Column maps one source column to a record field
type Column struct {
	Source   string          `yaml:"source"`
	Field    string          `yaml:"field"`
	Type     model.ValueType `yaml:"type"`
	Required bool            `yaml:"required"`
	// Format is the Go time layout for date columns
	Format string `yaml:"format"`
}

// Mapping describes how the columns of a sheet become record fields
type Mapping struct {
	KeyColumn  string   `yaml:"key_column"`
	KeyPattern string   `yaml:"key_pattern"`
	Columns    []Column `yaml:"columns"`

	keyRe *regexp.Regexp
}

// Validation is the outcome of Validate
type Validation struct {
	IsValid bool
	Errors  []string
}

// dateLayouts are tried in order for date columns without a format
var dateLayouts = []string{"2006-01-02", "01/02/2006", "1/2/2006", time.RFC3339, "2006-01-02 15:04:05"}

// Load reads a YAML mapping file; ${VAR} references are expanded from the environment
func Load(path string) (*Mapping, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from the operator
	if err != nil {
		return nil, fmt.Errorf("failed to read mapping file: %w", err)
	}
	return Parse([]byte(os.ExpandEnv(string(data))))
}

// Parse decodes and checks a YAML mapping
func Parse(data []byte) (*Mapping, error) {
	m := &Mapping{}
	if err := yaml.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("failed to parse mapping: %w", err)
	}
	if err := m.init(); err != nil {
		return nil, err
	}
	return m, nil
}

// Passthrough maps every column except keyColumn to a string field of the same name
func Passthrough(keyColumn string) (*Mapping, error) {
	m := &Mapping{KeyColumn: keyColumn}
	if err := m.init(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Mapping) init() error {
	if m.KeyColumn == "" {
		return errors.New("mapping: key_column is required")
	}
	if m.KeyPattern != "" {
		re, err := regexp.Compile(m.KeyPattern)
		if err != nil {
			return fmt.Errorf("mapping: invalid key_pattern: %w", err)
		}
		m.keyRe = re
	}
	seen := make(map[string]bool, len(m.Columns))
	for i, c := range m.Columns {
		if c.Source == "" {
			return fmt.Errorf("mapping: column %d has no source", i)
		}
		if c.Field == "" {
			m.Columns[i].Field = c.Source
		}
		if seen[m.Columns[i].Field] {
			return fmt.Errorf("mapping: duplicate field %q", m.Columns[i].Field)
		}
		seen[m.Columns[i].Field] = true
		if c.Type == model.TypeNull {
			m.Columns[i].Type = model.TypeString
		}
	}
	return nil
}

// Key returns the trimmed natural key of row
func (m *Mapping) Key(row model.Row) string {
	return strings.TrimSpace(row[m.KeyColumn])
}

func (m *Mapping) checkKey(key string) error {
	if key == "" {
		return &model.ValidationError{Field: m.KeyColumn, Reason: "key is required"}
	}
	if m.keyRe != nil && !m.keyRe.MatchString(key) {
		return &model.ValidationError{Key: key, Field: m.KeyColumn, Reason: "key does not match " + m.KeyPattern}
	}
	return nil
}

// Validate reports every problem of row without stopping at the first one
func (m *Mapping) Validate(row model.Row) Validation {
	var problems []string
	key := m.Key(row)
	if err := m.checkKey(key); err != nil {
		problems = append(problems, err.Error())
	}
	for _, c := range m.Columns {
		if _, err := c.convert(key, row[c.Source]); err != nil {
			problems = append(problems, err.Error())
		}
	}
	return Validation{IsValid: len(problems) == 0, Errors: problems}
}

// MapToRecord converts row into a record. It fails with *model.ValidationError
// on the first invalid value.
func (m *Mapping) MapToRecord(row model.Row) (model.Record, error) {
	key := m.Key(row)
	if err := m.checkKey(key); err != nil {
		return model.Record{}, err
	}
	if len(m.Columns) == 0 {
		return m.passthrough(key, row), nil
	}

	record := model.Record{Key: key, Fields: make([]model.Field, 0, len(m.Columns))}
	for _, c := range m.Columns {
		v, err := c.convert(key, row[c.Source])
		if err != nil {
			return model.Record{}, err
		}
		record.Fields = append(record.Fields, model.Field{Name: c.Field, Value: v})
	}
	return record, nil
}

func (m *Mapping) passthrough(key string, row model.Row) model.Record {
	names := make([]string, 0, len(row))
	for name := range row {
		if name != m.KeyColumn {
			names = append(names, name)
		}
	}
	slices.Sort(names)

	record := model.Record{Key: key, Fields: make([]model.Field, 0, len(names))}
	for _, name := range names {
		v := model.Null()
		if s := strings.TrimSpace(row[name]); s != "" {
			v = model.String(s)
		}
		record.Fields = append(record.Fields, model.Field{Name: name, Value: v})
	}
	return record
}

func (c Column) convert(key, raw string) (model.Value, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		if c.Required {
			return model.Null(), &model.ValidationError{Key: key, Field: c.Field, Reason: "value is required"}
		}
		return model.Null(), nil
	}
	invalid := func(what string) error {
		return &model.ValidationError{Key: key, Field: c.Field, Reason: fmt.Sprintf("invalid %s %q", what, s)}
	}

	switch c.Type {
	case model.TypeNumber:
		f, err := parseNumber(s)
		if err != nil {
			return model.Null(), invalid("number")
		}
		return model.Number(f), nil
	case model.TypeDate:
		layouts := dateLayouts
		if c.Format != "" {
			layouts = []string{c.Format}
		}
		for _, layout := range layouts {
			if t, err := time.Parse(layout, s); err == nil {
				return model.Date(t), nil
			}
		}
		return model.Null(), invalid("date")
	case model.TypeBool:
		switch strings.ToLower(s) {
		case "yes", "y":
			return model.Bool(true), nil
		case "no", "n":
			return model.Bool(false), nil
		}
		b, err := strconv.ParseBool(s)
		if err != nil {
			return model.Null(), invalid("boolean")
		}
		return model.Bool(b), nil
	default:
		return model.String(s), nil
	}
}

// parseNumber accepts sheet formatted numbers such as "$1,250.50" or "12%"
func parseNumber(s string) (float64, error) {
	s = strings.TrimPrefix(s, "$")
	s = strings.ReplaceAll(s, ",", "")
	percent := strings.HasSuffix(s, "%")
	s = strings.TrimSuffix(s, "%")
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, errors.New("number is not finite")
	}
	if percent {
		f /= 100
	}
	return f, nil
}
