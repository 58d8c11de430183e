// Package log provides the logrus formatter used by sheetsync.
package log

import (
	"time"

	"github.com/sirupsen/logrus"
)

// NewFormatter returns a JSON or text formatter with a consistent field layout
func NewFormatter(jsonOutput bool) logrus.Formatter {
	if jsonOutput {
		return &logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "ts",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "msg",
			},
		}
	}
	return &logrus.TextFormatter{
		FullTimestamp:          true,
		TimestampFormat:        "2006-01-02 15:04:05.000",
		DisableLevelTruncation: true,
		PadLevelText:           true,
		QuoteEmptyFields:       true,
	}
}

// Setup sets level and formatter on the standard logger
func Setup(level string, jsonOutput bool) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	logrus.SetLevel(lvl)
	logrus.SetFormatter(NewFormatter(jsonOutput))
	return nil
}
