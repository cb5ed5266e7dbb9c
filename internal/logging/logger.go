// Package logging provides the application's structured logger, built on
// logrus with a custom formatter that matches the JSON/text log-entry shape
// operators already parse, plus a SQL-backed AuditLogger for audit events.
package logging

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
)

// Level represents log severity.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "unknown"
	}
}

func (l Level) logrusLevel() logrus.Level {
	switch l {
	case LevelDebug:
		return logrus.DebugLevel
	case LevelWarn:
		return logrus.WarnLevel
	case LevelError:
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

// ParseLevel converts a string to a Level.
func ParseLevel(s string) Level {
	switch s {
	case "debug":
		return LevelDebug
	case "info":
		return LevelInfo
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// LogEntry is the wire shape of one JSON log line.
type LogEntry struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// entryFormatter renders logrus.Entry into the LogEntry wire shape, in
// either JSON or plain text.
type entryFormatter struct {
	format string // "json" or "text"
}

func (f *entryFormatter) Format(e *logrus.Entry) ([]byte, error) {
	fields := make(map[string]interface{}, len(e.Data))
	for k, v := range e.Data {
		fields[k] = v
	}

	if f.format == "json" {
		entry := LogEntry{
			Timestamp: e.Time.UTC(),
			Level:     e.Level.String(),
			Message:   e.Message,
			Fields:    fields,
		}
		data, err := json.Marshal(entry)
		if err != nil {
			return nil, err
		}
		return append(data, '\n'), nil
	}

	line := fmt.Sprintf("%s [%s] %s", e.Time.UTC().Format(time.RFC3339), e.Level.String(), e.Message)
	for k, v := range fields {
		line += fmt.Sprintf(" %s=%v", k, v)
	}
	return append([]byte(line), '\n'), nil
}

// Logger provides structured logging, backed by logrus.
type Logger struct {
	entry    *logrus.Entry
	file     *os.File
	filePath string
}

// NewLogger creates a new logger writing to stdout and, if outputPath is
// set, also to a log file.
func NewLogger(level string, format string, outputPath string) (*Logger, error) {
	base := logrus.New()
	base.SetFormatter(&entryFormatter{format: format})
	base.SetLevel(ParseLevel(level).logrusLevel())

	var output io.Writer = os.Stdout
	var f *os.File

	if outputPath != "" && outputPath != "-" {
		dir := filepath.Dir(outputPath)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}

		var err error
		f, err = os.OpenFile(outputPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}

		output = io.MultiWriter(os.Stdout, f)
	}

	base.SetOutput(output)

	return &Logger{
		entry:    logrus.NewEntry(base),
		file:     f,
		filePath: outputPath,
	}, nil
}

// Close closes the log file, if one was opened.
func (l *Logger) Close() error {
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

func toLogrusFields(fields map[string]interface{}) logrus.Fields {
	if fields == nil {
		return nil
	}
	lf := make(logrus.Fields, len(fields))
	for k, v := range fields {
		lf[k] = v
	}
	return lf
}

// Debug logs a debug message.
func (l *Logger) Debug(message string, fields map[string]interface{}) {
	l.entry.WithFields(toLogrusFields(fields)).Debug(message)
}

// Info logs an info message.
func (l *Logger) Info(message string, fields map[string]interface{}) {
	l.entry.WithFields(toLogrusFields(fields)).Info(message)
}

// Warn logs a warning message.
func (l *Logger) Warn(message string, fields map[string]interface{}) {
	l.entry.WithFields(toLogrusFields(fields)).Warn(message)
}

// Error logs an error message.
func (l *Logger) Error(message string, fields map[string]interface{}) {
	l.entry.WithFields(toLogrusFields(fields)).Error(message)
}

// WithFields returns a child logger with default fields merged into every
// subsequent call.
func (l *Logger) WithFields(fields map[string]interface{}) *FieldLogger {
	return &FieldLogger{entry: l.entry.WithFields(toLogrusFields(fields))}
}

// FieldLogger is a logger with preset fields.
type FieldLogger struct {
	entry *logrus.Entry
}

// Debug logs a debug message.
func (fl *FieldLogger) Debug(message string, fields map[string]interface{}) {
	fl.entry.WithFields(toLogrusFields(fields)).Debug(message)
}

// Info logs an info message.
func (fl *FieldLogger) Info(message string, fields map[string]interface{}) {
	fl.entry.WithFields(toLogrusFields(fields)).Info(message)
}

// Warn logs a warning message.
func (fl *FieldLogger) Warn(message string, fields map[string]interface{}) {
	fl.entry.WithFields(toLogrusFields(fields)).Warn(message)
}

// Error logs an error message.
func (fl *FieldLogger) Error(message string, fields map[string]interface{}) {
	fl.entry.WithFields(toLogrusFields(fields)).Error(message)
}

// sqlExecer is the subset of *sql.DB the audit logger needs; satisfied by
// *database.DB directly.
type sqlExecer interface {
	Exec(query string, args ...interface{}) (sql.Result, error)
}

// AuditLogger writes audit events to the audit_logs table, grounded on the
// teacher's AuditLogger but adapted to this system's actor/action/resource
// shape (see SUPPLEMENTED FEATURES in SPEC_FULL.md).
type AuditLogger struct {
	db     sqlExecer
	logger *Logger
}

// NewAuditLogger creates a new audit logger.
func NewAuditLogger(db sqlExecer, logger *Logger) *AuditLogger {
	return &AuditLogger{db: db, logger: logger}
}

// Log records one audit event: who (actor) did what (action) to which
// resource, with a free-form JSON details blob.
func (al *AuditLogger) Log(actor, action, resourceType string, resourceID *int64, details map[string]interface{}) error {
	detailsJSON, _ := json.Marshal(details)

	_, err := al.db.Exec(`
		INSERT INTO audit_logs (actor, action, resource_type, resource_id, details)
		VALUES (?, ?, ?, ?, ?)
	`, actor, action, resourceType, resourceID, string(detailsJSON))

	if err != nil {
		al.logger.Error("failed to write audit log", map[string]interface{}{
			"error":         err.Error(),
			"action":        action,
			"resource_type": resourceType,
		})
		return err
	}

	al.logger.Debug("audit log written", map[string]interface{}{
		"action":        action,
		"resource_type": resourceType,
		"resource_id":   resourceID,
	})

	return nil
}
