package core

import (
	"fmt"
	"log"

	"github.com/go-logr/logr"
)

// Logger interface for structured logging
// Implementations can provide custom logging behavior (e.g., integration with logr, zap, etc.)
type Logger interface {
	// Debug logs a debug message with optional fields
	Debug(msg string, fields ...Field)

	// Info logs an info message with optional fields
	Info(msg string, fields ...Field)

	// Warn logs a warning message with optional fields
	Warn(msg string, fields ...Field)

	// Error logs an error message with optional fields
	Error(msg string, fields ...Field)
}

// Field represents a key-value pair for structured logging
type Field struct {
	Key   string
	Value any
}

// F creates a new Field with the given key and value
func F(key string, value any) Field {
	return Field{Key: key, Value: value}
}

// DefaultLogger is a simple logger implementation using the standard log package
type DefaultLogger struct{}

// NewDefaultLogger creates a new DefaultLogger
func NewDefaultLogger() *DefaultLogger {
	return &DefaultLogger{}
}

// Debug logs a debug message
func (l *DefaultLogger) Debug(msg string, fields ...Field) {
	l.log("DEBUG", msg, fields...)
}

// Info logs an info message
func (l *DefaultLogger) Info(msg string, fields ...Field) {
	l.log("INFO", msg, fields...)
}

// Warn logs a warning message
func (l *DefaultLogger) Warn(msg string, fields ...Field) {
	l.log("WARN", msg, fields...)
}

// Error logs an error message
func (l *DefaultLogger) Error(msg string, fields ...Field) {
	l.log("ERROR", msg, fields...)
}

// log is the internal logging method
func (l *DefaultLogger) log(level, msg string, fields ...Field) {
	// Build the log message
	logMsg := fmt.Sprintf("[%s] %s", level, msg)
	if len(fields) > 0 {
		logMsg += " {"
		for i, f := range fields {
			if i > 0 {
				logMsg += ", "
			}
			logMsg += fmt.Sprintf("%s: %v", f.Key, f.Value)
		}
		logMsg += "}"
	}
	log.Println(logMsg)
}

// NoOpLogger is a logger that discards all log messages
// Useful for tests or when logging is not desired
type NoOpLogger struct{}

// NewNoOpLogger creates a new NoOpLogger
func NewNoOpLogger() *NoOpLogger {
	return &NoOpLogger{}
}

func (l *NoOpLogger) Debug(msg string, fields ...Field) {}
func (l *NoOpLogger) Info(msg string, fields ...Field)  {}
func (l *NoOpLogger) Warn(msg string, fields ...Field)  {}
func (l *NoOpLogger) Error(msg string, fields ...Field) {}

// =============================================================================
// logr adapter
// =============================================================================

// Verbosity levels used when mapping onto logr.
const (
	LogrVerbosityDebug = 1
)

// LogrLogger forwards to a logr.Logger. Warn is logged at V(0) with a
// "level"="warn" pair because logr has no warning level. Error fields named
// "error" holding an error value become the logr error argument.
type LogrLogger struct {
	l logr.Logger
}

// NewLogrLogger wraps l.
func NewLogrLogger(l logr.Logger) *LogrLogger {
	return &LogrLogger{l: l}
}

// Logr returns the wrapped logger.
func (l *LogrLogger) Logr() logr.Logger {
	return l.l
}

// WithName returns a logger with name appended to the logr name chain.
func (l *LogrLogger) WithName(name string) *LogrLogger {
	return &LogrLogger{l: l.l.WithName(name)}
}

func (l *LogrLogger) Debug(msg string, fields ...Field) {
	l.l.V(LogrVerbosityDebug).Info(msg, keysAndValues(fields)...)
}

func (l *LogrLogger) Info(msg string, fields ...Field) {
	l.l.Info(msg, keysAndValues(fields)...)
}

func (l *LogrLogger) Warn(msg string, fields ...Field) {
	kv := append([]any{"level", "warn"}, keysAndValues(fields)...)
	l.l.Info(msg, kv...)
}

func (l *LogrLogger) Error(msg string, fields ...Field) {
	var err error
	rest := make([]Field, 0, len(fields))
	for _, f := range fields {
		if e, ok := f.Value.(error); ok && f.Key == "error" && err == nil {
			err = e
			continue
		}
		rest = append(rest, f)
	}
	l.l.Error(err, msg, keysAndValues(rest)...)
}

func keysAndValues(fields []Field) []any {
	if len(fields) == 0 {
		return nil
	}
	kv := make([]any, 0, len(fields)*2)
	for _, f := range fields {
		kv = append(kv, f.Key, f.Value)
	}
	return kv
}
