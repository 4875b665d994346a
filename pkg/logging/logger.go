package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// Level represents the severity level of a log message
type Level int

const (
	// Log levels
	DEBUG Level = iota
	INFO
	WARN
	ERROR
)

// String returns the string representation of a log level
func (l Level) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel converts a configuration string ("debug", "info", "warn",
// "error") into a Level. Unknown strings map to INFO.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return DEBUG
	case "warn", "warning":
		return WARN
	case "error":
		return ERROR
	default:
		return INFO
	}
}

// Logger is the structured logging interface used throughout the aggregation
// layer. Every component takes a Logger at construction; passing nil is
// allowed and components substitute the standard logger.
type Logger interface {
	// Log methods for different severity levels
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)

	// WithFields returns a logger that attaches the fields to every entry
	WithFields(fields ...Field) Logger
}

// Field represents a key-value pair in a log entry
type Field struct {
	Key   string
	Value interface{}
}

// stdLogger is a dependency-free JSON fallback used when building the zap
// logger fails or when callers pass a nil Logger.
type stdLogger struct {
	mu     sync.Mutex
	out    io.Writer
	level  Level
	fields []Field
}

// NewStdLogger creates a plain JSON-lines logger writing to w.
func NewStdLogger(w io.Writer, level Level) Logger {
	if w == nil {
		w = os.Stdout
	}
	return &stdLogger{out: w, level: level}
}

// NewLogger creates a logger with default settings (stdout, INFO)
func NewLogger() Logger {
	return NewStdLogger(os.Stdout, INFO)
}

func (l *stdLogger) log(level Level, msg string, fields ...Field) {
	if level < l.level {
		return
	}

	entry := map[string]interface{}{
		"timestamp": time.Now().Format(time.RFC3339),
		"level":     level.String(),
		"message":   msg,
	}
	for _, f := range l.fields {
		entry[f.Key] = f.Value
	}
	for _, f := range fields {
		entry[f.Key] = f.Value
	}

	data, err := json.Marshal(entry)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error marshaling log entry: %v\n", err)
		return
	}
	data = append(data, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.out.Write(data); err != nil {
		fmt.Fprintf(os.Stderr, "error writing log entry: %v\n", err)
	}
}

// Debug implements Logger interface
func (l *stdLogger) Debug(msg string, fields ...Field) {
	l.log(DEBUG, msg, fields...)
}

// Info implements Logger interface
func (l *stdLogger) Info(msg string, fields ...Field) {
	l.log(INFO, msg, fields...)
}

// Warn implements Logger interface
func (l *stdLogger) Warn(msg string, fields ...Field) {
	l.log(WARN, msg, fields...)
}

// Error implements Logger interface
func (l *stdLogger) Error(msg string, fields ...Field) {
	l.log(ERROR, msg, fields...)
}

// WithFields implements Logger interface
func (l *stdLogger) WithFields(fields ...Field) Logger {
	combined := make([]Field, 0, len(l.fields)+len(fields))
	combined = append(combined, l.fields...)
	combined = append(combined, fields...)
	return &stdLogger{out: l.out, level: l.level, fields: combined}
}

// nopLogger discards everything. Used in tests and as the default for
// optional loggers.
type nopLogger struct{}

// NewNop returns a logger that discards all entries.
func NewNop() Logger {
	return nopLogger{}
}

func (nopLogger) Debug(string, ...Field)       {}
func (nopLogger) Info(string, ...Field)        {}
func (nopLogger) Warn(string, ...Field)        {}
func (nopLogger) Error(string, ...Field)       {}
func (n nopLogger) WithFields(...Field) Logger { return n }

// OrNop returns logger when non-nil and the nop logger otherwise, so
// components can log unconditionally.
func OrNop(logger Logger) Logger {
	if logger == nil {
		return nopLogger{}
	}
	return logger
}

// Field constructors for common types
func String(key string, value string) Field {
	return Field{Key: key, Value: value}
}

func Int(key string, value int) Field {
	return Field{Key: key, Value: value}
}

func Uint64(key string, value uint64) Field {
	return Field{Key: key, Value: value}
}

func Float64(key string, value float64) Field {
	return Field{Key: key, Value: value}
}

func Bool(key string, value bool) Field {
	return Field{Key: key, Value: value}
}

func Error(err error) Field {
	return Field{Key: "error", Value: err.Error()}
}

func Duration(key string, value time.Duration) Field {
	return Field{Key: key, Value: value.String()}
}

func Time(key string, value time.Time) Field {
	return Field{Key: key, Value: value.Format(time.RFC3339)}
}

func Any(key string, value interface{}) Field {
	return Field{Key: key, Value: value}
}
