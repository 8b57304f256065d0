// Package log provides the common logging interface used across hyperbee components.
package log

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// Level represents the logging level
type Level int

const (
	// LevelDebug level for detailed troubleshooting information
	LevelDebug Level = iota
	// LevelInfo level for general operational information
	LevelInfo
	// LevelWarn level for potentially harmful situations
	LevelWarn
	// LevelError level for error events
	LevelError
)

// String returns the string representation of the log level
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return fmt.Sprintf("LEVEL(%d)", l)
	}
}

// Logger is the logging interface consumed by the feed and CLI
type Logger interface {
	// Debug logs a debug-level message
	Debug(msg string, args ...interface{})
	// Info logs an info-level message
	Info(msg string, args ...interface{})
	// Warn logs a warning-level message
	Warn(msg string, args ...interface{})
	// Error logs an error-level message
	Error(msg string, args ...interface{})
	// WithField returns a new logger with the given field added to the context
	WithField(key string, value interface{}) Logger
	// SetLevel sets the logging level
	SetLevel(level Level)
}

// StandardLogger writes timestamped, level-gated lines to a writer
type StandardLogger struct {
	mu     sync.Mutex
	level  Level
	out    io.Writer
	fields map[string]interface{}
}

// Option configures a StandardLogger
type Option func(*StandardLogger)

// WithLevel sets the logging level
func WithLevel(level Level) Option {
	return func(l *StandardLogger) { l.level = level }
}

// WithOutput sets the output writer
func WithOutput(w io.Writer) Option {
	return func(l *StandardLogger) { l.out = w }
}

// NewStandardLogger creates a new StandardLogger with the given options
func NewStandardLogger(options ...Option) *StandardLogger {
	logger := &StandardLogger{
		level:  LevelInfo,
		out:    os.Stdout,
		fields: make(map[string]interface{}),
	}
	for _, option := range options {
		option(logger)
	}
	return logger
}

func (l *StandardLogger) log(level Level, msg string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if level < l.level {
		return
	}

	if len(args) > 0 {
		msg = fmt.Sprintf(msg, args...)
	}

	var fields string
	if len(l.fields) > 0 {
		keys := make([]string, 0, len(l.fields))
		for k := range l.fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s=%v", k, l.fields[k]))
		}
		fields = " [" + strings.Join(parts, " ") + "]"
	}

	fmt.Fprintf(l.out, "%s [%s]%s %s\n",
		time.Now().Format("2006-01-02 15:04:05.000"), level, fields, msg)
}

// Debug logs a debug-level message
func (l *StandardLogger) Debug(msg string, args ...interface{}) {
	l.log(LevelDebug, msg, args...)
}

// Info logs an info-level message
func (l *StandardLogger) Info(msg string, args ...interface{}) {
	l.log(LevelInfo, msg, args...)
}

// Warn logs a warning-level message
func (l *StandardLogger) Warn(msg string, args ...interface{}) {
	l.log(LevelWarn, msg, args...)
}

// Error logs an error-level message
func (l *StandardLogger) Error(msg string, args ...interface{}) {
	l.log(LevelError, msg, args...)
}

// WithField returns a new logger with the given field added to the context
func (l *StandardLogger) WithField(key string, value interface{}) Logger {
	l.mu.Lock()
	defer l.mu.Unlock()

	fields := make(map[string]interface{}, len(l.fields)+1)
	for k, v := range l.fields {
		fields[k] = v
	}
	fields[key] = value

	return &StandardLogger{
		level:  l.level,
		out:    l.out,
		fields: fields,
	}
}

// SetLevel sets the logging level
func (l *StandardLogger) SetLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

var (
	defaultLogger     Logger
	defaultLoggerOnce sync.Once
)

// GetDefaultLogger returns the process-wide default logger
func GetDefaultLogger() Logger {
	defaultLoggerOnce.Do(func() {
		defaultLogger = NewStandardLogger()
	})
	return defaultLogger
}
