// Package logging provides structured logging for the sync core.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// Logger provides leveled, structured logging backed by logrus.
type Logger struct {
	l *logrus.Logger
}

var (
	global *Logger
	mu     sync.Mutex
)

// Init initializes the global logger, replacing any previous instance.
func Init(out io.Writer, level string) {
	mu.Lock()
	defer mu.Unlock()
	global = newLogger(out, level)
}

// Get returns the global logger instance, initializing a default one
// writing JSON to stdout at info level when none was configured.
func Get() *Logger {
	mu.Lock()
	defer mu.Unlock()
	if global == nil {
		global = newLogger(os.Stdout, "info")
	}
	return global
}

// SetLevel adjusts the global minimum level at runtime (config reload).
// Unknown level names are rejected without changing the current level.
func SetLevel(level string) error {
	parsed, err := parseLevel(level)
	if err != nil {
		return err
	}
	Get().l.SetLevel(parsed)
	return nil
}

func newLogger(out io.Writer, level string) *Logger {
	l := logrus.New()
	l.SetOutput(out)
	if parsed, err := parseLevel(level); err == nil {
		l.SetLevel(parsed)
	} else {
		l.SetLevel(logrus.InfoLevel)
	}
	l.SetFormatter(&logrus.JSONFormatter{})
	return &Logger{l: l}
}

func parseLevel(level string) (logrus.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return logrus.DebugLevel, nil
	case "info":
		return logrus.InfoLevel, nil
	case "warn", "warning":
		return logrus.WarnLevel, nil
	case "error":
		return logrus.ErrorLevel, nil
	default:
		return logrus.InfoLevel, fmt.Errorf("unknown log level %q", level)
	}
}

// Debug logs a debug message with optional context fields.
func (lg *Logger) Debug(message string, context ...map[string]interface{}) {
	lg.entry(nil, context).Debug(message)
}

// Info logs an info message with optional context fields.
func (lg *Logger) Info(message string, context ...map[string]interface{}) {
	lg.entry(nil, context).Info(message)
}

// Warn logs a warning message with optional context fields.
func (lg *Logger) Warn(message string, context ...map[string]interface{}) {
	lg.entry(nil, context).Warn(message)
}

// Error logs an error message with optional context fields.
func (lg *Logger) Error(message string, err error, context ...map[string]interface{}) {
	lg.entry(err, context).Error(message)
}

func (lg *Logger) entry(err error, context []map[string]interface{}) *logrus.Entry {
	entry := logrus.NewEntry(lg.l)
	for _, c := range context {
		if c != nil {
			entry = entry.WithFields(logrus.Fields(c))
		}
	}
	if err != nil {
		entry = entry.WithError(err)
	}
	return entry
}

// Convenience functions using the global logger.

func Debug(message string, context ...map[string]interface{}) {
	Get().Debug(message, context...)
}

func Info(message string, context ...map[string]interface{}) {
	Get().Info(message, context...)
}

func Warn(message string, context ...map[string]interface{}) {
	Get().Warn(message, context...)
}

func Error(message string, err error, context ...map[string]interface{}) {
	Get().Error(message, err, context...)
}
