// Package logging provides the logging interface and default implementations for harborkv.
//
// Design: Five-level interface (Error, Warn, Info, Debug, Fatal). The default
// implementation is backed by logrus, so callers that already configure a
// logrus.Logger can hand it to the store with FromLogrus.
//
// Fatalf logs at FATAL level but never exits the process. The database
// decides what a fatal condition means (it stops accepting writes).
//
// Log format: YYYY/MM/DD HH:MM:SS LEVEL [component] message
//
// Example: 2026/10/18 18:45:13 INFO [db] opened /var/lib/harbor (engine=leveldb, families=3)
//
// Component namespace prefixes are used for filtering:
//   - [db]      : open/close and write path
//   - [cf]      : column family create/drop
//   - [txn]     : transaction lifecycle and lock waits
//   - [snapshot]: snapshot lifecycle
//   - [engine]  : storage backend events
//   - [stats]   : periodic statistics dumps
package logging

import (
	"io"
	"os"
	"reflect"

	"github.com/sirupsen/logrus"
)

// Level represents the logging level.
type Level int

const (
	// LevelError logs only errors.
	LevelError Level = iota
	// LevelWarn logs warnings and errors.
	LevelWarn
	// LevelInfo logs info, warnings, and errors.
	LevelInfo
	// LevelDebug logs everything including debug messages.
	LevelDebug
)

// String returns the string representation of the level.
func (l Level) String() string {
	switch l {
	case LevelError:
		return "ERROR"
	case LevelWarn:
		return "WARN"
	case LevelInfo:
		return "INFO"
	case LevelDebug:
		return "DEBUG"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel parses a level name as printed by String, case-insensitively.
func ParseLevel(s string) (Level, bool) {
	lv, err := logrus.ParseLevel(s)
	if err != nil {
		return LevelWarn, false
	}
	return fromLogrusLevel(lv), true
}

func (l Level) logrus() logrus.Level {
	switch l {
	case LevelError:
		return logrus.ErrorLevel
	case LevelWarn:
		return logrus.WarnLevel
	case LevelInfo:
		return logrus.InfoLevel
	default:
		return logrus.DebugLevel
	}
}

func fromLogrusLevel(lv logrus.Level) Level {
	switch {
	case lv <= logrus.ErrorLevel:
		return LevelError
	case lv == logrus.WarnLevel:
		return LevelWarn
	case lv == logrus.InfoLevel:
		return LevelInfo
	default:
		return LevelDebug
	}
}

// Logger defines the interface for database logging.
//
// Concurrency: DefaultLogger and Discard are safe for concurrent use.
// User-provided Logger implementations MUST be safe for concurrent use,
// as logging may occur from multiple goroutines simultaneously.
type Logger interface {
	// Errorf logs a formatted error message.
	Errorf(format string, args ...any)

	// Warnf logs a formatted warning message.
	Warnf(format string, args ...any)

	// Infof logs a formatted informational message.
	Infof(format string, args ...any)

	// Debugf logs a formatted debug message.
	Debugf(format string, args ...any)

	// Fatalf logs a fatal condition. It must not exit the process.
	Fatalf(format string, args ...any)
}

// Namespace prefixes for log messages.
const (
	// NSDB is the namespace for general database operations.
	NSDB = "[db] "
	// NSCF is the namespace for column family operations.
	NSCF = "[cf] "
	// NSTxn is the namespace for transaction operations.
	NSTxn = "[txn] "
	// NSSnapshot is the namespace for snapshot operations.
	NSSnapshot = "[snapshot] "
	// NSEngine is the namespace for storage backend operations.
	NSEngine = "[engine] "
	// NSStats is the namespace for statistics dumps.
	NSStats = "[stats] "
)

// DefaultLogger is a Logger backed by a logrus.Logger.
type DefaultLogger struct {
	log *logrus.Logger
}

// NewDefaultLogger creates a logger writing to stderr at the given level.
func NewDefaultLogger(level Level) *DefaultLogger {
	return NewLogger(os.Stderr, level)
}

// NewLogger creates a logger with the specified output and level.
// Output format: YYYY/MM/DD HH:MM:SS LEVEL [component] message
func NewLogger(w io.Writer, level Level) *DefaultLogger {
	l := logrus.New()
	l.SetOutput(w)
	l.SetFormatter(&lineFormatter{})
	l.SetLevel(level.logrus())
	return &DefaultLogger{log: l}
}

// FromLogrus wraps an existing logrus logger. Its formatter, output and level
// are left untouched.
func FromLogrus(l *logrus.Logger) *DefaultLogger {
	return &DefaultLogger{log: l}
}

// Logrus returns the underlying logrus logger.
func (l *DefaultLogger) Logrus() *logrus.Logger {
	return l.log
}

// Level returns the logging level.
func (l *DefaultLogger) Level() Level {
	return fromLogrusLevel(l.log.GetLevel())
}

// SetLevel changes the logging level.
func (l *DefaultLogger) SetLevel(level Level) {
	l.log.SetLevel(level.logrus())
}

// Errorf logs a formatted error message.
func (l *DefaultLogger) Errorf(format string, args ...any) {
	l.log.Errorf(format, args...)
}

// Warnf logs a formatted warning message.
func (l *DefaultLogger) Warnf(format string, args ...any) {
	l.log.Warnf(format, args...)
}

// Infof logs a formatted informational message.
func (l *DefaultLogger) Infof(format string, args ...any) {
	l.log.Infof(format, args...)
}

// Debugf logs a formatted debug message.
func (l *DefaultLogger) Debugf(format string, args ...any) {
	l.log.Debugf(format, args...)
}

// Fatalf logs at FATAL level regardless of the configured level.
// logrus' own Fatal exits the process, so the entry is written at error
// level with a fatal marker instead.
func (l *DefaultLogger) Fatalf(format string, args ...any) {
	l.log.WithField(fatalField, true).Logf(logrus.ErrorLevel, format, args...)
}

const fatalField = "fatal"

// IsNil returns true if the logger is nil or a typed-nil.
// A typed-nil occurs when a nil pointer is assigned to an interface:
//
//	var l *MyLogger = nil
//	opts.Logger = l  // Interface is not nil, but underlying pointer is
//
// Calling methods on a typed-nil panics, so this function detects both cases.
func IsNil(l Logger) bool {
	if l == nil {
		return true
	}
	v := reflect.ValueOf(l)
	return v.Kind() == reflect.Ptr && v.IsNil()
}

// OrDefault returns the provided logger if it is valid (non-nil and not typed-nil),
// otherwise returns a default WARN-level logger.
func OrDefault(l Logger) Logger {
	if IsNil(l) {
		return NewDefaultLogger(LevelWarn)
	}
	return l
}
