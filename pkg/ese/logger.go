package ese

import (
	"io"

	"avaneesh/ese-go/pkg/internal/logger"
)

// Logger is the leveled logger used throughout the stack
type Logger = logger.Logger

// LogLevel represents logging level
type LogLevel int

const (
	// LevelDebug shows all log messages (most verbose)
	LevelDebug LogLevel = iota
	// LevelInfo shows info, warn, and error messages (default)
	LevelInfo
	// LevelWarn shows warn and error messages
	LevelWarn
	// LevelError shows only error messages
	LevelError
)

// ParseLogLevel parses "debug", "info", "warn" or "error"
func ParseLogLevel(raw string) (LogLevel, bool) {
	level, ok := logger.ParseLevel(raw)
	return LogLevel(level), ok
}

// SetLogLevel sets the global logging level. Devices already logging
// through the default logger pick up the new level.
func SetLogLevel(level LogLevel) {
	logger.GetDefault().SetLevel(logger.Level(level))
}

// EnableFrameDebug enables or disables detailed frame debugging.
// When enabled, hex dumps of every T=1 block are logged at debug level.
func EnableFrameDebug(enable bool) {
	logger.SetFrameDebug(enable)
}

// NewLogger creates a console logger writing to w, scoped to component
func NewLogger(w io.Writer, level LogLevel, component string) Logger {
	return logger.NewWriterLogger(w, logger.Level(level)).With(component)
}

// DefaultLogger returns the global logger
func DefaultLogger() Logger {
	return logger.GetDefault()
}

// NoOpLogger returns a logger that discards everything
func NoOpLogger() Logger {
	return logger.NewNoOpLogger()
}

// NewConsoleLogger creates a human readable logger on stdout
func NewConsoleLogger(level LogLevel) Logger {
	return logger.NewDefaultLogger(logger.Level(level))
}
