package logger

import (
	"encoding/hex"
	"io"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// EnvLogLevel overrides the level of the package default logger
const EnvLogLevel = "ESE_LOG_LEVEL"

// Level represents logging level
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// String returns string representation of Level
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
		return "UNKNOWN"
	}
}

// ParseLevel parses a level name, returning false when it is not recognised
func ParseLevel(raw string) (Level, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug", "trace":
		return LevelDebug, true
	case "info":
		return LevelInfo, true
	case "warn", "warning":
		return LevelWarn, true
	case "error":
		return LevelError, true
	default:
		return LevelInfo, false
	}
}

// Logger is the interface for logging
type Logger interface {
	Debug(format string, args ...interface{})
	Info(format string, args ...interface{})
	Warn(format string, args ...interface{})
	Error(format string, args ...interface{})
	SetLevel(level Level)
}

// DefaultLogger writes leveled console output through zerolog. The level
// is shared with every scoped child and may change while in use.
type DefaultLogger struct {
	zl    zerolog.Logger
	level *atomic.Int32
}

// NewDefaultLogger creates a new default logger writing to stdout
func NewDefaultLogger(level Level) *DefaultLogger {
	return NewWriterLogger(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}, level)
}

// NewWriterLogger creates a logger writing to w
func NewWriterLogger(w io.Writer, level Level) *DefaultLogger {
	zl := zerolog.New(w).With().Timestamp().Str("component", "ese").Logger()
	l := &DefaultLogger{zl: zl, level: new(atomic.Int32)}
	l.level.Store(int32(level))
	return l
}

// With returns a child logger tagged with a scope field
func (l *DefaultLogger) With(scope string) *DefaultLogger {
	return &DefaultLogger{zl: l.zl.With().Str("scope", scope).Logger(), level: l.level}
}

// Scoped tags l with scope when it supports scopes, and returns it as is
// otherwise
func Scoped(l Logger, scope string) Logger {
	if dl, ok := l.(*DefaultLogger); ok {
		return dl.With(scope)
	}
	return l
}

func (l *DefaultLogger) enabled(level Level) bool {
	return level >= Level(l.level.Load())
}

// Debug logs debug message
func (l *DefaultLogger) Debug(format string, args ...interface{}) {
	if l.enabled(LevelDebug) {
		l.zl.Debug().Msgf(format, args...)
	}
}

// Info logs info message
func (l *DefaultLogger) Info(format string, args ...interface{}) {
	if l.enabled(LevelInfo) {
		l.zl.Info().Msgf(format, args...)
	}
}

// Warn logs warning message
func (l *DefaultLogger) Warn(format string, args ...interface{}) {
	if l.enabled(LevelWarn) {
		l.zl.Warn().Msgf(format, args...)
	}
}

// Error logs error message
func (l *DefaultLogger) Error(format string, args ...interface{}) {
	if l.enabled(LevelError) {
		l.zl.Error().Msgf(format, args...)
	}
}

// SetLevel sets the logging level. It is safe to call while other
// goroutines log.
func (l *DefaultLogger) SetLevel(level Level) {
	l.level.Store(int32(level))
}

// NoOpLogger is a logger that doesn't log anything
type NoOpLogger struct{}

// NewNoOpLogger creates a logger that doesn't log
func NewNoOpLogger() *NoOpLogger {
	return &NoOpLogger{}
}

// Debug does nothing
func (l *NoOpLogger) Debug(format string, args ...interface{}) {}

// Info does nothing
func (l *NoOpLogger) Info(format string, args ...interface{}) {}

// Warn does nothing
func (l *NoOpLogger) Warn(format string, args ...interface{}) {}

// Error does nothing
func (l *NoOpLogger) Error(format string, args ...interface{}) {}

// SetLevel does nothing
func (l *NoOpLogger) SetLevel(level Level) {}

type holder struct {
	l Logger
}

// Global default logger
var defaultLogger atomic.Pointer[holder]

var frameDebug atomic.Bool

func init() {
	defaultLogger.Store(&holder{l: newEnvLogger()})
}

func newEnvLogger() Logger {
	level, ok := ParseLevel(os.Getenv(EnvLogLevel))
	if !ok {
		level = LevelInfo
	}
	return NewDefaultLogger(level)
}

// SetDefault sets the default logger
func SetDefault(logger Logger) {
	defaultLogger.Store(&holder{l: logger})
}

// GetDefault returns the default logger
func GetDefault() Logger {
	return defaultLogger.Load().l
}

// SetFrameDebug enables hex dumps of every frame sent and received
func SetFrameDebug(enable bool) {
	frameDebug.Store(enable)
}

// FrameDebug reports whether frame hex dumps are enabled
func FrameDebug() bool {
	return frameDebug.Load()
}

// Frame dumps a frame at debug level when frame debugging is enabled
func Frame(l Logger, tag string, data []byte) {
	if !frameDebug.Load() {
		return
	}
	l.Debug("%s %s", tag, hex.EncodeToString(data))
}

// Debug logs debug message using default logger
func Debug(format string, args ...interface{}) {
	GetDefault().Debug(format, args...)
}

// Info logs info message using default logger
func Info(format string, args ...interface{}) {
	GetDefault().Info(format, args...)
}

// Warn logs warning message using default logger
func Warn(format string, args ...interface{}) {
	GetDefault().Warn(format, args...)
}

// Error logs error message using default logger
func Error(format string, args ...interface{}) {
	GetDefault().Error(format, args...)
}
