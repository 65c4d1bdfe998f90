package logger

import (
	"context"
	"io"
	"os"
	"regexp"
	"strings"
)

// LogLevel defines the level of logging
type LogLevel int

const (
	LevelTrace LogLevel = iota
	LevelDebug
	LevelInfo
	LevelWarn
	LevelError
	LevelNone
)

// LevelEnv is the environment variable consulted by GetLevelFromEnv.
const LevelEnv = "SCYLLA_LOG_LEVEL"

// ParseLevel converts a level name into a LogLevel. Unknown names return def.
func ParseLevel(s string, def LogLevel) LogLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return LevelTrace
	case "debug":
		return LevelDebug
	case "info":
		return LevelInfo
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	case "none", "off":
		return LevelNone
	default:
		return def
	}
}

// GetLevelFromEnv will look at the environment var `SCYLLA_LOG_LEVEL` and convert it into the appropriate LogLevel
func GetLevelFromEnv() LogLevel {
	return ParseLevel(os.Getenv(LevelEnv), LevelInfo)
}

type Sink io.Writer

// Logger is an interface for logging
type Logger interface {
	// With will return a new logger using metadata as the base context
	With(metadata map[string]interface{}) Logger
	// WithPrefix will return a new logger with a prefix prepended to the message
	WithPrefix(prefix string) Logger
	// WithContext will return a new logger with the given context
	WithContext(ctx context.Context) Logger
	// Trace level logging
	Trace(msg string, args ...interface{})
	// Debug level logging
	Debug(msg string, args ...interface{})
	// Info level logging
	Info(msg string, args ...interface{})
	// Warning level logging
	Warn(msg string, args ...interface{})
	// Error level logging
	Error(msg string, args ...interface{})
	// Fatal level logging and exit with code 1
	Fatal(msg string, args ...interface{})
	// Stack will return a new logger that logs to the given logger as well as the current logger
	Stack(next Logger) Logger
}

type SinkLogger interface {
	Logger
	// SetSink will set the sink, and level to sink
	SetSink(sink Sink, level LogLevel)
}

// WithKV is a shortcut for With with a single key/value pair
func WithKV(logger Logger, key string, value interface{}) Logger {
	return logger.With(map[string]interface{}{key: value})
}

var ansiColorStripper = regexp.MustCompile("\x1b\\[[0-9;]*[mK]")

// StripColor removes ANSI colour sequences from val.
func StripColor(val string) string {
	return ansiColorStripper.ReplaceAllString(val, "")
}
