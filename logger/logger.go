package logger

import (
	"os"
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

// ParseLevel converts a level name into a LogLevel. Unknown names map to
// LevelInfo.
func ParseLevel(s string) LogLevel {
	switch strings.ToLower(s) {
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
		return LevelInfo
	}
}

// GetLevelFromEnv will look at the environment var `SEMCACHE_LOG_LEVEL` and
// convert it into the appropriate LogLevel
func GetLevelFromEnv() LogLevel {
	return ParseLevel(os.Getenv("SEMCACHE_LOG_LEVEL"))
}

// Logger is an interface for logging
type Logger interface {
	// With will return a new logger using metadata as the base context
	With(metadata map[string]interface{}) Logger
	// WithPrefix will return a new logger with a prefix prepended to the message
	WithPrefix(prefix string) Logger
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
	// IsLevelEnabled returns true if the given log level is enabled
	IsLevelEnabled(level LogLevel) bool
}

func levelName(level LogLevel) string {
	switch level {
	case LevelTrace:
		return "TRACE"
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	}
	return ""
}

func mergeMetadata(base, extra map[string]interface{}) map[string]interface{} {
	if len(base) == 0 {
		return extra
	}
	kv := make(map[string]interface{}, len(base)+len(extra))
	for k, v := range base {
		kv[k] = v
	}
	for k, v := range extra {
		kv[k] = v
	}
	return kv
}
