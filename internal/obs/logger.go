package obs

import (
	"log"
	"strings"
)

// Level is the severity of a log line.
type Level int

const (
	Debug Level = iota
	Info
	Warn
	Error
)

func (l Level) String() string {
	switch l {
	case Debug:
		return "DEBUG"
	case Info:
		return "INFO"
	case Warn:
		return "WARN"
	case Error:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel maps a config string (debug, info, warn, error) to a Level.
// Unknown values fall back to Info.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug", "trace":
		return Debug
	case "warn", "warning":
		return Warn
	case "error":
		return Error
	default:
		return Info
	}
}

// Logger is the leveled logging interface shared by the server, the client
// and the pool.
type Logger interface {
	Logf(level Level, format string, args ...interface{})
}

// NopLogger discards all logs.
type NopLogger struct{}

func (NopLogger) Logf(level Level, format string, args ...interface{}) {}

// StdLogger adapts the standard library logger.
type StdLogger struct {
	L    *log.Logger
	Min  Level
	Pref string // optional prefix per log line
}

func (s StdLogger) Logf(level Level, format string, args ...interface{}) {
	if s.L == nil {
		return
	}
	if level < s.Min {
		return
	}
	if s.Pref != "" {
		s.L.Printf("%s[%s] "+format, append([]interface{}{s.Pref, level.String()}, args...)...)
	} else {
		s.L.Printf("[%s] "+format, append([]interface{}{level.String()}, args...)...)
	}
}

// OrNop returns l, or a NopLogger when l is nil.
func OrNop(l Logger) Logger {
	if l == nil {
		return NopLogger{}
	}
	return l
}
