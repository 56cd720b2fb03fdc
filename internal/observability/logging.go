package observability

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

// LogLevelEnv selects the level of every logger built by NewLogger.
const LogLevelEnv = "LEND_LOG_LEVEL"

// NewLogger creates a structured JSON logger on stdout tagged with component.
// The level comes from LEND_LOG_LEVEL and defaults to info.
func NewLogger(component string) zerolog.Logger {
	level := ParseLogLevel(os.Getenv(LogLevelEnv))

	return zerolog.New(os.Stdout).
		Level(level).
		With().
		Timestamp().
		Str("component", component).
		Logger()
}

// NewLoggerWithLevel creates a logger with an explicit level.
func NewLoggerWithLevel(component string, level zerolog.Level) zerolog.Logger {
	return zerolog.New(os.Stdout).
		Level(level).
		With().
		Timestamp().
		Str("component", component).
		Logger()
}

// ParseLogLevel maps debug|info|warn|error to a zerolog level. Unknown
// values fall back to info.
func ParseLogLevel(s string) zerolog.Level {
	switch s {
	case "debug":
		return zerolog.DebugLevel
	case "info", "":
		return zerolog.InfoLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
}
