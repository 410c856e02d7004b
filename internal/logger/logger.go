// Package logger sets up structured JSON logging for the exchange daemon.
package logger

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
}

// New creates a component-tagged logger writing JSON to stdout. The level
// comes from VARSWAP_LOG_LEVEL; unset or unknown values fall back to info.
func New(component string) zerolog.Logger {
	return NewWithLevel(component, parseLevel(os.Getenv("VARSWAP_LOG_LEVEL")))
}

// NewWithLevel creates a component-tagged logger at an explicit level.
func NewWithLevel(component string, level zerolog.Level) zerolog.Logger {
	return zerolog.New(os.Stdout).
		Level(level).
		With().
		Timestamp().
		Str("component", component).
		Logger()
}

func parseLevel(s string) zerolog.Level {
	level, err := zerolog.ParseLevel(s)
	if err != nil || s == "" {
		return zerolog.InfoLevel
	}
	return level
}
