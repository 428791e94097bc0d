// Package logger builds the process-wide zerolog logger.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const consoleTimeFormat = "2006-01-02 15:04:05"

// New returns a logger for env at the given level. Development environments
// get console output on stdout; anything else gets JSON lines. When writers
// are given they replace stdout and output is always JSON.
func New(env, level string, writers ...io.Writer) (zerolog.Logger, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return zerolog.Nop(), err
	}
	zerolog.DurationFieldUnit = time.Millisecond

	var out io.Writer
	switch {
	case len(writers) > 0:
		out = io.MultiWriter(writers...)
	case IsDevelopment(env):
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: consoleTimeFormat}
	default:
		out = os.Stdout
	}

	return zerolog.New(out).
		Level(lvl).
		With().
		Timestamp().
		Str("service", "smsrelay").
		Logger(), nil
}

// ParseLevel accepts zerolog level names case-insensitively; empty means info.
func ParseLevel(level string) (zerolog.Level, error) {
	level = strings.ToLower(strings.TrimSpace(level))
	if level == "" {
		return zerolog.InfoLevel, nil
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	return lvl, nil
}

func IsDevelopment(env string) bool {
	return strings.EqualFold(env, "development") || strings.EqualFold(env, "dev")
}
