// Package logging builds the *slog.Logger used by the executables. Library
// packages never configure logging themselves; they take a logger in their
// Options.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	EnvLogLevel  = "WSSESSION_LOG_LEVEL"
	EnvLogFormat = "WSSESSION_LOG_FORMAT"
)

// Format names accepted by New.
const (
	FormatText    = "text"
	FormatJSON    = "json"
	FormatConsole = "console"
)

// Config selects level and output format.
type Config struct {
	Level  string
	Format string
}

// New returns a logger writing to w, with environment overrides applied on
// top of cfg. Unknown levels fall back to info and unknown formats to text.
func New(w io.Writer, cfg Config) *slog.Logger {
	applyEnvOverrides(&cfg)
	level, _ := ParseLevel(cfg.Level)

	switch strings.ToLower(strings.TrimSpace(cfg.Format)) {
	case FormatJSON:
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
	case FormatConsole:
		out := zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
		zl := zerolog.New(out).With().Timestamp().Logger()
		return slog.New(NewZerologHandler(zl, level))
	default:
		return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
	}
}

// NewStderr is New writing to os.Stderr.
func NewStderr(cfg Config) *slog.Logger {
	return New(os.Stderr, cfg)
}

func applyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv(EnvLogLevel)); v != "" {
		cfg.Level = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvLogFormat)); v != "" {
		cfg.Format = v
	}
}

// ParseLevel maps a level name to a slog.Level. The second result is false
// for unrecognized names, which map to info.
func ParseLevel(raw string) (slog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "trace", "debug":
		return slog.LevelDebug, true
	case "info", "":
		return slog.LevelInfo, raw != ""
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	default:
		return slog.LevelInfo, false
	}
}
