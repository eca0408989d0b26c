// Package logger configures zerolog for the harvesting engine. Every
// service derives its logger from the one built here, so process-wide
// defaults (level, time format, base fields) are set exactly once.
package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config selects the process log level and output format.
type Config struct {
	Level  string // trace, debug, info, warn, error; anything else falls back to info
	Pretty bool   // human-readable console output instead of JSON
}

// New builds the root logger. Every line carries the app name and the
// caller reference so log lines stay attributable once the scheduler,
// scanner, and HTTP server all write to the same stream.
func New(cfg Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.Level)))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339

	var out io.Writer = os.Stdout
	if cfg.Pretty {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "15:04:05"}
	}

	return zerolog.New(out).With().
		Timestamp().
		Caller().
		Str("app", "harvester").
		Logger()
}

// SetGlobalLogger routes zerolog's package-level logger through l, so
// third-party code logging via log.Logger shares the same output and fields.
func SetGlobalLogger(l zerolog.Logger) {
	log.Logger = l
}
