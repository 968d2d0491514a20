// Package logging configures the process-wide zerolog logger. Every
// other package receives a *zerolog.Logger scoped with a "component"
// field instead of calling a package-level logger directly, replacing
// the teacher's internal/logger (a package-level log.Logger wrapping
// emoji-prefixed Printf helpers) with structured, leveled logging.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Options controls how the root logger is built.
type Options struct {
	Level  string // debug, info, warn, error; defaults to info
	Pretty bool   // human-readable console output instead of JSON
}

// New builds the process-wide root logger. Component loggers are derived
// from it with log.With().Str("component", name).Logger().
func New(opts Options) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339

	level, err := zerolog.ParseLevel(opts.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}

	var out io.Writer = os.Stderr
	if opts.Pretty {
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	}

	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}
