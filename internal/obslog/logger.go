// Package obslog builds the process-wide base logger and wraps the output
// stream with secret redaction before anything is ever written.
package obslog

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// Options configures logger construction.
type Options struct {
	Level  string // debug|info|warn|error
	Format string // json|pretty
}

// New builds a zerolog.Logger per opts, writing to stderr through a
// RedactWriter. Callers derive component loggers via log.With()... rather
// than reaching for a package-level global.
func New(opts Options) zerolog.Logger {
	var out io.Writer = NewRedactWriter(os.Stderr)
	if opts.Format == "pretty" {
		out = zerolog.ConsoleWriter{Out: NewRedactWriter(os.Stderr)}
	}

	level := parseLevel(opts.Level)
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}

func parseLevel(s string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(s)
	if err != nil {
		return zerolog.InfoLevel
	}
	return lvl
}
