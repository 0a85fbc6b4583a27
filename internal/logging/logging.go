// Package logging wires the process-wide zerolog logger and hands out
// per-owner child loggers.
package logging

import (
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Setup configures the global logger. With pretty set, output goes through a
// human-friendly console writer on stderr; otherwise it is JSON.
func Setup(level string, pretty bool) error {
	return SetupWriter(os.Stderr, level, pretty)
}

// SetupWriter is Setup with an explicit destination.
func SetupWriter(w io.Writer, level string, pretty bool) error {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return errors.Wrapf(err, "parse log level %q", level)
	}
	if lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	zerolog.SetGlobalLevel(lvl)
	if pretty {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: w}).With().Timestamp().Logger()
	} else {
		log.Logger = zerolog.New(w).With().Timestamp().Logger()
	}
	return nil
}

// For returns a child of the global logger tagged with the owning module.
func For(owner string) zerolog.Logger {
	return log.With().Str("module", owner).Logger()
}

// Or tags base with the owning module, falling back to the global logger
// when base is nil.
func Or(base *zerolog.Logger, owner string) zerolog.Logger {
	if base == nil {
		return For(owner)
	}
	return base.With().Str("module", owner).Logger()
}
