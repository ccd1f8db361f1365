// Package logging builds the zerolog logger shared by the CLI and library
// code. Library packages never construct loggers; they read the one on the
// context with zerolog.Ctx.
package logging

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Options configures New.
type Options struct {
	// Level is a zerolog level name. Empty means info.
	Level string

	// Format is "json" or "console". Empty means console.
	Format string

	// Writer defaults to os.Stderr so findings on stdout stay parseable.
	Writer io.Writer
}

// New returns a logger for o.
func New(o Options) (zerolog.Logger, error) {
	level := zerolog.InfoLevel
	if o.Level != "" {
		l, err := zerolog.ParseLevel(o.Level)
		if err != nil {
			return zerolog.Nop(), fmt.Errorf("log level: %w", err)
		}
		level = l
	}

	w := o.Writer
	if w == nil {
		w = os.Stderr
	}

	switch o.Format {
	case "", "console":
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.TimeOnly, NoColor: !isTerminal(w)}
	case "json":
	default:
		return zerolog.Nop(), fmt.Errorf("log format %q; valid values: console, json", o.Format)
	}

	return zerolog.New(w).Level(level).With().Timestamp().Logger(), nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	fi, err := f.Stat()
	return err == nil && fi.Mode()&os.ModeCharDevice != 0
}
