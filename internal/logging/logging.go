// Package logging constructs the process-wide structured logger.
//
// The logger is built once in cmd/worker/main.go and passed explicitly down
// through constructors — it is never reached for as a package-level global,
// the same discipline the scheduler applies to the cached installation
// token and the rate-limit deadline (both are single-writer fields on the
// worker value, not ambient globals).
package logging

import (
	"io"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
)

// New builds a zerolog.Logger at the given level ("debug", "info", "warn",
// "error"; invalid or empty defaults to "info"). Output is a colorized
// console writer when stdout is a terminal, newline-delimited JSON
// otherwise (the shape expected by a log-aggregation sidecar).
func New(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	var w io.Writer = os.Stdout
	if isatty.IsTerminal(os.Stdout.Fd()) {
		w = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "15:04:05"}
	}

	return zerolog.New(w).Level(lvl).With().Timestamp().Logger()
}
