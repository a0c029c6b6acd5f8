// Package logging provides the process-wide structured logger used by
// every component, built on zerolog for leveled, structured output.
package logging

import (
	"os"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

var current atomic.Pointer[zerolog.Logger]

func init() {
	Configure(zerolog.InfoLevel, false)
}

// L returns the process logger.
func L() *zerolog.Logger {
	return current.Load()
}

// Configure replaces the process logger, e.g. to switch to JSON output or
// raise the level from the CLI.
func Configure(level zerolog.Level, json bool) {
	var base zerolog.Logger
	if json {
		base = zerolog.New(os.Stderr)
	} else {
		base = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	l := base.Level(level).With().Timestamp().Logger()
	current.Store(&l)
}
