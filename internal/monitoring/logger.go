// Package monitoring is the operational surface shared by the fabric's
// binaries: zerolog setup, panic capture for long-lived goroutines, the
// prometheus collectors and a system resource sampler.
package monitoring

import (
	"io"
	"os"
	"runtime/debug"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// NewLogger builds the service logger. level takes zerolog level names;
// pretty switches from JSON to console output for local runs.
func NewLogger(level string, pretty bool) zerolog.Logger {
	lv, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || lv == zerolog.NoLevel {
		lv = zerolog.InfoLevel
	}
	var output io.Writer = os.Stdout
	if pretty {
		output = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}
	return zerolog.New(output).
		Level(lv).
		With().
		Timestamp().
		Str("service", "channels-envelope").
		Logger()
}

// RecoverPanic logs a recovered panic and keeps the process running.
// Defer it at the top of every long-lived goroutine.
func RecoverPanic(log zerolog.Logger, goroutine string) {
	if r := recover(); r != nil {
		log.Error().
			Str("goroutine", goroutine).
			Interface("panic_value", r).
			Str("stack_trace", string(debug.Stack())).
			Msg("goroutine panic recovered")
	}
}
