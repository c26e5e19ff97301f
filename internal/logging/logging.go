// Package logging wraps rs/zerolog the way the teacher's
// internal/shared/monitoring/logger.go does: structured JSON (or
// pretty console) output, a handful of helpers for error and panic
// logging, and a RecoverPanic meant to sit in every goroutine's defer.
package logging

import (
	"io"
	"os"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config selects level and output format.
type Config struct {
	Level  string // "debug" | "info" | "warn" | "error"
	Format string // "json" | "pretty"
}

// New builds a logger with timestamp and caller fields attached, the
// service tag fixed to the gateway's own name.
func New(cfg Config) zerolog.Logger {
	var output io.Writer = os.Stdout

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "pretty" {
		output = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
	}

	return zerolog.New(output).
		With().
		Timestamp().
		Caller().
		Str("service", "gwctl").
		Logger()
}

// InitGlobal sets the package-level zerolog logger, for code paths that
// reach for the global rather than carrying one explicitly.
func InitGlobal(cfg Config) {
	log.Logger = New(cfg)
}

// Error logs err plus a message and arbitrary context fields.
func Error(logger zerolog.Logger, err error, msg string, fields map[string]any) {
	event := logger.Error().Err(err)
	for k, v := range fields {
		event = event.Interface(k, v)
	}
	event.Msg(msg)
}

// ErrorWithStack is Error plus a captured stack trace, for unexpected
// failures worth a full call stack.
func ErrorWithStack(logger zerolog.Logger, err error, msg string, fields map[string]any) {
	event := logger.Error().Err(err).Str("stack_trace", string(debug.Stack()))
	for k, v := range fields {
		event = event.Interface(k, v)
	}
	event.Msg(msg)
}

// RecoverPanic belongs in a deferred call at the top of every
// long-running goroutine. It logs the panic and lets the goroutine
// unwind instead of taking the process down.
func RecoverPanic(logger zerolog.Logger, goroutineName string, fields map[string]any) {
	if r := recover(); r != nil {
		event := logger.Error().
			Str("goroutine", goroutineName).
			Interface("panic_value", r).
			Str("stack_trace", string(debug.Stack()))
		for k, v := range fields {
			event = event.Interface(k, v)
		}
		event.Msg("goroutine panic recovered")
	}
}
