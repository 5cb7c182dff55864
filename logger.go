package rofsock

import (
	"log/slog"

	"github.com/rs/zerolog"
)

// Logger is the interface for structured logging.
// It is designed to be compatible with *slog.Logger from the standard library.
// Applications can provide their own implementation or use the default slog logger.
type Logger interface {
	// Debug logs a debug-level message with optional key-value pairs.
	Debug(msg string, args ...any)
	// Info logs an info-level message with optional key-value pairs.
	Info(msg string, args ...any)
	// Warn logs a warning-level message with optional key-value pairs.
	Warn(msg string, args ...any)
	// Error logs an error-level message with optional key-value pairs.
	Error(msg string, args ...any)
}

// defaultLogger returns the default slog logger from the standard library.
func defaultLogger() Logger {
	return slog.Default()
}

type zerologLogger struct {
	l zerolog.Logger
}

// NewZerologLogger adapts a zerolog logger. Key-value args become fields.
func NewZerologLogger(l zerolog.Logger) Logger {
	return zerologLogger{l: l}
}

func (z zerologLogger) Debug(msg string, args ...any) { write(z.l.Debug(), msg, args) }
func (z zerologLogger) Info(msg string, args ...any)  { write(z.l.Info(), msg, args) }
func (z zerologLogger) Warn(msg string, args ...any)  { write(z.l.Warn(), msg, args) }
func (z zerologLogger) Error(msg string, args ...any) { write(z.l.Error(), msg, args) }

func write(e *zerolog.Event, msg string, args []any) {
	if e == nil {
		return
	}
	if len(args) > 0 {
		e = e.Fields(args)
	}
	e.Msg(msg)
}
