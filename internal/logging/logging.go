// Package logging wires zerolog the way the rest of the stack expects it:
// a process-wide logger configured once at startup, carried through
// context.Context for request/operation-scoped fields, and injected into
// streamstore.Store via WithLogger.
package logging

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

type contextKey string

const loggerKey contextKey = "logger"

var globalLogger zerolog.Logger

// Initialize configures the global logger. level is one of
// debug/info/warn/error; format "console" renders human-readable output,
// anything else (including "") renders JSON.
func Initialize(level, format string) {
	var output io.Writer = os.Stdout
	if format == "console" {
		output = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	logLevel := zerolog.InfoLevel
	switch level {
	case "debug":
		logLevel = zerolog.DebugLevel
	case "warn":
		logLevel = zerolog.WarnLevel
	case "error":
		logLevel = zerolog.ErrorLevel
	}

	zerolog.SetGlobalLevel(logLevel)
	globalLogger = zerolog.New(output).With().Timestamp().Logger()
}

// Get returns the process-wide logger.
func Get() *zerolog.Logger { return &globalLogger }

// FromContext returns the logger carried on ctx, or the global logger if
// none was attached.
func FromContext(ctx context.Context) *zerolog.Logger {
	if logger, ok := ctx.Value(loggerKey).(*zerolog.Logger); ok {
		return logger
	}
	return &globalLogger
}

// WithContext attaches logger to ctx.
func WithContext(ctx context.Context, logger *zerolog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// WithStreamID returns a context carrying a logger annotated with
// stream_id, for call sites that log around a single stream's operations.
func WithStreamID(ctx context.Context, streamID string) context.Context {
	logger := FromContext(ctx).With().Str("stream_id", streamID).Logger()
	return WithContext(ctx, &logger)
}
