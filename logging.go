package shardedup

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Logger wraps slog.Logger with shardedup-specific context.
// This provides structured logging with consistent field names.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a new Logger with the given handler.
// If handler is nil, uses default text handler to stderr.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{Logger: slog.New(handler)}
}

// NewTextLogger creates a Logger that outputs human-readable text logs.
func NewTextLogger(w io.Writer, level slog.Level) *Logger {
	handler := slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{Logger: slog.New(handler)}
}

// NewJSONLogger creates a Logger that outputs JSON-formatted logs.
func NewJSONLogger(w io.Writer, level slog.Level) *Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{Logger: slog.New(handler)}
}

// NoopLogger creates a Logger that discards all log output.
func NoopLogger() *Logger {
	handler := slog.NewTextHandler(io.Discard, &slog.HandlerOptions{
		Level: slog.Level(1000), // Unreachable level
	})
	return &Logger{Logger: slog.New(handler)}
}

// WithBucket adds a bucket field to the logger, tagging one merge round.
func (l *Logger) WithBucket(bucket int) *Logger {
	return &Logger{Logger: l.Logger.With("bucket", bucket)}
}

// WithShard adds a shard field to the logger.
func (l *Logger) WithShard(base string) *Logger {
	return &Logger{Logger: l.Logger.With("shard", base)}
}

// ParseLevel converts a CLI log-level string into a slog.Level.
// "off" maps to a level above Error so nothing is emitted.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "trace", "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error", "critical":
		return slog.LevelError, nil
	case "off":
		return slog.Level(1000), nil
	default:
		return 0, fmt.Errorf("unknown log level: %q", s)
	}
}
