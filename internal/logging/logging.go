// Package logging provides structured logging for udpgate.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// NewLogger creates a structured logger writing to stderr.
// Supported levels: debug, info, warn, error
// Supported formats: text, json
func NewLogger(level, format string) *slog.Logger {
	return NewLoggerWithWriter(level, format, os.Stderr)
}

// NewLoggerWithWriter creates a structured logger with a custom writer.
func NewLoggerWithWriter(level, format string, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: ParseLevel(level),
	}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}

// ParseLevel converts a string log level to slog.Level. Unknown values map to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NopLogger returns a logger that discards all output.
func NopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ForPort returns a child logger tagged with the relay component and port.
func ForPort(logger *slog.Logger, port int) *slog.Logger {
	return logger.With(slog.String(KeyComponent, "relay"), slog.Int(KeyPort, port))
}

// Common attribute keys for consistent logging.
const (
	KeyComponent  = "component"
	KeyPort       = "port"
	KeyClient     = "client"
	KeyLocalAddr  = "local_addr"
	KeyTarget     = "target"
	KeyIP         = "ip"
	KeyError      = "error"
	KeyCount      = "count"
	KeyDuration   = "duration"
	KeyBytesIn    = "bytes_in"
	KeyBytesOut   = "bytes_out"
	KeySuppressed = "suppressed"
)
