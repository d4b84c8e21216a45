// Package observability provides structured logging helpers and the
// key-fingerprint redaction used everywhere a credential would otherwise
// appear in logs or persisted state.
package observability

import (
	"io"
	"log/slog"
)

// LoggerConfig contains configuration for the logger.
type LoggerConfig struct {
	Level      slog.Level
	Output     io.Writer
	AddSource  bool
	JSONFormat bool
}

// NewLogger builds a slog.Logger in the configured format.
func NewLogger(cfg LoggerConfig) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:     cfg.Level,
		AddSource: cfg.AddSource,
	}

	var handler slog.Handler
	if cfg.JSONFormat {
		handler = slog.NewJSONHandler(cfg.Output, opts)
	} else {
		handler = slog.NewTextHandler(cfg.Output, opts)
	}
	return slog.New(handler)
}
