package app

import (
	"io"
	"strings"

	"golang.org/x/exp/slog"

	"roomrelay/internal/config"
)

// NewLogger builds the process logger from the logging section. Unknown levels
// fall back to info; unknown formats fall back to JSON.
func NewLogger(cfg *config.LoggingConfig, w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	format := "json"
	if cfg != nil {
		switch strings.ToLower(cfg.Level) {
		case "debug":
			level = slog.LevelDebug
		case "warn":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		}
		format = strings.ToLower(cfg.Format)
	}

	opts := &slog.HandlerOptions{Level: level}
	if format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}
