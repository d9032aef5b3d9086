package app

import (
	"log/slog"
	"os"
)

// NewLogger returns a configured slog.Logger. Production gets JSON at
// Info; anything else defaults to the text handler at Debug so local
// cache and sync decisions stay visible.
func NewLogger(cfg *Config) *slog.Logger {
	opts := &slog.HandlerOptions{AddSource: true, Level: slog.LevelDebug}
	if cfg.IsProduction() {
		opts.Level = slog.LevelInfo
	}
	var handler slog.Handler
	if cfg != nil && cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler).With(slog.String("app", "gatehouse"))
}
