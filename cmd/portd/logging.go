package main

import (
	"log/slog"
	"os"

	"github.com/portdaddy/portd/internal/config"
)

// newLogger builds the daemon's structured logger from config: JSON by
// default (matching a supervised/production run), text when -dev is
// passed or the config requests it. logging.silent raises the level to
// error so only failures reach stderr.
func newLogger(cfg config.Config, devText bool) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Logging.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if cfg.Logging.Silent {
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}

	if devText || !cfg.Logging.JSON {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
