package lifecycle

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"cluster-watchdog/internal/config"
)

func BuildLogger(cfg config.Common) *slog.Logger {
	return newLogger(os.Stdout, cfg.LogLevel, cfg.LogJSON)
}

func newLogger(w io.Writer, levelName string, json bool) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(strings.TrimSpace(levelName)) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	hOpts := &slog.HandlerOptions{Level: level}
	if json {
		return slog.New(slog.NewJSONHandler(w, hOpts))
	}
	return slog.New(slog.NewTextHandler(w, hOpts))
}
