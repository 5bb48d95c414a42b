package logging

import (
	"log/slog"
	"os"
)

type Config struct {
	ServiceName  string
	InstanceName string
	Level        string
}

func NewLogger(cfg Config) *slog.Logger {
	level := new(slog.LevelVar)

	switch cfg.Level {
	case "debug":
		level.Set(slog.LevelDebug)
	case "warn":
		level.Set(slog.LevelWarn)
	case "error":
		level.Set(slog.LevelError)
	default:
		level.Set(slog.LevelInfo)
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	})

	logger := slog.New(handler).With(slog.String("service", cfg.ServiceName))
	if cfg.InstanceName != "" {
		logger = logger.With(slog.String("instance", cfg.InstanceName))
	}
	return logger
}
