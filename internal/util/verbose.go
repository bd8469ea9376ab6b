package util

import (
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/jerett/mediaMuxer/config"
)

var (
	logger   *slog.Logger
	loggerMu sync.Mutex
)

// ParseLevel maps a level name to a slog level, defaulting to info
func ParseLevel(name string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug", "verbose":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// InitLogger initializes the global slog logger with appropriate level
func InitLogger(level string) *slog.Logger {
	loggerMu.Lock()
	defer loggerMu.Unlock()

	opts := &slog.HandlerOptions{
		Level: ParseLevel(level),
	}

	handler := slog.NewTextHandler(os.Stderr, opts)
	logger = slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// GetLogger returns the configured logger instance
func GetLogger() *slog.Logger {
	loggerMu.Lock()
	l := logger
	loggerMu.Unlock()
	if l == nil {
		// Fallback initialization with the configured level
		return InitLogger(config.GetLogLevel())
	}
	return l
}
