// Package logger provides structured logging using Go 1.21's log/slog with
// size-based file rotation. Component code logs through the stdlib log
// package with a "[component]" prefix; that output is redirected into the
// same rotating sink so one file carries everything.
package logger

import (
	"io"
	"log"
	"log/slog"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Config configures the rotating log file. A zero File disables file output
// and everything goes to stdout only.
type Config struct {
	File       string
	MaxSizeMB  int // rotate after this many megabytes, default 50
	MaxBackups int // rotated files to keep, default 5
	MaxAgeDays int // days to keep rotated files, default 14
}

// Init creates the service logger, sets it as the slog default, and points
// the stdlib log package at the same writer.
func Init(service string, level slog.Level, cfg Config) *slog.Logger {
	var w io.Writer = os.Stdout
	if cfg.File != "" {
		if cfg.MaxSizeMB == 0 {
			cfg.MaxSizeMB = 50
		}
		if cfg.MaxBackups == 0 {
			cfg.MaxBackups = 5
		}
		if cfg.MaxAgeDays == 0 {
			cfg.MaxAgeDays = 14
		}
		w = io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		})
	}

	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	})

	logger := slog.New(handler).With(
		slog.String("service", service),
	)
	slog.SetDefault(logger)

	log.SetOutput(w)
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	return logger
}

// ParseLevel maps a config string to a slog level. Unknown values mean Info.
func ParseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
