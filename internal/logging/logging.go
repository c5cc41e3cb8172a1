// Package logging configures the process-wide slog logger: JSON lines to
// a size-rotated file, optionally mirrored to stdout.
package logging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/ccgate/ccgate/internal/config"
)

// Setup installs the default logger per the logging config and returns a
// closer for the log file.
func Setup(cfg config.LoggingSettings) (io.Closer, error) {
	if err := os.MkdirAll(cfg.Directory, 0o755); err != nil {
		return nil, err
	}

	file := &lumberjack.Logger{
		Filename:   filepath.Join(cfg.Directory, "ccgate.log"),
		MaxSize:    cfg.MaxFileSize, // megabytes
		MaxBackups: cfg.MaxFiles,
		Compress:   true,
	}

	var out io.Writer = file
	if cfg.EnableConsole {
		out = io.MultiWriter(file, os.Stdout)
	}

	level := slog.LevelInfo
	if os.Getenv("CCGATE_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}

	handler := slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(handler))
	return file, nil
}
