// Package logging provides logging setup and configuration for the console
// and relay binaries. Logs are written to both file and stdout by default.
package logging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
)

const (
	defaultFileName = "console.log"
	logFileMode     = 0644
	logDirMode      = 0755
)

// Config holds logging configuration.
type Config struct {
	LogDir      string
	FileName    string
	Debug       bool
	LogToStdout bool
}

// Setup initializes logging with both file and optional stdout output.
// Returns the configured logger and a cleanup function to close the log file.
func Setup(cfg Config) (*slog.Logger, func(), error) {
	logLevel := slog.LevelInfo
	if cfg.Debug {
		logLevel = slog.LevelDebug
	}

	if cfg.FileName == "" {
		cfg.FileName = defaultFileName
	}

	// No log directory configured: stdout only
	if cfg.LogDir == "" {
		logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: logLevel,
		}))
		return logger, func() {}, nil
	}

	if err := os.MkdirAll(cfg.LogDir, logDirMode); err != nil {
		// Fall back to stdout-only logging
		logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: logLevel,
		}))
		return logger, func() {}, nil
	}

	logPath := filepath.Join(cfg.LogDir, cfg.FileName)
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, logFileMode)
	if err != nil {
		// Fall back to stdout-only logging
		logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: logLevel,
		}))
		return logger, func() {}, nil
	}

	// Set file permissions (ignore errors on Windows)
	os.Chmod(logPath, logFileMode)

	var writer io.Writer
	if cfg.LogToStdout {
		writer = io.MultiWriter(logFile, os.Stdout)
	} else {
		writer = logFile
	}

	logger := slog.New(slog.NewJSONHandler(writer, &slog.HandlerOptions{
		Level: logLevel,
	}))

	cleanup := func() {
		logFile.Close()
	}

	return logger, cleanup, nil
}

// SetupWithDefaults creates a logger that writes to file and optionally stdout.
// When running under a service manager (XXTCC_SERVICE=1), stdout is disabled to
// prevent duplicate logs when the manager also redirects stdout to the log file.
func SetupWithDefaults(logDir string, debug bool) (*slog.Logger, func(), error) {
	logToStdout := os.Getenv("XXTCC_SERVICE") != "1"

	return Setup(Config{
		LogDir:      logDir,
		Debug:       debug,
		LogToStdout: logToStdout,
	})
}
