package main

import (
	"log/slog"
	"os"

	"github.com/mattn/go-isatty"
	slogmulti "github.com/samber/slog-multi"
)

// buildLogger creates the process logger: human-readable text on stderr
// when attached to a terminal, JSON otherwise, with an optional JSON file
// fanout for machine parsing. The returned cleanup closes the log file.
func buildLogger(logFile string, level slog.Level) (*slog.Logger, func() error) {
	opts := &slog.HandlerOptions{Level: level}

	var stderrHandler slog.Handler
	if isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd()) {
		stderrHandler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		stderrHandler = slog.NewJSONHandler(os.Stderr, opts)
	}

	if logFile == "" {
		return slog.New(stderrHandler), func() error { return nil }
	}

	file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		logger := slog.New(stderrHandler)
		logger.Error("failed to open log file, using stderr only",
			"file", logFile, "error", err)

		return logger, func() error { return nil }
	}

	fileHandler := slog.NewJSONHandler(file, opts)

	return slog.New(slogmulti.Fanout(stderrHandler, fileHandler)), file.Close
}

// parseLevel maps a config log level string to slog. Unknown strings fall
// back to info.
func parseLevel(s string) slog.Level {
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
