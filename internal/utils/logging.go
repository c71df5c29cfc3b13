package utils

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
)

const logTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// LogOptions configure SetupLogger.
type LogOptions struct {
	// File receives a plain text copy of every record. Empty disables file logging.
	File    string
	Verbose bool
	// Console defaults to stdout.
	Console *os.File
}

// SetupLogger installs the default slog logger: a tint console handler plus an optional log file.
// The returned closer flushes and closes the file.
func SetupLogger(opts LogOptions) (io.Closer, error) {
	level := slog.LevelInfo
	if opts.Verbose {
		level = slog.LevelDebug
	}

	console := opts.Console
	if console == nil {
		console = os.Stdout
	}

	handlers := []slog.Handler{
		tint.NewHandler(console, &tint.Options{
			Level:      level,
			TimeFormat: logTimeFormat,
			NoColor:    !isatty.IsTerminal(console.Fd()),
		}),
	}

	var closer io.Closer = nopCloser{}
	if opts.File != "" {
		if err := EnsureParent(opts.File); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
		f, err := os.OpenFile(opts.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		handlers = append(handlers, slog.NewTextHandler(f, &slog.HandlerOptions{Level: slog.LevelDebug}))
		closer = f
	}

	slog.SetDefault(slog.New(NewMultiLogHandler(handlers...)))
	return closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
