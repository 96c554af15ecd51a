// Package logging configures the process-wide slog logger and provides
// attribute helpers so every component logs the same keys.
package logging

import (
	"io"
	"log/slog"
	"os"
	"time"
)

// Options configures the logger behavior.
type Options struct {
	// Level sets the minimum log level. Defaults to slog.LevelInfo.
	Level slog.Level
	// Output defaults to os.Stderr.
	Output io.Writer
	// AddSource includes source file and line in log output.
	AddSource bool
}

// New creates a text logger with the given options.
func New(opts Options) *slog.Logger {
	if opts.Output == nil {
		opts.Output = os.Stderr
	}
	return slog.New(slog.NewTextHandler(opts.Output, &slog.HandlerOptions{
		Level:     opts.Level,
		AddSource: opts.AddSource,
	}))
}

// Setup builds a logger from the CLI verbosity flags and installs it as
// slog's default.
func Setup(verbose, debug bool) *slog.Logger {
	opts := Options{Level: slog.LevelWarn}
	if verbose {
		opts.Level = slog.LevelInfo
	}
	if debug {
		opts.Level = slog.LevelDebug
		opts.AddSource = true
	}
	logger := New(opts)
	slog.SetDefault(logger)
	return logger
}

// Discard returns a logger that drops everything. Used by tests.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Common attribute keys.
const (
	KeyChannel  = "channel"
	KeyPass     = "pass"
	KeySyncID   = "sync_id"
	KeyCount    = "count"
	KeyDuration = "duration"
	KeyError    = "error"
)

// Channel returns a slog attribute naming the channel being processed.
func Channel(name string) slog.Attr {
	return slog.String(KeyChannel, name)
}

// SyncID returns a slog attribute for a provenance value.
func SyncID(id string) slog.Attr {
	return slog.String(KeySyncID, id)
}

// Count returns a slog attribute for item counts.
func Count(n int) slog.Attr {
	return slog.Int(KeyCount, n)
}

// Duration returns a slog attribute for elapsed time.
func Duration(d time.Duration) slog.Attr {
	return slog.Duration(KeyDuration, d)
}

// Err returns a slog attribute for error logging.
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.Any(KeyError, err)
}
