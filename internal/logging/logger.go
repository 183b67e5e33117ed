// Package logging provides the process-wide structured logger.
//
// Call Init once at startup; GetLogger falls back to an INFO text logger on
// stderr when Init was never called, so packages may log from tests and
// init paths safely.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

var (
	loggerMu sync.RWMutex
	logger   *slog.Logger
)

// Init installs a logger writing to w at the named level ("debug", "info",
// "warn", "error"; empty means info) in the named format ("text" or
// "json"; empty means text).
func Init(w io.Writer, level, format string) {
	if w == nil {
		w = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: parseLevel(level)}

	var handler slog.Handler
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	loggerMu.Lock()
	logger = slog.New(handler)
	loggerMu.Unlock()
}

// Discard silences all logging. Tests use it to keep output clean.
func Discard() {
	loggerMu.Lock()
	logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	loggerMu.Unlock()
}

// GetLogger returns the current logger.
func GetLogger() *slog.Logger {
	loggerMu.RLock()
	l := logger
	loggerMu.RUnlock()
	if l != nil {
		return l
	}

	loggerMu.Lock()
	defer loggerMu.Unlock()
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return logger
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

// WithComponent returns a logger tagged with a subsystem name.
func WithComponent(component string) *slog.Logger {
	return GetLogger().With("component", component)
}

// WithURI returns a logger tagged with a subsystem and object URI.
func WithURI(component, uri string) *slog.Logger {
	return GetLogger().With("component", component, "uri", uri)
}

// WithTxn returns a logger tagged with a subsystem and transaction id.
func WithTxn(component, txnID string) *slog.Logger {
	return GetLogger().With("component", component, "txn", txnID)
}
