// Package logging builds the operational logger: stderr plus an
// append-only file of timestamped lines.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"misp-taxii-forwarder/internal/config"
)

// Disabled as log.file keeps output on stderr only.
const Disabled = "-"

func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToUpper(strings.TrimSpace(s)))); err != nil {
		return slog.LevelInfo, fmt.Errorf("log level %q: %w", s, err)
	}
	return l, nil
}

// New returns a logger writing to stderr and, unless disabled, appending to
// cfg.File. verbose forces debug level. The returned closer releases the file.
func New(cfg config.LogConfig, stderr io.Writer, verbose bool) (*slog.Logger, io.Closer, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, nil, err
	}
	if verbose {
		level = slog.LevelDebug
	}

	w := stderr
	var closer io.Closer = nopCloser{}
	if cfg.File != "" && cfg.File != Disabled {
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		w = io.MultiWriter(stderr, f)
		closer = f
	}

	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if cfg.Format == "json" {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(h), closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
