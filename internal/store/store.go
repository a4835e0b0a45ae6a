// Package store persists the cursor set across restarts.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"misp-taxii-forwarder/internal/config"
)

// ErrCursorCorrupt means persisted cursor state exists but cannot be read
// back as a list of event ids. Callers must halt rather than guess.
var ErrCursorCorrupt = errors.New("cursor state corrupt")

// CursorStore loads and atomically replaces the persisted cursor set.
type CursorStore interface {
	// Load returns the persisted set, creating empty storage when none exists.
	Load(ctx context.Context) (*CursorSet, error)
	// Save replaces the whole persisted set. A failure leaves the previously
	// committed set intact.
	Save(ctx context.Context, set *CursorSet) error
	Close() error
}

// Open builds the configured backend.
func Open(c config.CursorConfig) (CursorStore, error) {
	switch strings.ToLower(c.Backend) {
	case "", config.CursorBackendFile:
		return NewFileStore(c.Path), nil
	case config.CursorBackendPebble:
		return OpenPebble(c.Path)
	case config.CursorBackendSQLite:
		return OpenSQLite(c.Path)
	default:
		return nil, fmt.Errorf("unknown cursor backend: %s", c.Backend)
	}
}
