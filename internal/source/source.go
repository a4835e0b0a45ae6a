// Package source fetches events from the upstream intelligence platform.
package source

import (
	"context"
	"fmt"
	"log/slog"

	"misp-taxii-forwarder/internal/config"
	"misp-taxii-forwarder/internal/model"
)

// Query selects the events of one poll cycle.
type Query struct {
	Tags []string
	// Watermark is the highest event id already forwarded, nil when the
	// cursor is empty. It only narrows the result; callers still dedup.
	Watermark *model.EventID
	Mode      string // config.Watermark*
	// Known reports whether id is already in the cursor; nil means none are.
	Known func(model.EventID) bool
}

func (q Query) known(id model.EventID) bool {
	return q.Known != nil && q.Known(id)
}

// Admits reports whether id passes the watermark pre-filter.
func (q Query) Admits(id model.EventID) bool {
	if q.Watermark == nil {
		return true
	}
	switch q.Mode {
	case config.WatermarkBelow:
		return id < *q.Watermark
	case config.WatermarkFrom:
		return id >= *q.Watermark
	default:
		return true
	}
}

type Source interface {
	Name() string
	Search(ctx context.Context, q Query) ([]model.Event, error)
}

// UpstreamFetchError wraps any failure to obtain events: network, auth,
// quota or an unrecognised response.
type UpstreamFetchError struct {
	Source string
	Err    error
}

func (e *UpstreamFetchError) Error() string {
	return fmt.Sprintf("fetch from %s: %v", e.Source, e.Err)
}

func (e *UpstreamFetchError) Unwrap() error { return e.Err }

func NewFromConfig(c config.UpstreamConfig, log *slog.Logger) (Source, error) {
	if c.BaseURL == "" {
		return nil, fmt.Errorf("upstream base_url is empty")
	}
	return NewMISP(c, log), nil
}
