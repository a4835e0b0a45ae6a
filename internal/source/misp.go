package source

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/time/rate"

	"misp-taxii-forwarder/internal/config"
	"misp-taxii-forwarder/internal/model"
	"misp-taxii-forwarder/internal/util"
)

type mispSource struct {
	cfg     config.UpstreamConfig
	client  *http.Client
	limiter *rate.Limiter
	log     *slog.Logger
}

// NewMISP returns a Source backed by the MISP events/restSearch API.
func NewMISP(cfg config.UpstreamConfig, log *slog.Logger) *mispSource {
	if log == nil {
		log = slog.Default()
	}
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	return &mispSource{
		cfg:     cfg,
		client:  util.NewHTTPClient(defaultDur(cfg.Timeout, 30*time.Second), cfg.InsecureSkipVerify),
		limiter: rate.NewLimiter(limit, max(1, cfg.Burst)),
		log:     log,
	}
}

func (m *mispSource) Name() string { return "misp" }

type mispAttribute struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

type mispEvent struct {
	ID        any             `json:"id"`
	Info      string          `json:"info"`
	Attribute []mispAttribute `json:"Attribute"`
}

type mispEnvelope struct {
	Event *mispEvent `json:"Event"`
}

func (m *mispSource) requestBody(tags []string, page, pageSize int) ([]byte, error) {
	body := map[string]any{
		"returnFormat": "json",
		"limit":        pageSize,
		"page":         page,
	}
	if len(tags) > 0 {
		body["tags"] = tags
	}
	if m.cfg.ToIDS == nil || *m.cfg.ToIDS {
		body["to_ids"] = true
	}
	if m.cfg.EnforceWarninglist == nil || *m.cfg.EnforceWarninglist {
		body["enforceWarninglist"] = true
	}
	return json.Marshal(body)
}

// Search pages through restSearch until a short page. max_pages caps the
// pages that yield at least one event the caller has not seen yet, so a
// long already-forwarded history never hides newer events behind the cap.
func (m *mispSource) Search(ctx context.Context, q Query) ([]model.Event, error) {
	tags := q.Tags
	if len(tags) == 0 {
		tags = m.cfg.Tags
	}
	pageSize := m.cfg.PageSize
	if pageSize <= 0 {
		pageSize = 100
	}

	var out []model.Event
	seen := make(map[model.EventID]struct{})
	counted := 0
	for page := 1; ; page++ {
		rows, err := m.fetchPage(ctx, tags, page, pageSize)
		if err != nil {
			return nil, &UpstreamFetchError{Source: m.Name(), Err: err}
		}
		novel, kept, fresh := 0, 0, 0
		for _, row := range rows {
			if row.Event == nil {
				continue
			}
			id, err := parseEventID(row.Event.ID)
			if err != nil {
				m.log.Warn("skipping event with unusable id", "source", m.Name(), "err", err)
				continue
			}
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			novel++
			if !q.Admits(id) {
				continue
			}
			out = append(out, toEvent(id, row.Event))
			kept++
			if !q.known(id) {
				fresh++
			}
		}
		m.log.Debug("misp page", "page", page, "rows", len(rows), "kept", kept, "fresh", fresh)
		if len(rows) < pageSize {
			break
		}
		if novel == 0 {
			m.log.Warn("upstream repeated a page; stopping", "source", m.Name(), "page", page)
			break
		}
		if fresh > 0 {
			counted++
		}
		if m.cfg.MaxPages > 0 && counted >= m.cfg.MaxPages {
			m.log.Warn("page cap reached; more events remain upstream and will be fetched next cycle",
				"source", m.Name(), "max_pages", m.cfg.MaxPages, "last_page", page)
			break
		}
	}
	return out, nil
}

func toEvent(id model.EventID, e *mispEvent) model.Event {
	ev := model.Event{ID: id, Info: e.Info, Attributes: make([]model.Attribute, 0, len(e.Attribute))}
	for _, a := range e.Attribute {
		ev.Attributes = append(ev.Attributes, model.Attribute{
			Kind:  model.ParseKind(a.Type),
			Type:  a.Type,
			Value: a.Value,
		})
	}
	return ev
}

func (m *mispSource) fetchPage(ctx context.Context, tags []string, page, pageSize int) ([]mispEnvelope, error) {
	endpoint := strings.TrimRight(m.cfg.BaseURL, "/") + "/events/restSearch"
	raw, err := m.requestBody(tags, page, pageSize)
	if err != nil {
		return nil, err
	}

	var body []byte
	err = util.Retry(ctx, max(1, m.cfg.MaxRetries), defaultDur(m.cfg.Backoff, 500*time.Millisecond), defaultDur(m.cfg.MaxBackoff, 5*time.Second), func() error {
		if err := m.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		// Fresh request per attempt; a drained body cannot be replayed.
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(raw))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Authorization", m.cfg.APIKey)
		req.Header.Set("Accept", "application/json")
		req.Header.Set("Content-Type", "application/json")
		if ua := m.cfg.UserAgent; ua != "" {
			req.Header.Set("User-Agent", ua)
		}
		resp, err := m.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		b, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		switch {
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode/100 == 5:
			return fmt.Errorf("misp %d: %s", resp.StatusCode, snippet(b))
		case resp.StatusCode/100 != 2:
			return backoff.Permanent(fmt.Errorf("misp %d: %s", resp.StatusCode, snippet(b)))
		}
		body = b
		return nil
	})
	if err != nil {
		return nil, err
	}
	return decodeEvents(body)
}

// decodeEvents accepts both {"response":[...]} and a bare array.
func decodeEvents(b []byte) ([]mispEnvelope, error) {
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return nil, errors.New("empty response body")
	}
	var rows []mispEnvelope
	if b[0] == '[' {
		if err := json.Unmarshal(b, &rows); err != nil {
			return nil, fmt.Errorf("decode events: %w", err)
		}
		return rows, nil
	}
	var wrapped struct {
		Response json.RawMessage `json:"response"`
		Errors   json.RawMessage `json:"errors"`
	}
	if err := json.Unmarshal(b, &wrapped); err != nil {
		return nil, fmt.Errorf("decode events: %w", err)
	}
	if len(wrapped.Errors) > 0 && len(wrapped.Response) == 0 {
		return nil, fmt.Errorf("misp error: %s", snippet(wrapped.Errors))
	}
	if len(wrapped.Response) == 0 || string(wrapped.Response) == "null" {
		return nil, nil
	}
	if err := json.Unmarshal(wrapped.Response, &rows); err != nil {
		return nil, fmt.Errorf("decode events: %w", err)
	}
	return rows, nil
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 512 {
		s = s[:512]
	}
	return s
}
