package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"misp-taxii-forwarder/internal/codec"
	"misp-taxii-forwarder/internal/config"
	"misp-taxii-forwarder/internal/util"
)

const taxii21MediaType = "application/taxii+json;version=2.1"

// TAXII21 adds envelopes to a TAXII 2.1 collection.
type TAXII21 struct {
	cfg    config.TAXII21Config
	client *http.Client
}

func NewTAXII21(cfg config.TAXII21Config, timeout time.Duration) *TAXII21 {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &TAXII21{cfg: cfg, client: util.NewHTTPClient(timeout, cfg.InsecureSkipVerify)}
}

func (t *TAXII21) Name() string { return "taxii21" }

type taxii21Status struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	SuccessCount int    `json:"success_count"`
	FailureCount int    `json:"failure_count"`
	PendingCount int    `json:"pending_count"`
	Failures     []struct {
		ID      string `json:"id"`
		Message string `json:"message"`
	} `json:"failures"`
}

func (t *TAXII21) Submit(ctx context.Context, doc codec.Document) (Outcome, error) {
	endpoint := strings.TrimRight(t.cfg.CollectionURL, "/") + "/objects/"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(doc.Data))
	if err != nil {
		return Outcome{}, fmt.Errorf("build objects request: %w", err)
	}
	req.Header.Set("Content-Type", taxii21MediaType)
	req.Header.Set("Accept", taxii21MediaType)
	switch {
	case t.cfg.APIKey != "":
		req.Header.Set("Authorization", "Bearer "+t.cfg.APIKey)
	case t.cfg.Username != "":
		req.SetBasicAuth(t.cfg.Username, t.cfg.Password)
	}
	if ua := t.cfg.UserAgent; ua != "" {
		req.Header.Set("User-Agent", ua)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return Outcome{}, &TransportError{Transport: t.Name(), Err: err}
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Outcome{}, &TransportError{Transport: t.Name(), Err: fmt.Errorf("read response: %w", err)}
	}
	if resp.StatusCode/100 == 5 || resp.StatusCode == http.StatusTooManyRequests {
		return Outcome{}, &TransportError{Transport: t.Name(), Err: fmt.Errorf("http %d: %s", resp.StatusCode, strings.TrimSpace(readSnippet(raw)))}
	}
	if resp.StatusCode/100 != 2 {
		return Rejected(fmt.Sprintf("http %d", resp.StatusCode), strings.TrimSpace(readSnippet(raw))), nil
	}

	var st taxii21Status
	if err := json.Unmarshal(raw, &st); err != nil {
		return Outcome{}, &TransportError{Transport: t.Name(), Err: fmt.Errorf("decode status resource: %w", err)}
	}
	if st.FailureCount > 0 {
		detail := ""
		if len(st.Failures) > 0 {
			detail = st.Failures[0].Message
		}
		return Rejected(fmt.Sprintf("failures=%d", st.FailureCount), detail), nil
	}
	return Accepted(), nil
}

func (t *TAXII21) Close() error {
	t.client.CloseIdleConnections()
	return nil
}
