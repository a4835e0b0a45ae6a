package source

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"misp-taxii-forwarder/internal/config"
	"misp-taxii-forwarder/internal/model"
)

func eventJSON(id string, attrs ...[2]string) map[string]any {
	list := make([]map[string]string, 0, len(attrs))
	for _, a := range attrs {
		list = append(list, map[string]string{"type": a[0], "value": a[1]})
	}
	return map[string]any{"Event": map[string]any{"id": id, "info": "event " + id, "Attribute": list}}
}

func testConfig(url string) config.UpstreamConfig {
	return config.UpstreamConfig{
		BaseURL:    url,
		APIKey:     "secret",
		Tags:       []string{"tlp:white"},
		PageSize:   2,
		Timeout:    2 * time.Second,
		MaxRetries: 3,
		Backoff:    time.Millisecond,
		MaxBackoff: 2 * time.Millisecond,
	}
}

func TestMISP_SearchPaginates(t *testing.T) {
	pages := map[int][]map[string]any{
		1: {eventJSON("1", [2]string{"ip-dst", "1.2.3.4"}), eventJSON("2", [2]string{"domain", "x.test"})},
		2: {eventJSON("3", [2]string{"comment", "irrelevant"})},
	}
	var (
		mu     sync.Mutex
		bodies []map[string]any
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/events/restSearch", r.URL.Path)
		assert.Equal(t, "secret", r.Header.Get("Authorization"))
		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		mu.Lock()
		bodies = append(bodies, body)
		mu.Unlock()
		page := int(body["page"].(float64))
		_ = json.NewEncoder(w).Encode(map[string]any{"response": pages[page]})
	}))
	defer srv.Close()

	events, err := NewMISP(testConfig(srv.URL), nil).Search(context.Background(), Query{})
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, model.EventID(1), events[0].ID)
	assert.Equal(t, model.KindIPv4, events[0].Attributes[0].Kind)
	assert.Equal(t, "1.2.3.4", events[0].Attributes[0].Value)
	assert.Equal(t, model.KindUnsupported, events[2].Attributes[0].Kind)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, bodies, 2, "a short page ends pagination")
	assert.Equal(t, []any{"tlp:white"}, bodies[0]["tags"])
	assert.Equal(t, true, bodies[0]["to_ids"])
	assert.Equal(t, true, bodies[0]["enforceWarninglist"])
	assert.Equal(t, "json", bodies[0]["returnFormat"])
}

func TestMISP_MaxPages(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		n := calls.Add(1)
		_ = json.NewEncoder(w).Encode([]any{
			eventJSON(fmt.Sprint(n * 10)), eventJSON(fmt.Sprint(n*10 + 1)),
		})
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.MaxPages = 3
	events, err := NewMISP(cfg, nil).Search(context.Background(), Query{})
	require.NoError(t, err)
	assert.Len(t, events, 6)
	assert.Equal(t, int32(3), calls.Load())
}

// serveIDs answers restSearch with events 1..n in ascending pages.
func serveIDs(t *testing.T, n int, calls *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		var body struct {
			Page  int `json:"page"`
			Limit int `json:"limit"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		rows := []any{}
		for id := (body.Page-1)*body.Limit + 1; id <= n && id <= body.Page*body.Limit; id++ {
			rows = append(rows, eventJSON(fmt.Sprint(id)))
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"response": rows})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func ids(events []model.Event) []model.EventID {
	out := make([]model.EventID, 0, len(events))
	for _, e := range events {
		out = append(out, e.ID)
	}
	return out
}

func TestMISP_MaxPagesSkipsPagesBelowWatermark(t *testing.T) {
	var calls atomic.Int32
	srv := serveIDs(t, 7, &calls)
	cfg := testConfig(srv.URL)
	cfg.MaxPages = 3

	wm := model.EventID(6)
	events, err := NewMISP(cfg, nil).Search(context.Background(), Query{Watermark: &wm, Mode: "from"})
	require.NoError(t, err)
	assert.Equal(t, []model.EventID{6, 7}, ids(events))
	assert.Equal(t, int32(4), calls.Load())
}

func TestMISP_MaxPagesSkipsKnownPages(t *testing.T) {
	var calls atomic.Int32
	srv := serveIDs(t, 9, &calls)
	cfg := testConfig(srv.URL)
	cfg.MaxPages = 1

	known := func(id model.EventID) bool { return id <= 8 }
	events, err := NewMISP(cfg, nil).Search(context.Background(), Query{Known: known})
	require.NoError(t, err)
	assert.Contains(t, ids(events), model.EventID(9))
	assert.Equal(t, int32(5), calls.Load())
}

func TestMISP_MaxPagesWarnsWhenEventsRemain(t *testing.T) {
	var calls atomic.Int32
	srv := serveIDs(t, 10, &calls)
	cfg := testConfig(srv.URL)
	cfg.MaxPages = 2

	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, nil))
	events, err := NewMISP(cfg, log).Search(context.Background(), Query{})
	require.NoError(t, err)
	assert.Equal(t, []model.EventID{1, 2, 3, 4}, ids(events))
	assert.Equal(t, int32(2), calls.Load())
	assert.Contains(t, buf.String(), "page cap reached")
}

func TestMISP_RepeatedPageStops(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		_ = json.NewEncoder(w).Encode([]any{eventJSON("1"), eventJSON("2")})
	}))
	defer srv.Close()

	events, err := NewMISP(testConfig(srv.URL), nil).Search(context.Background(), Query{})
	require.NoError(t, err)
	assert.Len(t, events, 2)
	assert.Equal(t, int32(2), calls.Load())
}

func TestMISP_SkipsUnparsableIDsAndDuplicates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"response":[{"Event":{"id":"abc"}},{"Event":{"id":"7"}},{"Event":{"id":"7"}}]}`))
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.PageSize = 10
	events, err := NewMISP(cfg, nil).Search(context.Background(), Query{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, model.EventID(7), events[0].ID)
}

func TestMISP_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"response":[]}`))
	}))
	defer srv.Close()

	events, err := NewMISP(testConfig(srv.URL), nil).Search(context.Background(), Query{})
	require.NoError(t, err)
	assert.Empty(t, events)
	assert.Equal(t, int32(3), calls.Load())
}

func TestMISP_ClientErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		http.Error(w, `{"message":"Authentication failed."}`, http.StatusForbidden)
	}))
	defer srv.Close()

	_, err := NewMISP(testConfig(srv.URL), nil).Search(context.Background(), Query{})
	var fe *UpstreamFetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "misp", fe.Source)
	assert.Contains(t, err.Error(), "403")
	assert.Equal(t, int32(1), calls.Load())
}

func TestMISP_GarbageIsFetchError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("<html>"))
	}))
	defer srv.Close()

	_, err := NewMISP(testConfig(srv.URL), nil).Search(context.Background(), Query{})
	var fe *UpstreamFetchError
	assert.ErrorAs(t, err, &fe)
}

func TestMISP_CancelledContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewMISP(testConfig(srv.URL), nil).Search(ctx, Query{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestQuery_Admits(t *testing.T) {
	w := model.EventID(10)
	cases := []struct {
		name string
		q    Query
		id   model.EventID
		want bool
	}{
		{"no watermark", Query{Mode: config.WatermarkBelow}, 99, true},
		{"none mode", Query{Watermark: &w, Mode: config.WatermarkNone}, 3, true},
		{"below keeps lower", Query{Watermark: &w, Mode: config.WatermarkBelow}, 9, true},
		{"below drops equal", Query{Watermark: &w, Mode: config.WatermarkBelow}, 10, false},
		{"from keeps equal", Query{Watermark: &w, Mode: config.WatermarkFrom}, 10, true},
		{"from drops lower", Query{Watermark: &w, Mode: config.WatermarkFrom}, 9, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.q.Admits(tc.id))
		})
	}
}

func TestParseEventID(t *testing.T) {
	id, err := parseEventID("42")
	require.NoError(t, err)
	assert.Equal(t, model.EventID(42), id)

	id, err = parseEventID(float64(7))
	require.NoError(t, err)
	assert.Equal(t, model.EventID(7), id)

	_, err = parseEventID(nil)
	assert.Error(t, err)
	_, err = parseEventID("4.2")
	assert.Error(t, err)
}
