package metrics

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"misp-taxii-forwarder/internal/config"
)

func TestCollectors_Record(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(reg)

	c.ObserveFetch(5, 2)
	c.ObserveIndicators(3)
	c.ObserveDelivery("accepted")
	c.ObserveDelivery("rejected")
	c.ObserveDelivery("rejected")
	c.SetCursorSize(7)
	now := time.Unix(1700000000, 0)
	c.ObserveCycle("delivered", true, time.Second, now)
	c.ObserveCycle("fetch_error", false, time.Second, now.Add(time.Hour))

	assert.Equal(t, 5.0, testutil.ToFloat64(c.eventsFetched))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.eventsNew))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.indicators))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.deliveries.WithLabelValues("rejected")))
	assert.Equal(t, 7.0, testutil.ToFloat64(c.cursorSize))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.cycles.WithLabelValues("fetch_error")))
	assert.Equal(t, float64(now.Unix()), testutil.ToFloat64(c.lastSuccessTS), "failed cycles leave the gauge alone")

	n, err := testutil.GatherAndCount(reg, "cti_forwarder_cycles_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestCollectors_NilIsNoop(t *testing.T) {
	var c *Collectors
	assert.NotPanics(t, func() {
		c.ObserveFetch(1, 1)
		c.ObserveIndicators(1)
		c.ObserveDelivery("accepted")
		c.SetCursorSize(1)
		c.ObserveCycle("idle", true, 0, time.Now())
	})
}

func TestServer_Routes(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(reg)
	c.SetCursorSize(4)

	status := map[string]any{"state": "sleeping", "events": 2}
	srv := NewServer(config.MetricsConfig{}, reg, func() any { return status })
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	body := new(strings.Builder)
	_, _ = io.Copy(body, resp.Body)
	resp.Body.Close()
	assert.Contains(t, body.String(), "cti_forwarder_cursor_size 4")

	resp, err = http.Get(ts.URL + "/status")
	require.NoError(t, err)
	var got map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	resp.Body.Close()
	assert.Equal(t, "sleeping", got["state"])

	resp, err = http.Post(ts.URL+"/healthz", "text/plain", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestServer_StatusBeforeFirstCycle(t *testing.T) {
	srv := NewServer(config.MetricsConfig{}, prometheus.NewRegistry(), func() any { return nil })
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
}
