// Package metrics exposes forwarder counters to Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "cti_forwarder"

// Collectors holds every forwarder metric. A nil *Collectors is valid and
// records nothing.
type Collectors struct {
	cycles        *prometheus.CounterVec
	eventsFetched prometheus.Counter
	eventsNew     prometheus.Counter
	indicators    prometheus.Counter
	deliveries    *prometheus.CounterVec
	cursorSize    prometheus.Gauge
	lastSuccessTS prometheus.Gauge
	cycleDur      prometheus.Summary
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Collectors {
	c := &Collectors{
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Poll cycles by result",
		}, []string{"result"}),
		eventsFetched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_fetched_total",
			Help:      "Events returned by the upstream source",
		}),
		eventsNew: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_new_total",
			Help:      "Fetched events not yet in the cursor",
		}),
		indicators: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "indicators_total",
			Help:      "Indicators built from new events",
		}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Delivery attempts by outcome",
		}, []string{"outcome"}),
		cursorSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cursor_size",
			Help:      "Number of event ids in the cursor set",
		}),
		lastSuccessTS: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix timestamp of the last cycle that ended without error",
		}),
		cycleDur: prometheus.NewSummary(prometheus.SummaryOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Time spent in one poll cycle",
		}),
	}
	reg.MustRegister(
		c.cycles, c.eventsFetched, c.eventsNew, c.indicators,
		c.deliveries, c.cursorSize, c.lastSuccessTS, c.cycleDur,
	)
	return c
}

func (c *Collectors) ObserveFetch(fetched, fresh int) {
	if c == nil {
		return
	}
	c.eventsFetched.Add(float64(fetched))
	c.eventsNew.Add(float64(fresh))
}

func (c *Collectors) ObserveIndicators(n int) {
	if c == nil {
		return
	}
	c.indicators.Add(float64(n))
}

// ObserveDelivery counts one submission; outcome is accepted, rejected or
// transport_error.
func (c *Collectors) ObserveDelivery(outcome string) {
	if c == nil {
		return
	}
	c.deliveries.WithLabelValues(outcome).Inc()
}

func (c *Collectors) SetCursorSize(n int) {
	if c == nil {
		return
	}
	c.cursorSize.Set(float64(n))
}

// ObserveCycle records the end of a cycle. ok marks the cycle as a success
// for the last-success gauge.
func (c *Collectors) ObserveCycle(result string, ok bool, took time.Duration, now time.Time) {
	if c == nil {
		return
	}
	c.cycles.WithLabelValues(result).Inc()
	c.cycleDur.Observe(took.Seconds())
	if ok {
		c.lastSuccessTS.Set(float64(now.Unix()))
	}
}
