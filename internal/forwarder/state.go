package forwarder

import (
	"time"

	"misp-taxii-forwarder/internal/model"
)

// State is a step of the poll cycle.
type State int

const (
	StateIdle State = iota
	StateFetching
	StateFiltering
	StateTransforming
	StateEmpty
	StateDelivering
	StatePersisting
	StateSleeping
)

var stateNames = [...]string{"idle", "fetching", "filtering", "transforming", "empty", "delivering", "persisting", "sleeping"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Cycle results, also used as the metrics "result" label.
const (
	ResultNoNewEvents    = "no_new_events"
	ResultNoContent      = "no_content"
	ResultDelivered      = "delivered"
	ResultRejected       = "rejected"
	ResultTransportError = "transport_error"
	ResultDeliveryError  = "delivery_error"
	ResultFetchError     = "fetch_error"
)

// CycleReport describes one finished poll cycle.
type CycleReport struct {
	Started    time.Time       `json:"started"`
	Duration   time.Duration   `json:"duration_ns"`
	States     []State         `json:"states"`
	Result     string          `json:"result"`
	Fetched    int             `json:"fetched"`
	New        int             `json:"new"`
	EventIDs   []model.EventID `json:"event_ids,omitempty"`
	Indicators int             `json:"indicators"`
	Code       string          `json:"code,omitempty"` // rejection code
	Err        string          `json:"error,omitempty"`
	Persisted  bool            `json:"persisted"`
	CursorSize int             `json:"cursor_size"`
}

// Failed reports whether the cycle left work to retry.
func (r CycleReport) Failed() bool {
	switch r.Result {
	case ResultRejected, ResultTransportError, ResultDeliveryError, ResultFetchError:
		return true
	}
	return r.Err != ""
}

func (r *CycleReport) enter(s State) { r.States = append(r.States, s) }
