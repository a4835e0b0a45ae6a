package forwarder

import (
	"context"
	"errors"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"misp-taxii-forwarder/internal/model"
	"misp-taxii-forwarder/internal/sink"
)

// upstreamAt returns the events visible in cycle i: ids 1..i+1, every
// fourth one without a supported attribute.
func upstreamAt(i int) []model.Event {
	var out []model.Event
	for id := 1; id <= i+1; id++ {
		if id%4 == 0 {
			out = append(out, ev(model.EventID(id), [2]string{"comment", "n/a"}))
			continue
		}
		out = append(out, ev(model.EventID(id), [2]string{"domain", "d.test"}))
	}
	return out
}

func scriptFor(code int) delivery {
	switch code {
	case 1:
		return delivery{outcome: sink.Rejected("FAILURE", "")}
	case 2:
		return delivery{err: &sink.TransportError{Transport: "fake", Err: errors.New("reset")}}
	default:
		return delivery{outcome: sink.Accepted()}
	}
}

func TestCycleProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("cursor advances exactly when delivery settles", prop.ForAll(
		func(outcomes []int) bool {
			src := &fakeSource{}
			dst := &fakeSink{}
			f := New(src, dst, &memStore{}, Options{Logger: quietLogger()})
			if err := f.Start(context.Background()); err != nil {
				return false
			}
			for i, code := range outcomes {
				src.events = upstreamAt(i)
				dst.script = []delivery{scriptFor(code)}
				before := f.Cursor()
				delivered := len(dst.packages)

				rep := f.RunCycle(context.Background())

				// Idempotence: nothing already in the cursor is offered again.
				for _, id := range rep.EventIDs {
					if before.Contains(id) {
						return false
					}
				}
				after := f.Cursor()
				switch rep.Result {
				case ResultDelivered, ResultNoContent:
					for _, id := range rep.EventIDs {
						if !after.Contains(id) {
							return false
						}
					}
				case ResultRejected, ResultTransportError:
					// At-least-once: a failed delivery leaves the cursor alone.
					if after.Len() != before.Len() {
						return false
					}
				case ResultNoNewEvents:
					if len(dst.packages) != delivered {
						return false
					}
				default:
					return false
				}
				if rep.Result == ResultNoContent && len(dst.packages) != delivered {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 2)),
	))

	properties.Property("every upstream event is eventually tracked once deliveries succeed", prop.ForAll(
		func(failures []int, n int) bool {
			src := &fakeSource{events: upstreamAt(n)}
			dst := &fakeSink{}
			for _, code := range failures {
				dst.script = append(dst.script, scriptFor(code))
			}
			f := New(src, dst, &memStore{}, Options{Logger: quietLogger()})
			if err := f.Start(context.Background()); err != nil {
				return false
			}
			for i := 0; i <= len(failures); i++ {
				f.RunCycle(context.Background())
			}
			return f.Cursor().Len() == n+1
		},
		gen.SliceOf(gen.IntRange(1, 2)),
		gen.IntRange(0, 20),
	))

	properties.TestingRun(t)
}
