// Package forwarder runs the poll cycle: fetch new events, build a package,
// deliver it and advance the cursor only once delivery is settled.
package forwarder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"misp-taxii-forwarder/internal/config"
	"misp-taxii-forwarder/internal/metrics"
	"misp-taxii-forwarder/internal/model"
	"misp-taxii-forwarder/internal/sink"
	"misp-taxii-forwarder/internal/source"
	"misp-taxii-forwarder/internal/store"
	"misp-taxii-forwarder/internal/transform"
)

// Deliverer is satisfied by *sink.Sink.
type Deliverer interface {
	Name() string
	Deliver(ctx context.Context, pkg model.Package) (sink.Outcome, error)
}

type Options struct {
	Interval       time.Duration
	Tags           []string
	WatermarkMode  string
	FetchTimeout   time.Duration // whole search, all pages
	DeliverTimeout time.Duration
	Backoff        config.BackoffConfig
	Metrics        *metrics.Collectors
	Logger         *slog.Logger
	Now            func() time.Time
}

// OptionsFromConfig maps the loaded configuration onto Options.
func OptionsFromConfig(c *config.Config) Options {
	return Options{
		Interval:       c.Interval,
		Tags:           c.Upstream.Tags,
		WatermarkMode:  c.Upstream.Watermark,
		FetchTimeout:   c.Upstream.SearchTimeout,
		DeliverTimeout: c.Delivery.Timeout,
		Backoff:        c.Backoff,
	}
}

type Forwarder struct {
	src   source.Source
	dst   Deliverer
	store store.CursorStore
	opts  Options
	log   *slog.Logger

	// cursor is owned by the running cycle; dirty means it holds ids the
	// store has not committed yet.
	cursor *store.CursorSet
	dirty  bool

	mu   sync.Mutex
	last *CycleReport
}

func New(src source.Source, dst Deliverer, st store.CursorStore, opts Options) *Forwarder {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Minute
	}
	return &Forwarder{src: src, dst: dst, store: st, opts: opts, log: opts.Logger}
}

// Start loads the cursor. A corrupt cursor is returned wrapped in
// store.ErrCursorCorrupt and must stop the process.
func (f *Forwarder) Start(ctx context.Context) error {
	set, err := f.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load cursor: %w", err)
	}
	f.cursor = set
	f.opts.Metrics.SetCursorSize(set.Len())
	f.log.Info("cursor loaded", "events", set.Len())
	return nil
}

// Cursor returns a copy of the in-memory cursor set.
func (f *Forwarder) Cursor() *store.CursorSet {
	if f.cursor == nil {
		return store.NewCursorSet()
	}
	return f.cursor.Clone()
}

// RunCycle performs one full cycle and returns its report. Start must have
// succeeded first.
func (f *Forwarder) RunCycle(ctx context.Context) CycleReport {
	rep := CycleReport{Started: f.opts.Now()}
	rep.enter(StateIdle)
	f.cycle(ctx, &rep)
	rep.enter(StateSleeping)
	rep.Duration = f.opts.Now().Sub(rep.Started)
	rep.CursorSize = f.cursor.Len()

	f.opts.Metrics.SetCursorSize(rep.CursorSize)
	f.opts.Metrics.ObserveCycle(rep.Result, !rep.Failed(), rep.Duration, f.opts.Now())

	f.mu.Lock()
	f.last = &rep
	f.mu.Unlock()
	return rep
}

func (f *Forwarder) cycle(ctx context.Context, rep *CycleReport) {
	if f.dirty {
		f.log.Info("retrying cursor save", "events", f.cursor.Len())
		if err := f.save(ctx); err != nil {
			f.log.Error("cursor save failed again", "err", err)
		}
	}

	rep.enter(StateFetching)
	q := source.Query{Tags: f.opts.Tags, Mode: f.opts.WatermarkMode, Known: f.cursor.Contains}
	if w, ok := f.cursor.Watermark(); ok {
		q.Watermark = &w
	}
	events, err := f.fetch(ctx, q)
	if err != nil {
		rep.Result = ResultFetchError
		rep.Err = err.Error()
		f.log.Error("fetch failed", "state", StateFetching, "source", f.src.Name(), "err", err)
		return
	}
	rep.Fetched = len(events)

	rep.enter(StateFiltering)
	fresh := f.filter(events)
	rep.New = len(fresh)
	f.opts.Metrics.ObserveFetch(len(events), len(fresh))
	if len(fresh) == 0 {
		rep.Result = ResultNoNewEvents
		f.log.Info("no new events", "state", StateFiltering, "fetched", len(events))
		return
	}
	ids := make([]model.EventID, len(fresh))
	for i, e := range fresh {
		ids[i] = e.ID
	}
	rep.EventIDs = ids
	f.log.Info("processing new events", "state", StateFiltering, "events", len(fresh), "event_ids", ids)

	rep.enter(StateTransforming)
	pkg := transform.Build(fresh)
	rep.Indicators = len(pkg.Indicators)
	f.opts.Metrics.ObserveIndicators(rep.Indicators)

	if pkg.Empty() {
		rep.enter(StateEmpty)
		rep.Result = ResultNoContent
		f.log.Info("no attributes to convert to indicators", "state", StateEmpty, "event_ids", ids)
	} else {
		rep.enter(StateDelivering)
		f.log.Info("converted attributes to indicators", "state", StateDelivering, "indicators", rep.Indicators)
		if !f.deliver(ctx, pkg, rep) {
			return
		}
		rep.Result = ResultDelivered
	}

	f.cursor.Add(ids...)
	f.dirty = true
	rep.enter(StatePersisting)
	if err := f.save(ctx); err != nil {
		rep.Err = err.Error()
		f.log.Error("cursor save failed; will retry next cycle", "state", StatePersisting, "event_ids", ids, "err", err)
		return
	}
	rep.Persisted = true
}

func (f *Forwarder) fetch(ctx context.Context, q source.Query) ([]model.Event, error) {
	if f.opts.FetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.opts.FetchTimeout)
		defer cancel()
	}
	events, err := f.src.Search(ctx, q)
	if err != nil {
		var fe *source.UpstreamFetchError
		if !errors.As(err, &fe) {
			err = &source.UpstreamFetchError{Source: f.src.Name(), Err: err}
		}
		return nil, err
	}
	return events, nil
}

// filter keeps events whose id is not in the cursor, first occurrence wins.
func (f *Forwarder) filter(events []model.Event) []model.Event {
	seen := make(map[model.EventID]struct{}, len(events))
	out := make([]model.Event, 0, len(events))
	for _, e := range events {
		if f.cursor.Contains(e.ID) {
			continue
		}
		if _, dup := seen[e.ID]; dup {
			continue
		}
		seen[e.ID] = struct{}{}
		out = append(out, e)
	}
	return out
}

// deliver reports whether the package was accepted.
func (f *Forwarder) deliver(ctx context.Context, pkg model.Package, rep *CycleReport) bool {
	if f.opts.DeliverTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.opts.DeliverTimeout)
		defer cancel()
	}
	out, err := f.dst.Deliver(ctx, pkg)
	var te *sink.TransportError
	switch {
	case errors.As(err, &te):
		rep.Result = ResultTransportError
		rep.Err = err.Error()
		f.opts.Metrics.ObserveDelivery(ResultTransportError)
		f.log.Error("delivery transport failure", "state", StateDelivering, "sink", f.dst.Name(), "event_ids", rep.EventIDs, "err", err)
		return false
	case err != nil:
		rep.Result = ResultDeliveryError
		rep.Err = err.Error()
		f.opts.Metrics.ObserveDelivery(ResultDeliveryError)
		f.log.Error("delivery failed", "state", StateDelivering, "sink", f.dst.Name(), "event_ids", rep.EventIDs, "err", err)
		return false
	case !out.Accepted():
		rep.Result = ResultRejected
		rep.Code = out.Code
		f.opts.Metrics.ObserveDelivery(ResultRejected)
		f.log.Warn("package rejected", "state", StateDelivering, "sink", f.dst.Name(), "code", out.Code, "detail", out.Detail, "event_ids", rep.EventIDs)
		return false
	}
	f.opts.Metrics.ObserveDelivery(out.Status.String())
	f.log.Info("package accepted", "state", StateDelivering, "sink", f.dst.Name(), "event_ids", rep.EventIDs)
	return true
}

// save runs detached from cancellation so a delivered package is recorded
// even when shutdown arrives mid-cycle.
func (f *Forwarder) save(ctx context.Context) error {
	if err := f.store.Save(context.WithoutCancel(ctx), f.cursor); err != nil {
		return err
	}
	f.dirty = false
	return nil
}

// LastReport returns the most recent cycle report, nil before the first.
func (f *Forwarder) LastReport() *CycleReport {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.last == nil {
		return nil
	}
	r := *f.last
	return &r
}

// Status adapts LastReport for the ops server.
func (f *Forwarder) Status() any {
	if r := f.LastReport(); r != nil {
		return r
	}
	return nil
}

// Run repeats cycles until ctx is cancelled, sleeping between them. With
// once set it returns after the first cycle.
func (f *Forwarder) Run(ctx context.Context, once bool) error {
	if f.cursor == nil {
		if err := f.Start(ctx); err != nil {
			return err
		}
	}
	next := f.sleeper()
	for {
		rep := f.RunCycle(ctx)
		if once {
			return nil
		}
		wait := next(rep)
		f.log.Debug("sleeping", "state", StateSleeping, "for", wait.String())
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			if f.dirty {
				if err := f.save(ctx); err != nil {
					f.log.Error("final cursor save failed", "err", err)
				}
			}
			return nil
		case <-t.C:
		}
	}
}

// sleeper returns the wait after a cycle: the fixed interval, or an
// exponential back-off over consecutive failed cycles when enabled.
func (f *Forwarder) sleeper() func(CycleReport) time.Duration {
	if !f.opts.Backoff.Enable {
		return func(CycleReport) time.Duration { return f.opts.Interval }
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = f.opts.Backoff.Initial
	if b.InitialInterval <= 0 {
		b.InitialInterval = f.opts.Interval
	}
	b.MaxInterval = f.opts.Backoff.Max
	if b.MaxInterval < b.InitialInterval {
		b.MaxInterval = b.InitialInterval
	}
	b.RandomizationFactor = 0
	b.Reset()
	return func(r CycleReport) time.Duration {
		if !r.Failed() {
			b.Reset()
			return f.opts.Interval
		}
		d := b.NextBackOff()
		if d == backoff.Stop || d > b.MaxInterval {
			d = b.MaxInterval
		}
		return d
	}
}
