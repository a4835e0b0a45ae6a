// Package sink encodes a package and submits it downstream, classifying the
// result as accepted, rejected or a transport failure.
package sink

import (
	"context"
	"fmt"
	"log/slog"

	"misp-taxii-forwarder/internal/codec"
	"misp-taxii-forwarder/internal/config"
	"misp-taxii-forwarder/internal/model"
	"misp-taxii-forwarder/internal/util"
)

type Status int

const (
	StatusAccepted Status = iota + 1
	StatusRejected
)

func (s Status) String() string {
	switch s {
	case StatusAccepted:
		return "accepted"
	case StatusRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Outcome is the remote's explicit answer to one submission.
type Outcome struct {
	Status Status
	Code   string // rejection code, e.g. "http 400", "FAILURE", kafka error number
	Detail string
}

func Accepted() Outcome { return Outcome{Status: StatusAccepted} }

func Rejected(code, detail string) Outcome {
	return Outcome{Status: StatusRejected, Code: code, Detail: detail}
}

func (o Outcome) Accepted() bool { return o.Status == StatusAccepted }

// TransportError means it is unknown whether the remote received the
// package: connection failures, timeouts, unreadable responses.
type TransportError struct {
	Transport string
	Err       error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s transport: %v", e.Transport, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Transport submits an encoded document exactly once.
type Transport interface {
	Name() string
	Submit(ctx context.Context, doc codec.Document) (Outcome, error)
	Close() error
}

// Sink is the delivery component used by the forwarder.
type Sink struct {
	codec       codec.Codec
	transport   Transport
	archivePath string
	log         *slog.Logger
}

type Option func(*Sink)

// WithArchive keeps a copy of each encoded package at path.
func WithArchive(path string) Option { return func(s *Sink) { s.archivePath = path } }

func WithLogger(l *slog.Logger) Option { return func(s *Sink) { s.log = l } }

func New(c codec.Codec, t Transport, opts ...Option) *Sink {
	s := &Sink{codec: c, transport: t, log: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Sink) Name() string { return s.transport.Name() + "/" + s.codec.Name() }

// Deliver encodes pkg and performs one submission. Retrying is the caller's
// decision.
func (s *Sink) Deliver(ctx context.Context, pkg model.Package) (Outcome, error) {
	doc, err := s.codec.Encode(pkg)
	if err != nil {
		return Outcome{}, fmt.Errorf("encode package: %w", err)
	}
	if s.archivePath != "" {
		if err := util.WriteFileAtomic(s.archivePath, doc.Data, 0o644); err != nil {
			s.log.Warn("archive package failed", "path", s.archivePath, "err", err)
		}
	}
	s.log.Debug("submitting package", "transport", s.transport.Name(), "package_id", doc.ID, "bytes", len(doc.Data))
	return s.transport.Submit(ctx, doc)
}

func (s *Sink) Close() error { return s.transport.Close() }

// NewFromConfig wires the configured codec and transport.
func NewFromConfig(dc config.DeliveryConfig, log *slog.Logger) (*Sink, error) {
	c, err := codec.New(dc.Codec, codec.Options{Producer: dc.Producer})
	if err != nil {
		return nil, err
	}
	var t Transport
	switch dc.Kind {
	case config.DeliveryTAXII11:
		t = NewTAXII11(dc.TAXII11, dc.Timeout)
	case config.DeliveryTAXII21:
		t = NewTAXII21(dc.TAXII21, dc.Timeout)
	case config.DeliveryKafka:
		t = NewKafka(dc.Kafka, dc.Timeout)
	default:
		return nil, fmt.Errorf("unknown delivery kind: %s", dc.Kind)
	}
	opts := []Option{WithLogger(log)}
	if dc.ArchivePath != "" {
		opts = append(opts, WithArchive(dc.ArchivePath))
	}
	return New(c, t, opts...), nil
}

func readSnippet(b []byte) string {
	const max = 512
	if len(b) > max {
		b = b[:max]
	}
	return string(b)
}
