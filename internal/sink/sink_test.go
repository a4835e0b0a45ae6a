package sink

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"misp-taxii-forwarder/internal/codec"
	"misp-taxii-forwarder/internal/config"
	"misp-taxii-forwarder/internal/model"
)

type recordingTransport struct {
	docs    []codec.Document
	outcome Outcome
	err     error
}

func (r *recordingTransport) Name() string { return "fake" }
func (r *recordingTransport) Close() error { return nil }
func (r *recordingTransport) Submit(_ context.Context, doc codec.Document) (Outcome, error) {
	r.docs = append(r.docs, doc)
	return r.outcome, r.err
}

func onePackage() model.Package {
	return model.Package{
		EventIDs:   []model.EventID{1},
		Indicators: []model.Indicator{{Observable: model.DomainObservable{Value: "x.test"}}},
	}
}

func TestSink_DeliverSubmitsOnce(t *testing.T) {
	c, err := codec.New(config.CodecSTIX2JSON, codec.Options{})
	require.NoError(t, err)
	tr := &recordingTransport{err: &TransportError{Transport: "fake", Err: errors.New("reset")}}
	s := New(c, tr)

	_, err = s.Deliver(context.Background(), onePackage())
	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Len(t, tr.docs, 1, "no retry inside the sink")
	assert.Equal(t, "fake/stix2-json", s.Name())
}

func TestSink_ArchiveWritesEncodedPackage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stix_package.xml")
	c, err := codec.New(config.CodecSTIX1XML, codec.Options{})
	require.NoError(t, err)
	tr := &recordingTransport{outcome: Accepted()}

	out, err := New(c, tr, WithArchive(path)).Deliver(context.Background(), onePackage())
	require.NoError(t, err)
	assert.True(t, out.Accepted())

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, tr.docs[0].Data, b)
}

func TestSink_ArchiveFailureIsNotFatal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing-dir", "pkg.xml")
	c, err := codec.New(config.CodecSTIX1XML, codec.Options{})
	require.NoError(t, err)
	tr := &recordingTransport{outcome: Accepted()}

	out, err := New(c, tr, WithArchive(path)).Deliver(context.Background(), onePackage())
	require.NoError(t, err)
	assert.True(t, out.Accepted())
}

func TestNewFromConfig(t *testing.T) {
	s, err := NewFromConfig(config.DeliveryConfig{
		Kind:    config.DeliveryTAXII11,
		Codec:   config.CodecSTIX1XML,
		TAXII11: config.TAXII11Config{InboxURL: "http://localhost/inbox"},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "taxii11/stix1-xml", s.Name())

	_, err = NewFromConfig(config.DeliveryConfig{Kind: "smtp", Codec: config.CodecSTIX2JSON}, nil)
	assert.Error(t, err)
}

func TestOutcomeStrings(t *testing.T) {
	assert.Equal(t, "accepted", StatusAccepted.String())
	assert.Equal(t, "rejected", Rejected("x", "").Status.String())
	assert.False(t, Rejected("x", "").Accepted())
}
