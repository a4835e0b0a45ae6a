// Package codec encodes a package of indicators into its wire form.
package codec

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"misp-taxii-forwarder/internal/config"
	"misp-taxii-forwarder/internal/model"
)

// Document is one encoded package.
type Document struct {
	ID          string // package / bundle id
	ContentType string
	Binding     string // TAXII content binding
	Data        []byte
}

type Codec interface {
	Name() string
	Encode(pkg model.Package) (Document, error)
}

type Options struct {
	Producer string
	Now      func() time.Time
	NewID    func() uuid.UUID
}

func (o Options) withDefaults() Options {
	if o.Producer == "" {
		o.Producer = "misp-taxii-forwarder"
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.NewID == nil {
		o.NewID = uuid.New
	}
	return o
}

func New(name string, o Options) (Codec, error) {
	o = o.withDefaults()
	switch name {
	case config.CodecSTIX1XML:
		return &stix1Codec{opts: o}, nil
	case config.CodecSTIX2JSON:
		return &stix2Codec{opts: o}, nil
	default:
		return nil, fmt.Errorf("unknown codec: %s", name)
	}
}

// indicatorNamespace seeds UUIDv5 ids so the same observable always gets the
// same indicator id, letting downstream collapse re-deliveries.
var indicatorNamespace = uuid.MustParse("2f6d1c0e-5b7a-4c1e-9a43-8f1b7e0d2c11")

func observableKey(ind model.Indicator) string {
	switch o := ind.Observable.(type) {
	case model.AddressObservable:
		return "address|" + o.Category + "|" + o.Value
	case model.DomainObservable:
		return "domain|" + o.Value
	case model.URLObservable:
		return "url|" + o.Type + "|" + o.Value
	case model.FileHashObservable:
		return "file|" + o.Algorithm + "|" + o.Value
	default:
		return ""
	}
}

func stableID(parts ...string) uuid.UUID {
	key := ""
	for _, p := range parts {
		key += p + "\x00"
	}
	return uuid.NewSHA1(indicatorNamespace, []byte(key))
}
