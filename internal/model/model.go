package model

import "strings"

// EventID is the upstream-assigned event identifier.
type EventID int64

// AttributeKind is the closed set of attribute kinds the forwarder understands.
type AttributeKind int

const (
	KindUnsupported AttributeKind = iota
	KindIPv4                      // ip-src / ip-dst
	KindDomain
	KindURL
	KindMD5
)

var kindNames = map[AttributeKind]string{
	KindUnsupported: "unsupported",
	KindIPv4:        "ipv4",
	KindDomain:      "domain",
	KindURL:         "url",
	KindMD5:         "md5",
}

func (k AttributeKind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unsupported"
}

// ParseKind maps an upstream attribute type (e.g. "ip-dst") to its kind.
// Unknown types are not an error; they become KindUnsupported and are
// dropped later by the transformer.
func ParseKind(upstreamType string) AttributeKind {
	switch strings.ToLower(strings.TrimSpace(upstreamType)) {
	case "ip-src", "ip-dst":
		return KindIPv4
	case "domain":
		return KindDomain
	case "url":
		return KindURL
	case "md5":
		return KindMD5
	default:
		return KindUnsupported
	}
}

// Attribute is one raw observable datum inside an Event.
type Attribute struct {
	Kind  AttributeKind
	Type  string // upstream type as received, kept for logs
	Value string // not validated
}

// Event is one record fetched from the upstream intelligence source.
type Event struct {
	ID         EventID
	Info       string // optional upstream title
	Attributes []Attribute
}

// Package is the ordered set of indicators built in one poll cycle.
type Package struct {
	Indicators []Indicator
	// EventIDs lists every event that went into the package, in encounter
	// order, including events that contributed no indicator.
	EventIDs []EventID
}

// Empty reports whether the package has nothing to deliver.
func (p Package) Empty() bool { return len(p.Indicators) == 0 }
