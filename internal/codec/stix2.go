package codec

import (
	"encoding/json"
	"fmt"
	"strings"

	"misp-taxii-forwarder/internal/model"
)

const (
	ContentTypeSTIX21 = "application/stix+json;version=2.1"
	BindingSTIX21     = "application/stix+json;version=2.1"
	stix2Time         = "2006-01-02T15:04:05.000Z"
)

type stix2Codec struct {
	opts Options
}

func (c *stix2Codec) Name() string { return "stix2-json" }

type stix2Bundle struct {
	Type    string `json:"type"`
	ID      string `json:"id"`
	Objects []any  `json:"objects"`
}

type stix2Identity struct {
	Type          string `json:"type"`
	SpecVersion   string `json:"spec_version"`
	ID            string `json:"id"`
	Created       string `json:"created"`
	Modified      string `json:"modified"`
	Name          string `json:"name"`
	IdentityClass string `json:"identity_class"`
}

type stix2Indicator struct {
	Type           string   `json:"type"`
	SpecVersion    string   `json:"spec_version"`
	ID             string   `json:"id"`
	CreatedByRef   string   `json:"created_by_ref"`
	Created        string   `json:"created"`
	Modified       string   `json:"modified"`
	Name           string   `json:"name"`
	IndicatorTypes []string `json:"indicator_types"`
	Pattern        string   `json:"pattern"`
	PatternType    string   `json:"pattern_type"`
	ValidFrom      string   `json:"valid_from"`
}

func (c *stix2Codec) Encode(pkg model.Package) (Document, error) {
	now := c.opts.Now().UTC().Format(stix2Time)
	identityID := "identity--" + stableID("identity", c.opts.Producer).String()
	bundle := stix2Bundle{
		Type: "bundle",
		ID:   "bundle--" + c.opts.NewID().String(),
		Objects: []any{stix2Identity{
			Type:          "identity",
			SpecVersion:   "2.1",
			ID:            identityID,
			Created:       now,
			Modified:      now,
			Name:          c.opts.Producer,
			IdentityClass: "system",
		}},
	}

	// Indicator ids derive from the observable, so repeats collapse.
	emitted := make(map[string]struct{}, len(pkg.Indicators))
	for _, ind := range pkg.Indicators {
		key := observableKey(ind)
		if _, dup := emitted[key]; dup {
			continue
		}
		emitted[key] = struct{}{}
		pattern, err := Pattern(ind.Observable)
		if err != nil {
			return Document{}, err
		}
		bundle.Objects = append(bundle.Objects, stix2Indicator{
			Type:           "indicator",
			SpecVersion:    "2.1",
			ID:             "indicator--" + stableID("indicator", key).String(),
			CreatedByRef:   identityID,
			Created:        now,
			Modified:       now,
			Name:           ind.Value(),
			IndicatorTypes: []string{"malicious-activity"},
			Pattern:        pattern,
			PatternType:    "stix",
			ValidFrom:      now,
		})
	}

	out, err := json.Marshal(bundle)
	if err != nil {
		return Document{}, fmt.Errorf("marshal stix2 bundle: %w", err)
	}
	return Document{ID: bundle.ID, ContentType: ContentTypeSTIX21, Binding: BindingSTIX21, Data: out}, nil
}

var patternEscaper = strings.NewReplacer(`\`, `\\`, `'`, `\'`)

// Pattern renders the STIX 2.1 pattern for an observable.
func Pattern(o model.Observable) (string, error) {
	switch v := o.(type) {
	case model.AddressObservable:
		return fmt.Sprintf("[ipv4-addr:value = '%s']", patternEscaper.Replace(v.Value)), nil
	case model.DomainObservable:
		return fmt.Sprintf("[domain-name:value = '%s']", patternEscaper.Replace(v.Value)), nil
	case model.URLObservable:
		return fmt.Sprintf("[url:value = '%s']", patternEscaper.Replace(v.Value)), nil
	case model.FileHashObservable:
		return fmt.Sprintf("[file:hashes.'%s' = '%s']", v.Algorithm, patternEscaper.Replace(v.Value)), nil
	default:
		return "", fmt.Errorf("stix2: unsupported observable %T", o)
	}
}
