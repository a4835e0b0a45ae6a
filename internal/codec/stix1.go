package codec

import (
	"encoding/xml"
	"fmt"
	"time"

	"misp-taxii-forwarder/internal/model"
)

const (
	ContentTypeXML      = "application/xml"
	BindingSTIX111      = "urn:stix.mitre.org:xml:1.1.1"
	stix1IDPrefix       = "cti"
	stix1IDNamespace    = "urn:misp-taxii-forwarder"
	stix1PackageVersion = "1.1.1"
)

type stix1Codec struct {
	opts Options
}

func (c *stix1Codec) Name() string { return "stix1-xml" }

type stix1Package struct {
	XMLName     xml.Name `xml:"stix:STIX_Package"`
	NSStix      string   `xml:"xmlns:stix,attr"`
	NSIndicator string   `xml:"xmlns:indicator,attr"`
	NSCybox     string   `xml:"xmlns:cybox,attr"`
	NSCommon    string   `xml:"xmlns:cyboxCommon,attr"`
	NSVocabs    string   `xml:"xmlns:cyboxVocabs,attr"`
	NSAddress   string   `xml:"xmlns:AddressObj,attr"`
	NSDomain    string   `xml:"xmlns:DomainNameObj,attr"`
	NSURI       string   `xml:"xmlns:URIObj,attr"`
	NSFile      string   `xml:"xmlns:FileObj,attr"`
	NSXSI       string   `xml:"xmlns:xsi,attr"`
	NSID        string   `xml:"xmlns:cti,attr"`
	ID          string   `xml:"id,attr"`
	Version     string   `xml:"version,attr"`
	Timestamp   string   `xml:"timestamp,attr"`

	Header     stix1Header      `xml:"stix:STIX_Header"`
	Indicators []stix1Indicator `xml:"stix:Indicators>stix:Indicator"`
}

type stix1Header struct {
	Title string `xml:"stix:Title"`
}

type stix1Indicator struct {
	ID         string          `xml:"id,attr"`
	Timestamp  string          `xml:"timestamp,attr"`
	Version    string          `xml:"version,attr"`
	XSIType    string          `xml:"xsi:type,attr"`
	Title      string          `xml:"indicator:Title"`
	Observable stix1Observable `xml:"indicator:Observable"`
}

type stix1Observable struct {
	ID     string      `xml:"id,attr"`
	Object stix1Object `xml:"cybox:Object"`
}

type stix1Object struct {
	ID         string          `xml:"id,attr"`
	Properties stix1Properties `xml:"cybox:Properties"`
}

type stix1Properties struct {
	XSIType      string       `xml:"xsi:type,attr"`
	Category     string       `xml:"category,attr,omitempty"`
	URIType      string       `xml:"type,attr,omitempty"`
	AddressValue string       `xml:"AddressObj:Address_Value,omitempty"`
	DomainValue  string       `xml:"DomainNameObj:Value,omitempty"`
	URIValue     string       `xml:"URIObj:Value,omitempty"`
	Hashes       *stix1Hashes `xml:"FileObj:Hashes,omitempty"`
}

type stix1Hashes struct {
	Hash []stix1Hash `xml:"cyboxCommon:Hash"`
}

type stix1Hash struct {
	Type  stix1HashType `xml:"cyboxCommon:Type"`
	Value string        `xml:"cyboxCommon:Simple_Hash_Value"`
}

type stix1HashType struct {
	XSIType string `xml:"xsi:type,attr"`
	Name    string `xml:",chardata"`
}

func stix1ID(kind string, id fmt.Stringer) string {
	return stix1IDPrefix + ":" + kind + "-" + id.String()
}

func (c *stix1Codec) Encode(pkg model.Package) (Document, error) {
	now := c.opts.Now().UTC().Format(time.RFC3339)
	id := stix1ID("Package", c.opts.NewID())

	doc := stix1Package{
		NSStix:      "http://stix.mitre.org/stix-1",
		NSIndicator: "http://stix.mitre.org/Indicator-2",
		NSCybox:     "http://cybox.mitre.org/cybox-2",
		NSCommon:    "http://cybox.mitre.org/common-2",
		NSVocabs:    "http://cybox.mitre.org/default_vocabularies-2",
		NSAddress:   "http://cybox.mitre.org/objects#AddressObject-2",
		NSDomain:    "http://cybox.mitre.org/objects#DomainNameObject-1",
		NSURI:       "http://cybox.mitre.org/objects#URIObject-2",
		NSFile:      "http://cybox.mitre.org/objects#FileObject-2",
		NSXSI:       "http://www.w3.org/2001/XMLSchema-instance",
		NSID:        stix1IDNamespace,
		ID:          id,
		Version:     stix1PackageVersion,
		Timestamp:   now,
		Header:      stix1Header{Title: c.opts.Producer},
	}

	emitted := make(map[string]struct{}, len(pkg.Indicators))
	for _, ind := range pkg.Indicators {
		key := observableKey(ind)
		if _, dup := emitted[key]; dup {
			continue
		}
		emitted[key] = struct{}{}
		props, err := stix1PropertiesFor(ind.Observable)
		if err != nil {
			return Document{}, err
		}
		doc.Indicators = append(doc.Indicators, stix1Indicator{
			ID:        stix1ID("indicator", stableID("indicator", key)),
			Timestamp: now,
			Version:   "2.1.1",
			XSIType:   "indicator:IndicatorType",
			Title:     ind.Value(),
			Observable: stix1Observable{
				ID: stix1ID("Observable", stableID("observable", key)),
				Object: stix1Object{
					ID:         stix1ID("Object", stableID("object", key)),
					Properties: props,
				},
			},
		})
	}

	out, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return Document{}, fmt.Errorf("marshal stix1 package: %w", err)
	}
	return Document{
		ID:          id,
		ContentType: ContentTypeXML,
		Binding:     BindingSTIX111,
		Data:        append([]byte(xml.Header), out...),
	}, nil
}

func stix1PropertiesFor(o model.Observable) (stix1Properties, error) {
	switch v := o.(type) {
	case model.AddressObservable:
		return stix1Properties{XSIType: "AddressObj:AddressObjectType", Category: v.Category, AddressValue: v.Value}, nil
	case model.DomainObservable:
		return stix1Properties{XSIType: "DomainNameObj:DomainNameObjectType", DomainValue: v.Value}, nil
	case model.URLObservable:
		return stix1Properties{XSIType: "URIObj:URIObjectType", URIType: v.Type, URIValue: v.Value}, nil
	case model.FileHashObservable:
		return stix1Properties{
			XSIType: "FileObj:FileObjectType",
			Hashes: &stix1Hashes{Hash: []stix1Hash{{
				Type:  stix1HashType{XSIType: "cyboxVocabs:HashNameVocab-1.0", Name: v.Algorithm},
				Value: v.Value,
			}}},
		}, nil
	default:
		return stix1Properties{}, fmt.Errorf("stix1: unsupported observable %T", o)
	}
}
