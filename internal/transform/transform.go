// Package transform turns upstream attributes into indicators and collects
// them into one package per poll cycle.
package transform

import "misp-taxii-forwarder/internal/model"

// rule builds the observable for one supported attribute kind.
type rule func(value string) model.Observable

// rules is the mapping table. Supporting a new kind means adding one entry
// here and one variant in model; nothing else changes.
var rules = map[model.AttributeKind]rule{
	model.KindIPv4: func(v string) model.Observable {
		return model.AddressObservable{Value: v, Category: model.AddressCategoryIPv4}
	},
	model.KindDomain: func(v string) model.Observable {
		return model.DomainObservable{Value: v}
	},
	model.KindURL: func(v string) model.Observable {
		return model.URLObservable{Value: v, Type: model.URLTypeURL}
	},
	model.KindMD5: func(v string) model.Observable {
		return model.FileHashObservable{Algorithm: model.HashMD5, Value: v}
	},
}

// Transform maps a single attribute. ok is false for unsupported kinds.
func Transform(a model.Attribute) (ind model.Indicator, ok bool) {
	r, found := rules[a.Kind]
	if !found {
		return model.Indicator{}, false
	}
	return model.Indicator{Observable: r(a.Value)}, true
}

// Build runs Transform over every attribute of every event, keeping
// encounter order (event order, then attribute order).
func Build(events []model.Event) model.Package {
	pkg := model.Package{EventIDs: make([]model.EventID, 0, len(events))}
	for _, ev := range events {
		pkg.EventIDs = append(pkg.EventIDs, ev.ID)
		for _, a := range ev.Attributes {
			if ind, ok := Transform(a); ok {
				pkg.Indicators = append(pkg.Indicators, ind)
			}
		}
	}
	return pkg
}
