package model

// ObservableKind tags the variant held by an Indicator.
type ObservableKind string

const (
	ObservableAddress  ObservableKind = "address"
	ObservableDomain   ObservableKind = "domain"
	ObservableURL      ObservableKind = "url"
	ObservableFileHash ObservableKind = "file_hash"
)

// Observable is a closed sum type; only the variants in this file implement it.
type Observable interface {
	Kind() ObservableKind
	observable()
}

const (
	AddressCategoryIPv4 = "ipv4-addr"
	URLTypeURL          = "URL"
	HashMD5             = "MD5"
)

type AddressObservable struct {
	Value    string
	Category string
}

type DomainObservable struct {
	Value string
}

type URLObservable struct {
	Value string
	Type  string
}

type FileHashObservable struct {
	Algorithm string
	Value     string
}

func (AddressObservable) Kind() ObservableKind  { return ObservableAddress }
func (DomainObservable) Kind() ObservableKind   { return ObservableDomain }
func (URLObservable) Kind() ObservableKind      { return ObservableURL }
func (FileHashObservable) Kind() ObservableKind { return ObservableFileHash }

func (AddressObservable) observable()  {}
func (DomainObservable) observable()   {}
func (URLObservable) observable()      {}
func (FileHashObservable) observable() {}

// Indicator is the canonical form of a supported attribute. All variants
// are comparable, so two Indicators can be checked with ==.
type Indicator struct {
	Observable Observable
}

// Value returns the observable's primary value.
func (i Indicator) Value() string {
	switch o := i.Observable.(type) {
	case AddressObservable:
		return o.Value
	case DomainObservable:
		return o.Value
	case URLObservable:
		return o.Value
	case FileHashObservable:
		return o.Value
	default:
		return ""
	}
}
