package ecotouch

import (
	"sort"

	"k8s.io/apimachinery/pkg/util/sets"
)

// Family selects one of the two controller firmware dialects
type Family string

const (
	FamilyEcotouch Family = "ecotouch"
	FamilyEasycon  Family = "easycon"
)

// Status is the per address protocol status reported by the device
type Status string

const (
	StatusOK       Status = "S_OK"
	StatusInactive Status = "E_INACTIVETAG"
	// StatusNotFound is synthesized when the device did not answer for an address at all
	StatusNotFound Status = "E_NOTFOUND"
)

// Tag is a named logical sensor or control point backed by one or more raw addresses.
// The order of Addresses matters for multi address codecs.
type Tag struct {
	Name      string    `json:"name"`
	Addresses []Address `json:"addresses"`
	Writeable bool      `json:"writeable"`
	Bit       *uint     `json:"bit,omitempty"`
	Bits      []uint    `json:"bits,omitempty"`
	Translate bool      `json:"translate,omitempty"`
	// Variable marks a bitfield tag whose addresses may be pruned per connection
	Variable bool `json:"variable,omitempty"`

	CodecName string `json:"codec"`
	Codec     Codec  `json:"-"`
}

// RawResult is the wire outcome for one address within one batch
type RawResult struct {
	Status Status
	Value  *string
}

// TagResult is the decoded outcome for one tag
type TagResult struct {
	Value  interface{} `json:"value"`
	Status Status      `json:"status"`
}

// TagValue pairs a tag with a value to be written
type TagValue struct {
	Tag   *Tag
	Value interface{}
}

// Registry is an immutable catalog of tags of one device family.
// It is safe for concurrent use.
type Registry struct {
	family Family
	tags   map[string]*Tag
	names  []string
	alarms sets.Set[Address]
	// addresses of variable width bitfields
	variable sets.Set[Address]
}

func newRegistry(family Family) *Registry {
	return &Registry{family: family, tags: make(map[string]*Tag), alarms: sets.New[Address](), variable: sets.New[Address]()}
}

func (r *Registry) add(t *Tag) {
	if _, dup := r.tags[t.Name]; dup {
		panic("duplicate tag " + t.Name)
	}
	r.tags[t.Name] = t
	r.names = append(r.names, t.Name)
}

func (r *Registry) seal() {
	sort.Strings(r.names)
}

// Family returns the device family this registry belongs to
func (r *Registry) Family() Family { return r.family }

// Get looks up a tag by name
func (r *Registry) Get(name string) (*Tag, bool) {
	t, ok := r.tags[name]
	return t, ok
}

// Len returns the number of tags
func (r *Registry) Len() int { return len(r.names) }

// Tags returns all tags sorted by name
func (r *Registry) Tags() []*Tag {
	ts := make([]*Tag, 0, len(r.names))
	for _, n := range r.names {
		ts = append(ts, r.tags[n])
	}
	return ts
}

// Lookup resolves names to tags, failing on the first unknown name
func (r *Registry) Lookup(names ...string) ([]*Tag, error) {
	ts := make([]*Tag, 0, len(names))
	for _, n := range names {
		t, ok := r.tags[n]
		if !ok {
			return nil, &unknownTagError{name: n}
		}
		ts = append(ts, t)
	}
	return ts, nil
}

// IsAlarmAddress reports whether a is an optional alarm sub-address
func (r *Registry) IsAlarmAddress(a Address) bool {
	return r.alarms.Has(a)
}

// IsVariableAddress reports whether a belongs to a variable width bitfield tag
func (r *Registry) IsVariableAddress(a Address) bool {
	return r.variable.Has(a)
}

// Flatten returns the de-duplicated addresses of tags in first seen order
func Flatten(tags []*Tag) []Address {
	seen := sets.New[Address]()
	var addrs []Address
	for _, t := range tags {
		for _, a := range t.Addresses {
			if seen.Has(a) {
				continue
			}
			seen.Insert(a)
			addrs = append(addrs, a)
		}
	}
	return addrs
}

type unknownTagError struct{ name string }

func (e *unknownTagError) Error() string { return ErrUnknownTag.Error() + ": " + e.name }
func (e *unknownTagError) Unwrap() error { return ErrUnknownTag }
