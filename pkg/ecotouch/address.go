package ecotouch

import (
	"fmt"
	"strconv"

	"github.com/pkg/errors"
)

// Kind is the wire type of a raw protocol address, encoded as its first character
type Kind byte

const (
	Analog  Kind = 'A'
	Integer Kind = 'I'
	Digital Kind = 'D'
)

func (k Kind) String() string {
	switch k {
	case Analog:
		return "ANALOG"
	case Integer:
		return "INTEGER"
	case Digital:
		return "DIGITAL"
	}
	return fmt.Sprintf("Kind(%q)", byte(k))
}

// Address is a raw protocol address like A12, I51 or D420
type Address struct {
	Kind  Kind
	Index int
}

func (a Address) String() string {
	return string(a.Kind) + strconv.Itoa(a.Index)
}

// MarshalText renders the address in wire format, e.g. "A12"
func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText parses an address in wire format
func (a *Address) UnmarshalText(b []byte) error {
	p, err := ParseAddress(string(b))
	if err != nil {
		return err
	}
	*a = p
	return nil
}

// ParseAddress parses a wire address. The first character selects the Kind.
func ParseAddress(s string) (Address, error) {
	if len(s) < 2 {
		return Address{}, errors.Errorf("invalid address %q", s)
	}
	k := Kind(s[0])
	switch k {
	case Analog, Integer, Digital:
	default:
		return Address{}, errors.Errorf("invalid address %q: unknown kind %q", s, s[0])
	}
	i, err := strconv.Atoi(s[1:])
	if err != nil || i < 0 {
		return Address{}, errors.Errorf("invalid address %q: bad index", s)
	}
	return Address{Kind: k, Index: i}, nil
}

// MustParseAddress is ParseAddress for static tables, it panics on malformed input
func MustParseAddress(s string) Address {
	a, err := ParseAddress(s)
	if err != nil {
		panic(err)
	}
	return a
}
