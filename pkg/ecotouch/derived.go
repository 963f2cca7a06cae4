package ecotouch

import (
	"fmt"
	"strconv"

	"github.com/pkg/errors"
)

// Read-only codecs deriving identification strings from integer registers.

type firmwareCodec struct{}

// Decode renders "<major>.<minor>.<patch>-<build>" from the version register (e.g. 10405)
// and the build register
func (firmwareCodec) Decode(t *Tag, raw []*string) (interface{}, error) {
	f, err := parseFields(t, raw)
	if f == nil || err != nil {
		return nil, err
	}
	s := fmt.Sprintf("%05d", f[0])
	n := len(s)
	major, err := strconv.Atoi(s[:n-4])
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidValue, "%s=%d", t.Name, f[0])
	}
	return fmt.Sprintf("%d.%s.%s-%d", major, s[n-4:n-2], s[n-2:], f[1]), nil
}

func (firmwareCodec) Encode(t *Tag, v interface{}, out map[Address]string) error {
	return readOnlyError(t.Name)
}

type biosCodec struct{}

// Decode renders "<first digit>.<next two digits>", e.g. 206 becomes "2.06"
func (biosCodec) Decode(t *Tag, raw []*string) (interface{}, error) {
	f, err := parseFields(t, raw)
	if f == nil || err != nil {
		return nil, err
	}
	if f[0] < 0 {
		return nil, errors.Wrapf(ErrInvalidValue, "%s=%d", t.Name, f[0])
	}
	s := fmt.Sprintf("%03d", f[0])
	return s[:1] + "." + s[1:3], nil
}

func (biosCodec) Encode(t *Tag, v interface{}, out map[Address]string) error {
	return readOnlyError(t.Name)
}

type serialCodec struct{}

// Decode combines the serial and year registers. Serials above 1000 are
// factory numbers and get the "WE" prefix, older ones are zero prefixed.
func (serialCodec) Decode(t *Tag, raw []*string) (interface{}, error) {
	f, err := parseFields(t, raw)
	if f == nil || err != nil {
		return nil, err
	}
	prefix := "00"
	if f[0] > 1000 {
		prefix = "WE"
	}
	return fmt.Sprintf("%s%02d%05d", prefix, f[1], f[0]), nil
}

func (serialCodec) Encode(t *Tag, v interface{}, out map[Address]string) error {
	return readOnlyError(t.Name)
}

// lookupCodec maps a raw index onto a static name table. Unknown indices yield "".
type lookupCodec struct {
	names []string
}

func (c lookupCodec) Decode(t *Tag, raw []*string) (interface{}, error) {
	f, err := parseFields(t, raw)
	if f == nil || err != nil {
		return nil, err
	}
	if f[0] < 0 || f[0] >= len(c.names) {
		return "", nil
	}
	return c.names[f[0]], nil
}

func (c lookupCodec) Encode(t *Tag, v interface{}, out map[Address]string) error {
	return readOnlyError(t.Name)
}

var seriesCodec = lookupCodec{names: deviceSeries}

var deviceIDCodec = lookupCodec{names: deviceIDs}

// deviceSeries is indexed by the series register. Blank entries are revisions without a known name.
var deviceSeries = []string{
	"",
	"",
	"",
	"",
	"",
	"",
	"",
	"Custom",
	"Ai1",
	"Ai1+",
	"Ai1 QL",
	"Ai1 Geo",
	"EcoTouch Ai1 Geo",
	"EcoTouch Ai1 Air",
	"EcoTouch DS 5027 Ai",
	"EcoTouch Ai1 Air KW",
	"",
	"EcoTouch Ai1 Geo KW",
	"EcoTouch Ai1 Air 2018",
	"EcoTouch Ai1 Geo 2018",
	"EcoTouch Ai1 Air 2019",
	"EcoTouch Ai1 Geo 2019",
	"",
	"EcoTouch Ai1 Air 2020",
	"EcoTouch Ai1 Geo 2020",
}

// deviceIDs is indexed by the device id register
var deviceIDs = []string{
	"",
	"",
	"DS 5006.4 Ai",
	"DS 5008.4 Ai",
	"DS 5010.4 Ai",
	"DS 5012.4 Ai",
	"DS 5014.4 Ai",
	"DS 5017.4 Ai",
	"DS 5020.4 Ai",
	"DS 5023.4 Ai",
	"DS 5027.4 Ai",
	"DS 5029.4 Ai",
	"DS 5033.4 Ai",
	"DS 5040.4 Ai",
	"",
	"",
	"DS 5006.5 Ai",
	"DS 5008.5 Ai",
	"DS 5010.5 Ai",
	"DS 5012.5 Ai",
	"DS 5014.5 Ai",
	"DS 5017.5 Ai",
	"DS 5020.5 Ai",
	"DS 5023.5 Ai",
	"DS 5027.5 Ai",
	"DS 5029.5 Ai",
	"",
	"",
	"WPL 07 Ai",
	"WPL 09 Ai",
	"WPL 11 Ai",
	"WPL 13 Ai",
	"WPL 15 Ai",
	"WPL 18 Ai",
	"WPL 21 Ai",
	"WPL 25 Ai",
	"",
	"",
	"",
	"EcoTouch Ai1 Geo 1-7",
	"EcoTouch Ai1 Geo 2-9",
	"EcoTouch Ai1 Geo 3-11",
	"EcoTouch Ai1 Geo 4-13",
	"EcoTouch Ai1 Air 5-8",
	"EcoTouch Ai1 Air 7-11",
	"",
	"",
}
