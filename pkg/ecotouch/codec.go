package ecotouch

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Codec is the interface providing Decode and Encode functions for conversion between raw and typed data.
// Checking for validity is done when a tag table is loaded, so Decode/Encode only do minimal checking.
type Codec interface {
	// Decode gets one raw value per tag address, in address order. A nil entry means
	// the device did not deliver a value for that address.
	Decode(t *Tag, raw []*string) (v interface{}, err error)
	// Encode populates out with one raw value per tag address
	Encode(t *Tag, v interface{}, out map[Address]string) (err error)
}

// ErrorSentinel is returned by enumerated decoders for unexpected device values
const ErrorSentinel = "Error"

// noScaling as valueCodec factor disables the x10 fixed point conversion
const noScaling = -1

// registers hold signed 32 bit integers
const (
	minRegister = math.MinInt32
	maxRegister = math.MaxInt32
)

// valueCodec is the default codec dispatching on the kind of the first address
type valueCodec struct {
	factor float64
}

func (c valueCodec) Decode(t *Tag, raw []*string) (interface{}, error) {
	if len(raw) == 0 || raw[0] == nil {
		return nil, nil
	}
	s := *raw[0]
	switch t.Addresses[0].Kind {
	case Analog:
		if len(t.Addresses) == 2 {
			if raw[1] == nil {
				return nil, nil
			}
			hi, err := parseRawInt(t, s)
			if err != nil {
				return nil, err
			}
			lo, err := parseRawInt(t, *raw[1])
			if err != nil {
				return nil, err
			}
			return float64(math.Float32frombits(uint32(hi&0xffff)<<16 | uint32(lo&0xffff))), nil
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return nil, errors.Wrapf(ErrInvalidValue, "%s=%q", t.Name, s)
		}
		if c.factor > 0 {
			f = f / c.factor
		}
		return f, nil
	case Integer:
		i, err := parseRawInt(t, s)
		if err != nil {
			return nil, err
		}
		if t.Bit != nil {
			return (i>>*t.Bit)&1 != 0, nil
		}
		if len(t.Bits) > 0 {
			bs := make([]bool, len(t.Bits))
			for n, b := range t.Bits {
				bs[n] = (i>>b)&1 == 1
			}
			return bs, nil
		}
		return i, nil
	case Digital:
		return parseDigital(t, s)
	}
	panic(fmt.Sprintf("tag %s: address %v has unknown kind", t.Name, t.Addresses[0]))
}

func (c valueCodec) Encode(t *Tag, v interface{}, out map[Address]string) error {
	a := t.Addresses[0]
	switch a.Kind {
	case Analog:
		f, err := toFloat(v)
		if err != nil {
			return err
		}
		if len(t.Addresses) == 2 {
			if math.Abs(f) > math.MaxFloat32 {
				return errors.Wrapf(ErrInvalidValue, "%s=%v exceeds float32", t.Name, v)
			}
			bits := math.Float32bits(float32(f))
			out[a] = strconv.FormatUint(uint64(bits>>16), 10)
			out[t.Addresses[1]] = strconv.FormatUint(uint64(bits&0xffff), 10)
			return nil
		}
		if c.factor > 0 {
			// round, not truncate: 0.1 steps are not exact in binary floating point
			r := math.Round(f * c.factor)
			if r < minRegister || r > maxRegister {
				return errors.Wrapf(ErrInvalidValue, "%s=%v out of range", t.Name, v)
			}
			out[a] = strconv.Itoa(int(r))
		} else {
			out[a] = strconv.FormatFloat(f, 'f', -1, 64)
		}
	case Integer:
		if t.Bit != nil || len(t.Bits) > 0 {
			return readOnlyError(t.Name)
		}
		i, err := toInt(v)
		if err != nil {
			return err
		}
		out[a] = strconv.Itoa(i)
	case Digital:
		b, err := toBool(v)
		if err != nil {
			return err
		}
		out[a] = formatDigital(b)
	default:
		panic(fmt.Sprintf("tag %s: address %v has unknown kind", t.Name, a))
	}
	return nil
}

// digitalBitsCodec decodes a bitfield spread over several digital addresses, one bit each.
// Addresses without a value count as unset, so pruned addresses do not break decoding.
type digitalBitsCodec struct{}

func (digitalBitsCodec) Decode(t *Tag, raw []*string) (interface{}, error) {
	bs := make([]bool, len(raw))
	seen := false
	for i, r := range raw {
		if r == nil {
			continue
		}
		seen = true
		b, err := parseDigital(t, *r)
		if err != nil {
			return nil, err
		}
		bs[i] = b
	}
	if !seen {
		return nil, nil
	}
	return bs, nil
}

func (digitalBitsCodec) Encode(t *Tag, v interface{}, out map[Address]string) error {
	return readOnlyError(t.Name)
}

// enumCodec maps a small raw index onto a fixed vocabulary.
// Unknown raw values decode to ErrorSentinel instead of failing.
type enumCodec struct {
	values []string
}

var (
	stateCodec    = enumCodec{values: []string{"off", "auto", "manual"}}
	statusCodec   = enumCodec{values: []string{"off", "on", "disabled"}}
	sixStepsCodec = enumCodec{values: []string{"off", "normal", "setback", "standby", "eco", "manual"}}
)

func (c enumCodec) Decode(t *Tag, raw []*string) (interface{}, error) {
	if len(raw) == 0 || raw[0] == nil {
		return nil, nil
	}
	i, err := strconv.Atoi(strings.TrimSpace(*raw[0]))
	if err != nil || i < 0 || i >= len(c.values) {
		return ErrorSentinel, nil
	}
	return c.values[i], nil
}

func (c enumCodec) Encode(t *Tag, v interface{}, out map[Address]string) error {
	s, ok := v.(string)
	if !ok {
		// accept the raw index as well
		i, err := toInt(v)
		if err != nil || i < 0 || i >= len(c.values) {
			return errors.Wrapf(ErrInvalidValue, "%s=%v", t.Name, v)
		}
		out[t.Addresses[0]] = strconv.Itoa(i)
		return nil
	}
	for i, n := range c.values {
		if strings.EqualFold(n, s) {
			out[t.Addresses[0]] = strconv.Itoa(i)
			return nil
		}
	}
	return errors.Wrapf(ErrInvalidValue, "%s=%q, want one of %v", t.Name, s, c.values)
}

// dateTimeCodec assembles year, month, day, hour, minute[, second] registers into a timestamp.
// Years are stored with two digits. Hour 24 is the device's end of day and rolls over to the next day.
type dateTimeCodec struct{}

func (dateTimeCodec) Decode(t *Tag, raw []*string) (interface{}, error) {
	f, err := parseFields(t, raw)
	if f == nil || err != nil {
		return nil, err
	}
	sec := 0
	if len(f) > 5 {
		sec = f[5]
	}
	year, month, day, hour, minute := 2000+f[0], time.Month(f[1]), f[2], f[3], f[4]
	if f[0] < 0 || f[0] > 99 || month < time.January || month > time.December ||
		day < 1 || day > daysIn(year, month) ||
		hour < 0 || hour > 24 || minute < 0 || minute > 59 || sec < 0 || sec > 59 {
		return nil, errors.Wrapf(ErrInvalidValue, "%s=%v is not a date", t.Name, f)
	}
	rollover := false
	if hour == 24 {
		hour = 0
		rollover = true
	}
	d := time.Date(year, month, day, hour, minute, sec, 0, time.Local)
	if rollover {
		d = d.AddDate(0, 0, 1)
	}
	return d, nil
}

func daysIn(year int, m time.Month) int {
	return time.Date(year, m+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

func (dateTimeCodec) Encode(t *Tag, v interface{}, out map[Address]string) error {
	d, err := toTime(v)
	if err != nil {
		return err
	}
	if d.Year() < 2000 || d.Year() > 2099 {
		return errors.Wrapf(ErrInvalidValue, "%s=%v, year must be within 2000..2099", t.Name, d)
	}
	fields := []int{d.Year() - 2000, int(d.Month()), d.Day(), d.Hour(), d.Minute(), d.Second()}
	if isEndOfDayTime(d) {
		fields[3], fields[4], fields[5] = 24, 0, 0
	}
	for i, a := range t.Addresses {
		out[a] = strconv.Itoa(fields[i])
	}
	return nil
}

// timeOfDayCodec handles HH:MM register pairs. Decoding clamps out of range fields to 0.
type timeOfDayCodec struct{}

func (timeOfDayCodec) Decode(t *Tag, raw []*string) (interface{}, error) {
	f, err := parseFields(t, raw)
	if f == nil || err != nil {
		return nil, err
	}
	h, m := f[0], f[1]
	if h > 23 || h < 0 {
		h = 0
	}
	if m > 59 || m < 0 {
		m = 0
	}
	return TimeOfDay{Hour: h, Minute: m}, nil
}

func (timeOfDayCodec) Encode(t *Tag, v interface{}, out map[Address]string) error {
	tod, err := toTimeOfDay(v)
	if err != nil {
		return err
	}
	h, m := tod.Hour, tod.Minute
	if tod.IsEndOfDay() {
		h, m = 24, 0
	}
	out[t.Addresses[0]] = strconv.Itoa(h)
	out[t.Addresses[1]] = strconv.Itoa(m)
	return nil
}

// yearCodec handles two digit years
type yearCodec struct{}

func (yearCodec) Decode(t *Tag, raw []*string) (interface{}, error) {
	if len(raw) == 0 || raw[0] == nil {
		return nil, nil
	}
	i, err := parseRawInt(t, *raw[0])
	if err != nil {
		return nil, err
	}
	return i + 2000, nil
}

func (yearCodec) Encode(t *Tag, v interface{}, out map[Address]string) error {
	i, err := toInt(v)
	if err != nil {
		return err
	}
	if i >= 2000 {
		i -= 2000
	}
	out[t.Addresses[0]] = strconv.Itoa(i)
	return nil
}

func parseRawInt(t *Tag, s string) (int, error) {
	i, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, errors.Wrapf(ErrInvalidValue, "%s=%q", t.Name, s)
	}
	return i, nil
}

func parseDigital(t *Tag, s string) (bool, error) {
	switch strings.TrimSpace(s) {
	case "1":
		return true, nil
	case "0":
		return false, nil
	}
	return false, errors.Wrapf(ErrInvalidValue, "%s=%q is not a digital value", t.Name, s)
}

func formatDigital(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// parseFields returns nil, nil if any register is missing
func parseFields(t *Tag, raw []*string) ([]int, error) {
	f := make([]int, len(raw))
	for i, r := range raw {
		if r == nil {
			return nil, nil
		}
		n, err := parseRawInt(t, *r)
		if err != nil {
			return nil, err
		}
		f[i] = n
	}
	return f, nil
}

// toFloat accepts any finite number or numeric string
func toFloat(v interface{}) (float64, error) {
	f, err := number(v)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, errors.Wrapf(ErrInvalidValue, "%v is not a finite number", v)
	}
	return f, nil
}

func number(v interface{}) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int8:
		return float64(n), nil
	case int16:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case uint:
		return float64(n), nil
	case uint8:
		return float64(n), nil
	case uint16:
		return float64(n), nil
	case uint32:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, errors.Wrapf(ErrInvalidValue, "%q is not a number", n)
		}
		return f, nil
	}
	return 0, errors.Wrapf(ErrInvalidValue, "value must be a basic numeric type, got %T", v)
}

func toInt(v interface{}) (int, error) {
	if b, ok := v.(bool); ok {
		if b {
			return 1, nil
		}
		return 0, nil
	}
	f, err := toFloat(v)
	if err != nil {
		return 0, err
	}
	if f != math.Trunc(f) {
		return 0, errors.Wrapf(ErrInvalidValue, "%v is not an integer", v)
	}
	if f < minRegister || f > maxRegister {
		return 0, errors.Wrapf(ErrInvalidValue, "%v out of range", v)
	}
	return int(f), nil
}

func toBool(v interface{}) (bool, error) {
	switch b := v.(type) {
	case bool:
		return b, nil
	case string:
		p, err := strconv.ParseBool(b)
		if err != nil {
			return false, errors.Wrapf(ErrInvalidValue, "%q is not a boolean", b)
		}
		return p, nil
	}
	i, err := toInt(v)
	if err != nil || (i != 0 && i != 1) {
		return false, errors.Wrapf(ErrInvalidValue, "%v is not a boolean", v)
	}
	return i == 1, nil
}

func toTime(v interface{}) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t.Local(), nil
	case string:
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02 15:04:05", "2006-01-02 15:04"} {
			if p, err := time.ParseInLocation(layout, t, time.Local); err == nil {
				return p.Local(), nil
			}
		}
		return time.Time{}, errors.Wrapf(ErrInvalidValue, "%q is not a timestamp", t)
	}
	return time.Time{}, errors.Wrapf(ErrInvalidValue, "value must be a time.Time, got %T", v)
}

func toTimeOfDay(v interface{}) (TimeOfDay, error) {
	switch t := v.(type) {
	case TimeOfDay:
		return t, nil
	case *TimeOfDay:
		return *t, nil
	case time.Time:
		return TimeOfDay{Hour: t.Hour(), Minute: t.Minute(), Second: t.Second(), Nanosecond: t.Nanosecond()}, nil
	case string:
		return ParseTimeOfDay(t)
	}
	return TimeOfDay{}, errors.Wrapf(ErrInvalidValue, "value must be a time of day, got %T", v)
}
