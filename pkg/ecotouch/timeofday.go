package ecotouch

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// TimeOfDay is a wall clock time without a date
type TimeOfDay struct {
	Hour       int
	Minute     int
	Second     int
	Nanosecond int
}

// EndOfDay is the latest representable time of day, sent by clients to mean "until midnight"
var EndOfDay = TimeOfDay{Hour: 23, Minute: 59, Second: 59, Nanosecond: 999999999}

// ParseTimeOfDay accepts HH:MM, HH:MM:SS and HH:MM:SS.fff
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	var t TimeOfDay
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return t, errors.Wrapf(ErrInvalidValue, "time of day %q", s)
	}
	var err error
	if t.Hour, err = strconv.Atoi(parts[0]); err != nil || t.Hour < 0 || t.Hour > 23 {
		return t, errors.Wrapf(ErrInvalidValue, "hour in %q", s)
	}
	if t.Minute, err = strconv.Atoi(parts[1]); err != nil || t.Minute < 0 || t.Minute > 59 {
		return t, errors.Wrapf(ErrInvalidValue, "minute in %q", s)
	}
	if len(parts) == 3 {
		sec := parts[2]
		frac := ""
		if i := strings.IndexByte(sec, '.'); i >= 0 {
			sec, frac = sec[:i], sec[i+1:]
		}
		if t.Second, err = strconv.Atoi(sec); err != nil || t.Second < 0 || t.Second > 59 {
			return t, errors.Wrapf(ErrInvalidValue, "second in %q", s)
		}
		if frac != "" {
			if len(frac) > 9 {
				frac = frac[:9]
			}
			frac += strings.Repeat("0", 9-len(frac))
			if t.Nanosecond, err = strconv.Atoi(frac); err != nil {
				return t, errors.Wrapf(ErrInvalidValue, "fraction in %q", s)
			}
		}
	}
	return t, nil
}

// IsEndOfDay reports whether t is the 23:59:59.9... sentinel
func (t TimeOfDay) IsEndOfDay() bool {
	return t.Hour == 23 && t.Minute == 59 && t.Second == 59 && t.Nanosecond >= 900000000
}

// Normalize maps the end of day sentinel to midnight, the way the device reports it back
func (t TimeOfDay) Normalize() TimeOfDay {
	if t.IsEndOfDay() {
		return TimeOfDay{}
	}
	return t
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

func (t TimeOfDay) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *TimeOfDay) UnmarshalText(b []byte) error {
	p, err := ParseTimeOfDay(string(b))
	if err != nil {
		return err
	}
	*t = p
	return nil
}

func isEndOfDayTime(t time.Time) bool {
	return TimeOfDay{Hour: t.Hour(), Minute: t.Minute(), Second: t.Second(), Nanosecond: t.Nanosecond()}.IsEndOfDay()
}
