package schedule

import (
	"errors"
	"fmt"
	"slices"
)

// ErrMalformedFrequency marks a descriptor that can never be evaluated sensibly
var ErrMalformedFrequency = errors.New("malformed frequency")

// Kind names a frequency variant as persisted in frequency_type
type Kind string

const (
	KindDaily        Kind = "daily"
	KindEveryXDays   Kind = "every_x_days"
	KindWeeklyDays   Kind = "weekly_days"
	KindOddEvenDays  Kind = "odd_even_days"
	KindEveryXMonths Kind = "every_x_months"
)

// Frequency decides whether a dose is due on a date. The anchor is the
// prescription's start date.
type Frequency interface {
	Kind() Kind
	Due(anchor, d Date) bool
}

// IsDue evaluates f for date d. A nil frequency behaves as Daily so that
// legacy rows without a frequency keep producing doses.
func IsDue(f Frequency, anchor, d Date) bool {
	if f == nil {
		return true
	}
	return f.Due(anchor, d)
}

// Daily is due every day
type Daily struct{}

func (Daily) Kind() Kind         { return KindDaily }
func (Daily) Due(_, _ Date) bool { return true }

// EveryXDays is due every Interval days counted in whole days from the anchor.
// Interval 0 means unset and is read as 1; a negative interval is never due.
type EveryXDays struct {
	Interval int
}

func (EveryXDays) Kind() Kind { return KindEveryXDays }

func (f EveryXDays) Due(anchor, d Date) bool {
	n, ok := interval(f.Interval)
	if !ok {
		return false
	}
	return d.DaysSince(anchor)%n == 0
}

// WeeklyOnDays is due on the listed ISO weekdays, Monday=1 .. Sunday=7.
// Sunday is 7 here and only here; a 0 in Days never matches.
type WeeklyOnDays struct {
	Days []int
}

func (WeeklyOnDays) Kind() Kind { return KindWeeklyDays }

func (f WeeklyOnDays) Due(_, d Date) bool {
	return slices.Contains(f.Days, d.ISOWeekday())
}

// Parity selects odd or even days of the month
type Parity string

const (
	ParityOdd  Parity = "odd"
	ParityEven Parity = "even"
)

// OddEvenDays is due on odd or even days of the month. Any other parity value
// is never due.
type OddEvenDays struct {
	Parity Parity
}

func (OddEvenDays) Kind() Kind { return KindOddEvenDays }

func (f OddEvenDays) Due(_, d Date) bool {
	switch f.Parity {
	case ParityOdd:
		return d.Day%2 == 1
	case ParityEven:
		return d.Day%2 == 0
	}
	return false
}

// EveryXMonths is due every Interval calendar months on the anchor's day of
// month. An anchor on the 29th-31st is skipped in months lacking that day.
type EveryXMonths struct {
	Interval int
}

func (EveryXMonths) Kind() Kind { return KindEveryXMonths }

func (f EveryXMonths) Due(anchor, d Date) bool {
	n, ok := interval(f.Interval)
	if !ok {
		return false
	}
	return d.MonthsSince(anchor)%n == 0 && d.Day == anchor.Day
}

func interval(v int) (int, bool) {
	switch {
	case v == 0:
		return 1, true
	case v < 0:
		return 0, false
	}
	return v, true
}

// Descriptor is the flat, persisted shape of a frequency
type Descriptor struct {
	Type     Kind   `json:"frequency_type,omitempty"`
	Value    int    `json:"frequency_value,omitempty"`
	Weekdays []int  `json:"specific_weekdays,omitempty"`
	Parity   Parity `json:"is_odd_even_day,omitempty"`
}

// Decode maps a descriptor to its variant. Unknown or empty types decode to
// nil, which IsDue treats as daily.
func Decode(d Descriptor) Frequency {
	switch d.Type {
	case KindDaily:
		return Daily{}
	case KindEveryXDays:
		return EveryXDays{Interval: d.Value}
	case KindWeeklyDays:
		return WeeklyOnDays{Days: slices.Clone(d.Weekdays)}
	case KindOddEvenDays:
		return OddEvenDays{Parity: d.Parity}
	case KindEveryXMonths:
		return EveryXMonths{Interval: d.Value}
	}
	return nil
}

// Encode is the inverse of Decode
func Encode(f Frequency) Descriptor {
	switch v := f.(type) {
	case Daily:
		return Descriptor{Type: KindDaily}
	case EveryXDays:
		return Descriptor{Type: KindEveryXDays, Value: v.Interval}
	case WeeklyOnDays:
		return Descriptor{Type: KindWeeklyDays, Weekdays: slices.Clone(v.Days)}
	case OddEvenDays:
		return Descriptor{Type: KindOddEvenDays, Parity: v.Parity}
	case EveryXMonths:
		return Descriptor{Type: KindEveryXMonths, Value: v.Interval}
	}
	return Descriptor{}
}

// Validate reports descriptors that would silently never fire
func Validate(f Frequency) error {
	switch v := f.(type) {
	case EveryXDays:
		if v.Interval < 0 {
			return fmt.Errorf("%w: every_x_days interval %d", ErrMalformedFrequency, v.Interval)
		}
	case EveryXMonths:
		if v.Interval < 0 {
			return fmt.Errorf("%w: every_x_months interval %d", ErrMalformedFrequency, v.Interval)
		}
	case WeeklyOnDays:
		if len(v.Days) == 0 {
			return fmt.Errorf("%w: weekly_days without weekdays", ErrMalformedFrequency)
		}
		for _, wd := range v.Days {
			if wd < 1 || wd > 7 {
				return fmt.Errorf("%w: weekday %d outside 1..7", ErrMalformedFrequency, wd)
			}
		}
	case OddEvenDays:
		if v.Parity != ParityOdd && v.Parity != ParityEven {
			return fmt.Errorf("%w: parity %q", ErrMalformedFrequency, v.Parity)
		}
	}
	return nil
}
