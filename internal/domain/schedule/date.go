// Package schedule computes which dose-events a prescription produces.
// Dates and times here are care-home wall-clock values with no time zone.
package schedule

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrInvalidRange is returned for a date range whose end precedes its start
var ErrInvalidRange = errors.New("invalid date range")

const dateLayout = "2006-01-02"

// Date is a calendar date
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

// NewDate builds a normalized date (2025-01-32 becomes 2025-02-01)
func NewDate(year int, month time.Month, day int) Date {
	return DateOf(time.Date(year, month, day, 0, 0, 0, 0, time.UTC))
}

// DateOf returns the calendar date of t in t's own location
func DateOf(t time.Time) Date {
	y, m, d := t.Date()
	return Date{Year: y, Month: m, Day: d}
}

// ParseDate parses YYYY-MM-DD
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return Date{}, fmt.Errorf("parse date %q: %w", s, err)
	}
	return DateOf(t), nil
}

// Time returns midnight of the date in UTC
func (d Date) Time() time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, time.UTC)
}

// In returns the instant at which clock c occurs on d in loc
func (d Date) In(loc *time.Location, c Clock) time.Time {
	return time.Date(d.Year, d.Month, d.Day, c.Hour(), c.Minute(), 0, 0, loc)
}

// IsZero reports whether d is the zero date
func (d Date) IsZero() bool { return d == Date{} }

// AddDays returns d shifted by n days
func (d Date) AddDays(n int) Date {
	return DateOf(d.Time().AddDate(0, 0, n))
}

// DaysSince returns the whole-day difference d - o
func (d Date) DaysSince(o Date) int {
	return int(d.Time().Sub(o.Time()).Hours() / 24)
}

// MonthsSince returns the calendar-month difference d - o, ignoring the day
func (d Date) MonthsSince(o Date) int {
	return (d.Year-o.Year)*12 + int(d.Month) - int(o.Month)
}

// Before reports whether d is strictly before o
func (d Date) Before(o Date) bool { return d.Compare(o) < 0 }

// After reports whether d is strictly after o
func (d Date) After(o Date) bool { return d.Compare(o) > 0 }

// Compare returns -1, 0 or +1
func (d Date) Compare(o Date) int {
	switch {
	case d.Year != o.Year:
		return cmpInt(d.Year, o.Year)
	case d.Month != o.Month:
		return cmpInt(int(d.Month), int(o.Month))
	default:
		return cmpInt(d.Day, o.Day)
	}
}

// ISOWeekday returns Monday=1 .. Sunday=7
func (d Date) ISOWeekday() int {
	wd := int(d.Time().Weekday())
	if wd == 0 {
		return 7
	}
	return wd
}

// Weekday returns the Go weekday (Sunday=0)
func (d Date) Weekday() time.Weekday { return d.Time().Weekday() }

func (d Date) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, int(d.Month), d.Day)
}

// MarshalJSON encodes the date as "YYYY-MM-DD", and the zero date as null
func (d Date) MarshalJSON() ([]byte, error) {
	if d.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(d.String())
}

// UnmarshalJSON decodes "YYYY-MM-DD". Null and "" decode to the zero date.
func (d *Date) UnmarshalJSON(b []byte) error {
	var s *string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	if s == nil || *s == "" {
		*d = Date{}
		return nil
	}
	parsed, err := ParseDate(*s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// DateRange is an inclusive range of dates
type DateRange struct {
	From Date `json:"from"`
	To   Date `json:"to"`
}

// NewDateRange validates and builds an inclusive range
func NewDateRange(from, to Date) (DateRange, error) {
	r := DateRange{From: from, To: to}
	if err := r.Validate(); err != nil {
		return DateRange{}, err
	}
	return r, nil
}

// SingleDay returns the range covering only d
func SingleDay(d Date) DateRange { return DateRange{From: d, To: d} }

// Validate checks ordering
func (r DateRange) Validate() error {
	if r.From.IsZero() || r.To.IsZero() {
		return fmt.Errorf("%w: both bounds are required", ErrInvalidRange)
	}
	if r.To.Before(r.From) {
		return fmt.Errorf("%w: %s is before %s", ErrInvalidRange, r.To, r.From)
	}
	return nil
}

// Days returns the number of dates in the range
func (r DateRange) Days() int { return r.To.DaysSince(r.From) + 1 }

// Contains reports whether d lies within the range
func (r DateRange) Contains(d Date) bool {
	return !d.Before(r.From) && !d.After(r.To)
}

func (r DateRange) String() string { return r.From.String() + ".." + r.To.String() }

func cmpInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
