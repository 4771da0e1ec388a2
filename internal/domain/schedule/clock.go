package schedule

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Clock is a time of day with minute precision, stored as minutes after midnight.
// Seconds are dropped everywhere a Clock is built, so "08:00:30" matches "08:00".
type Clock int

const (
	// StartOfDay is 00:00
	StartOfDay Clock = 0
	// EndOfDay is 23:59, the latest representable slot
	EndOfDay Clock = 23*60 + 59
)

// NewClock builds a clock from hour and minute
func NewClock(hour, minute int) Clock {
	return Clock(hour*60 + minute)
}

// ParseClock parses "HH:MM" or "HH:MM:SS"
func ParseClock(s string) (Clock, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, fmt.Errorf("parse clock %q: expected HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("parse clock %q: bad hour", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("parse clock %q: bad minute", s)
	}
	if len(parts) == 3 {
		if sec, err := strconv.Atoi(parts[2]); err != nil || sec < 0 || sec > 59 {
			return 0, fmt.Errorf("parse clock %q: bad second", s)
		}
	}
	return NewClock(h, m), nil
}

// MustClock is ParseClock for literals
func MustClock(s string) Clock {
	c, err := ParseClock(s)
	if err != nil {
		panic(err)
	}
	return c
}

// Hour returns the hour component
func (c Clock) Hour() int { return int(c) / 60 }

// Minute returns the minute component
func (c Clock) Minute() int { return int(c) % 60 }

// Valid reports whether c is within a day
func (c Clock) Valid() bool { return c >= StartOfDay && c <= EndOfDay }

func (c Clock) String() string {
	return fmt.Sprintf("%02d:%02d", c.Hour(), c.Minute())
}

// MarshalJSON encodes "HH:MM"
func (c Clock) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.String())
}

// UnmarshalJSON decodes "HH:MM" or "HH:MM:SS"
func (c *Clock) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := ParseClock(s)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}
