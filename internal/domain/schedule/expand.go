package schedule

import (
	"iter"
	"slices"
)

// Plan is everything that determines a prescription's dose-events. No other
// prescription field may influence scheduling.
type Plan struct {
	Start     Date
	End       *Date
	StartTime *Clock
	EndTime   *Clock
	Frequency Frequency
	Slots     []Clock
}

// DoseEvent is one (date, time) at which a dose is due
type DoseEvent struct {
	Date Date  `json:"date"`
	Time Clock `json:"time"`
}

// Covers reports whether d falls inside the plan's validity window
func (p Plan) Covers(d Date) bool {
	if d.Before(p.Start) {
		return false
	}
	return p.End == nil || !d.After(*p.End)
}

// Intersects reports whether the validity window overlaps r
func (p Plan) Intersects(r DateRange) bool {
	if p.End != nil && p.End.Before(r.From) {
		return false
	}
	return !p.Start.After(r.To)
}

// Expand yields the plan's dose-events within r, date-major then time-minor.
// The sequence is lazy and can be ranged over any number of times.
func Expand(p Plan, r DateRange) iter.Seq[DoseEvent] {
	slots := normalizeSlots(p.Slots)
	return func(yield func(DoseEvent) bool) {
		if r.Validate() != nil || len(slots) == 0 {
			return
		}
		from, to := r.From, r.To
		if from.Before(p.Start) {
			from = p.Start
		}
		if p.End != nil && p.End.Before(to) {
			to = *p.End
		}
		for d := from; !d.After(to); d = d.AddDays(1) {
			if !IsDue(p.Frequency, p.Start, d) {
				continue
			}
			for _, slot := range slots {
				if !p.slotAllowed(d, slot) {
					continue
				}
				if !yield(DoseEvent{Date: d, Time: slot}) {
					return
				}
			}
		}
	}
}

// Collect materializes Expand
func Collect(p Plan, r DateRange) []DoseEvent {
	return slices.Collect(Expand(p, r))
}

// slotAllowed applies the time-of-day window, which only bites on the first
// and last day of the validity window.
func (p Plan) slotAllowed(d Date, slot Clock) bool {
	if d == p.Start && p.StartTime != nil && slot < *p.StartTime {
		return false
	}
	if p.End != nil && d == *p.End {
		end := EndOfDay
		if p.EndTime != nil {
			end = *p.EndTime
		}
		if slot > end {
			return false
		}
	}
	return true
}

func normalizeSlots(in []Clock) []Clock {
	out := make([]Clock, 0, len(in))
	for _, c := range in {
		if c.Valid() {
			out = append(out, c)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}
