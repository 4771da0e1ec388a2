// Package episode derives hospitalization and leave intervals from a
// patient's admission/discharge and vacation start/end events.
package episode

import (
	"cmp"
	"slices"
	"time"
)

// EventType is the kind of a patient movement event
type EventType string

const (
	EventAdmission     EventType = "admission"
	EventDischarge     EventType = "discharge"
	EventVacationStart EventType = "vacation_start"
	EventVacationEnd   EventType = "vacation_end"
)

// Kind distinguishes the two interval families
type Kind string

const (
	KindHospitalization Kind = "hospitalization"
	KindLeave           Kind = "leave"
)

// Event is one timestamped movement
type Event struct {
	Type EventType `json:"event_type"`
	At   time.Time `json:"event_time"`
}

// Episode groups the events recorded for one stay away from the home
type Episode struct {
	ID        string  `json:"id"`
	PatientID string  `json:"patient_id"`
	Events    []Event `json:"events"`
}

// Interval is a half-open [Start, End) span. A nil End means ongoing.
type Interval struct {
	Kind  Kind       `json:"kind"`
	Start time.Time  `json:"start"`
	End   *time.Time `json:"end,omitempty"`
}

// Contains reports whether t falls inside the interval
func (iv Interval) Contains(t time.Time) bool {
	if t.Before(iv.Start) {
		return false
	}
	return iv.End == nil || t.Before(*iv.End)
}

func opens(t EventType) (Kind, bool) {
	switch t {
	case EventAdmission:
		return KindHospitalization, true
	case EventVacationStart:
		return KindLeave, true
	}
	return "", false
}

func closes(t EventType) (Kind, bool) {
	switch t {
	case EventDischarge:
		return KindHospitalization, true
	case EventVacationEnd:
		return KindLeave, true
	}
	return "", false
}

// Intervals pairs start and end events in time order. A repeated start keeps
// the earliest open interval and an end with nothing open is ignored.
func Intervals(events []Event) []Interval {
	sorted := slices.Clone(events)
	slices.SortStableFunc(sorted, func(a, b Event) int { return a.At.Compare(b.At) })

	open := map[Kind]time.Time{}
	var out []Interval
	for _, ev := range sorted {
		if k, ok := opens(ev.Type); ok {
			if _, already := open[k]; !already {
				open[k] = ev.At
			}
			continue
		}
		if k, ok := closes(ev.Type); ok {
			start, isOpen := open[k]
			if !isOpen {
				continue
			}
			end := ev.At
			out = append(out, Interval{Kind: k, Start: start, End: &end})
			delete(open, k)
		}
	}
	for _, k := range []Kind{KindHospitalization, KindLeave} {
		if start, ok := open[k]; ok {
			out = append(out, Interval{Kind: k, Start: start})
		}
	}
	slices.SortStableFunc(out, func(a, b Interval) int {
		return cmp.Or(a.Start.Compare(b.Start), cmp.Compare(a.Kind, b.Kind))
	})
	return out
}

// Intervals returns the episode's derived intervals
func (e Episode) Intervals() []Interval { return Intervals(e.Events) }

// Status is the patient's situation at one instant
type Status struct {
	Hospitalized bool `json:"hospitalized"`
	OnLeave      bool `json:"on_leave"`
}

// Away reports whether either interval applies
func (s Status) Away() bool { return s.Hospitalized || s.OnLeave }

// StatusAt evaluates every episode's intervals at t
func StatusAt(episodes []Episode, t time.Time) Status {
	var s Status
	for _, e := range episodes {
		for _, iv := range e.Intervals() {
			if !iv.Contains(t) {
				continue
			}
			switch iv.Kind {
			case KindHospitalization:
				s.Hospitalized = true
			case KindLeave:
				s.OnLeave = true
			}
		}
	}
	return s
}
