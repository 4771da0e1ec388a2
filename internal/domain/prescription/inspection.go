package prescription

import (
	"errors"
	"fmt"
)

// ErrMissingReading is returned when a rule has no matching vital-sign value
var ErrMissingReading = errors.New("missing inspection reading")

// Operator compares a reading against a rule threshold
type Operator string

const (
	OpGreater      Operator = "gt"
	OpGreaterEqual Operator = "gte"
	OpLess         Operator = "lt"
	OpLessEqual    Operator = "lte"
)

// InspectionRule is a pass condition checked before dispensing, e.g.
// "收縮壓 gt 90" allows the dose only when systolic pressure is above 90.
type InspectionRule struct {
	VitalSign string   `json:"vital_sign_type"`
	Operator  Operator `json:"condition_operator"`
	Threshold float64  `json:"condition_value"`
}

// Passes reports whether v satisfies the rule. Unknown operators never pass.
func (r InspectionRule) Passes(v float64) bool {
	switch r.Operator {
	case OpGreater:
		return v > r.Threshold
	case OpGreaterEqual:
		return v >= r.Threshold
	case OpLess:
		return v < r.Threshold
	case OpLessEqual:
		return v <= r.Threshold
	}
	return false
}

// Reading is one rule's outcome in an inspection snapshot
type Reading struct {
	Rule   InspectionRule `json:"rule"`
	Actual float64        `json:"actual_value"`
	Passed bool           `json:"passed"`
}

// InspectionResult is the audit snapshot stored with a dispensing attempt
type InspectionResult struct {
	Passed       bool      `json:"passed"`
	Readings     []Reading `json:"readings,omitempty"`
	Hospitalized bool      `json:"is_hospitalized,omitempty"`
	OnLeave      bool      `json:"is_on_leave,omitempty"`
}

// Violations returns the readings that failed their rule
func (r *InspectionResult) Violations() []Reading {
	var out []Reading
	for _, rd := range r.Readings {
		if !rd.Passed {
			out = append(out, rd)
		}
	}
	return out
}

// Inspect evaluates every rule against values keyed by vital sign
func Inspect(rules []InspectionRule, values map[string]float64) (*InspectionResult, error) {
	res := &InspectionResult{Passed: true, Readings: make([]Reading, 0, len(rules))}
	for _, rule := range rules {
		v, ok := values[rule.VitalSign]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingReading, rule.VitalSign)
		}
		passed := rule.Passes(v)
		res.Readings = append(res.Readings, Reading{Rule: rule, Actual: v, Passed: passed})
		if !passed {
			res.Passed = false
		}
	}
	return res, nil
}
