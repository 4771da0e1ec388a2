// Package prescription holds the read-only view of a prescription that the
// medication workflow consumes. Prescription CRUD lives outside this module.
package prescription

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/carehaven/medround/internal/domain/schedule"
)

// ErrInvalid marks a prescription that cannot be scheduled
var ErrInvalid = errors.New("invalid prescription")

// Status represents prescription status
type Status string

const (
	StatusActive        Status = "active"
	StatusInactive      Status = "inactive"
	StatusPendingChange Status = "pending_change"
)

// Route is the administration route
type Route string

const (
	RouteOral      Route = "oral"
	RouteInjection Route = "injection"
)

// PreparationMethod controls how the three workflow stages are performed
type PreparationMethod string

const (
	// PrepAdvanced prepares and verifies ahead of the round
	PrepAdvanced PreparationMethod = "advanced"
	// PrepImmediate prepares and verifies at the moment of dispensing
	PrepImmediate PreparationMethod = "immediate"
	// PrepCustom is self-care: no staff-performed stage at all
	PrepCustom PreparationMethod = "custom"
)

// Prescription is a patient's prescription as seen by the workflow engine
type Prescription struct {
	ID             string `json:"id"`
	PatientID      string `json:"patient_id"`
	MedicationName string `json:"medication_name"`
	Status         Status `json:"status"`

	StartDate schedule.Date   `json:"start_date"`
	EndDate   *schedule.Date  `json:"end_date,omitempty"`
	StartTime *schedule.Clock `json:"start_time,omitempty"`
	EndTime   *schedule.Clock `json:"end_time,omitempty"`

	Frequency schedule.Frequency `json:"-"`
	TimeSlots []schedule.Clock   `json:"medication_time_slots"`

	Route             Route             `json:"administration_route"`
	PreparationMethod PreparationMethod `json:"preparation_method"`
	InspectionRules   []InspectionRule  `json:"inspection_rules,omitempty"`
	IsPRN             bool              `json:"is_prn"`
}

// Plan returns the scheduling-relevant subset of the prescription
func (p *Prescription) Plan() schedule.Plan {
	return schedule.Plan{
		Start:     p.StartDate,
		End:       p.EndDate,
		StartTime: p.StartTime,
		EndTime:   p.EndTime,
		Frequency: p.Frequency,
		Slots:     p.TimeSlots,
	}
}

// Validate reports prescriptions the reconciler must skip
func (p *Prescription) Validate() error {
	if p.ID == "" || p.PatientID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalid)
	}
	if p.StartDate.IsZero() {
		return fmt.Errorf("%w: %s has no start date", ErrInvalid, p.ID)
	}
	if p.EndDate != nil && p.EndDate.Before(p.StartDate) {
		return fmt.Errorf("%w: %s ends before it starts", ErrInvalid, p.ID)
	}
	if err := schedule.Validate(p.Frequency); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrInvalid, p.ID, err)
	}
	return nil
}

// Eligibility is how the reconciler treats a prescription's records
type Eligibility int

const (
	// Generate means expected dose-events are materialized and strays pruned
	Generate Eligibility = iota
	// Retired means nothing is generated and existing records are pruned
	Retired
)

// Eligibility classifies the prescription for reconciliation. Inactive
// prescriptions still generate inside their validity window, which keeps
// records up to a discontinuation date and prunes those after it. Pending
// changes and unknown statuses are retired until they become active again.
func (p *Prescription) Eligibility() Eligibility {
	switch p.Status {
	case StatusActive, StatusInactive:
		return Generate
	}
	return Retired
}

// SelfCare reports whether no staff stage applies
func (p *Prescription) SelfCare() bool { return p.PreparationMethod == PrepCustom }

// Immediate reports whether preparation and verification collapse into dispensing
func (p *Prescription) Immediate() bool { return p.PreparationMethod == PrepImmediate }

// RequiresInspection reports whether dispensing needs a recorded inspection
func (p *Prescription) RequiresInspection() bool { return len(p.InspectionRules) > 0 }

// OneClickEligible reports whether the full-process operator may handle it
func (p *Prescription) OneClickEligible() bool {
	return p.Immediate() && p.Route == RouteOral && !p.RequiresInspection()
}

// Filter narrows a prescription listing
type Filter struct {
	Statuses []Status
	Overlaps *schedule.DateRange
}

// Match applies the filter in memory
func (f Filter) Match(p *Prescription) bool {
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, p.Status) {
		return false
	}
	if f.Overlaps != nil && !p.Plan().Intersects(*f.Overlaps) {
		return false
	}
	return true
}

type prescriptionJSON Prescription

// MarshalJSON flattens the frequency into its persisted descriptor
func (p Prescription) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		prescriptionJSON
		Frequency schedule.Descriptor `json:"frequency"`
	}{prescriptionJSON(p), schedule.Encode(p.Frequency)})
}

// UnmarshalJSON decodes the frequency descriptor into its variant
func (p *Prescription) UnmarshalJSON(b []byte) error {
	var aux struct {
		prescriptionJSON
		Frequency schedule.Descriptor `json:"frequency"`
	}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	*p = Prescription(aux.prescriptionJSON)
	p.Frequency = schedule.Decode(aux.Frequency)
	return nil
}
