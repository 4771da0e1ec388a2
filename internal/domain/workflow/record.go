// Package workflow implements the per-dose workflow record and the
// three-stage preparation, verification, dispensing state machine.
package workflow

import (
	"cmp"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/carehaven/medround/internal/domain/prescription"
	"github.com/carehaven/medround/internal/domain/schedule"
)

// Stage is one of the three sequential administration stages
type Stage string

const (
	StagePreparation  Stage = "preparation"
	StageVerification Stage = "verification"
	StageDispensing   Stage = "dispensing"
)

// Stages lists the stages in pipeline order
var Stages = []Stage{StagePreparation, StageVerification, StageDispensing}

// ParseStage validates a stage name
func ParseStage(s string) (Stage, error) {
	st := Stage(strings.ToLower(strings.TrimSpace(s)))
	if !st.Valid() {
		return "", fmt.Errorf("unknown stage %q: %w", s, ErrInvalidInput)
	}
	return st, nil
}

// Valid reports whether s names a stage
func (s Stage) Valid() bool {
	switch s {
	case StagePreparation, StageVerification, StageDispensing:
		return true
	}
	return false
}

// Prerequisite returns the stage that must be completed first
func (s Stage) Prerequisite() (Stage, bool) {
	switch s {
	case StageVerification:
		return StagePreparation, true
	case StageDispensing:
		return StageVerification, true
	}
	return "", false
}

// Status is a stage status
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// StageState is the (status, staff, timestamp) tuple of one stage
type StageState struct {
	Status Status     `json:"status"`
	Staff  string     `json:"staff,omitempty"`
	At     *time.Time `json:"at,omitempty"`
}

// Pending reports whether the stage still awaits action. A zero value is pending.
func (s StageState) Pending() bool { return s.Status == "" || s.Status == StatusPending }

// Done reports whether the stage was completed or failed
func (s StageState) Done() bool { return !s.Pending() }

func pending() StageState { return StageState{Status: StatusPending} }

func stamped(status Status, staff string, at time.Time) StageState {
	return StageState{Status: status, Staff: staff, At: &at}
}

// FailureReason enumerates why a dose was not given
type FailureReason string

const (
	ReasonHospitalized     FailureReason = "入院"
	ReasonOnLeave          FailureReason = "回家"
	ReasonRefused          FailureReason = "拒服"
	ReasonWithheld         FailureReason = "暫停"
	ReasonInspectionFailed FailureReason = "檢測不合格"
	ReasonOther            FailureReason = "其他"
)

// Valid reports whether r is one of the enumerated reasons
func (r FailureReason) Valid() bool {
	switch r {
	case ReasonHospitalized, ReasonOnLeave, ReasonRefused, ReasonWithheld,
		ReasonInspectionFailed, ReasonOther:
		return true
	}
	return false
}

// Record is the persisted, stateful representation of one dose-event
type Record struct {
	ID             string         `json:"id"`
	PatientID      string         `json:"patient_id"`
	PrescriptionID string         `json:"prescription_id"`
	ScheduledDate  schedule.Date  `json:"scheduled_date"`
	ScheduledTime  schedule.Clock `json:"scheduled_time"`

	Preparation  StageState `json:"preparation"`
	Verification StageState `json:"verification"`
	Dispensing   StageState `json:"dispensing"`

	FailureReason       FailureReason                  `json:"failure_reason,omitempty"`
	CustomFailureReason string                         `json:"custom_failure_reason,omitempty"`
	Inspection          *prescription.InspectionResult `json:"inspection_check_result,omitempty"`
	Notes               string                         `json:"notes,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewRecord materializes a pending record for a dose-event
func NewRecord(patientID, prescriptionID string, ev schedule.DoseEvent, now time.Time) *Record {
	return &Record{
		ID:             uuid.New().String(),
		PatientID:      patientID,
		PrescriptionID: prescriptionID,
		ScheduledDate:  ev.Date,
		ScheduledTime:  ev.Time,
		Preparation:    pending(),
		Verification:   pending(),
		Dispensing:     pending(),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// Key is the natural key of a dose-event
type Key struct {
	PrescriptionID string
	Date           schedule.Date
	Time           schedule.Clock
}

// String renders the key for logs
func (k Key) String() string {
	return k.PrescriptionID + "@" + k.Date.String() + "T" + k.Time.String()
}

// KeyOf builds the key of a prescription's dose-event
func KeyOf(prescriptionID string, ev schedule.DoseEvent) Key {
	return Key{PrescriptionID: prescriptionID, Date: ev.Date, Time: ev.Time}
}

// Key returns the record's natural key
func (r *Record) Key() Key {
	return Key{PrescriptionID: r.PrescriptionID, Date: r.ScheduledDate, Time: r.ScheduledTime}
}

// Stage returns the state of one stage
func (r *Record) Stage(s Stage) StageState {
	switch s {
	case StagePreparation:
		return r.Preparation
	case StageVerification:
		return r.Verification
	default:
		return r.Dispensing
	}
}

// Clone returns a deep copy
func (r *Record) Clone() *Record {
	c := *r
	c.Preparation = r.Preparation.clone()
	c.Verification = r.Verification.clone()
	c.Dispensing = r.Dispensing.clone()
	if r.Inspection != nil {
		in := *r.Inspection
		in.Readings = append([]prescription.Reading(nil), r.Inspection.Readings...)
		c.Inspection = &in
	}
	return &c
}

func (s StageState) clone() StageState {
	if s.At != nil {
		at := *s.At
		s.At = &at
	}
	return s
}

// Score counts stages that are no longer pending
func (r *Record) Score() int {
	n := 0
	for _, s := range Stages {
		if r.Stage(s).Done() {
			n++
		}
	}
	return n
}

// Compare orders records by preference for keeping: a negative result means
// a should be kept over b. Higher score wins, then the most recently
// created, then the lower id so the order is total.
func Compare(a, b *Record) int {
	return cmp.Or(
		cmp.Compare(b.Score(), a.Score()),
		b.CreatedAt.Compare(a.CreatedAt),
		cmp.Compare(a.ID, b.ID),
	)
}

// Best returns the record to keep among duplicates
func Best(records []*Record) *Record {
	var best *Record
	for _, r := range records {
		if best == nil || Compare(r, best) < 0 {
			best = r
		}
	}
	return best
}
