package workflow

import (
	"time"

	"github.com/carehaven/medround/internal/domain/prescription"
)

// DispensingPatch replaces the dispensing stage together with its extras.
// Reason and inspection are always overwritten; a nil Notes leaves notes as they are.
type DispensingPatch struct {
	State         StageState
	FailureReason FailureReason
	CustomReason  string
	Inspection    *prescription.InspectionResult
	Notes         *string
}

// Patch is a partial update of one record. Nil fields are untouched, so a
// patch to one stage never disturbs its siblings.
type Patch struct {
	Preparation  *StageState
	Verification *StageState
	Dispensing   *DispensingPatch
}

// IsEmpty reports whether the patch changes nothing
func (p Patch) IsEmpty() bool {
	return p.Preparation == nil && p.Verification == nil && p.Dispensing == nil
}

// Stages lists the stages the patch touches in pipeline order
func (p Patch) Stages() []Stage {
	var out []Stage
	if p.Preparation != nil {
		out = append(out, StagePreparation)
	}
	if p.Verification != nil {
		out = append(out, StageVerification)
	}
	if p.Dispensing != nil {
		out = append(out, StageDispensing)
	}
	return out
}

// State returns the new state the patch sets for a stage
func (p Patch) State(s Stage) (StageState, bool) {
	switch s {
	case StagePreparation:
		if p.Preparation != nil {
			return *p.Preparation, true
		}
	case StageVerification:
		if p.Verification != nil {
			return *p.Verification, true
		}
	case StageDispensing:
		if p.Dispensing != nil {
			return p.Dispensing.State, true
		}
	}
	return StageState{}, false
}

// Apply writes the patch onto r
func (p Patch) Apply(r *Record, now time.Time) {
	if p.Preparation != nil {
		r.Preparation = p.Preparation.clone()
	}
	if p.Verification != nil {
		r.Verification = p.Verification.clone()
	}
	if d := p.Dispensing; d != nil {
		r.Dispensing = d.State.clone()
		r.FailureReason = d.FailureReason
		r.CustomFailureReason = d.CustomReason
		r.Inspection = d.Inspection
		if d.Notes != nil {
			r.Notes = *d.Notes
		}
	}
	r.UpdatedAt = now
}

// RevertPatch resets one stage to pending. Reverting dispensing also clears
// the failure reason and inspection snapshot but keeps notes.
func RevertPatch(s Stage) Patch {
	st := pending()
	switch s {
	case StagePreparation:
		return Patch{Preparation: &st}
	case StageVerification:
		return Patch{Verification: &st}
	default:
		return Patch{Dispensing: &DispensingPatch{State: st}}
	}
}

// CompletePatch marks one non-dispensing stage completed
func CompletePatch(s Stage, staff string, at time.Time) Patch {
	st := stamped(StatusCompleted, staff, at)
	if s == StageVerification {
		return Patch{Verification: &st}
	}
	return Patch{Preparation: &st}
}
