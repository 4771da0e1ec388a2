package workflow

import "errors"

var (
	// ErrNotFound is returned for an unknown record id
	ErrNotFound = errors.New("workflow record not found")
	// ErrInvalidInput marks a malformed request such as an unknown stage or reason
	ErrInvalidInput = errors.New("invalid workflow input")
	// ErrPrecondition marks a transition rejected by the state machine.
	// The record is left unchanged.
	ErrPrecondition = errors.New("workflow precondition failed")
)

// Specific preconditions, each wrapping ErrPrecondition
var (
	ErrStageOrder         = preconditionError("prerequisite stage is not completed")
	ErrSelfCare           = preconditionError("self-care prescription has no staff stages")
	ErrStageNotPending    = preconditionError("stage is not pending")
	ErrInspectionRequired = preconditionError("inspection result is required")
)

type precondition struct{ msg string }

func preconditionError(msg string) error { return &precondition{msg: msg} }

func (e *precondition) Error() string { return e.msg }

func (e *precondition) Unwrap() error { return ErrPrecondition }
