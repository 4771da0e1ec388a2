package prescription

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a prescription id is unknown
var ErrNotFound = errors.New("prescription not found")

// Source is the read side of prescription CRUD, owned outside this module
type Source interface {
	// ListPrescriptions returns the patient's prescriptions matching filter
	ListPrescriptions(ctx context.Context, patientID string, filter Filter) ([]*Prescription, error)
	// GetPrescription returns one prescription or ErrNotFound
	GetPrescription(ctx context.Context, id string) (*Prescription, error)
}
