package workflow

import (
	"context"

	"github.com/carehaven/medround/internal/domain/schedule"
)

// Store persists workflow records. Each call is its own atomic unit.
type Store interface {
	// Get returns one record or ErrNotFound
	Get(ctx context.Context, id string) (*Record, error)
	// ListRecords returns the patient's records scheduled inside r
	ListRecords(ctx context.Context, patientID string, r schedule.DateRange) ([]*Record, error)
	// Insert stores a new record. A natural-key collision is not an error:
	// it returns false and leaves the existing record in place.
	Insert(ctx context.Context, rec *Record) (bool, error)
	// Update applies a partial update and returns the updated record
	Update(ctx context.Context, id string, p Patch) (*Record, error)
	// Delete removes records by id and returns how many existed
	Delete(ctx context.Context, ids []string) (int, error)
}
