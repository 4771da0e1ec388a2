// Package memory provides in-process implementations of the workflow
// collaborators, used by tests and by the CLI's dry-run mode.
package memory

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/carehaven/medround/internal/domain/schedule"
	"github.com/carehaven/medround/internal/domain/workflow"
)

// RecordStore is a workflow.Store guarded by a single mutex. Like the
// Postgres store it records an event for every mutation.
type RecordStore struct {
	mu      sync.RWMutex
	records map[string]*workflow.Record
	events  []*workflow.Event
	now     func() time.Time
}

// NewRecordStore creates an empty store
func NewRecordStore() *RecordStore {
	return &RecordStore{records: map[string]*workflow.Record{}, now: time.Now}
}

// WithClock overrides the timestamp used for updates
func (s *RecordStore) WithClock(now func() time.Time) *RecordStore {
	s.now = now
	return s
}

// Seed stores records as-is, bypassing the natural-key check. It stands in
// for rows left behind by older writers.
func (s *RecordStore) Seed(recs ...*workflow.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range recs {
		s.records[r.ID] = r.Clone()
	}
}

// Get returns a copy of one record
func (s *RecordStore) Get(_ context.Context, id string) (*workflow.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[id]
	if !ok {
		return nil, fmt.Errorf("record %s: %w", id, workflow.ErrNotFound)
	}
	return r.Clone(), nil
}

// ListRecords returns copies ordered by schedule then creation
func (s *RecordStore) ListRecords(_ context.Context, patientID string, r schedule.DateRange) ([]*workflow.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*workflow.Record
	for _, rec := range s.records {
		if rec.PatientID == patientID && r.Contains(rec.ScheduledDate) {
			out = append(out, rec.Clone())
		}
	}
	slices.SortFunc(out, func(a, b *workflow.Record) int {
		return cmp.Or(
			a.ScheduledDate.Compare(b.ScheduledDate),
			cmp.Compare(a.ScheduledTime, b.ScheduledTime),
			a.CreatedAt.Compare(b.CreatedAt),
			cmp.Compare(a.ID, b.ID),
		)
	})
	return out, nil
}

// ListPatientIDs returns patients holding a record scheduled inside r
func (s *RecordStore) ListPatientIDs(_ context.Context, r schedule.DateRange) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []string
	for _, rec := range s.records {
		if r.Contains(rec.ScheduledDate) {
			ids = append(ids, rec.PatientID)
		}
	}
	slices.Sort(ids)
	return slices.Compact(ids), nil
}

// Insert adds rec unless a record with the same natural key exists
func (s *RecordStore) Insert(_ context.Context, rec *workflow.Record) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := rec.Key()
	for _, existing := range s.records {
		if existing.Key() == key {
			return false, nil
		}
	}
	s.records[rec.ID] = rec.Clone()
	if ev, err := workflow.MaterializedEvent(rec); err == nil {
		s.events = append(s.events, ev)
	}
	return true, nil
}

// Update applies p to one record
func (s *RecordStore) Update(_ context.Context, id string, p workflow.Patch) (*workflow.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return nil, fmt.Errorf("record %s: %w", id, workflow.ErrNotFound)
	}
	p.Apply(r, s.now())
	if evs, err := workflow.TransitionEvents(r, p); err == nil {
		s.events = append(s.events, evs...)
	}
	return r.Clone(), nil
}

// Delete removes records by id, recording one pruned event per patient
func (s *RecordStore) Delete(_ context.Context, ids []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byPatient := map[string][]string{}
	var patients []string
	deleted := 0
	for _, id := range ids {
		r, ok := s.records[id]
		if !ok {
			continue
		}
		if _, seen := byPatient[r.PatientID]; !seen {
			patients = append(patients, r.PatientID)
		}
		byPatient[r.PatientID] = append(byPatient[r.PatientID], id)
		delete(s.records, id)
		deleted++
	}
	now := s.now()
	for _, patientID := range patients {
		if ev, err := workflow.PrunedEvent(patientID, byPatient[patientID], now); err == nil {
			s.events = append(s.events, ev)
		}
	}
	return deleted, nil
}

// Len returns the number of stored records
func (s *RecordStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Events returns the mutation events recorded so far
func (s *RecordStore) Events() []*workflow.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.events)
}
