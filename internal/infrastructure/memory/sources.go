package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/carehaven/medround/internal/domain/episode"
	"github.com/carehaven/medround/internal/domain/prescription"
	"github.com/carehaven/medround/internal/domain/schedule"
)

// Prescriptions is an in-memory prescription.Source
type Prescriptions struct {
	mu    sync.RWMutex
	byID  map[string]*prescription.Prescription
	order []string
}

// NewPrescriptions creates a source holding rxs
func NewPrescriptions(rxs ...*prescription.Prescription) *Prescriptions {
	s := &Prescriptions{byID: map[string]*prescription.Prescription{}}
	for _, rx := range rxs {
		s.Put(rx)
	}
	return s
}

// Put inserts or replaces a prescription
func (s *Prescriptions) Put(rx *prescription.Prescription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[rx.ID]; !ok {
		s.order = append(s.order, rx.ID)
	}
	cp := *rx
	s.byID[rx.ID] = &cp
}

// Remove deletes a prescription
func (s *Prescriptions) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byID, id)
	s.order = slices.DeleteFunc(s.order, func(v string) bool { return v == id })
}

// ListPrescriptions returns matching prescriptions in insertion order
func (s *Prescriptions) ListPrescriptions(_ context.Context, patientID string, filter prescription.Filter) ([]*prescription.Prescription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*prescription.Prescription
	for _, id := range s.order {
		rx := s.byID[id]
		if rx.PatientID == patientID && filter.Match(rx) {
			cp := *rx
			out = append(out, &cp)
		}
	}
	return out, nil
}

// GetPrescription returns one prescription
func (s *Prescriptions) GetPrescription(_ context.Context, id string) (*prescription.Prescription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rx, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("prescription %s: %w", id, prescription.ErrNotFound)
	}
	cp := *rx
	return &cp, nil
}

// ListPatientIDs returns patients holding a prescription that overlaps rng
func (s *Prescriptions) ListPatientIDs(_ context.Context, rng schedule.DateRange) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for _, id := range s.order {
		rx := s.byID[id]
		if rx.Plan().Intersects(rng) && !slices.Contains(out, rx.PatientID) {
			out = append(out, rx.PatientID)
		}
	}
	slices.Sort(out)
	return out, nil
}

// Episodes is an in-memory episode.Source
type Episodes struct {
	mu        sync.RWMutex
	byPatient map[string][]episode.Episode
	err       error
}

// NewEpisodes creates an empty source
func NewEpisodes() *Episodes {
	return &Episodes{byPatient: map[string][]episode.Episode{}}
}

// Add records an episode
func (s *Episodes) Add(ep episode.Episode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byPatient[ep.PatientID] = append(s.byPatient[ep.PatientID], ep)
}

// FailWith makes every listing return err until cleared with nil
func (s *Episodes) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// ListEpisodes returns the patient's episodes
func (s *Episodes) ListEpisodes(_ context.Context, patientID string) ([]episode.Episode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.err != nil {
		return nil, s.err
	}
	return slices.Clone(s.byPatient[patientID]), nil
}
