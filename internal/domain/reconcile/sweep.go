package reconcile

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"go.uber.org/zap"

	"github.com/carehaven/medround/internal/domain/schedule"
	"github.com/carehaven/medround/pkg/workerpool"
)

// PatientLister finds the patients a sweep over a range must visit
type PatientLister interface {
	ListPatientIDs(ctx context.Context, rng schedule.DateRange) ([]string, error)
}

// SweepReport summarizes a sweep across patients
type SweepReport struct {
	Patients  int               `json:"patients"`
	Succeeded int               `json:"succeeded"`
	Failed    map[string]string `json:"failed,omitempty"`
	Total     Result            `json:"total"`
}

// Sweep reconciles every patient with a prescription overlapping rng, plus
// every patient the store holds records for in rng, so records of ended
// prescriptions get pruned. Patients run concurrently on a worker pool that
// retries transient failures; one patient's failure does not stop the others.
func (r *Reconciler) Sweep(ctx context.Context, patients PatientLister, rng schedule.DateRange, cfg workerpool.Config) (SweepReport, error) {
	if err := rng.Validate(); err != nil {
		return SweepReport{}, err
	}
	ids, err := patients.ListPatientIDs(ctx, rng)
	if err != nil {
		return SweepReport{}, fmt.Errorf("list patients: %w", err)
	}
	if holders, ok := r.store.(PatientLister); ok {
		withRecords, err := holders.ListPatientIDs(ctx, rng)
		if err != nil {
			return SweepReport{}, fmt.Errorf("list patients with records: %w", err)
		}
		ids = append(ids, withRecords...)
		slices.Sort(ids)
		ids = slices.Compact(ids)
	}
	report := SweepReport{Patients: len(ids)}
	if len(ids) == 0 {
		return report, nil
	}

	// every task and every result must fit without blocking
	cfg.QueueSize = max(cfg.QueueSize, len(ids))
	cfg.Retryable = func(err error) bool { return !errors.Is(err, schedule.ErrInvalidRange) }
	pool, err := workerpool.New[struct{}, Result](cfg, func(ctx context.Context, task *workerpool.Task[struct{}]) (Result, error) {
		return r.Reconcile(ctx, task.ID, rng)
	}, r.logger)
	if err != nil {
		return SweepReport{}, err
	}
	pool.Start()

	submitted := 0
	for _, id := range ids {
		if err := pool.Submit(&workerpool.Task[struct{}]{ID: id, Context: ctx}); err != nil {
			report.addFailure(id, err)
			continue
		}
		submitted++
	}

	for range submitted {
		res := <-pool.Results()
		if !res.OK() {
			report.addFailure(res.TaskID, res.Err)
			continue
		}
		report.Succeeded++
		report.Total.Expected += res.Value.Expected
		report.Total.Inserted += res.Value.Inserted
		report.Total.Pruned += res.Value.Pruned
		report.Total.Duplicates += res.Value.Duplicates
		report.Total.Skipped += res.Value.Skipped
	}
	stopPool(pool, rng, r.logger)

	r.logger.Info("reconcile sweep finished",
		zap.Stringer("range", rng),
		zap.Int("patients", report.Patients),
		zap.Int("succeeded", report.Succeeded),
		zap.Int("failed", len(report.Failed)),
		zap.Int("inserted", report.Total.Inserted),
		zap.Int("pruned", report.Total.Pruned))
	return report, nil
}

// stopPool shuts the sweep's pool down. Every result has been read by now, so
// a failed stop only leaks idle workers and the sweep still reports success.
func stopPool(pool interface{ Stop() error }, rng schedule.DateRange, logger *zap.Logger) {
	if err := pool.Stop(); err != nil {
		logger.Warn("worker pool stop failed", zap.Stringer("range", rng), zap.Error(err))
	}
}

func (s *SweepReport) addFailure(patientID string, err error) {
	if s.Failed == nil {
		s.Failed = map[string]string{}
	}
	s.Failed[patientID] = err.Error()
}
