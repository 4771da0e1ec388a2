package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/carehaven/medround/internal/domain/prescription"
	"github.com/carehaven/medround/internal/domain/schedule"
	"github.com/carehaven/medround/internal/domain/workflow"
)

// WorkflowEventsTopic receives every workflow record mutation
const WorkflowEventsTopic = "medication.workflow.events"

const uniqueViolation = "23505"

const recordColumns = `id, patient_id, prescription_id, scheduled_date, scheduled_time,
	preparation_status, preparation_staff, preparation_time,
	verification_status, verification_staff, verification_time,
	dispensing_status, dispensing_staff, dispensing_time,
	dispensing_failure_reason, custom_failure_reason, inspection_check_result, notes,
	created_at, updated_at`

// RecordStore is the pgx-backed workflow.Store. Every mutation writes its
// workflow events to the outbox in the same transaction.
type RecordStore struct {
	pool   *pgxpool.Pool
	topic  string
	logger *zap.Logger
	tracer trace.Tracer
	now    func() time.Time
}

// NewRecordStore creates a new record store
func NewRecordStore(pool *pgxpool.Pool, logger *zap.Logger) *RecordStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RecordStore{
		pool:   pool,
		topic:  WorkflowEventsTopic,
		logger: logger,
		tracer: otel.Tracer("postgres-records"),
		now:    time.Now,
	}
}

// Get returns one record
func (s *RecordStore) Get(ctx context.Context, id string) (*workflow.Record, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("record %s: %w", id, workflow.ErrNotFound)
	}
	row := s.pool.QueryRow(ctx, `SELECT `+recordColumns+` FROM medication_workflow_records WHERE id = $1`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("record %s: %w", id, workflow.ErrNotFound)
	}
	return rec, err
}

// ListRecords returns the patient's records in r, ordered by schedule
func (s *RecordStore) ListRecords(ctx context.Context, patientID string, r schedule.DateRange) ([]*workflow.Record, error) {
	ctx, span := s.tracer.Start(ctx, "records.list", trace.WithAttributes(
		attribute.String("patient_id", patientID),
		attribute.String("range", r.String()),
	))
	defer span.End()

	rows, err := s.pool.Query(ctx, `SELECT `+recordColumns+`
		FROM medication_workflow_records
		WHERE patient_id = $1 AND scheduled_date BETWEEN $2 AND $3
		ORDER BY scheduled_date, scheduled_time, created_at, id`,
		patientID, r.From.Time(), r.To.Time())
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var out []*workflow.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ListPatientIDs returns patients holding a record scheduled inside r
func (s *RecordStore) ListPatientIDs(ctx context.Context, r schedule.DateRange) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT patient_id::text FROM medication_workflow_records
		WHERE scheduled_date BETWEEN $1 AND $2
		ORDER BY 1`, r.From.Time(), r.To.Time())
	if err != nil {
		return nil, fmt.Errorf("query patients with records: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("collect patients with records: %w", err)
	}
	return ids, nil
}

// Insert materializes a record. A natural-key collision returns false.
func (s *RecordStore) Insert(ctx context.Context, rec *workflow.Record) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var id string
	err = tx.QueryRow(ctx, `
		INSERT INTO medication_workflow_records
			(id, patient_id, prescription_id, scheduled_date, scheduled_time, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		ON CONFLICT (prescription_id, scheduled_date, scheduled_time) DO NOTHING
		RETURNING id`,
		rec.ID, rec.PatientID, rec.PrescriptionID, rec.ScheduledDate.Time(), clockValue(rec.ScheduledTime), rec.CreatedAt,
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) || isUniqueViolation(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("insert record: %w", err)
	}

	ev, err := workflow.MaterializedEvent(rec)
	if err != nil {
		return false, err
	}
	if err := s.writeEvents(ctx, tx, ev); err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, fmt.Errorf("commit insert: %w", err)
	}
	return true, nil
}

// Update writes only the columns the patch touches
func (s *RecordStore) Update(ctx context.Context, id string, p workflow.Patch) (*workflow.Record, error) {
	ctx, span := s.tracer.Start(ctx, "records.update", trace.WithAttributes(attribute.String("record_id", id)))
	defer span.End()

	if _, err := uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("record %s: %w", id, workflow.ErrNotFound)
	}
	query, args, err := buildUpdate(id, p, s.now())
	if err != nil {
		return nil, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := scanRecord(tx.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("record %s: %w", id, workflow.ErrNotFound)
	}
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("update record: %w", err)
	}

	evs, err := workflow.TransitionEvents(rec, p)
	if err != nil {
		return nil, err
	}
	if err := s.writeEvents(ctx, tx, evs...); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit update: %w", err)
	}
	return rec, nil
}

// Delete removes records and records one pruning event per patient
func (s *RecordStore) Delete(ctx context.Context, ids []string) (int, error) {
	keys := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if u, err := uuid.Parse(id); err == nil {
			keys = append(keys, u)
		}
	}
	if len(keys) == 0 {
		return 0, nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `DELETE FROM medication_workflow_records WHERE id = ANY($1) RETURNING id, patient_id`, keys)
	if err != nil {
		return 0, fmt.Errorf("delete records: %w", err)
	}
	byPatient := map[string][]string{}
	var order []string
	n := 0
	for rows.Next() {
		var id, patientID string
		if err := rows.Scan(&id, &patientID); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan deleted id: %w", err)
		}
		if _, ok := byPatient[patientID]; !ok {
			order = append(order, patientID)
		}
		byPatient[patientID] = append(byPatient[patientID], id)
		n++
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("delete records: %w", err)
	}

	now := s.now()
	for _, patientID := range order {
		ev, err := workflow.PrunedEvent(patientID, byPatient[patientID], now)
		if err != nil {
			return 0, err
		}
		if err := s.writeEvents(ctx, tx, ev); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit delete: %w", err)
	}
	return n, nil
}

func (s *RecordStore) writeEvents(ctx context.Context, tx pgx.Tx, evs ...*workflow.Event) error {
	for _, ev := range evs {
		entry, err := EntryFromEvent(ev, s.topic)
		if err != nil {
			return err
		}
		if err := WriteEntry(ctx, tx, entry); err != nil {
			return err
		}
	}
	return nil
}

// buildUpdate renders the UPDATE for the stages a patch touches
func buildUpdate(id string, p workflow.Patch, now time.Time) (string, []any, error) {
	if p.IsEmpty() {
		return "", nil, fmt.Errorf("empty patch for %s: %w", id, workflow.ErrInvalidInput)
	}

	var sets []string
	var args []any
	set := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	stage := func(prefix string, st workflow.StageState) {
		status := st.Status
		if status == "" {
			status = workflow.StatusPending
		}
		set(prefix+"_status", string(status))
		set(prefix+"_staff", nullString(st.Staff))
		set(prefix+"_time", st.At)
	}

	if p.Preparation != nil {
		stage("preparation", *p.Preparation)
	}
	if p.Verification != nil {
		stage("verification", *p.Verification)
	}
	if d := p.Dispensing; d != nil {
		stage("dispensing", d.State)
		set("dispensing_failure_reason", nullString(string(d.FailureReason)))
		set("custom_failure_reason", nullString(d.CustomReason))
		var inspection []byte
		if d.Inspection != nil {
			b, err := json.Marshal(d.Inspection)
			if err != nil {
				return "", nil, fmt.Errorf("encode inspection result: %w", err)
			}
			inspection = b
		}
		set("inspection_check_result", inspection)
		if d.Notes != nil {
			set("notes", *d.Notes)
		}
	}
	set("updated_at", now)

	args = append(args, id)
	query := fmt.Sprintf("UPDATE medication_workflow_records SET %s WHERE id = $%d RETURNING %s",
		strings.Join(sets, ", "), len(args), recordColumns)
	return query, args, nil
}

func scanRecord(row pgx.Row) (*workflow.Record, error) {
	var (
		rec                               workflow.Record
		date                              time.Time
		at                                pgtype.Time
		prepStatus, verStatus, dispStatus string
		prepStaff, verStaff, dispStaff    *string
		reason, custom, notes             *string
		inspection                        []byte
	)
	err := row.Scan(
		&rec.ID, &rec.PatientID, &rec.PrescriptionID, &date, &at,
		&prepStatus, &prepStaff, &rec.Preparation.At,
		&verStatus, &verStaff, &rec.Verification.At,
		&dispStatus, &dispStaff, &rec.Dispensing.At,
		&reason, &custom, &inspection, &notes,
		&rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.ScheduledDate = schedule.DateOf(date)
	rec.ScheduledTime = clockOf(at)
	rec.Preparation.Status, rec.Preparation.Staff = workflow.Status(prepStatus), deref(prepStaff)
	rec.Verification.Status, rec.Verification.Staff = workflow.Status(verStatus), deref(verStaff)
	rec.Dispensing.Status, rec.Dispensing.Staff = workflow.Status(dispStatus), deref(dispStaff)
	rec.FailureReason = workflow.FailureReason(deref(reason))
	rec.CustomFailureReason = deref(custom)
	rec.Notes = deref(notes)
	if len(inspection) > 0 {
		var res prescription.InspectionResult
		if err := json.Unmarshal(inspection, &res); err != nil {
			return nil, fmt.Errorf("decode inspection result of %s: %w", rec.ID, err)
		}
		rec.Inspection = &res
	}
	return &rec, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// clockValue truncates to the minute, which is the matching granularity
func clockValue(c schedule.Clock) pgtype.Time {
	return pgtype.Time{Microseconds: int64(c) * int64(time.Minute/time.Microsecond), Valid: true}
}

func clockOf(t pgtype.Time) schedule.Clock {
	if !t.Valid {
		return schedule.StartOfDay
	}
	return schedule.Clock(t.Microseconds / int64(time.Minute/time.Microsecond))
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
