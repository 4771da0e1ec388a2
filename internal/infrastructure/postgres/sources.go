package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/carehaven/medround/internal/domain/episode"
	"github.com/carehaven/medround/internal/domain/prescription"
	"github.com/carehaven/medround/internal/domain/schedule"
)

const prescriptionColumns = `id, patient_id, medication_name, status,
	start_date, end_date, start_time, end_time,
	frequency_type, frequency_value, specific_weekdays, is_odd_even_day,
	medication_time_slots, administration_route, preparation_method,
	inspection_rules, is_prn`

// PrescriptionStore reads prescriptions owned by prescription CRUD
type PrescriptionStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPrescriptionStore creates a new prescription source
func NewPrescriptionStore(pool *pgxpool.Pool, logger *zap.Logger) *PrescriptionStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PrescriptionStore{pool: pool, logger: logger}
}

// ListPrescriptions filters by status and validity-window overlap in SQL
func (s *PrescriptionStore) ListPrescriptions(ctx context.Context, patientID string, filter prescription.Filter) ([]*prescription.Prescription, error) {
	query, args := listPrescriptionsQuery(patientID, filter)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query prescriptions: %w", err)
	}
	defer rows.Close()

	var out []*prescription.Prescription
	for rows.Next() {
		rx, err := s.scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rx)
	}
	return out, rows.Err()
}

// GetPrescription returns one prescription
func (s *PrescriptionStore) GetPrescription(ctx context.Context, id string) (*prescription.Prescription, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+prescriptionColumns+` FROM prescriptions WHERE id::text = $1`, id)
	rx, err := s.scan(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("prescription %s: %w", id, prescription.ErrNotFound)
	}
	return rx, err
}

// ListPatientIDs returns patients holding a prescription that overlaps rng
func (s *PrescriptionStore) ListPatientIDs(ctx context.Context, rng schedule.DateRange) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT patient_id::text FROM prescriptions
		WHERE start_date <= $1 AND (end_date IS NULL OR end_date >= $2)
		ORDER BY 1`, rng.To.Time(), rng.From.Time())
	if err != nil {
		return nil, fmt.Errorf("query patients: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("collect patients: %w", err)
	}
	return ids, nil
}

func listPrescriptionsQuery(patientID string, filter prescription.Filter) (string, []any) {
	where := []string{"patient_id = $1"}
	args := []any{patientID}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			statuses[i] = string(st)
		}
		args = append(args, statuses)
		where = append(where, fmt.Sprintf("status = ANY($%d)", len(args)))
	}
	if r := filter.Overlaps; r != nil {
		args = append(args, r.To.Time(), r.From.Time())
		where = append(where, fmt.Sprintf("start_date <= $%d AND (end_date IS NULL OR end_date >= $%d)", len(args)-1, len(args)))
	}
	return `SELECT ` + prescriptionColumns + ` FROM prescriptions WHERE ` +
		strings.Join(where, " AND ") + ` ORDER BY start_date, id`, args
}

func (s *PrescriptionStore) scan(row pgx.Row) (*prescription.Prescription, error) {
	var (
		rx               prescription.Prescription
		status           string
		start            time.Time
		end              *time.Time
		startAt, endAt   pgtype.Time
		freqType, parity *string
		freqValue        *int32
		weekdays         []int32
		slots            []string
		route, prep      string
		rules            []byte
	)
	err := row.Scan(
		&rx.ID, &rx.PatientID, &rx.MedicationName, &status,
		&start, &end, &startAt, &endAt,
		&freqType, &freqValue, &weekdays, &parity,
		&slots, &route, &prep,
		&rules, &rx.IsPRN,
	)
	if err != nil {
		return nil, err
	}

	rx.Status = prescription.Status(status)
	rx.StartDate = schedule.DateOf(start)
	if end != nil {
		d := schedule.DateOf(*end)
		rx.EndDate = &d
	}
	if startAt.Valid {
		c := clockOf(startAt)
		rx.StartTime = &c
	}
	if endAt.Valid {
		c := clockOf(endAt)
		rx.EndTime = &c
	}

	desc := schedule.Descriptor{Type: schedule.Kind(deref(freqType)), Parity: schedule.Parity(deref(parity))}
	if freqValue != nil {
		desc.Value = int(*freqValue)
	}
	for _, wd := range weekdays {
		desc.Weekdays = append(desc.Weekdays, int(wd))
	}
	rx.Frequency = schedule.Decode(desc)

	for _, raw := range slots {
		c, err := schedule.ParseClock(raw)
		if err != nil {
			s.logger.Warn("dropping malformed time slot",
				zap.String("prescription_id", rx.ID),
				zap.String("slot", raw))
			continue
		}
		rx.TimeSlots = append(rx.TimeSlots, c)
	}

	rx.Route = prescription.Route(route)
	rx.PreparationMethod = prescription.PreparationMethod(prep)
	if len(rules) > 0 {
		if err := json.Unmarshal(rules, &rx.InspectionRules); err != nil {
			return nil, fmt.Errorf("decode inspection rules of %s: %w", rx.ID, err)
		}
	}
	return &rx, nil
}

// EpisodeStore reads hospitalization and leave episodes
type EpisodeStore struct {
	pool *pgxpool.Pool
}

// NewEpisodeStore creates a new episode source
func NewEpisodeStore(pool *pgxpool.Pool) *EpisodeStore {
	return &EpisodeStore{pool: pool}
}

// ListEpisodes returns the patient's episodes with their events in time order
func (s *EpisodeStore) ListEpisodes(ctx context.Context, patientID string) ([]episode.Episode, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT e.id, e.patient_id, ev.event_type, ev.event_time
		FROM patient_episodes e
		LEFT JOIN episode_events ev ON ev.episode_id = e.id
		WHERE e.patient_id = $1
		ORDER BY e.created_at, e.id, ev.event_time`, patientID)
	if err != nil {
		return nil, fmt.Errorf("query episodes: %w", err)
	}
	defer rows.Close()

	var out []episode.Episode
	for rows.Next() {
		var (
			id, pid string
			typ     *string
			at      *time.Time
		)
		if err := rows.Scan(&id, &pid, &typ, &at); err != nil {
			return nil, fmt.Errorf("scan episode: %w", err)
		}
		if len(out) == 0 || out[len(out)-1].ID != id {
			out = append(out, episode.Episode{ID: id, PatientID: pid})
		}
		if typ != nil && at != nil {
			last := &out[len(out)-1]
			last.Events = append(last.Events, episode.Event{Type: episode.EventType(*typ), At: *at})
		}
	}
	return out, rows.Err()
}
