package workflow

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/carehaven/medround/internal/domain/schedule"
)

// EventType represents the type of workflow event
type EventType string

const (
	EventRecordMaterialized EventType = "WorkflowRecordMaterialized"
	EventRecordsPruned      EventType = "WorkflowRecordsPruned"
	EventStageCompleted     EventType = "WorkflowStageCompleted"
	EventStageFailed        EventType = "WorkflowStageFailed"
	EventStageReverted      EventType = "WorkflowStageReverted"
)

// AggregateType is the aggregate name carried by every workflow event
const AggregateType = "WorkflowRecord"

// Event represents a workflow event written to the outbox
type Event struct {
	ID            string          `json:"id"`
	AggregateID   string          `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_type"`
	EventType     EventType       `json:"event_type"`
	EventData     json.RawMessage `json:"event_data"`
	Timestamp     time.Time       `json:"timestamp"`
	PatientID     string          `json:"patient_id"`
	StaffName     string          `json:"staff_name,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

// NewEvent creates a new event
func NewEvent(aggregateID, patientID string, eventType EventType, data interface{}, at time.Time) (*Event, error) {
	eventData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Event{
		ID:            uuid.New().String(),
		AggregateID:   aggregateID,
		AggregateType: AggregateType,
		EventType:     eventType,
		EventData:     eventData,
		Timestamp:     at.UTC(),
		PatientID:     patientID,
	}, nil
}

// RecordMaterializedData describes a newly generated record
type RecordMaterializedData struct {
	RecordID       string         `json:"record_id"`
	PrescriptionID string         `json:"prescription_id"`
	ScheduledDate  schedule.Date  `json:"scheduled_date"`
	ScheduledTime  schedule.Clock `json:"scheduled_time"`
}

// RecordsPrunedData lists deleted record ids
type RecordsPrunedData struct {
	RecordIDs []string `json:"record_ids"`
}

// StageChangedData describes one stage transition
type StageChangedData struct {
	RecordID       string         `json:"record_id"`
	PrescriptionID string         `json:"prescription_id"`
	ScheduledDate  schedule.Date  `json:"scheduled_date"`
	ScheduledTime  schedule.Clock `json:"scheduled_time"`
	Stage          Stage          `json:"stage"`
	Status         Status         `json:"status"`
	Staff          string         `json:"staff,omitempty"`
	FailureReason  FailureReason  `json:"failure_reason,omitempty"`
	At             *time.Time     `json:"at,omitempty"`
}

// MaterializedEvent builds the event for an inserted record
func MaterializedEvent(r *Record) (*Event, error) {
	return NewEvent(r.ID, r.PatientID, EventRecordMaterialized, RecordMaterializedData{
		RecordID:       r.ID,
		PrescriptionID: r.PrescriptionID,
		ScheduledDate:  r.ScheduledDate,
		ScheduledTime:  r.ScheduledTime,
	}, r.CreatedAt)
}

// PrunedEvent builds the event for a delete batch
func PrunedEvent(patientID string, ids []string, at time.Time) (*Event, error) {
	return NewEvent(patientID, patientID, EventRecordsPruned, RecordsPrunedData{RecordIDs: ids}, at)
}

// TransitionEvents builds one event per stage touched by p, from the record
// as it is after the patch was applied
func TransitionEvents(after *Record, p Patch) ([]*Event, error) {
	var out []*Event
	for _, s := range p.Stages() {
		st, _ := p.State(s)
		typ := EventStageCompleted
		switch st.Status {
		case StatusFailed:
			typ = EventStageFailed
		case StatusPending, "":
			typ = EventStageReverted
		}
		data := StageChangedData{
			RecordID:       after.ID,
			PrescriptionID: after.PrescriptionID,
			ScheduledDate:  after.ScheduledDate,
			ScheduledTime:  after.ScheduledTime,
			Stage:          s,
			Status:         st.Status,
			Staff:          st.Staff,
			At:             st.At,
		}
		if s == StageDispensing {
			data.FailureReason = after.FailureReason
		}
		ev, err := NewEvent(after.ID, after.PatientID, typ, data, after.UpdatedAt)
		if err != nil {
			return nil, err
		}
		ev.StaffName = st.Staff
		out = append(out, ev)
	}
	return out, nil
}

// WithCorrelation sets the correlation id
func (e *Event) WithCorrelation(id string) *Event {
	e.CorrelationID = id
	return e
}
