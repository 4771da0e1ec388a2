package redpanda

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrMalformedMessage marks a payload that can never be handled
var ErrMalformedMessage = errors.New("malformed message")

// PrescriptionChange is published by prescription CRUD whenever a prescription
// is created, edited, discontinued or deleted
type PrescriptionChange struct {
	EventID        string    `json:"event_id"`
	PatientID      string    `json:"patient_id"`
	PrescriptionID string    `json:"prescription_id"`
	ChangedAt      time.Time `json:"changed_at"`
}

// DecodePrescriptionChange parses and checks a change notification
func DecodePrescriptionChange(value []byte) (*PrescriptionChange, error) {
	var ch PrescriptionChange
	if err := json.Unmarshal(value, &ch); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedMessage, err)
	}
	if ch.PatientID == "" {
		return nil, fmt.Errorf("%w: patient_id is required", ErrMalformedMessage)
	}
	return &ch, nil
}

// Encode marshals the change for publishing
func (c *PrescriptionChange) Encode() ([]byte, error) {
	return json.Marshal(c)
}
