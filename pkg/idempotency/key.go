package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"
)

// GenerateKey derives the inbox key of a prescription-change message. A
// non-empty eventID identifies the message on its own. Without one the key
// covers the patient, the prescription and the change time truncated to the
// second, so producer retries of one change collapse.
func GenerateKey(eventID, patientID, prescriptionID string, changedAt time.Time) string {
	data := "event|" + eventID
	if eventID == "" {
		data = strings.Join([]string{
			patientID,
			prescriptionID,
			changedAt.UTC().Truncate(time.Second).Format(time.RFC3339),
		}, "|")
	}
	sum := sha256.Sum256([]byte(data))
	return hex.EncodeToString(sum[:])
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks a handler error that a redelivery cannot fix. The inbox
// records such messages as FAILED and skips them afterwards. Nil stays nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err, or anything it wraps, came from Permanent
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}
