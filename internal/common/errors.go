package common

import (
	"errors"
	"fmt"
)

var (
	// Repository-level errors.
	ErrNotFound = errors.New("not found")

	// ErrValidation marks requests rejected before any I/O.
	ErrValidation = errors.New("validation error")

	// ErrConsistency marks a fatal divergence between the event log and the
	// materialized state. Processing of the partition halts.
	ErrConsistency = errors.New("consistency violation")

	// ErrUndrainedBuffers is returned when an applicator leaves its scope
	// with pending inserts or updates.
	ErrUndrainedBuffers = errors.New("applicator left scope with undrained buffers")

	// ErrUnsupportedMatch is returned for relation match methods that are not
	// implemented.
	ErrUnsupportedMatch = errors.New("unsupported match method")
)

// Partition identifies the unit of sequential processing.
type Partition struct {
	Catalogue string `json:"catalogue"`
	Entity    string `json:"entity"`
	Source    string `json:"source"`
}

func (p Partition) String() string {
	return fmt.Sprintf("%s/%s/%s", p.Catalogue, p.Entity, p.Source)
}

// ConsistencyError reports an illegal state transition or a watermark
// divergence. It unwraps to ErrConsistency.
type ConsistencyError struct {
	Partition Partition
	Tid       string
	EventID   int64
	Reason    string
	Processed int
}

func (e *ConsistencyError) Error() string {
	msg := fmt.Sprintf("%v in %s: %s", ErrConsistency, e.Partition, e.Reason)
	if e.Tid != "" {
		msg += fmt.Sprintf(" (tid=%s", e.Tid)
		if e.EventID != 0 {
			msg += fmt.Sprintf(", event=%d", e.EventID)
		}
		msg += ")"
	}
	if e.Processed > 0 {
		msg += fmt.Sprintf(" after %d events", e.Processed)
	}
	return msg
}

func (e *ConsistencyError) Unwrap() error { return ErrConsistency }

// ValidationError reports a malformed request. It unwraps to ErrValidation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%v: %s", ErrValidation, e.Reason)
	}
	return fmt.Sprintf("%v: %s: %s", ErrValidation, e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// Invalid is a shorthand for building a ValidationError.
func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}
