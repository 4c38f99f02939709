package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrUnitNotFound is returned when a unit id resolves to nothing.
	ErrUnitNotFound = errors.New("scheduled unit not found")

	// ErrBrandNotFound is returned when an identity lookup fails.
	ErrBrandNotFound = errors.New("brand not found")

	// ErrNoneDue signals an empty claim attempt, not a failure.
	ErrNoneDue = errors.New("no units due")

	// ErrUnitNotCancelable is returned when cancellation targets a unit
	// that already reached a terminal state.
	ErrUnitNotCancelable = errors.New("unit is not cancelable")

	// ErrStorageUnavailable wraps backing-store failures. Paid operations
	// must fail closed when this is observed.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrQuotaExhausted is returned when a brand has no remaining credit
	// for a capability. Never retried; only a top-up restores credit.
	ErrQuotaExhausted = errors.New("quota exhausted")
)

// Validation error kinds, rejected at intake and never retried.
const (
	ValidationInvalidSchedule = "invalid-schedule"
	ValidationInvalidPayload  = "invalid-payload"
)

// ValidationError reports a campaign item the scheduler refused.
type ValidationError struct {
	Kind   string
	Item   int
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: item %d: %s", e.Kind, e.Item, e.Reason)
}

// NewInvalidSchedule builds a ValidationError for a bad target time.
func NewInvalidSchedule(item int, reason string) error {
	return &ValidationError{Kind: ValidationInvalidSchedule, Item: item, Reason: reason}
}

// NewInvalidPayload builds a ValidationError for missing payload fields.
func NewInvalidPayload(item int, reason string) error {
	return &ValidationError{Kind: ValidationInvalidPayload, Item: item, Reason: reason}
}
