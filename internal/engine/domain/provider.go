package domain

import "errors"

// FailureCause classifies why an attempt did not complete.
type FailureCause string

const (
	CauseRateLimited        FailureCause = "rate-limited"
	CauseProviderError      FailureCause = "provider-error"
	CauseQuotaExhausted     FailureCause = "quota-exhausted"
	CauseMalformedResponse  FailureCause = "malformed-response"
	CauseStorageUnavailable FailureCause = "storage-unavailable"
	CauseCanceled           FailureCause = "canceled"
)

// ProviderResult is the outcome of one successful gateway invocation.
// It is ephemeral; the worker folds it into the unit record.
type ProviderResult struct {
	Capability Capability
	Endpoint   string
	// Text is the normalized text payload (text-reply).
	Text string
	// Data and ContentType carry the binary payload (image-generation).
	Data        []byte
	ContentType string
	// Reference is the provider-issued identifier for a publish action,
	// polled for by the verification step.
	Reference string
	// URL is an optional provider-hosted location for the payload.
	URL string
}

// ProviderFailure is the classified failure of a gateway invocation,
// carrying the last observed cause across the fallback chain.
type ProviderFailure struct {
	Cause FailureCause
	Err   error
}

func (e *ProviderFailure) Error() string {
	if e.Err == nil {
		return string(e.Cause)
	}
	return string(e.Cause) + ": " + e.Err.Error()
}

func (e *ProviderFailure) Unwrap() error { return e.Err }

// NewProviderFailure wraps err with a classified cause.
func NewProviderFailure(cause FailureCause, err error) error {
	return &ProviderFailure{Cause: cause, Err: err}
}

// CauseOf extracts the failure cause from err, defaulting to
// provider-error for unclassified failures.
func CauseOf(err error) FailureCause {
	var pf *ProviderFailure
	if errors.As(err, &pf) {
		return pf.Cause
	}
	if errors.Is(err, ErrQuotaExhausted) {
		return CauseQuotaExhausted
	}
	if errors.Is(err, ErrStorageUnavailable) {
		return CauseStorageUnavailable
	}
	return CauseProviderError
}
