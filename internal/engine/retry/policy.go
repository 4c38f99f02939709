// Package retry computes whether and when a failed unit runs again.
package retry

import (
	"time"

	"github.com/brandpulse/automation-be/internal/engine/domain"
)

// backoff is the fixed schedule: delay before attempt n. The first attempt
// runs at the unit's scheduled time with no added delay.
var backoff = [...]time.Duration{
	0,
	30 * time.Second,
	5 * time.Minute,
	time.Hour,
}

// MaxAttempts is the total attempt budget before a unit escalates.
const MaxAttempts = len(backoff)

// Decision is the outcome of consulting the policy after a failed attempt.
type Decision struct {
	// Retry is true when another attempt is allowed; Delay is how long to
	// wait before re-arming the unit.
	Retry bool
	Delay time.Duration
	// NotifyAdmin accompanies the final re-arm so a human sees the unit
	// before it can escalate.
	NotifyAdmin bool
	// Escalate marks terminal retry exhaustion.
	Escalate bool
}

// Next returns the decision after failedAttempts attempts have failed.
// The policy is consulted only on failure; success short-circuits it.
func Next(failedAttempts int) Decision {
	switch {
	case failedAttempts < 1:
		return Decision{Retry: true}
	case failedAttempts < MaxAttempts-1:
		return Decision{Retry: true, Delay: backoff[failedAttempts]}
	case failedAttempts == MaxAttempts-1:
		return Decision{Retry: true, Delay: backoff[failedAttempts], NotifyAdmin: true}
	default:
		return Decision{Escalate: true}
	}
}

// Retryable reports whether a failure cause can be cured by waiting.
// Quota exhaustion cannot: no amount of waiting restores credit without a
// separate top-up, so those units fail directly.
func Retryable(cause domain.FailureCause) bool {
	switch cause {
	case domain.CauseRateLimited, domain.CauseProviderError, domain.CauseStorageUnavailable:
		return true
	}
	return false
}
