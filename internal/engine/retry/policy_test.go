package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/brandpulse/automation-be/internal/engine/domain"
)

func TestNext_FixedSchedule(t *testing.T) {
	tests := []struct {
		name           string
		failedAttempts int
		wantRetry      bool
		wantDelay      time.Duration
		wantNotify     bool
		wantEscalate   bool
	}{
		{
			name:           "first attempt runs immediately",
			failedAttempts: 0,
			wantRetry:      true,
			wantDelay:      0,
		},
		{
			name:           "after first failure wait 30s",
			failedAttempts: 1,
			wantRetry:      true,
			wantDelay:      30 * time.Second,
		},
		{
			name:           "after second failure wait 5m",
			failedAttempts: 2,
			wantRetry:      true,
			wantDelay:      5 * time.Minute,
		},
		{
			name:           "after third failure wait 1h and notify admin",
			failedAttempts: 3,
			wantRetry:      true,
			wantDelay:      time.Hour,
			wantNotify:     true,
		},
		{
			name:           "after fourth failure escalate",
			failedAttempts: 4,
			wantEscalate:   true,
		},
		{
			name:           "beyond the budget stays terminal",
			failedAttempts: 9,
			wantEscalate:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Next(tt.failedAttempts)
			assert.Equal(t, tt.wantRetry, d.Retry)
			assert.Equal(t, tt.wantDelay, d.Delay)
			assert.Equal(t, tt.wantNotify, d.NotifyAdmin)
			assert.Equal(t, tt.wantEscalate, d.Escalate)
		})
	}
}

func TestNext_IsPure(t *testing.T) {
	for i := 0; i < 3; i++ {
		assert.Equal(t, Next(2), Next(2))
	}
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(domain.CauseRateLimited))
	assert.True(t, Retryable(domain.CauseProviderError))
	assert.True(t, Retryable(domain.CauseStorageUnavailable))

	assert.False(t, Retryable(domain.CauseQuotaExhausted))
	assert.False(t, Retryable(domain.CauseMalformedResponse))
	assert.False(t, Retryable(domain.CauseCanceled))
}
