// Package quota enforces per-brand credit limits on paid capabilities.
package quota

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/brandpulse/automation-be/internal/engine/domain"
)

// Store is the backing record store for credit balances. ConsumeCredit must
// seed a missing (brand, capability) row with defaultAllowance and then
// perform a single conditional decrement, never read-then-write, so the
// last credit cannot be double-spent under concurrent callers.
type Store interface {
	ConsumeCredit(ctx context.Context, brandID string, capability domain.Capability, defaultAllowance int) (allowed bool, remaining int, err error)
	RefundCredit(ctx context.Context, brandID string, capability domain.Capability) error
}

// Decision is the outcome of a consume attempt.
type Decision struct {
	Allowed   bool
	Remaining int
}

// Ledger tracks remaining credits per (brand, capability) pair.
type Ledger struct {
	store     Store
	allowance int
	logger    *slog.Logger
}

// NewLedger creates a ledger seeding new pairs with defaultAllowance.
func NewLedger(store Store, defaultAllowance int, logger *slog.Logger) *Ledger {
	return &Ledger{
		store:     store,
		allowance: defaultAllowance,
		logger:    logger,
	}
}

// TryConsume atomically checks and decrements the balance for one paid
// call. A storage failure fails closed: the caller must not proceed to the
// paid operation.
func (l *Ledger) TryConsume(ctx context.Context, brandID string, capability domain.Capability) (Decision, error) {
	allowed, remaining, err := l.store.ConsumeCredit(ctx, brandID, capability, l.allowance)
	if err != nil {
		l.logger.Error("Credit consume failed, failing closed",
			slog.String("brand_id", brandID),
			slog.String("capability", string(capability)),
			slog.Any("error", err),
		)
		return Decision{}, fmt.Errorf("%w: %v", domain.ErrStorageUnavailable, err)
	}

	if !allowed {
		l.logger.Info("Credit denied",
			slog.String("brand_id", brandID),
			slog.String("capability", string(capability)),
			slog.Int("remaining", remaining),
		)
		return Decision{Allowed: false, Remaining: remaining}, nil
	}

	l.logger.Debug("Credit reserved",
		slog.String("brand_id", brandID),
		slog.String("capability", string(capability)),
		slog.Int("remaining", remaining),
	)

	return Decision{Allowed: true, Remaining: remaining}, nil
}

// Refund releases a reserved credit after a failed provider call so the net
// decrement happens exactly once per successful call.
func (l *Ledger) Refund(ctx context.Context, brandID string, capability domain.Capability) error {
	if err := l.store.RefundCredit(ctx, brandID, capability); err != nil {
		l.logger.Error("Credit refund failed",
			slog.String("brand_id", brandID),
			slog.String("capability", string(capability)),
			slog.Any("error", err),
		)
		return fmt.Errorf("%w: %v", domain.ErrStorageUnavailable, err)
	}
	return nil
}
