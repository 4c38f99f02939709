package worker

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/brandpulse/automation-be/internal/engine/domain"
	"github.com/brandpulse/automation-be/internal/engine/retry"
)

// executeUnit runs one claimed attempt through the full state machine:
// cancellation check, quota pre-check, provider invocation, verification,
// and the retry/escalation transition on failure.
func (w *Worker) executeUnit(ctx context.Context, unit *domain.ScheduledUnit) {
	if unit.CancelRequested {
		w.failCanceled(ctx, unit)
		return
	}

	// Quota pre-check. The ledger's conditional decrement is the only
	// cross-unit serialization point; a denied unit fails immediately
	// without consuming a retry attempt.
	consumed := false
	if unit.Capability.Metered() {
		decision, err := w.ledger.TryConsume(ctx, unit.BrandID, unit.Capability)
		if err != nil {
			// Fail closed: no paid call happened and no state changed,
			// so the attempt retries as transient.
			w.handleFailure(ctx, unit, domain.CauseStorageUnavailable, err.Error())
			return
		}
		if !decision.Allowed {
			w.logger.Warn("Unit denied by quota ledger",
				slog.String("unit_id", unit.UnitID),
				slog.String("brand_id", unit.BrandID),
				slog.Int("remaining", decision.Remaining),
			)
			if err := w.store.MarkFailed(ctx, unit.UnitID, unit.Attempts, domain.CauseQuotaExhausted, "credit balance exhausted"); err != nil {
				w.logger.Error("Failed to mark unit quota-exhausted",
					slog.String("unit_id", unit.UnitID),
					slog.Any("error", err),
				)
			}
			return
		}
		consumed = true
	}

	attemptCtx, cancel := context.WithTimeout(ctx, w.unitTimeout)
	defer cancel()

	result, err := w.gateway.Invoke(attemptCtx, unit.Capability, unit.Payload)
	if err != nil {
		// The paid call did not succeed; release the reserved credit so
		// retried attempts never double-spend.
		if consumed {
			if refundErr := w.ledger.Refund(ctx, unit.BrandID, unit.Capability); refundErr != nil {
				w.logger.Error("Failed to refund credit",
					slog.String("unit_id", unit.UnitID),
					slog.Any("error", refundErr),
				)
			}
		}
		w.handleFailure(ctx, unit, domain.CauseOf(err), err.Error())
		return
	}

	// The provider call succeeded: the credit stays consumed from here on,
	// even if verification cannot confirm propagation.
	if err := w.verifier.Verify(attemptCtx, unit, result); err != nil {
		w.logger.Warn("Verification failed after successful provider call",
			slog.String("unit_id", unit.UnitID),
			slog.Any("error", err),
		)
		if markErr := w.store.MarkFailed(ctx, unit.UnitID, unit.Attempts+1, domain.CauseOf(err), err.Error()); markErr != nil {
			w.logger.Error("Failed to mark unit failed after verification",
				slog.String("unit_id", unit.UnitID),
				slog.Any("error", markErr),
			)
		}
		return
	}

	w.complete(ctx, unit, result)
}

// complete persists the produced asset and marks the unit succeeded.
func (w *Worker) complete(ctx context.Context, unit *domain.ScheduledUnit, result *domain.ProviderResult) {
	if unit.Capability.Metered() {
		asset := &domain.AssetRecord{
			AssetID:     uuid.New().String(),
			BrandID:     unit.BrandID,
			UnitID:      unit.UnitID,
			Capability:  unit.Capability,
			ContentType: result.ContentType,
			Content:     result.Data,
			URL:         result.URL,
		}
		if asset.ContentType == "" {
			asset.ContentType = "text/plain"
		}
		if len(asset.Content) == 0 {
			asset.Content = []byte(result.Text)
		}
		if err := w.store.InsertAssetRecord(ctx, asset); err != nil {
			// The external side effect already happened; losing the
			// asset row must not fail the unit.
			w.logger.Error("Failed to persist asset record",
				slog.String("unit_id", unit.UnitID),
				slog.Any("error", err),
			)
		}
	}

	if err := w.store.MarkSucceeded(ctx, unit.UnitID, result); err != nil {
		w.logger.Error("Failed to mark unit succeeded",
			slog.String("unit_id", unit.UnitID),
			slog.Any("error", err),
		)
		return
	}

	w.logger.Info("Unit succeeded",
		slog.String("unit_id", unit.UnitID),
		slog.String("brand_id", unit.BrandID),
		slog.String("capability", string(unit.Capability)),
		slog.String("endpoint", result.Endpoint),
	)

	w.publish(ctx, domain.Event{
		Kind:       domain.EventUnitCompleted,
		UnitID:     unit.UnitID,
		BrandID:    unit.BrandID,
		Capability: unit.Capability,
		At:         w.now(),
	})
}

// handleFailure consults the retry policy after a failed attempt and moves
// the unit to its next state: re-armed pending, failed, or escalated.
func (w *Worker) handleFailure(ctx context.Context, unit *domain.ScheduledUnit, cause domain.FailureCause, errMsg string) {
	attempts := unit.Attempts + 1

	if !retry.Retryable(cause) {
		w.logger.Warn("Unit failed with non-retryable cause",
			slog.String("unit_id", unit.UnitID),
			slog.String("cause", string(cause)),
			slog.Int("attempts", attempts),
		)
		if err := w.store.MarkFailed(ctx, unit.UnitID, attempts, cause, errMsg); err != nil {
			w.logger.Error("Failed to mark unit failed",
				slog.String("unit_id", unit.UnitID),
				slog.Any("error", err),
			)
		}
		return
	}

	// Deferred cancellation: the current attempt resolved, skip the re-arm.
	if canceled, err := w.store.CancelRequested(ctx, unit.UnitID); err == nil && canceled {
		w.failCanceled(ctx, unit)
		return
	}

	decision := retry.Next(attempts)

	if decision.Escalate {
		w.logger.Error("Unit escalated after exhausting retries",
			slog.String("unit_id", unit.UnitID),
			slog.String("brand_id", unit.BrandID),
			slog.Int("attempts", attempts),
			slog.String("cause", string(cause)),
		)
		if err := w.store.MarkEscalated(ctx, unit.UnitID, attempts, cause, errMsg); err != nil {
			w.logger.Error("Failed to mark unit escalated",
				slog.String("unit_id", unit.UnitID),
				slog.Any("error", err),
			)
		}
		w.publish(ctx, domain.Event{
			Kind:       domain.EventUnitEscalated,
			UnitID:     unit.UnitID,
			BrandID:    unit.BrandID,
			Capability: unit.Capability,
			Cause:      cause,
			At:         w.now(),
		})
		return
	}

	nextAttemptAt := w.now().Add(decision.Delay)
	w.logger.Warn("Unit attempt failed, re-arming",
		slog.String("unit_id", unit.UnitID),
		slog.String("cause", string(cause)),
		slog.Int("attempts", attempts),
		slog.Duration("delay", decision.Delay),
		slog.Time("next_attempt_at", nextAttemptAt),
	)
	if err := w.store.RearmUnit(ctx, unit.UnitID, attempts, nextAttemptAt, cause, errMsg); err != nil {
		w.logger.Error("Failed to re-arm unit",
			slog.String("unit_id", unit.UnitID),
			slog.Any("error", err),
		)
		return
	}

	if decision.NotifyAdmin {
		w.publish(ctx, domain.Event{
			Kind:       domain.EventAdminNotify,
			UnitID:     unit.UnitID,
			BrandID:    unit.BrandID,
			Capability: unit.Capability,
			Cause:      cause,
			At:         w.now(),
		})
	}
}

func (w *Worker) failCanceled(ctx context.Context, unit *domain.ScheduledUnit) {
	w.logger.Info("Unit canceled",
		slog.String("unit_id", unit.UnitID),
		slog.String("brand_id", unit.BrandID),
	)
	if err := w.store.MarkFailed(ctx, unit.UnitID, unit.Attempts, domain.CauseCanceled, "canceled by owner"); err != nil {
		w.logger.Error("Failed to mark unit canceled",
			slog.String("unit_id", unit.UnitID),
			slog.Any("error", err),
		)
	}
}

// publish emits an event, fire and forget.
func (w *Worker) publish(ctx context.Context, event domain.Event) {
	if w.events == nil {
		return
	}
	if err := w.events.Publish(ctx, event); err != nil {
		w.logger.Warn("Failed to publish event",
			slog.String("kind", string(event.Kind)),
			slog.String("unit_id", event.UnitID),
			slog.Any("error", err),
		)
	}
}
