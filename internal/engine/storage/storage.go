// Package storage is the Postgres persistence layer for the execution
// engine: units, credit balances, asset records, and brand identities.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/brandpulse/automation-be/internal/engine/domain"
	"github.com/brandpulse/automation-be/shared/postgresql"
)

// Storage handles all engine database operations.
type Storage struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStorage creates a Storage backed by the shared PostgreSQL client.
func NewStorage(pg *postgresql.Client, logger *slog.Logger) *Storage {
	return &Storage{
		db:     pg.GetDB(),
		logger: logger,
	}
}

const unitColumns = `
	unit_id, campaign_id, brand_id, capability, payload,
	scheduled_at, next_attempt_at, attempts, status,
	COALESCE(failure_cause, '') AS failure_cause,
	COALESCE(last_error, '') AS last_error,
	cancel_requested,
	COALESCE(worker_id, '') AS worker_id,
	created_at, updated_at
`

// InsertUnit persists a pending unit. The deterministic unit id makes this
// idempotent: re-inserting an existing id is a no-op and reports
// created=false.
func (s *Storage) InsertUnit(ctx context.Context, unit *domain.ScheduledUnit) (bool, error) {
	query := `
		INSERT INTO scheduled_units (
			unit_id, campaign_id, brand_id, capability, payload,
			scheduled_at, next_attempt_at, attempts, status
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (unit_id) DO NOTHING
	`

	res, err := s.db.ExecContext(ctx, query,
		unit.UnitID,
		unit.CampaignID,
		unit.BrandID,
		unit.Capability,
		unit.Payload,
		unit.ScheduledAt,
		unit.NextAttemptAt,
		unit.Attempts,
		unit.Status,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert unit: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read insert result: %w", err)
	}
	return n > 0, nil
}

// GetUnitByID fetches one unit.
func (s *Storage) GetUnitByID(ctx context.Context, unitID string) (*domain.ScheduledUnit, error) {
	query := `SELECT ` + unitColumns + ` FROM scheduled_units WHERE unit_id = $1`

	var unit domain.ScheduledUnit
	if err := s.db.GetContext(ctx, &unit, query, unitID); err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.ErrUnitNotFound
		}
		return nil, fmt.Errorf("failed to get unit: %w", err)
	}
	return &unit, nil
}

// ListCampaignUnits returns every unit materialized from one campaign.
func (s *Storage) ListCampaignUnits(ctx context.Context, campaignID string) ([]domain.ScheduledUnit, error) {
	query := `SELECT ` + unitColumns + `
		FROM scheduled_units
		WHERE campaign_id = $1
		ORDER BY scheduled_at, unit_id`

	var units []domain.ScheduledUnit
	if err := s.db.SelectContext(ctx, &units, query, campaignID); err != nil {
		return nil, fmt.Errorf("failed to list campaign units: %w", err)
	}
	return units, nil
}

// ClaimDueUnit atomically moves the oldest due pending unit to in-progress
// for this worker. SKIP LOCKED lets concurrent workers claim distinct units
// without racing; the conditional transition guarantees a unit is never in
// two executions at once.
func (s *Storage) ClaimDueUnit(ctx context.Context, now time.Time, workerID string) (*domain.ScheduledUnit, error) {
	query := `
		UPDATE scheduled_units
		SET status = $3, worker_id = $2, updated_at = NOW()
		WHERE unit_id = (
			SELECT unit_id FROM scheduled_units
			WHERE status = $4 AND next_attempt_at <= $1
			ORDER BY next_attempt_at, unit_id
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING ` + unitColumns

	var unit domain.ScheduledUnit
	err := s.db.QueryRowxContext(ctx, query, now, workerID,
		domain.StatusInProgress, domain.StatusPending).StructScan(&unit)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.ErrNoneDue
		}
		return nil, fmt.Errorf("failed to claim due unit: %w", err)
	}
	return &unit, nil
}

// RearmUnit returns a unit to pending for a later attempt.
func (s *Storage) RearmUnit(ctx context.Context, unitID string, attempts int, nextAttemptAt time.Time, cause domain.FailureCause, lastErr string) error {
	query := `
		UPDATE scheduled_units
		SET status = $2, attempts = $3, next_attempt_at = $4,
		    failure_cause = $5, last_error = $6, worker_id = NULL,
		    updated_at = NOW()
		WHERE unit_id = $1 AND status = $7
	`

	res, err := s.db.ExecContext(ctx, query, unitID, domain.StatusPending,
		attempts, nextAttemptAt, cause, lastErr, domain.StatusInProgress)
	if err != nil {
		return fmt.Errorf("failed to re-arm unit: %w", err)
	}
	return s.requireTransition(res, unitID, "re-arm")
}

// MarkSucceeded finalizes a completed unit with its result summary.
func (s *Storage) MarkSucceeded(ctx context.Context, unitID string, result *domain.ProviderResult) error {
	summary := map[string]string{
		"endpoint": result.Endpoint,
	}
	if result.Text != "" {
		summary["text"] = result.Text
	}
	if result.Reference != "" {
		summary["reference"] = result.Reference
	}
	if result.URL != "" {
		summary["url"] = result.URL
	}
	if result.ContentType != "" {
		summary["content_type"] = result.ContentType
	}
	resultJSON, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	query := `
		UPDATE scheduled_units
		SET status = $2, result = $3, failure_cause = NULL, last_error = NULL,
		    updated_at = NOW()
		WHERE unit_id = $1 AND status = $4
	`

	res, err := s.db.ExecContext(ctx, query, unitID, domain.StatusSucceeded,
		resultJSON, domain.StatusInProgress)
	if err != nil {
		return fmt.Errorf("failed to mark unit succeeded: %w", err)
	}
	return s.requireTransition(res, unitID, "succeed")
}

// MarkFailed moves a unit to its terminal failed state.
func (s *Storage) MarkFailed(ctx context.Context, unitID string, attempts int, cause domain.FailureCause, lastErr string) error {
	query := `
		UPDATE scheduled_units
		SET status = $2, attempts = $3, failure_cause = $4, last_error = $5,
		    updated_at = NOW()
		WHERE unit_id = $1 AND status IN ($6, $7)
	`

	res, err := s.db.ExecContext(ctx, query, unitID, domain.StatusFailed,
		attempts, cause, lastErr, domain.StatusPending, domain.StatusInProgress)
	if err != nil {
		return fmt.Errorf("failed to mark unit failed: %w", err)
	}
	return s.requireTransition(res, unitID, "fail")
}

// MarkEscalated finalizes a unit whose retry budget is exhausted.
func (s *Storage) MarkEscalated(ctx context.Context, unitID string, attempts int, cause domain.FailureCause, lastErr string) error {
	query := `
		UPDATE scheduled_units
		SET status = $2, attempts = $3, failure_cause = $4, last_error = $5,
		    updated_at = NOW()
		WHERE unit_id = $1 AND status = $6
	`

	res, err := s.db.ExecContext(ctx, query, unitID, domain.StatusEscalated,
		attempts, cause, lastErr, domain.StatusInProgress)
	if err != nil {
		return fmt.Errorf("failed to mark unit escalated: %w", err)
	}
	return s.requireTransition(res, unitID, "escalate")
}

// CancelUnit cancels a unit on behalf of its owner. Pending units fail
// immediately; in-progress units are flagged so the worker skips the next
// re-arm; terminal units cannot be canceled.
func (s *Storage) CancelUnit(ctx context.Context, unitID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_units
		SET status = $2, failure_cause = $3, last_error = 'canceled by owner',
		    cancel_requested = TRUE, updated_at = NOW()
		WHERE unit_id = $1 AND status = $4
	`, unitID, domain.StatusFailed, domain.CauseCanceled, domain.StatusPending)
	if err != nil {
		return fmt.Errorf("failed to cancel unit: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	res, err = s.db.ExecContext(ctx, `
		UPDATE scheduled_units
		SET cancel_requested = TRUE, updated_at = NOW()
		WHERE unit_id = $1 AND status = $2
	`, unitID, domain.StatusInProgress)
	if err != nil {
		return fmt.Errorf("failed to flag unit for cancellation: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	var exists bool
	if err := s.db.GetContext(ctx, &exists,
		`SELECT EXISTS (SELECT 1 FROM scheduled_units WHERE unit_id = $1)`, unitID); err != nil {
		return fmt.Errorf("failed to check unit: %w", err)
	}
	if !exists {
		return domain.ErrUnitNotFound
	}
	return domain.ErrUnitNotCancelable
}

// CancelRequested reports whether the owner asked for cancellation while
// the unit was in flight.
func (s *Storage) CancelRequested(ctx context.Context, unitID string) (bool, error) {
	var requested bool
	err := s.db.GetContext(ctx, &requested,
		`SELECT cancel_requested FROM scheduled_units WHERE unit_id = $1`, unitID)
	if err != nil {
		if err == sql.ErrNoRows {
			return false, domain.ErrUnitNotFound
		}
		return false, fmt.Errorf("failed to read cancel flag: %w", err)
	}
	return requested, nil
}

// RecoverStaleUnits re-arms in-progress units abandoned by a crashed
// worker. Called at worker startup.
func (s *Storage) RecoverStaleUnits(ctx context.Context, olderThan time.Duration) (int, error) {
	query := `
		UPDATE scheduled_units
		SET status = $1, worker_id = NULL, updated_at = NOW()
		WHERE status = $2 AND updated_at < NOW() - $3::interval
	`

	res, err := s.db.ExecContext(ctx, query, domain.StatusPending,
		domain.StatusInProgress, fmt.Sprintf("%d seconds", int(olderThan.Seconds())))
	if err != nil {
		return 0, fmt.Errorf("failed to recover stale units: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ConsumeCredit seeds the balance row on first reference, then performs a
// single conditional decrement. The row lock taken by the UPDATE is what
// prevents two callers from spending the last credit.
func (s *Storage) ConsumeCredit(ctx context.Context, brandID string, capability domain.Capability, defaultAllowance int) (bool, int, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO credit_balances (brand_id, capability, remaining)
		VALUES ($1, $2, $3)
		ON CONFLICT (brand_id, capability) DO NOTHING
	`, brandID, capability, defaultAllowance)
	if err != nil {
		return false, 0, fmt.Errorf("failed to seed credit balance: %w", err)
	}

	var remaining int
	err = tx.QueryRowContext(ctx, `
		UPDATE credit_balances
		SET remaining = remaining - 1, updated_at = NOW()
		WHERE brand_id = $1 AND capability = $2 AND remaining > 0
		RETURNING remaining
	`, brandID, capability).Scan(&remaining)

	allowed := true
	if err == sql.ErrNoRows {
		allowed = false
		err = tx.QueryRowContext(ctx, `
			SELECT remaining FROM credit_balances
			WHERE brand_id = $1 AND capability = $2
		`, brandID, capability).Scan(&remaining)
	}
	if err != nil {
		return false, 0, fmt.Errorf("failed to consume credit: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, 0, fmt.Errorf("failed to commit credit consume: %w", err)
	}
	return allowed, remaining, nil
}

// RefundCredit releases a reserved credit after a failed paid call.
func (s *Storage) RefundCredit(ctx context.Context, brandID string, capability domain.Capability) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE credit_balances
		SET remaining = remaining + 1, updated_at = NOW()
		WHERE brand_id = $1 AND capability = $2
	`, brandID, capability)
	if err != nil {
		return fmt.Errorf("failed to refund credit: %w", err)
	}
	return nil
}

// GetCreditBalance reads the remaining allowance for UI display.
func (s *Storage) GetCreditBalance(ctx context.Context, brandID string, capability domain.Capability, defaultAllowance int) (int, error) {
	var remaining int
	err := s.db.GetContext(ctx, &remaining, `
		SELECT remaining FROM credit_balances
		WHERE brand_id = $1 AND capability = $2
	`, brandID, capability)
	if err == sql.ErrNoRows {
		return defaultAllowance, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get credit balance: %w", err)
	}
	return remaining, nil
}

// InsertAssetRecord persists a produced asset.
func (s *Storage) InsertAssetRecord(ctx context.Context, asset *domain.AssetRecord) error {
	query := `
		INSERT INTO asset_records (
			asset_id, brand_id, unit_id, capability, content_type, content, url
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err := s.db.ExecContext(ctx, query,
		asset.AssetID,
		asset.BrandID,
		asset.UnitID,
		asset.Capability,
		asset.ContentType,
		asset.Content,
		asset.URL,
	)
	if err != nil {
		return fmt.Errorf("failed to insert asset record: %w", err)
	}
	return nil
}

// GetBrandByAPIKey resolves an API key to a brand identity.
func (s *Storage) GetBrandByAPIKey(ctx context.Context, apiKey string) (*domain.Brand, error) {
	var brand domain.Brand
	err := s.db.GetContext(ctx, &brand, `
		SELECT brand_id, name, api_key, created_at
		FROM brands WHERE api_key = $1
	`, apiKey)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.ErrBrandNotFound
		}
		return nil, fmt.Errorf("failed to get brand: %w", err)
	}
	return &brand, nil
}

// requireTransition flags transitions that matched no row: either the unit
// vanished or it already reached a terminal state, which is immutable.
func (s *Storage) requireTransition(res sql.Result, unitID, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		s.logger.Warn("Unit transition matched no row",
			slog.String("unit_id", unitID),
			slog.String("op", op),
		)
		return fmt.Errorf("%s: unit %s not in expected state", op, unitID)
	}
	return nil
}
