// Package worker executes scheduled units: quota pre-check, provider
// invocation, verification, and retry/escalation bookkeeping.
package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/brandpulse/automation-be/internal/engine/domain"
	"github.com/brandpulse/automation-be/internal/engine/quota"
)

// UnitStore is the unit state machine persistence the worker drives. Claim
// must be a conditional pending→in-progress transition so one unit is never
// held by two workers at once.
type UnitStore interface {
	ClaimDueUnit(ctx context.Context, now time.Time, workerID string) (*domain.ScheduledUnit, error)
	RearmUnit(ctx context.Context, unitID string, attempts int, nextAttemptAt time.Time, cause domain.FailureCause, lastErr string) error
	MarkSucceeded(ctx context.Context, unitID string, result *domain.ProviderResult) error
	MarkFailed(ctx context.Context, unitID string, attempts int, cause domain.FailureCause, lastErr string) error
	MarkEscalated(ctx context.Context, unitID string, attempts int, cause domain.FailureCause, lastErr string) error
	CancelRequested(ctx context.Context, unitID string) (bool, error)
	InsertAssetRecord(ctx context.Context, asset *domain.AssetRecord) error
}

// Gateway invokes a capability through its provider fallback chain.
type Gateway interface {
	Invoke(ctx context.Context, capability domain.Capability, payload json.RawMessage) (*domain.ProviderResult, error)
}

// CreditLedger reserves and releases brand credits.
type CreditLedger interface {
	TryConsume(ctx context.Context, brandID string, capability domain.Capability) (quota.Decision, error)
	Refund(ctx context.Context, brandID string, capability domain.Capability) error
}

// Verifier confirms a provider result before a unit completes.
type Verifier interface {
	Verify(ctx context.Context, unit *domain.ScheduledUnit, result *domain.ProviderResult) error
}

// EventPublisher emits completion and escalation events.
type EventPublisher interface {
	Publish(ctx context.Context, event domain.Event) error
}

// Config holds worker configuration.
type Config struct {
	Logger       *slog.Logger
	Store        UnitStore
	Gateway      Gateway
	Ledger       CreditLedger
	Verifier     Verifier
	Events       EventPublisher
	WorkerID     string
	Concurrency  int
	PollInterval time.Duration
	// UnitTimeout bounds one full attempt (provider call + verification).
	UnitTimeout time.Duration
}

// Worker is the execution engine's worker pool.
type Worker struct {
	logger       *slog.Logger
	store        UnitStore
	gateway      Gateway
	ledger       CreditLedger
	verifier     Verifier
	events       EventPublisher
	workerID     string
	concurrency  int
	pollInterval time.Duration
	unitTimeout  time.Duration

	unitsChan chan *domain.ScheduledUnit
	stopChan  chan struct{}
	wg        sync.WaitGroup
	now       func() time.Time
}

// NewWorker creates a worker pool instance.
func NewWorker(cfg *Config) *Worker {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	unitTimeout := cfg.UnitTimeout
	if unitTimeout <= 0 {
		unitTimeout = 2 * time.Minute
	}

	return &Worker{
		logger:       cfg.Logger,
		store:        cfg.Store,
		gateway:      cfg.Gateway,
		ledger:       cfg.Ledger,
		verifier:     cfg.Verifier,
		events:       cfg.Events,
		workerID:     cfg.WorkerID,
		concurrency:  concurrency,
		pollInterval: pollInterval,
		unitTimeout:  unitTimeout,
		unitsChan:    make(chan *domain.ScheduledUnit),
		stopChan:     make(chan struct{}),
		now:          time.Now,
	}
}

// Start spawns the pool and dispatches due units until ctx is canceled.
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Starting execution worker",
		slog.String("worker_id", w.workerID),
		slog.Int("concurrency", w.concurrency),
		slog.Duration("poll_interval", w.pollInterval),
		slog.Duration("unit_timeout", w.unitTimeout),
	)

	w.spawnPool(ctx)
	w.dispatch(ctx)

	return nil
}

// Stop drains the pool and waits for in-flight units to resolve.
func (w *Worker) Stop() {
	w.logger.Info("Stopping execution worker", slog.String("worker_id", w.workerID))
	close(w.stopChan)
	w.wg.Wait()
	w.logger.Info("Execution worker stopped", slog.String("worker_id", w.workerID))
}

// dispatch claims due units and feeds them to the pool. The claim itself
// is the serialization point per unit; distinct units for distinct brands
// run in parallel freely.
func (w *Worker) dispatch(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Dispatcher stopped - context canceled")
			return
		case <-w.stopChan:
			w.logger.Info("Dispatcher stopped")
			return
		case now := <-ticker.C:
			w.claimDue(ctx, now)
		}
	}
}

// claimDue drains everything currently due.
func (w *Worker) claimDue(ctx context.Context, now time.Time) {
	for {
		unit, err := w.store.ClaimDueUnit(ctx, now, w.workerID)
		if err != nil {
			if err != domain.ErrNoneDue {
				w.logger.Error("Failed to claim due unit", slog.Any("error", err))
			}
			return
		}

		select {
		case w.unitsChan <- unit:
		case <-ctx.Done():
			return
		case <-w.stopChan:
			return
		}
	}
}

// spawnPool starts N executor goroutines draining unitsChan.
func (w *Worker) spawnPool(ctx context.Context) {
	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.executorLoop(ctx, i)
	}
	w.logger.Info("Worker pool spawned", slog.Int("worker_count", w.concurrency))
}

func (w *Worker) executorLoop(ctx context.Context, workerNum int) {
	defer w.wg.Done()

	for {
		select {
		case <-w.stopChan:
			return
		case <-ctx.Done():
			return
		case unit := <-w.unitsChan:
			w.logger.Info("Executing unit",
				slog.Int("worker_num", workerNum),
				slog.String("unit_id", unit.UnitID),
				slog.String("brand_id", unit.BrandID),
				slog.String("capability", string(unit.Capability)),
				slog.Int("attempts", unit.Attempts),
			)
			w.executeUnit(ctx, unit)
		}
	}
}
