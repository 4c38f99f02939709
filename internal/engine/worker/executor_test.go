package worker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brandpulse/automation-be/internal/engine/domain"
	"github.com/brandpulse/automation-be/internal/engine/quota"
)

type rearmCall struct {
	attempts int
	nextAt   time.Time
	cause    domain.FailureCause
}

type fakeStore struct {
	mu        sync.Mutex
	rearms    []rearmCall
	assets    []*domain.AssetRecord
	succeeded []string
	failed    map[string]domain.FailureCause
	failedAt  map[string]int
	escalated map[string]int
	canceled  map[string]bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		failed:    make(map[string]domain.FailureCause),
		failedAt:  make(map[string]int),
		escalated: make(map[string]int),
		canceled:  make(map[string]bool),
	}
}

func (f *fakeStore) ClaimDueUnit(context.Context, time.Time, string) (*domain.ScheduledUnit, error) {
	return nil, domain.ErrNoneDue
}

func (f *fakeStore) RearmUnit(_ context.Context, unitID string, attempts int, nextAt time.Time, cause domain.FailureCause, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rearms = append(f.rearms, rearmCall{attempts: attempts, nextAt: nextAt, cause: cause})
	return nil
}

func (f *fakeStore) MarkSucceeded(_ context.Context, unitID string, _ *domain.ProviderResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.succeeded = append(f.succeeded, unitID)
	return nil
}

func (f *fakeStore) MarkFailed(_ context.Context, unitID string, attempts int, cause domain.FailureCause, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed[unitID] = cause
	f.failedAt[unitID] = attempts
	return nil
}

func (f *fakeStore) MarkEscalated(_ context.Context, unitID string, attempts int, _ domain.FailureCause, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.escalated[unitID] = attempts
	return nil
}

func (f *fakeStore) CancelRequested(_ context.Context, unitID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.canceled[unitID], nil
}

func (f *fakeStore) InsertAssetRecord(_ context.Context, asset *domain.AssetRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.assets = append(f.assets, asset)
	return nil
}

type fakeGateway struct {
	result *domain.ProviderResult
	err    error
	calls  int
}

func (f *fakeGateway) Invoke(context.Context, domain.Capability, json.RawMessage) (*domain.ProviderResult, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

type fakeLedger struct {
	allowed  bool
	err      error
	consumes int
	refunds  int
}

func (f *fakeLedger) TryConsume(context.Context, string, domain.Capability) (quota.Decision, error) {
	f.consumes++
	if f.err != nil {
		return quota.Decision{}, f.err
	}
	return quota.Decision{Allowed: f.allowed, Remaining: 0}, nil
}

func (f *fakeLedger) Refund(context.Context, string, domain.Capability) error {
	f.refunds++
	return nil
}

type fakeVerifier struct {
	err error
}

func (f *fakeVerifier) Verify(context.Context, *domain.ScheduledUnit, *domain.ProviderResult) error {
	return f.err
}

type fakeEvents struct {
	mu     sync.Mutex
	events []domain.Event
}

func (f *fakeEvents) Publish(_ context.Context, e domain.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, e)
	return nil
}

func (f *fakeEvents) kinds() []domain.EventKind {
	f.mu.Lock()
	defer f.mu.Unlock()
	kinds := make([]domain.EventKind, len(f.events))
	for i, e := range f.events {
		kinds[i] = e.Kind
	}
	return kinds
}

type testRig struct {
	worker  *Worker
	store   *fakeStore
	gateway *fakeGateway
	ledger  *fakeLedger
	verify  *fakeVerifier
	events  *fakeEvents
	now     time.Time
}

func newRig(t *testing.T) *testRig {
	t.Helper()
	rig := &testRig{
		store:   newFakeStore(),
		gateway: &fakeGateway{result: &domain.ProviderResult{Text: "ok"}},
		ledger:  &fakeLedger{allowed: true},
		verify:  &fakeVerifier{},
		events:  &fakeEvents{},
		now:     time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC),
	}
	rig.worker = NewWorker(&Config{
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Store:    rig.store,
		Gateway:  rig.gateway,
		Ledger:   rig.ledger,
		Verifier: rig.verify,
		Events:   rig.events,
		WorkerID: "wrk-test",
	})
	rig.worker.now = func() time.Time { return rig.now }
	return rig
}

func imageUnit(attempts int) *domain.ScheduledUnit {
	return &domain.ScheduledUnit{
		UnitID:     "unit-img",
		BrandID:    "brand-1",
		Capability: domain.CapabilityImageGeneration,
		Payload:    json.RawMessage(`{"prompt":"logo"}`),
		Status:     domain.StatusInProgress,
		Attempts:   attempts,
	}
}

func TestExecuteUnit_SuccessPersistsAssetAndCompletes(t *testing.T) {
	rig := newRig(t)
	rig.gateway.result = &domain.ProviderResult{
		Data:        []byte{1, 2, 3},
		ContentType: "image/png",
	}

	rig.worker.executeUnit(context.Background(), imageUnit(0))

	assert.Equal(t, 1, rig.ledger.consumes)
	assert.Equal(t, 0, rig.ledger.refunds, "successful call keeps the credit")
	require.Len(t, rig.store.assets, 1)
	assert.Equal(t, "image/png", rig.store.assets[0].ContentType)
	assert.Equal(t, []string{"unit-img"}, rig.store.succeeded)
	assert.Equal(t, []domain.EventKind{domain.EventUnitCompleted}, rig.events.kinds())
}

func TestExecuteUnit_QuotaExhaustedFailsWithoutRetryOrCredit(t *testing.T) {
	rig := newRig(t)
	rig.ledger.allowed = false

	rig.worker.executeUnit(context.Background(), imageUnit(0))

	assert.Equal(t, 0, rig.gateway.calls, "paid call never happens")
	assert.Equal(t, domain.CauseQuotaExhausted, rig.store.failed["unit-img"])
	assert.Equal(t, 0, rig.store.failedAt["unit-img"], "no retry attempt consumed")
	assert.Empty(t, rig.store.rearms)
	assert.Equal(t, 0, rig.ledger.refunds)
}

func TestExecuteUnit_TransientFailureRearmsAndRefunds(t *testing.T) {
	rig := newRig(t)
	rig.gateway.err = domain.NewProviderFailure(domain.CauseRateLimited, errors.New("429"))

	rig.worker.executeUnit(context.Background(), imageUnit(0))

	assert.Equal(t, 1, rig.ledger.refunds, "failed paid call releases the credit")
	require.Len(t, rig.store.rearms, 1)
	re := rig.store.rearms[0]
	assert.Equal(t, 1, re.attempts)
	assert.Equal(t, rig.now.Add(30*time.Second), re.nextAt)
	assert.Equal(t, domain.CauseRateLimited, re.cause)
	assert.Empty(t, rig.store.failed)
}

func TestExecuteUnit_BackoffScheduleAcrossAttempts(t *testing.T) {
	rig := newRig(t)
	rig.gateway.err = domain.NewProviderFailure(domain.CauseProviderError, errors.New("503"))

	wantDelays := []time.Duration{30 * time.Second, 5 * time.Minute, time.Hour}
	for attempts := 0; attempts < 3; attempts++ {
		rig.worker.executeUnit(context.Background(), imageUnit(attempts))
	}

	require.Len(t, rig.store.rearms, 3)
	for i, want := range wantDelays {
		assert.Equal(t, rig.now.Add(want), rig.store.rearms[i].nextAt, "re-arm %d", i+1)
	}

	// The final re-arm carries the notify-admin side signal.
	assert.Equal(t, []domain.EventKind{domain.EventAdminNotify}, rig.events.kinds())

	// Fourth failed attempt escalates instead of re-arming.
	rig.worker.executeUnit(context.Background(), imageUnit(3))
	assert.Equal(t, 4, rig.store.escalated["unit-img"])
	assert.Len(t, rig.store.rearms, 3, "no fifth attempt is armed")
	assert.Equal(t,
		[]domain.EventKind{domain.EventAdminNotify, domain.EventUnitEscalated},
		rig.events.kinds())
}

func TestExecuteUnit_MalformedResponseFailsWithoutRetry(t *testing.T) {
	rig := newRig(t)
	rig.gateway.err = domain.NewProviderFailure(domain.CauseMalformedResponse, errors.New("bad body"))

	rig.worker.executeUnit(context.Background(), imageUnit(0))

	assert.Equal(t, domain.CauseMalformedResponse, rig.store.failed["unit-img"])
	assert.Empty(t, rig.store.rearms)
	assert.Equal(t, 1, rig.ledger.refunds)
}

func TestExecuteUnit_LedgerStorageFailureRetriesAsTransient(t *testing.T) {
	rig := newRig(t)
	rig.ledger.err = domain.ErrStorageUnavailable

	rig.worker.executeUnit(context.Background(), imageUnit(0))

	assert.Equal(t, 0, rig.gateway.calls, "fail closed: no paid call")
	require.Len(t, rig.store.rearms, 1)
	assert.Equal(t, domain.CauseStorageUnavailable, rig.store.rearms[0].cause)
}

func TestExecuteUnit_VerificationFailureEndsFailedNotSucceeded(t *testing.T) {
	rig := newRig(t)
	unit := &domain.ScheduledUnit{
		UnitID:     "unit-pub",
		BrandID:    "brand-1",
		Capability: domain.CapabilitySocialPublish,
		Payload:    json.RawMessage(`{"message":"hi","platform":"x"}`),
		Status:     domain.StatusInProgress,
	}
	rig.gateway.result = &domain.ProviderResult{Reference: "pst_1"}
	rig.verify.err = domain.NewProviderFailure(domain.CauseProviderError, errors.New("publish not confirmed within 30s"))

	rig.worker.executeUnit(context.Background(), unit)

	assert.Empty(t, rig.store.succeeded)
	assert.Equal(t, domain.CauseProviderError, rig.store.failed["unit-pub"])
	assert.Empty(t, rig.store.rearms, "verification failure is terminal")
}

func TestExecuteUnit_PublishSkipsLedger(t *testing.T) {
	rig := newRig(t)
	unit := &domain.ScheduledUnit{
		UnitID:     "unit-pub",
		BrandID:    "brand-1",
		Capability: domain.CapabilitySocialPublish,
		Payload:    json.RawMessage(`{"message":"hi","platform":"x"}`),
		Status:     domain.StatusInProgress,
	}
	rig.gateway.result = &domain.ProviderResult{Reference: "pst_1"}

	rig.worker.executeUnit(context.Background(), unit)

	assert.Equal(t, 0, rig.ledger.consumes, "publishing is not metered")
	assert.Equal(t, []string{"unit-pub"}, rig.store.succeeded)
	assert.Empty(t, rig.store.assets, "publish units produce no asset record")
}

func TestExecuteUnit_CancelBeforeAttempt(t *testing.T) {
	rig := newRig(t)
	unit := imageUnit(0)
	unit.CancelRequested = true

	rig.worker.executeUnit(context.Background(), unit)

	assert.Equal(t, 0, rig.gateway.calls)
	assert.Equal(t, 0, rig.ledger.consumes)
	assert.Equal(t, domain.CauseCanceled, rig.store.failed["unit-img"])
}

func TestExecuteUnit_DeferredCancelSkipsRearm(t *testing.T) {
	rig := newRig(t)
	rig.gateway.err = domain.NewProviderFailure(domain.CauseProviderError, errors.New("503"))
	rig.store.canceled["unit-img"] = true

	rig.worker.executeUnit(context.Background(), imageUnit(0))

	assert.Empty(t, rig.store.rearms, "cancellation observed after the attempt skips the re-arm")
	assert.Equal(t, domain.CauseCanceled, rig.store.failed["unit-img"])
}

func TestExecuteUnit_TextReplyAssetFromNormalizedText(t *testing.T) {
	rig := newRig(t)
	unit := &domain.ScheduledUnit{
		UnitID:     "unit-txt",
		BrandID:    "brand-1",
		Capability: domain.CapabilityTextReply,
		Payload:    json.RawMessage(`{"prompt":"reply to this"}`),
		Status:     domain.StatusInProgress,
	}
	rig.gateway.result = &domain.ProviderResult{Text: `{"reply":"thanks!"}`}

	rig.worker.executeUnit(context.Background(), unit)

	require.Len(t, rig.store.assets, 1)
	assert.Equal(t, "text/plain", rig.store.assets[0].ContentType)
	assert.Equal(t, []byte(`{"reply":"thanks!"}`), rig.store.assets[0].Content)
}
