package quota

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brandpulse/automation-be/internal/engine/domain"
)

// memStore mirrors the Postgres implementation: seed on first reference,
// then a conditional decrement under a single lock.
type memStore struct {
	mu       sync.Mutex
	balances map[string]int
	failing  bool
}

func newMemStore() *memStore {
	return &memStore{balances: make(map[string]int)}
}

func (m *memStore) key(brandID string, c domain.Capability) string {
	return brandID + "/" + string(c)
}

func (m *memStore) ConsumeCredit(_ context.Context, brandID string, c domain.Capability, def int) (bool, int, error) {
	if m.failing {
		return false, 0, errors.New("connection refused")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	k := m.key(brandID, c)
	if _, ok := m.balances[k]; !ok {
		m.balances[k] = def
	}
	if m.balances[k] <= 0 {
		return false, m.balances[k], nil
	}
	m.balances[k]--
	return true, m.balances[k], nil
}

func (m *memStore) RefundCredit(_ context.Context, brandID string, c domain.Capability) error {
	if m.failing {
		return errors.New("connection refused")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[m.key(brandID, c)]++
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestTryConsume_ThreeCreditScenario(t *testing.T) {
	ledger := NewLedger(newMemStore(), 3, testLogger())
	ctx := context.Background()

	for i, wantRemaining := range []int{2, 1, 0} {
		d, err := ledger.TryConsume(ctx, "brand-1", domain.CapabilityImageGeneration)
		require.NoError(t, err, "call %d", i+1)
		assert.True(t, d.Allowed, "call %d", i+1)
		assert.Equal(t, wantRemaining, d.Remaining, "call %d", i+1)
	}

	d, err := ledger.TryConsume(ctx, "brand-1", domain.CapabilityImageGeneration)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 0, d.Remaining)
}

func TestTryConsume_PerCapabilityBalances(t *testing.T) {
	ledger := NewLedger(newMemStore(), 1, testLogger())
	ctx := context.Background()

	d, err := ledger.TryConsume(ctx, "brand-1", domain.CapabilityImageGeneration)
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	// A different capability has its own allowance.
	d, err = ledger.TryConsume(ctx, "brand-1", domain.CapabilityTextReply)
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	d, err = ledger.TryConsume(ctx, "brand-1", domain.CapabilityImageGeneration)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
}

func TestTryConsume_ConcurrentNoDoubleSpend(t *testing.T) {
	const credits = 5
	const callers = 40

	ledger := NewLedger(newMemStore(), credits, testLogger())
	ctx := context.Background()

	var wg sync.WaitGroup
	allowed := make(chan bool, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := ledger.TryConsume(ctx, "brand-1", domain.CapabilityTextReply)
			require.NoError(t, err)
			allowed <- d.Allowed
		}()
	}
	wg.Wait()
	close(allowed)

	granted := 0
	for ok := range allowed {
		if ok {
			granted++
		}
	}
	assert.Equal(t, credits, granted, "exactly N paid operations for N credits")
}

func TestTryConsume_StorageFailureFailsClosed(t *testing.T) {
	store := newMemStore()
	store.failing = true
	ledger := NewLedger(store, 3, testLogger())

	d, err := ledger.TryConsume(context.Background(), "brand-1", domain.CapabilityImageGeneration)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrStorageUnavailable)
	assert.False(t, d.Allowed)
}

func TestRefund_RestoresCredit(t *testing.T) {
	ledger := NewLedger(newMemStore(), 1, testLogger())
	ctx := context.Background()

	d, err := ledger.TryConsume(ctx, "brand-1", domain.CapabilityImageGeneration)
	require.NoError(t, err)
	require.True(t, d.Allowed)

	require.NoError(t, ledger.Refund(ctx, "brand-1", domain.CapabilityImageGeneration))

	d, err = ledger.TryConsume(ctx, "brand-1", domain.CapabilityImageGeneration)
	require.NoError(t, err)
	assert.True(t, d.Allowed, "refunded credit is spendable again")
}
