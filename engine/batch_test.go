package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/satswap/p2p-swap-bot/config"
	"github.com/satswap/p2p-swap-bot/models"
)

// queueDeals runs n independent deals to ready_for_batch. User IDs are
// derived from the index so each deal has its own pair.
func queueDeals(t *testing.T, h *harness, n int, amount int64) []*models.Deal {
	t.Helper()
	deals := make([]*models.Deal, n)
	for i := 0; i < n; i++ {
		seller := int64(1000 + i*2)
		buyer := int64(1001 + i*2)
		deals[i] = h.dealAt(t, seller, buyer, amount, models.DealReadyForBatch)
	}
	return deals
}

func TestBatchFlushesAtMinSize(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	deals := queueDeals(t, h, 3, 10000)
	h.notifier.reset()

	h.engine.batchSweep(ctx)

	require.Len(t, h.sender.calls, 1)
	require.Len(t, h.sender.outputs[0], 3)

	for _, d := range deals {
		got := h.reload(t, d.ID)
		assert.Equal(t, models.DealCompleted, got.Status)
		assert.NotEmpty(t, got.PayoutRef)
		assert.NotEmpty(t, got.BatchID)
	}

	// Both parties of every member hear about the payout.
	assert.Len(t, h.notifier.byKind(KindBatchSent), 6)

	batch, err := h.store.PendingBatch()
	require.NoError(t, err)
	assert.Nil(t, batch)
}

func TestBatchWaitsBelowMinSize(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	queueDeals(t, h, 2, 10000)
	h.engine.batchSweep(ctx)

	assert.Empty(t, h.sender.calls)
}

func TestBatchFlushesOnAge(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	deals := queueDeals(t, h, 1, 10000)

	h.engine.batchSweep(ctx)
	require.Empty(t, h.sender.calls)

	h.advance(61 * time.Minute)
	h.engine.batchSweep(ctx)

	require.Len(t, h.sender.calls, 1)
	got := h.reload(t, deals[0].ID)
	assert.Equal(t, models.DealCompleted, got.Status)
}

func TestBatchPayoutFailureRetriesSameBatch(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	deals := queueDeals(t, h, 3, 10000)
	h.sender.failures = 1

	h.engine.batchSweep(ctx)

	// Send failed: batch stays pending, members stay queued and stamped.
	require.Len(t, h.sender.calls, 1)
	pending, err := h.store.PendingBatch()
	require.NoError(t, err)
	require.NotNil(t, pending)
	for _, d := range deals {
		got := h.reload(t, d.ID)
		assert.Equal(t, models.DealReadyForBatch, got.Status)
		assert.Equal(t, pending.ID, got.BatchID)
	}

	// Next tick retries the same batch under the same idempotency key.
	h.engine.batchSweep(ctx)
	require.Len(t, h.sender.calls, 2)
	assert.Equal(t, h.sender.calls[0], h.sender.calls[1])

	for _, d := range deals {
		got := h.reload(t, d.ID)
		assert.Equal(t, models.DealCompleted, got.Status)
	}
}

func TestBatchRecoveryPrecedesNewBatches(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	queueDeals(t, h, 3, 10000)
	h.sender.failures = 1
	h.engine.batchSweep(ctx)

	// Three more deals queue up behind the stuck batch.
	for i := 0; i < 3; i++ {
		seller := int64(2000 + i*2)
		buyer := int64(2001 + i*2)
		h.dealAt(t, seller, buyer, 100000, models.DealReadyForBatch)
	}

	h.engine.batchSweep(ctx)
	require.Len(t, h.sender.calls, 2)
	assert.Equal(t, h.sender.calls[0], h.sender.calls[1],
		"the stuck batch is retried before any new batch forms")
	require.Len(t, h.sender.outputs[1], 3)
}

func TestBatchOutputsGroupedByTier(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.dealAt(t, 1000, 1001, 100000, models.DealReadyForBatch)
	h.dealAt(t, 1002, 1003, 10000, models.DealReadyForBatch)
	h.dealAt(t, 1004, 1005, 100000, models.DealReadyForBatch)

	h.engine.batchSweep(ctx)

	require.Len(t, h.sender.outputs, 1)
	outputs := h.sender.outputs[0]
	require.Len(t, outputs, 3)
	assert.Equal(t, int64(10000), outputs[0].Amount)
	assert.Equal(t, int64(100000), outputs[1].Amount)
	assert.Equal(t, int64(100000), outputs[2].Amount)
	for _, o := range outputs {
		assert.Equal(t, sellerAddr, o.Address)
	}
}

func TestHourlyPolicyFlushesOnTheHour(t *testing.T) {
	h := newHarness(t)
	h.cfg.BatchPolicy = config.BatchPolicyHourly
	ctx := context.Background()

	// h.now starts exactly on the hour; move off it before queueing.
	h.advance(10 * time.Minute)
	deals := queueDeals(t, h, 1, 10000)

	h.advance(20 * time.Minute) // :30
	h.engine.batchSweep(ctx)
	assert.Empty(t, h.sender.calls)

	h.advance(30 * time.Minute) // next :00
	h.engine.batchSweep(ctx)
	require.Len(t, h.sender.calls, 1)

	got := h.reload(t, deals[0].ID)
	assert.Equal(t, models.DealCompleted, got.Status)
}

func TestHourlyPolicyCutoffRollsLateDeals(t *testing.T) {
	h := newHarness(t)
	h.cfg.BatchPolicy = config.BatchPolicyHourly
	ctx := context.Background()

	h.advance(55 * time.Minute) // :55, inside the cutoff
	deals := queueDeals(t, h, 1, 10000)

	h.advance(5 * time.Minute) // :00
	h.engine.batchSweep(ctx)
	assert.Empty(t, h.sender.calls, "deals queued after the cutoff wait for the next slot")

	h.advance(time.Hour) // next :00
	h.engine.batchSweep(ctx)
	require.Len(t, h.sender.calls, 1)

	got := h.reload(t, deals[0].ID)
	assert.Equal(t, models.DealCompleted, got.Status)
}

func TestBatchCompletionUpdatesUserStats(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	queueDeals(t, h, 3, 10000)
	h.engine.batchSweep(ctx)

	user, err := h.store.GetUser(1000)
	require.NoError(t, err)
	require.NotNil(t, user)
	assert.Equal(t, 1, user.TotalDeals)
	assert.Equal(t, int64(10000), user.TotalVolume)
}
