package locks_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksred/trade-coordinator/internal/database"
	"github.com/ksred/trade-coordinator/internal/locks"
)

func newManager(t *testing.T, cfg locks.ManagerConfig) *locks.Manager {
	t.Helper()
	db, err := database.NewTestDatabase()
	require.NoError(t, err)
	return locks.NewManager(db, cfg)
}

func tradeRequest(resource, owner string) locks.AcquireRequest {
	return locks.AcquireRequest{
		ResourceID:      resource,
		OwnerID:         owner,
		OwnerType:       "trader",
		TransactionType: "trade",
		TransactionData: fmt.Sprintf(`{"symbol":%q,"owner":%q}`, resource, owner),
	}
}

func TestAcquireGrantsThenQueues(t *testing.T) {
	t.Parallel()
	m := newManager(t, locks.ManagerConfig{})
	ctx := context.Background()

	first, err := m.Acquire(ctx, tradeRequest("BTCUSDT", "alice"))
	require.NoError(t, err)
	assert.Equal(t, locks.OutcomeGranted, first.Outcome)
	assert.NotEmpty(t, first.LockID)

	second, err := m.Acquire(ctx, tradeRequest("BTCUSDT", "bob"))
	require.NoError(t, err)
	assert.Equal(t, locks.OutcomeQueued, second.Outcome)
	assert.Equal(t, 1, second.QueuePosition)

	// An unrelated resource is unaffected.
	other, err := m.Acquire(ctx, tradeRequest("ETHUSDT", "carol"))
	require.NoError(t, err)
	assert.Equal(t, locks.OutcomeGranted, other.Outcome)

	locked, err := m.IsLocked("BTCUSDT")
	require.NoError(t, err)
	assert.True(t, locked)

	status, err := m.Status("BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 1, status.LockCount)
	assert.Equal(t, 1, status.QueueLength)
}

func TestAtMostOneActiveLock(t *testing.T) {
	t.Parallel()
	m := newManager(t, locks.ManagerConfig{})
	ctx := context.Background()

	const attempts = 20
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted int
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := m.Acquire(ctx, tradeRequest("BTCUSDT", fmt.Sprintf("owner-%d", i)))
			if !assert.NoError(t, err) {
				return
			}
			if res.Outcome == locks.OutcomeGranted {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, granted, "exactly one concurrent acquire may win")

	status, err := m.Status("BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 1, status.LockCount)
	assert.Equal(t, attempts-1, status.QueueLength)
}

func TestIdempotentReplay(t *testing.T) {
	t.Parallel()
	m := newManager(t, locks.ManagerConfig{})
	ctx := context.Background()

	req := tradeRequest("BTCUSDT", "alice")
	req.IdempotencyKey = "replay-key"

	calls := 0
	out, err := m.ExecuteWithLock(ctx, req, func(ctx context.Context) (interface{}, error) {
		calls++
		return map[string]string{"order_id": "ORD-1"}, nil
	})
	require.NoError(t, err)
	assert.True(t, out.Success)
	assert.Equal(t, locks.OutcomeGranted, out.Outcome)
	assert.Equal(t, 1, calls)

	// Same key after completion: stored result, executor not invoked.
	replay, err := m.ExecuteWithLock(ctx, req, func(ctx context.Context) (interface{}, error) {
		calls++
		return nil, nil
	})
	require.NoError(t, err)
	assert.True(t, replay.Success)
	assert.Equal(t, locks.OutcomeReplayed, replay.Outcome)
	assert.Contains(t, replay.PriorResult, "ORD-1")
	assert.Equal(t, 1, calls, "executor must not run again for a duplicate request")
}

func TestDuplicateWhileInProgress(t *testing.T) {
	t.Parallel()
	m := newManager(t, locks.ManagerConfig{})
	ctx := context.Background()

	req := tradeRequest("BTCUSDT", "alice")
	req.IdempotencyKey = "inflight-key"

	first, err := m.Acquire(ctx, req)
	require.NoError(t, err)
	require.Equal(t, locks.OutcomeGranted, first.Outcome)

	dup, err := m.Acquire(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, locks.OutcomeInProgress, dup.Outcome)

	// After release with a result, the same key replays it.
	require.NoError(t, m.Release(ctx, first.LockID, map[string]string{"order_id": "ORD-9"}, nil))

	after, err := m.Acquire(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, locks.OutcomeReplayed, after.Outcome)
	assert.Contains(t, after.PriorResult, "ORD-9")
}

func TestFailedLockDoesNotReplay(t *testing.T) {
	t.Parallel()
	m := newManager(t, locks.ManagerConfig{})
	ctx := context.Background()

	req := tradeRequest("BTCUSDT", "alice")
	req.IdempotencyKey = "failed-key"

	first, err := m.Acquire(ctx, req)
	require.NoError(t, err)
	require.Equal(t, locks.OutcomeGranted, first.Outcome)
	require.NoError(t, m.Release(ctx, first.LockID, nil, fmt.Errorf("exchange down")))

	// A failed attempt stores no result, so the retry competes again.
	retry, err := m.Acquire(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, locks.OutcomeGranted, retry.Outcome)
}

func TestQueueServedInPriorityThenArrivalOrder(t *testing.T) {
	t.Parallel()
	m := newManager(t, locks.ManagerConfig{})
	ctx := context.Background()

	served := make(chan string, 8)
	m.SetPromotionHandler(func(ctx context.Context, entry locks.QueueEntry) (interface{}, error) {
		served <- entry.OwnerID
		return map[string]bool{"done": true}, nil
	})

	holder, err := m.Acquire(ctx, tradeRequest("BTCUSDT", "holder"))
	require.NoError(t, err)
	require.Equal(t, locks.OutcomeGranted, holder.Outcome)

	// Priorities 5, 1, 5, 3 in arrival order.
	for _, q := range []struct {
		owner    string
		priority int
	}{
		{"owner-p5-first", 5},
		{"owner-p1", 1},
		{"owner-p5-second", 5},
		{"owner-p3", 3},
	} {
		req := tradeRequest("BTCUSDT", q.owner)
		req.Priority = q.priority
		res, err := m.Acquire(ctx, req)
		require.NoError(t, err)
		require.Equal(t, locks.OutcomeQueued, res.Outcome)
	}

	require.NoError(t, m.Release(ctx, holder.LockID, map[string]bool{"done": true}, nil))

	var order []string
	for i := 0; i < 4; i++ {
		select {
		case owner := <-served:
			order = append(order, owner)
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for promotion %d, got %v", i, order)
		}
	}

	assert.Equal(t, []string{"owner-p1", "owner-p3", "owner-p5-first", "owner-p5-second"}, order)
}

func TestQueuedDuplicateExecutesOnce(t *testing.T) {
	t.Parallel()
	m := newManager(t, locks.ManagerConfig{})
	ctx := context.Background()

	var (
		mu   sync.Mutex
		runs []string
	)
	m.SetPromotionHandler(func(ctx context.Context, entry locks.QueueEntry) (interface{}, error) {
		mu.Lock()
		runs = append(runs, entry.IdempotencyKey)
		mu.Unlock()
		return map[string]bool{"done": true}, nil
	})

	holder, err := m.Acquire(ctx, tradeRequest("BTCUSDT", "holder"))
	require.NoError(t, err)
	require.Equal(t, locks.OutcomeGranted, holder.Outcome)

	// The same request retried while queued must not enqueue twice.
	req := tradeRequest("BTCUSDT", "alice")
	req.IdempotencyKey = "dup-key"

	first, err := m.Acquire(ctx, req)
	require.NoError(t, err)
	require.Equal(t, locks.OutcomeQueued, first.Outcome)
	require.Equal(t, 1, first.QueuePosition)

	second, err := m.Acquire(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, locks.OutcomeQueued, second.Outcome)
	assert.Equal(t, 1, second.QueuePosition, "retry collapses onto the waiting entry")

	status, err := m.Status("BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 1, status.QueueLength)

	require.NoError(t, m.Release(ctx, holder.LockID, map[string]bool{"done": true}, nil))

	require.Eventually(t, func() bool {
		status, err := m.Status("BTCUSDT")
		return err == nil && status.LockCount == 0 && status.QueueLength == 0
	}, 5*time.Second, 20*time.Millisecond, "queue should drain after the release")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"dup-key"}, runs, "the side effect runs exactly once per logical request")
}

func TestPromotionSkipsDuplicateWithStoredResult(t *testing.T) {
	t.Parallel()
	db, err := database.NewTestDatabase()
	require.NoError(t, err)
	m := locks.NewManager(db, locks.ManagerConfig{})

	executed := 0
	m.SetPromotionHandler(func(ctx context.Context, entry locks.QueueEntry) (interface{}, error) {
		executed++
		return nil, nil
	})

	ctx := context.Background()
	holder, err := m.Acquire(ctx, tradeRequest("BTCUSDT", "holder"))
	require.NoError(t, err)
	require.Equal(t, locks.OutcomeGranted, holder.Outcome)

	// Simulate a duplicate that slipped into the queue before its
	// original completed: the stored result already exists when the
	// entry reaches the head.
	now := time.Now()
	require.NoError(t, db.Create(&locks.ResourceLock{
		LockID:          "LCK_PRIOR",
		ResourceID:      "BTCUSDT",
		IdempotencyKey:  "settled-key",
		OwnerID:         "alice",
		OwnerType:       "trader",
		Status:          locks.StatusReleased,
		TransactionType: "trade",
		Result:          `{"order_id":"ORD-PRIOR"}`,
		AcquiredAt:      now.Add(-time.Minute),
		ExpiresAt:       now.Add(-30 * time.Second),
		ReleasedAt:      &now,
	}).Error)
	require.NoError(t, db.Create(&locks.QueueEntry{
		QueueID:         "QUE_0000000000000000000000DUPE",
		ResourceID:      "BTCUSDT",
		Status:          locks.QueuePending,
		IdempotencyKey:  "settled-key",
		OwnerID:         "alice",
		OwnerType:       "trader",
		TransactionType: "trade",
		QueuedAt:        now,
	}).Error)

	require.NoError(t, m.Release(ctx, holder.LockID, nil, nil))

	require.Eventually(t, func() bool {
		status, err := m.Status("BTCUSDT")
		return err == nil && status.LockCount == 0 && status.QueueLength == 0
	}, 5*time.Second, 20*time.Millisecond, "duplicate entry should complete without holding the lock")

	assert.Equal(t, 0, executed, "an already-settled duplicate must not execute")
}

func TestExpiredLockSelfHeals(t *testing.T) {
	t.Parallel()
	m := newManager(t, locks.ManagerConfig{DefaultTimeout: 30 * time.Second})
	ctx := context.Background()

	req := tradeRequest("BTCUSDT", "crashed-owner")
	req.Timeout = 100 * time.Millisecond
	held, err := m.Acquire(ctx, req)
	require.NoError(t, err)
	require.Equal(t, locks.OutcomeGranted, held.Outcome)

	waiter, err := m.Acquire(ctx, tradeRequest("BTCUSDT", "waiter"))
	require.NoError(t, err)
	require.Equal(t, locks.OutcomeQueued, waiter.Outcome)

	// Holder never releases; the sweep reclaims it after expiry.
	time.Sleep(150 * time.Millisecond)
	require.NoError(t, m.SweepOnce(ctx))

	require.Eventually(t, func() bool {
		status, err := m.Status("BTCUSDT")
		if err != nil || status.LockCount != 1 {
			return false
		}
		return status.ActiveLocks[0].OwnerID == "waiter"
	}, 2*time.Second, 20*time.Millisecond, "queued waiter should hold the lock after the sweep")
}

func TestExecuteWithLockQueuedDoesNotRun(t *testing.T) {
	t.Parallel()
	m := newManager(t, locks.ManagerConfig{})
	ctx := context.Background()

	holder, err := m.Acquire(ctx, tradeRequest("BTCUSDT", "holder"))
	require.NoError(t, err)
	require.Equal(t, locks.OutcomeGranted, holder.Outcome)

	ran := false
	out, err := m.ExecuteWithLock(ctx, tradeRequest("BTCUSDT", "waiter"), func(ctx context.Context) (interface{}, error) {
		ran = true
		return nil, nil
	})
	require.NoError(t, err)
	assert.False(t, out.Success)
	assert.Equal(t, locks.OutcomeQueued, out.Outcome)
	assert.Equal(t, 1, out.QueuePosition)
	assert.False(t, ran, "queued submissions must not execute")
}

func TestDeriveIdempotencyKeyStable(t *testing.T) {
	t.Parallel()

	a := locks.DeriveIdempotencyKey(tradeRequest("BTCUSDT", "alice"))
	b := locks.DeriveIdempotencyKey(tradeRequest("BTCUSDT", "alice"))
	c := locks.DeriveIdempotencyKey(tradeRequest("BTCUSDT", "bob"))

	assert.Equal(t, a, b, "identical requests must derive the same key")
	assert.NotEqual(t, a, c, "different owners must derive different keys")
}
