/*
ledger_test.go - Ledger operations against every store

Tests for:
- Earn posting, lock windows and expiry
- The (source, source_id) idempotency guard
- The locked -> unlocked | cancelled state machine
- Spends, the available-balance check and per-user serialization
- Transient retries and cache reconciliation
*/
package ledger_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wonderbest23/galleryapp250527-sub003/ledger"
	"github.com/wonderbest23/galleryapp250527-sub003/ledger/store"
	"github.com/wonderbest23/galleryapp250527-sub003/store/sqlite"
)

var t0 = time.Date(2026, 3, 2, 1, 0, 0, 0, time.UTC)

// stores returns a fresh instance of every local Store implementation.
func stores(t *testing.T) map[string]ledger.Store {
	t.Helper()
	sq, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { sq.Close() })
	return map[string]ledger.Store{
		"memory": store.NewMemory(),
		"sqlite": sq,
	}
}

func forEachStore(t *testing.T, fn func(t *testing.T, s ledger.Store)) {
	for name, s := range stores(t) {
		s := s
		t.Run(name, func(t *testing.T) { fn(t, s) })
	}
}

func review(user ledger.UserID, id string) ledger.EarnRequest {
	return ledger.EarnRequest{
		UserID:       user,
		Amount:       500,
		Source:       ledger.SourceReview,
		SourceID:     id,
		TargetID:     "ex-" + id,
		LockDuration: 48 * time.Hour,
	}
}

func visit(user ledger.UserID, id string, amount int64) ledger.EarnRequest {
	return ledger.EarnRequest{UserID: user, Amount: amount, Source: ledger.SourceVisit, SourceID: id}
}

// =============================================================================
// EARN
// =============================================================================

func TestAppendEarn_LockedRow(t *testing.T) {
	forEachStore(t, func(t *testing.T, s ledger.Store) {
		ctx := context.Background()
		l := ledger.New(s, ledger.Options{Clock: ledger.NewManualClock(t0)})

		tx, err := l.AppendEarn(ctx, review("alice", "rv-1"))
		require.NoError(t, err)

		assert.Equal(t, ledger.StatusLocked, tx.Status)
		require.NotNil(t, tx.LockUntil)
		assert.True(t, tx.LockUntil.Equal(t0.Add(48*time.Hour)))
		assert.Nil(t, tx.UnlockedAt)
		assert.Nil(t, tx.ExpiresAt)

		got, err := s.Transaction(ctx, tx.ID)
		require.NoError(t, err)
		assert.Equal(t, tx.Amount, got.Amount)
		assert.Equal(t, "ex-rv-1", got.TargetID)
		assert.True(t, got.CreatedAt.Equal(t0))

		bal, err := l.Balance(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, int64(0), bal.Available)
		assert.Equal(t, int64(500), bal.Locked)
		require.NotNil(t, bal.NextUnlockAt)
		assert.True(t, bal.NextUnlockAt.Equal(t0.Add(48*time.Hour)))
	})
}

func TestAppendEarn_ZeroLockIsUnlocked(t *testing.T) {
	forEachStore(t, func(t *testing.T, s ledger.Store) {
		ctx := context.Background()
		l := ledger.New(s, ledger.Options{Clock: ledger.NewManualClock(t0)})

		tx, err := l.AppendEarn(ctx, visit("alice", "v-1", 200))
		require.NoError(t, err)
		assert.Equal(t, ledger.StatusUnlocked, tx.Status)
		require.NotNil(t, tx.UnlockedAt)
		assert.Nil(t, tx.LockUntil)

		available, err := l.AvailablePoints(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, int64(200), available)
	})
}

func TestAppendEarn_RejectsInvalidInput(t *testing.T) {
	l := ledger.New(store.NewMemory(), ledger.Options{})
	ctx := context.Background()

	cases := map[string]ledger.EarnRequest{
		"zero amount":       {UserID: "alice", Amount: 0, Source: ledger.SourceVisit, SourceID: "v-1"},
		"negative amount":   {UserID: "alice", Amount: -10, Source: ledger.SourceVisit, SourceID: "v-1"},
		"spend source":      {UserID: "alice", Amount: 10, Source: ledger.SourceTicketPurchase, SourceID: "x"},
		"missing source id": {UserID: "alice", Amount: 10, Source: ledger.SourceReview},
		"missing user":      {Amount: 10, Source: ledger.SourceVisit, SourceID: "v-1"},
		"negative lock":     {UserID: "alice", Amount: 10, Source: ledger.SourceVisit, SourceID: "v-1", LockDuration: -time.Hour},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := l.AppendEarn(ctx, req)
			require.ErrorIs(t, err, ledger.ErrInvalidRequest)
			assert.Equal(t, "invalid_request", ledger.Code(err))
		})
	}
}

func TestAppendEarn_ExpirySetFromUnlockEligibility(t *testing.T) {
	forEachStore(t, func(t *testing.T, s ledger.Store) {
		ctx := context.Background()
		clock := ledger.NewManualClock(t0)
		l := ledger.New(s, ledger.Options{Clock: clock, Expiry: 30 * 24 * time.Hour})

		locked, err := l.AppendEarn(ctx, review("alice", "rv-1"))
		require.NoError(t, err)
		require.NotNil(t, locked.ExpiresAt)
		assert.True(t, locked.ExpiresAt.Equal(t0.Add(48*time.Hour+30*24*time.Hour)))

		_, err = l.AppendEarn(ctx, visit("alice", "v-1", 100))
		require.NoError(t, err)

		// WHEN: the unlocked visit earn outlives its expiry
		clock.Advance(31 * 24 * time.Hour)

		// THEN: it no longer counts as available
		available, err := l.AvailablePoints(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, int64(0), available)
	})
}

// =============================================================================
// IDEMPOTENCY
// =============================================================================

func TestAppendEarn_DuplicateSourceReturnsExisting(t *testing.T) {
	forEachStore(t, func(t *testing.T, s ledger.Store) {
		ctx := context.Background()
		l := ledger.New(s, ledger.Options{Clock: ledger.NewManualClock(t0)})

		first, err := l.AppendEarn(ctx, review("alice", "rv-1"))
		require.NoError(t, err)

		// Same user replays
		again, err := l.AppendEarn(ctx, review("alice", "rv-1"))
		require.ErrorIs(t, err, ledger.ErrDuplicateSource)
		assert.Equal(t, first.ID, again.ID)
		var dup *ledger.DuplicateSourceError
		require.ErrorAs(t, err, &dup)
		assert.Equal(t, first.ID, dup.Existing.ID)

		// Another user claims the same source
		other, err := l.AppendEarn(ctx, review("bob", "rv-1"))
		require.ErrorIs(t, err, ledger.ErrDuplicateSource)
		assert.Equal(t, ledger.UserID("alice"), other.UserID)

		txs, err := l.Transactions(ctx, "bob")
		require.NoError(t, err)
		assert.Empty(t, txs)
	})
}

func TestAppendEarn_CancelledSourceCanBeReused(t *testing.T) {
	forEachStore(t, func(t *testing.T, s ledger.Store) {
		ctx := context.Background()
		l := ledger.New(s, ledger.Options{Clock: ledger.NewManualClock(t0)})

		first, err := l.AppendEarn(ctx, review("alice", "rv-1"))
		require.NoError(t, err)
		_, err = l.Cancel(ctx, first.ID)
		require.NoError(t, err)

		second, err := l.AppendEarn(ctx, review("alice", "rv-1"))
		require.NoError(t, err)
		assert.NotEqual(t, first.ID, second.ID)
	})
}

func TestAppendEarn_ConcurrentDuplicatesPostOnce(t *testing.T) {
	forEachStore(t, func(t *testing.T, s ledger.Store) {
		ctx := context.Background()
		l := ledger.New(s, ledger.Options{Clock: ledger.NewManualClock(t0)})

		var wg sync.WaitGroup
		var created atomic.Int32
		for _, user := range []ledger.UserID{"alice", "bob", "carol", "dave", "erin", "frank"} {
			wg.Add(1)
			go func(u ledger.UserID) {
				defer wg.Done()
				_, err := l.AppendEarn(ctx, review(u, "rv-shared"))
				if err == nil {
					created.Add(1)
					return
				}
				assert.ErrorIs(t, err, ledger.ErrDuplicateSource)
			}(user)
		}
		wg.Wait()
		assert.Equal(t, int32(1), created.Load())

		_, found, err := s.EarnBySource(ctx, ledger.SourceReview, "rv-shared")
		require.NoError(t, err)
		assert.True(t, found)
	})
}

// =============================================================================
// STATE MACHINE
// =============================================================================

func TestTransitions_UnlockThenCancelFails(t *testing.T) {
	forEachStore(t, func(t *testing.T, s ledger.Store) {
		ctx := context.Background()
		clock := ledger.NewManualClock(t0)
		l := ledger.New(s, ledger.Options{Clock: clock})

		tx, err := l.AppendEarn(ctx, review("alice", "rv-1"))
		require.NoError(t, err)

		clock.Advance(time.Hour)
		tr, err := l.Unlock(ctx, tx.ID)
		require.NoError(t, err)
		assert.True(t, tr.Changed)
		require.NotNil(t, tr.Tx.UnlockedAt)
		assert.True(t, tr.Tx.UnlockedAt.Equal(t0.Add(time.Hour)))

		// Unlock is idempotent
		tr, err = l.Unlock(ctx, tx.ID)
		require.NoError(t, err)
		assert.False(t, tr.Changed)

		_, err = l.Cancel(ctx, tx.ID)
		require.ErrorIs(t, err, ledger.ErrInvalidState)
		assert.Equal(t, "invalid_state", ledger.Code(err))

		row, err := s.Transaction(ctx, tx.ID)
		require.NoError(t, err)
		assert.Equal(t, ledger.StatusUnlocked, row.Status, "row is not corrupted")
		require.NotNil(t, row.UnlockedAt)
		assert.True(t, row.UnlockedAt.Equal(t0.Add(time.Hour)))
	})
}

func TestTransitions_CancelThenUnlockFails(t *testing.T) {
	forEachStore(t, func(t *testing.T, s ledger.Store) {
		ctx := context.Background()
		l := ledger.New(s, ledger.Options{Clock: ledger.NewManualClock(t0)})

		tx, err := l.AppendEarn(ctx, review("alice", "rv-1"))
		require.NoError(t, err)

		tr, err := l.Cancel(ctx, tx.ID)
		require.NoError(t, err)
		assert.True(t, tr.Changed)
		assert.Equal(t, ledger.StatusCancelled, tr.Tx.Status)

		tr, err = l.Cancel(ctx, tx.ID)
		require.NoError(t, err)
		assert.False(t, tr.Changed, "cancel of a cancelled row is a no-op")

		_, err = l.Unlock(ctx, tx.ID)
		var ise *ledger.InvalidStateError
		require.ErrorAs(t, err, &ise)
		assert.Equal(t, ledger.StatusCancelled, ise.From)

		row, err := s.Transaction(ctx, tx.ID)
		require.NoError(t, err)
		assert.Equal(t, ledger.StatusCancelled, row.Status)
		assert.Nil(t, row.UnlockedAt)
	})
}

func TestTransitions_UnknownRow(t *testing.T) {
	forEachStore(t, func(t *testing.T, s ledger.Store) {
		l := ledger.New(s, ledger.Options{})
		_, err := l.Unlock(context.Background(), "nope")
		require.ErrorIs(t, err, ledger.ErrNotFound)
	})
}

func TestTransitions_LockedContributionLeavesExactlyOnce(t *testing.T) {
	forEachStore(t, func(t *testing.T, s ledger.Store) {
		ctx := context.Background()
		l := ledger.New(s, ledger.Options{Clock: ledger.NewManualClock(t0)})

		a, err := l.AppendEarn(ctx, review("alice", "rv-1"))
		require.NoError(t, err)
		b, err := l.AppendEarn(ctx, review("alice", "rv-2"))
		require.NoError(t, err)

		assertBalance(t, l, "alice", 0, 1000)

		_, err = l.Unlock(ctx, a.ID)
		require.NoError(t, err)
		assertBalance(t, l, "alice", 500, 500)

		_, err = l.Cancel(ctx, b.ID)
		require.NoError(t, err)
		assertBalance(t, l, "alice", 500, 0)

		// Stray transitions change nothing
		_, _ = l.Cancel(ctx, a.ID)
		_, _ = l.Unlock(ctx, b.ID)
		_, _ = l.Unlock(ctx, a.ID)
		assertBalance(t, l, "alice", 500, 0)
	})
}

func TestTransitions_RacingUnlockAndCancel(t *testing.T) {
	forEachStore(t, func(t *testing.T, s ledger.Store) {
		ctx := context.Background()
		l := ledger.New(s, ledger.Options{Clock: ledger.NewManualClock(t0)})

		locked := make([]ledger.TransactionID, 0, 20)
		for i := 0; i < 20; i++ {
			_, err := l.AppendEarn(ctx, visit("alice", fmt.Sprintf("v-%d", i), 10))
			require.NoError(t, err)
			tx, err := l.AppendEarn(ctx, review("alice", fmt.Sprintf("rv-%d", i)))
			require.NoError(t, err)
			locked = append(locked, tx.ID)
		}

		var wg sync.WaitGroup
		for _, id := range locked {
			wg.Add(2)
			go func(id ledger.TransactionID) {
				defer wg.Done()
				_, _ = l.Unlock(ctx, id)
			}(id)
			go func(id ledger.TransactionID) {
				defer wg.Done()
				_, _ = l.Cancel(ctx, id)
			}(id)
		}
		wg.Wait()

		var unlocked, cancelled int
		for _, id := range locked {
			row, err := s.Transaction(ctx, id)
			require.NoError(t, err)
			switch row.Status {
			case ledger.StatusUnlocked:
				unlocked++
				assert.NotNil(t, row.UnlockedAt)
			case ledger.StatusCancelled:
				cancelled++
				assert.Nil(t, row.UnlockedAt)
			default:
				t.Fatalf("row %s still %s", id, row.Status)
			}
		}
		assert.Equal(t, 20, unlocked+cancelled)
		assertBalance(t, l, "alice", int64(200+500*unlocked), 0)
	})
}

// =============================================================================
// SPEND
// =============================================================================

func TestAppendSpend_ChecksAvailable(t *testing.T) {
	forEachStore(t, func(t *testing.T, s ledger.Store) {
		ctx := context.Background()
		l := ledger.New(s, ledger.Options{Clock: ledger.NewManualClock(t0)})

		_, err := l.AppendEarn(ctx, visit("alice", "v-1", 800))
		require.NoError(t, err)
		_, err = l.AppendEarn(ctx, review("alice", "rv-1")) // locked, not spendable
		require.NoError(t, err)

		_, err = l.AppendSpend(ctx, ledger.SpendRequest{UserID: "alice", Points: 1500, Source: ledger.SourceTicketPurchase, SourceID: "ex-1"})
		var short *ledger.InsufficientPointsError
		require.ErrorAs(t, err, &short)
		assert.Equal(t, "insufficient points: required 1500P, have 800P", err.Error())
		assert.True(t, ledger.IsBusinessRejection(err))

		spend, err := l.AppendSpend(ctx, ledger.SpendRequest{UserID: "alice", Points: 300, Source: ledger.SourceRewardRedeem})
		require.NoError(t, err)
		assert.Equal(t, int64(-300), spend.Amount)
		assert.Equal(t, ledger.KindSpend, spend.Kind)
		assert.Equal(t, ledger.StatusUnlocked, spend.Status)

		assertBalance(t, l, "alice", 500, 500)
	})
}

func TestAppendSpend_RejectsInvalidInput(t *testing.T) {
	l := ledger.New(store.NewMemory(), ledger.Options{})
	ctx := context.Background()

	_, err := l.AppendSpend(ctx, ledger.SpendRequest{UserID: "alice", Points: 0, Source: ledger.SourceTicketPurchase})
	assert.ErrorIs(t, err, ledger.ErrInvalidRequest)
	_, err = l.AppendSpend(ctx, ledger.SpendRequest{UserID: "alice", Points: 10, Source: ledger.SourceReview})
	assert.ErrorIs(t, err, ledger.ErrInvalidRequest)
}

func TestAppendSpend_CheckRunsInsideTheCriticalSection(t *testing.T) {
	forEachStore(t, func(t *testing.T, s ledger.Store) {
		ctx := context.Background()
		l := ledger.New(s, ledger.Options{Clock: ledger.NewManualClock(t0)})
		_, err := l.AppendEarn(ctx, visit("alice", "v-1", 800))
		require.NoError(t, err)

		// GIVEN: a check that allows a single ticket_purchase row
		errQuota := errors.New("quota reached")
		onePurchase := func(txs []ledger.PointTransaction, now time.Time) error {
			assert.Equal(t, t0, now)
			for _, tx := range txs {
				if tx.Source == ledger.SourceTicketPurchase {
					return errQuota
				}
			}
			return nil
		}
		spend := ledger.SpendRequest{UserID: "alice", Points: 100, Source: ledger.SourceTicketPurchase, Check: onePurchase}

		// WHEN: two spends run through it
		_, err = l.AppendSpend(ctx, spend)
		require.NoError(t, err)
		_, err = l.AppendSpend(ctx, spend)

		// THEN: the second is vetoed with the check's error and nothing is written
		assert.ErrorIs(t, err, errQuota)
		assertBalance(t, l, "alice", 700, 0)
	})
}

func TestAppendSpend_ParallelSpendsNeverOverdraw(t *testing.T) {
	forEachStore(t, func(t *testing.T, s ledger.Store) {
		ctx := context.Background()
		l := ledger.New(s, ledger.Options{Clock: ledger.NewManualClock(t0)})

		_, err := l.AppendEarn(ctx, visit("alice", "v-1", 1000))
		require.NoError(t, err)

		var wg sync.WaitGroup
		var ok atomic.Int32
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := l.AppendSpend(ctx, ledger.SpendRequest{UserID: "alice", Points: 300, Source: ledger.SourceRewardRedeem})
				if err == nil {
					ok.Add(1)
					return
				}
				assert.ErrorIs(t, err, ledger.ErrInsufficientPoints)
			}()
		}
		wg.Wait()

		assert.Equal(t, int32(3), ok.Load())
		assertBalance(t, l, "alice", 100, 0)
	})
}

// =============================================================================
// RECONCILIATION
// =============================================================================

func TestReconciliation_AvailablePlusSpentEqualsUnlockedEarned(t *testing.T) {
	forEachStore(t, func(t *testing.T, s ledger.Store) {
		ctx := context.Background()
		clock := ledger.NewManualClock(t0)
		l := ledger.New(s, ledger.Options{Clock: clock, Expiry: 10 * 24 * time.Hour})

		_, err := l.AppendEarn(ctx, visit("alice", "v-1", 700))
		require.NoError(t, err)
		r1, err := l.AppendEarn(ctx, review("alice", "rv-1"))
		require.NoError(t, err)
		r2, err := l.AppendEarn(ctx, review("alice", "rv-2"))
		require.NoError(t, err)
		_, err = l.Unlock(ctx, r1.ID)
		require.NoError(t, err)
		_, err = l.Cancel(ctx, r2.ID)
		require.NoError(t, err)
		_, err = l.AppendSpend(ctx, ledger.SpendRequest{UserID: "alice", Points: 400, Source: ledger.SourceTicketPurchase, SourceID: "ex-1"})
		require.NoError(t, err)

		checkReconciles := func() {
			t.Helper()
			txs, err := l.Transactions(ctx, "alice")
			require.NoError(t, err)
			now := clock.Now()
			bal := ledger.Calculate("alice", txs, now)
			totals := ledger.CalculateTotals(txs, now)
			assert.Equal(t, totals.UnlockedEarned, bal.Available+totals.Spent)
		}
		checkReconciles()

		clock.Advance(11 * 24 * time.Hour) // v-1 expires
		checkReconciles()
	})
}

func TestReconcile_CacheMismatchIsDetected(t *testing.T) {
	ctx := context.Background()
	clock := ledger.NewManualClock(t0)
	obs := &countingObserver{}
	l := ledger.New(store.NewMemory(), ledger.Options{
		Clock:    clock,
		Expiry:   time.Hour,
		Cache:    ledger.NewBalanceCache(time.Hour),
		Observer: obs,
	})

	_, err := l.AppendEarn(ctx, visit("alice", "v-1", 100))
	require.NoError(t, err)

	bal, err := l.Balance(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(100), bal.Available)

	ok, err := l.Reconcile(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, ok)

	// WHEN: the earn expires while the cached projection is still fresh
	clock.Advance(2 * time.Hour)

	// THEN: reconciliation catches the drift and drops the entry
	ok, err = l.Reconcile(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, int32(1), obs.mismatches.Load())

	bal, err = l.Balance(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(0), bal.Available)
}

func TestBalance_CacheInvalidatedOnCommit(t *testing.T) {
	ctx := context.Background()
	l := ledger.New(store.NewMemory(), ledger.Options{
		Clock: ledger.NewManualClock(t0),
		Cache: ledger.NewBalanceCache(time.Hour),
	})

	_, err := l.AppendEarn(ctx, visit("alice", "v-1", 100))
	require.NoError(t, err)
	_, err = l.Balance(ctx, "alice")
	require.NoError(t, err)

	_, err = l.AppendEarn(ctx, visit("alice", "v-2", 50))
	require.NoError(t, err)
	bal, err := l.Balance(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(150), bal.Available)
}

// =============================================================================
// TRANSIENT RETRIES
// =============================================================================

// flakyStore fails the first failures WithUser calls with a transient error.
type flakyStore struct {
	ledger.Store
	failures atomic.Int32
	calls    atomic.Int32
}

func (f *flakyStore) WithUser(ctx context.Context, user ledger.UserID, fn func(ledger.Tx) error) error {
	f.calls.Add(1)
	if f.failures.Add(-1) >= 0 {
		return &ledger.TransientError{Op: "with_user", Err: errors.New("database is locked")}
	}
	return f.Store.WithUser(ctx, user, fn)
}

func fastRetry(attempts int) ledger.RetryPolicy {
	return ledger.RetryPolicy{MaxAttempts: attempts, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}
}

func TestRetry_TransientFailureIsRetried(t *testing.T) {
	ctx := context.Background()
	flaky := &flakyStore{Store: store.NewMemory()}
	flaky.failures.Store(2)
	obs := &countingObserver{}
	l := ledger.New(flaky, ledger.Options{Retry: fastRetry(3), Observer: obs})

	_, err := l.AppendEarn(ctx, visit("alice", "v-1", 100))
	require.NoError(t, err)
	assert.Equal(t, int32(3), flaky.calls.Load())
	assert.Equal(t, int32(2), obs.retries.Load())
}

func TestRetry_BoundedThenSurfaced(t *testing.T) {
	ctx := context.Background()
	flaky := &flakyStore{Store: store.NewMemory()}
	flaky.failures.Store(10)
	l := ledger.New(flaky, ledger.Options{Retry: fastRetry(3)})

	_, err := l.AppendEarn(ctx, visit("alice", "v-1", 100))
	require.ErrorIs(t, err, ledger.ErrTransient)
	assert.True(t, ledger.IsRetryable(err))
	assert.Equal(t, "unavailable", ledger.Code(err))
	assert.Equal(t, int32(3), flaky.calls.Load())
}

func TestRetry_BusinessErrorsAreNotRetried(t *testing.T) {
	ctx := context.Background()
	flaky := &flakyStore{Store: store.NewMemory()}
	l := ledger.New(flaky, ledger.Options{Retry: fastRetry(3)})

	_, err := l.AppendSpend(ctx, ledger.SpendRequest{UserID: "alice", Points: 10, Source: ledger.SourceRewardRedeem})
	require.ErrorIs(t, err, ledger.ErrInsufficientPoints)
	assert.Equal(t, int32(1), flaky.calls.Load())
}

// flakyReads fails the first failures Transaction lookups with a transient error.
type flakyReads struct {
	ledger.Store
	failures atomic.Int32
}

func (f *flakyReads) Transaction(ctx context.Context, id ledger.TransactionID) (ledger.PointTransaction, error) {
	if f.failures.Add(-1) >= 0 {
		return ledger.PointTransaction{}, &ledger.TransientError{Op: "transaction", Err: errors.New("connection reset")}
	}
	return f.Store.Transaction(ctx, id)
}

func TestRetry_TransitionLookupIsRetried(t *testing.T) {
	ctx := context.Background()
	flaky := &flakyReads{Store: store.NewMemory()}
	obs := &countingObserver{}
	l := ledger.New(flaky, ledger.Options{Clock: ledger.NewManualClock(t0), Retry: fastRetry(3), Observer: obs})
	row, err := l.AppendEarn(ctx, review("alice", "rv-1"))
	require.NoError(t, err)

	// GIVEN: the row lookup fails transiently twice
	flaky.failures.Store(2)

	// WHEN: the row is unlocked
	tr, err := l.Unlock(ctx, row.ID)

	// THEN: the lookup is retried and the unlock lands
	require.NoError(t, err)
	assert.True(t, tr.Changed)
	assert.Equal(t, ledger.StatusUnlocked, tr.Tx.Status)
	assert.Equal(t, int32(2), obs.retries.Load())
}

func TestRetry_TransitionLookupNotFoundIsNotRetried(t *testing.T) {
	flaky := &flakyReads{Store: store.NewMemory()}
	obs := &countingObserver{}
	l := ledger.New(flaky, ledger.Options{Retry: fastRetry(3), Observer: obs})

	_, err := l.Cancel(context.Background(), "missing")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
	assert.Equal(t, int32(0), obs.retries.Load())
}

// =============================================================================
// HELPERS
// =============================================================================

func assertBalance(t *testing.T, l *ledger.Ledger, user ledger.UserID, available, locked int64) {
	t.Helper()
	ctx := context.Background()
	a, err := l.AvailablePoints(ctx, user)
	require.NoError(t, err)
	lk, err := l.LockedPoints(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, available, a, "available")
	assert.Equal(t, locked, lk, "locked")
}

type countingObserver struct {
	appended   atomic.Int32
	changed    atomic.Int32
	retries    atomic.Int32
	mismatches atomic.Int32
}

func (o *countingObserver) TransactionAppended(ledger.PointTransaction) { o.appended.Add(1) }

func (o *countingObserver) StatusChanged(ledger.PointTransaction, ledger.Status) { o.changed.Add(1) }

func (o *countingObserver) Retried(string, error) { o.retries.Add(1) }

func (o *countingObserver) CacheMismatch(ledger.UserID) { o.mismatches.Add(1) }
