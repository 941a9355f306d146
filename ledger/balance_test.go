package ledger_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wonderbest23/galleryapp250527-sub003/ledger"
)

func at(d time.Duration) *time.Time {
	t := t0.Add(d)
	return &t
}

func TestCalculate_Buckets(t *testing.T) {
	txs := []ledger.PointTransaction{
		{Kind: ledger.KindEarn, Amount: 500, Status: ledger.StatusUnlocked},
		{Kind: ledger.KindEarn, Amount: 300, Status: ledger.StatusLocked, LockUntil: at(48 * time.Hour)},
		{Kind: ledger.KindEarn, Amount: 200, Status: ledger.StatusLocked, LockUntil: at(24 * time.Hour)},
		{Kind: ledger.KindEarn, Amount: 700, Status: ledger.StatusCancelled},
		{Kind: ledger.KindEarn, Amount: 100, Status: ledger.StatusUnlocked, ExpiresAt: at(-time.Minute)},
		{Kind: ledger.KindSpend, Amount: -150, Status: ledger.StatusUnlocked},
	}

	bal := ledger.Calculate("alice", txs, t0)
	assert.Equal(t, int64(350), bal.Available)
	assert.Equal(t, int64(500), bal.Locked)
	require.NotNil(t, bal.NextUnlockAt)
	assert.True(t, bal.NextUnlockAt.Equal(t0.Add(24*time.Hour)), "earliest lock wins")

	totals := ledger.CalculateTotals(txs, t0)
	assert.Equal(t, ledger.Totals{UnlockedEarned: 500, Spent: 150, Expired: 100, Cancelled: 700}, totals)
	assert.Equal(t, totals.UnlockedEarned, bal.Available+totals.Spent)
}

func TestCalculate_EmptyHistory(t *testing.T) {
	bal := ledger.Calculate("alice", nil, t0)
	assert.Equal(t, int64(0), bal.Available)
	assert.Equal(t, int64(0), bal.Locked)
	assert.Nil(t, bal.NextUnlockAt)
}

func TestIsExpired_Boundary(t *testing.T) {
	tx := ledger.PointTransaction{ExpiresAt: at(0)}
	assert.True(t, tx.IsExpired(t0), "expires_at is exclusive")
	assert.False(t, tx.IsExpired(t0.Add(-time.Nanosecond)))
	assert.False(t, ledger.PointTransaction{}.IsExpired(t0))
}

func TestCanTransition(t *testing.T) {
	assert.True(t, ledger.CanTransition(ledger.StatusLocked, ledger.StatusUnlocked))
	assert.True(t, ledger.CanTransition(ledger.StatusLocked, ledger.StatusCancelled))
	assert.False(t, ledger.CanTransition(ledger.StatusUnlocked, ledger.StatusCancelled))
	assert.False(t, ledger.CanTransition(ledger.StatusCancelled, ledger.StatusUnlocked))
	assert.False(t, ledger.CanTransition(ledger.StatusUnlocked, ledger.StatusLocked))
	assert.True(t, ledger.StatusCancelled.Terminal())
	assert.False(t, ledger.StatusLocked.Terminal())
}

func TestCalendarBoundaries_Seoul(t *testing.T) {
	seoul := time.FixedZone("KST", 9*60*60)

	// 2026-02-28 23:30 Seoul
	late := time.Date(2026, 2, 28, 14, 30, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 2, 27, 15, 0, 0, 0, time.UTC), ledger.StartOfDay(late, seoul))
	assert.Equal(t, time.Date(2026, 1, 31, 15, 0, 0, 0, time.UTC), ledger.StartOfMonth(late, seoul))

	// 2026-03-01 00:30 Seoul is already March
	early := time.Date(2026, 2, 28, 15, 30, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 2, 28, 15, 0, 0, 0, time.UTC), ledger.StartOfMonth(early, seoul))
}
