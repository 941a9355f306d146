/*
balance.go - Balance derivation

PURPOSE:
  Answers "how many points can this user spend right now, and how many
  are still pending?" by summing the user's rows. There is no stored
  balance field: the rows are the only source of truth.

FORMULAS:
  Available = Σ amount where status = unlocked
                          and (expires_at is null or expires_at > now)
              (spends are stored negative, so this single signed sum
               already subtracts them)

  Locked    = Σ amount where status = locked

  NextUnlockAt = min(lock_until) over locked rows

RECONCILIATION:
  Available + Σ|spend| == Σ unlocked non-expired earn amounts, always.
  Totals exposes both sides so tests and the cache reconciler can check it.

SEE ALSO:
  - cache.go: advisory read-through projection of Balance
  - ledger.go: AppendSpend checks Available inside the per-user lock
*/
package ledger

import (
	"context"
	"time"
)

// =============================================================================
// BALANCE
// =============================================================================

// Balance is the derived state of one user's account at AsOf.
type Balance struct {
	UserID       UserID
	AsOf         time.Time
	Available    int64
	Locked       int64
	NextUnlockAt *time.Time
}

// Totals breaks Available into its reconcilable parts.
type Totals struct {
	UnlockedEarned int64 // unlocked, non-expired earns
	Spent          int64 // magnitude of all spends
	Expired        int64 // unlocked earns past expires_at
	Cancelled      int64 // cancelled earns
}

// Calculate derives the balance of txs at now. txs must belong to one user.
func Calculate(user UserID, txs []PointTransaction, now time.Time) Balance {
	b := Balance{UserID: user, AsOf: now}
	for _, tx := range txs {
		switch tx.Status {
		case StatusUnlocked:
			if tx.Kind == KindEarn && tx.IsExpired(now) {
				continue
			}
			b.Available += tx.Amount
		case StatusLocked:
			b.Locked += tx.Amount
			if tx.LockUntil != nil && (b.NextUnlockAt == nil || tx.LockUntil.Before(*b.NextUnlockAt)) {
				b.NextUnlockAt = timePtr(*tx.LockUntil)
			}
		}
	}
	return b
}

// CalculateTotals sums the parts Available is made of.
func CalculateTotals(txs []PointTransaction, now time.Time) Totals {
	var t Totals
	for _, tx := range txs {
		switch {
		case tx.Kind == KindSpend:
			t.Spent += -tx.Amount
		case tx.Status == StatusCancelled:
			t.Cancelled += tx.Amount
		case tx.Status == StatusUnlocked && tx.IsExpired(now):
			t.Expired += tx.Amount
		case tx.Status == StatusUnlocked:
			t.UnlockedEarned += tx.Amount
		}
	}
	return t
}

// =============================================================================
// BALANCE CALCULATOR - Reads rows from a Reader
// =============================================================================

// Calculator derives balances from a Reader (a Store, or a Tx inside WithUser).
type Calculator struct {
	Clock Clock
}

// Balance loads the user's rows through r and derives the balance.
func (c Calculator) Balance(ctx context.Context, r Reader, user UserID) (Balance, error) {
	txs, err := r.UserTransactions(ctx, user)
	if err != nil {
		return Balance{}, err
	}
	return Calculate(user, txs, c.now()), nil
}

func (c Calculator) now() time.Time {
	if c.Clock == nil {
		return time.Now().UTC()
	}
	return c.Clock.Now()
}
