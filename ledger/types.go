/*
Package ledger provides the points ledger core.

PURPOSE:
  Every economic event on a user's points account is one PointTransaction.
  Earned points start LOCKED, later become UNLOCKED (spendable) or are
  CANCELLED. Spends are recorded as negative, immediately unlocked rows.
  The balance is never stored: it is always derived from the rows.

KEY CONCEPTS IN THIS FILE (types.go):
  - PointTransaction: one row per economic event
  - Kind: earn or spend
  - Source: origin of the event (review, visit, ticket purchase, ...)
  - Status: locked -> unlocked | locked -> cancelled (see CanTransition)

STATE MACHINE:

      ┌────────┐  Unlock   ┌──────────┐
      │ locked │──────────▶│ unlocked │  (terminal)
      └────────┘           └──────────┘
           │     Cancel    ┌───────────┐
           └──────────────▶│ cancelled │ (terminal)
                           └───────────┘

  Rows are never deleted and amounts are never edited. Corrections are
  appended as new rows.

SEE ALSO:
  - ledger.go: AppendEarn, Unlock, Cancel, AppendSpend
  - balance.go: Available / Locked derivation
  - store.go: persistence contract
*/
package ledger

import (
	"time"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type UserID string
type TransactionID string

// =============================================================================
// ENUMS
// =============================================================================

type Kind string

const (
	KindEarn  Kind = "earn"
	KindSpend Kind = "spend"
)

type Source string

const (
	SourceReview         Source = "review"
	SourceDeepReview     Source = "deep_review"
	SourceFeatured       Source = "featured"
	SourceVisit          Source = "visit"
	SourceTicketPurchase Source = "ticket_purchase"
	SourceRewardRedeem   Source = "reward_redeem"
	SourceExchangeRefund Source = "exchange_refund" // compensates a failed exchange
)

// Guarded reports whether earns from this source are subject to the
// (source, source_id) idempotency guard.
func (s Source) Guarded() bool {
	switch s {
	case SourceReview, SourceDeepReview, SourceFeatured, SourceVisit:
		return true
	}
	return false
}

// Valid reports whether s is a known source.
func (s Source) Valid() bool {
	switch s {
	case SourceReview, SourceDeepReview, SourceFeatured, SourceVisit,
		SourceTicketPurchase, SourceRewardRedeem, SourceExchangeRefund:
		return true
	}
	return false
}

type Status string

const (
	StatusLocked    Status = "locked"
	StatusUnlocked  Status = "unlocked"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusUnlocked || s == StatusCancelled
}

// CanTransition reports whether from -> to is a legal forward move.
func CanTransition(from, to Status) bool {
	return from == StatusLocked && (to == StatusUnlocked || to == StatusCancelled)
}

// =============================================================================
// POINT TRANSACTION
// =============================================================================

// PointTransaction is one economic event on a user's account.
//
// INVARIANTS:
//   - Amount > 0 for earns, < 0 for spends. Never edited after insert.
//   - Status only moves forward (see CanTransition).
//   - UnlockedAt is set iff Status == StatusUnlocked.
//   - LockUntil is nil iff the row was never locked.
type PointTransaction struct {
	ID         TransactionID
	UserID     UserID
	Kind       Kind
	Amount     int64
	Source     Source
	SourceID   string
	TargetID   string        // exhibition the action is about, if any
	ReversesID TransactionID // spend compensated by this earn, if any
	Status     Status

	LockUntil  *time.Time
	UnlockedAt *time.Time
	ExpiresAt  *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsExpired reports whether an earn no longer counts toward the available balance.
func (t PointTransaction) IsExpired(now time.Time) bool {
	return t.ExpiresAt != nil && !t.ExpiresAt.After(now)
}

// Transition is the outcome of Unlock or Cancel.
// Changed is false when the call was a no-op on an already terminal row.
type Transition struct {
	Tx      PointTransaction
	Changed bool
}

// EarnRequest describes a new earn.
type EarnRequest struct {
	UserID       UserID
	Amount       int64
	Source       Source
	SourceID     string
	TargetID     string
	ReversesID   TransactionID
	LockDuration time.Duration // 0 means immediately unlocked
}

// SpendRequest describes a new spend. Points is the positive magnitude.
type SpendRequest struct {
	UserID   UserID
	Points   int64
	Source   Source
	SourceID string

	// Check sees the user's rows under the per-user lock and may veto the spend.
	Check func(txs []PointTransaction, now time.Time) error
}
