/*
ledger.go - Points ledger operations

PURPOSE:
  The Ledger is the only writer of point transactions. It owns the state
  machine and the idempotency guard, and it wraps every mutation in the
  store's per-user serialization so earn, spend, unlock and cancel calls
  for one user can never interleave into a negative or double-counted
  balance.

OPERATIONS:
  AppendEarn   locked earn (or unlocked when lockDuration == 0)
  Unlock       locked -> unlocked, no-op if already unlocked
  Cancel       locked -> cancelled, no-op if already cancelled
  AppendSpend  balance check + negative unlocked row, one critical section

CORRECTIONS:
  Approved points cannot be revoked through Cancel. A compensating row is
  appended instead, which keeps the audit trail intact.

RETRIES:
  Store failures classified as Transient are retried with exponential
  backoff up to RetryPolicy.MaxAttempts. Retrying AppendEarn is safe: the
  (source, source_id) guard turns a replayed insert into DuplicateSource.

SEE ALSO:
  - store.go: persistence contract
  - balance.go: derivation used by AppendSpend and Balance
*/
package ledger

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// =============================================================================
// OBSERVER - Hooks for metrics
// =============================================================================

// Observer receives ledger events. Implementations must not block.
type Observer interface {
	TransactionAppended(tx PointTransaction)
	StatusChanged(tx PointTransaction, from Status)
	Retried(op string, err error)
	CacheMismatch(user UserID)
}

type nopObserver struct{}

func (nopObserver) TransactionAppended(PointTransaction)   {}
func (nopObserver) StatusChanged(PointTransaction, Status) {}
func (nopObserver) Retried(string, error)                  {}
func (nopObserver) CacheMismatch(UserID)                   {}

// =============================================================================
// LEDGER
// =============================================================================

// Options configures a Ledger. Zero values pick sensible defaults.
type Options struct {
	Clock    Clock
	Retry    RetryPolicy
	Expiry   time.Duration // lifetime of an earn once unlockable; 0 means never expires
	Cache    *BalanceCache // optional advisory projection
	Observer Observer
	Logger   logrus.FieldLogger
}

type Ledger struct {
	store    Store
	clock    Clock
	retry    RetryPolicy
	expiry   time.Duration
	cache    *BalanceCache
	observer Observer
	log      logrus.FieldLogger
}

func New(store Store, opts Options) *Ledger {
	l := &Ledger{
		store:    store,
		clock:    opts.Clock,
		retry:    opts.Retry,
		expiry:   opts.Expiry,
		cache:    opts.Cache,
		observer: opts.Observer,
		log:      opts.Logger,
	}
	if l.clock == nil {
		l.clock = SystemClock{}
	}
	if l.retry.MaxAttempts == 0 {
		l.retry = DefaultRetryPolicy()
	}
	if l.observer == nil {
		l.observer = nopObserver{}
	}
	if l.log == nil {
		quiet := logrus.New()
		quiet.SetOutput(io.Discard)
		l.log = quiet
	}
	l.log = l.log.WithField("component", "ledger")
	return l
}

// Reader exposes the read side of the underlying store.
func (l *Ledger) Reader() Reader { return l.store }

// Clock returns the ledger's clock.
func (l *Ledger) Clock() Clock { return l.clock }

// =============================================================================
// EARN
// =============================================================================

// AppendEarn records an earn in locked status with lock_until = now + LockDuration.
// A zero LockDuration records it immediately unlocked.
//
// If a non-cancelled earn already holds (Source, SourceID), the existing row
// is returned together with a *DuplicateSourceError.
func (l *Ledger) AppendEarn(ctx context.Context, req EarnRequest) (PointTransaction, error) {
	if err := validateEarn(req); err != nil {
		return PointTransaction{}, err
	}

	now := l.clock.Now()
	row := PointTransaction{
		ID:         TransactionID(uuid.NewString()),
		UserID:     req.UserID,
		Kind:       KindEarn,
		Amount:     req.Amount,
		Source:     req.Source,
		SourceID:   req.SourceID,
		TargetID:   req.TargetID,
		ReversesID: req.ReversesID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	eligible := now
	if req.LockDuration > 0 {
		eligible = now.Add(req.LockDuration)
		row.Status = StatusLocked
		row.LockUntil = timePtr(eligible)
	} else {
		row.Status = StatusUnlocked
		row.UnlockedAt = timePtr(now)
	}
	if l.expiry > 0 {
		row.ExpiresAt = timePtr(eligible.Add(l.expiry))
	}

	err := l.withUser(ctx, "append_earn", req.UserID, func(tx Tx) error {
		if req.Source.Guarded() {
			existing, found, err := tx.EarnBySource(ctx, req.Source, req.SourceID)
			if err != nil {
				return err
			}
			if found {
				return &DuplicateSourceError{Source: req.Source, SourceID: req.SourceID, Existing: existing}
			}
		}
		return tx.Insert(ctx, row)
	})

	var dup *DuplicateSourceError
	switch {
	case errors.As(err, &dup):
		return dup.Existing, dup
	case errors.Is(err, ErrDuplicateSource):
		// Lost a race against another user's lock; the unique index caught it.
		existing, found, lookupErr := l.store.EarnBySource(ctx, req.Source, req.SourceID)
		if lookupErr != nil {
			return PointTransaction{}, lookupErr
		}
		if !found {
			return PointTransaction{}, err
		}
		return existing, &DuplicateSourceError{Source: req.Source, SourceID: req.SourceID, Existing: existing}
	case err != nil:
		return PointTransaction{}, err
	}

	l.committed(req.UserID)
	l.observer.TransactionAppended(row)
	l.log.WithFields(logrus.Fields{
		"tx_id":  row.ID,
		"user":   row.UserID,
		"source": row.Source,
		"amount": row.Amount,
		"status": row.Status,
	}).Debug("earn appended")
	return row, nil
}

func validateEarn(req EarnRequest) error {
	switch {
	case req.UserID == "":
		return Invalidf("user is required")
	case req.Amount <= 0:
		return Invalidf("earn amount must be positive, got %d", req.Amount)
	case req.LockDuration < 0:
		return Invalidf("lock duration must not be negative")
	}
	switch req.Source {
	case SourceReview, SourceDeepReview, SourceFeatured, SourceVisit, SourceExchangeRefund:
	default:
		return Invalidf("source %q cannot earn points", req.Source)
	}
	if req.Source.Guarded() && req.SourceID == "" {
		return Invalidf("source_id is required for %s", req.Source)
	}
	return nil
}

// =============================================================================
// TRANSITIONS
// =============================================================================

// Unlock moves a locked row to unlocked. Already unlocked is a no-op;
// a cancelled row fails with *InvalidStateError.
func (l *Ledger) Unlock(ctx context.Context, id TransactionID) (Transition, error) {
	return l.transition(ctx, id, StatusUnlocked)
}

// Cancel moves a locked row to cancelled. Already cancelled is a no-op;
// an unlocked row fails with *InvalidStateError.
func (l *Ledger) Cancel(ctx context.Context, id TransactionID) (Transition, error) {
	return l.transition(ctx, id, StatusCancelled)
}

func (l *Ledger) transition(ctx context.Context, id TransactionID, to Status) (Transition, error) {
	op := "unlock"
	if to == StatusCancelled {
		op = "cancel"
	}

	// The owner is needed to pick the critical section.
	var cur PointTransaction
	err := l.retry.run(ctx, func() error {
		var err error
		cur, err = l.store.Transaction(ctx, id)
		return err
	}, l.onRetry(op))
	if err != nil {
		return Transition{}, err
	}

	var (
		result Transition
		from   Status
	)
	err = l.withUser(ctx, op, cur.UserID, func(tx Tx) error {
		row, err := tx.Transaction(ctx, id)
		if err != nil {
			return err
		}
		from = row.Status
		if row.Status == to {
			result = Transition{Tx: row}
			return nil
		}
		if !CanTransition(row.Status, to) {
			return &InvalidStateError{TxID: id, From: row.Status, To: to}
		}

		now := l.clock.Now()
		if err := tx.SetStatus(ctx, id, row.Status, to, now); err != nil {
			if errors.Is(err, ErrStaleStatus) {
				return &InvalidStateError{TxID: id, From: row.Status, To: to}
			}
			return err
		}
		row.Status = to
		row.UpdatedAt = now
		if to == StatusUnlocked {
			row.UnlockedAt = timePtr(now)
		}
		result = Transition{Tx: row, Changed: true}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrInvalidState) {
			l.log.WithFields(logrus.Fields{"tx_id": id, "user": cur.UserID, "to": to}).
				WithError(err).Error("illegal transition rejected")
		}
		return Transition{}, err
	}

	if result.Changed {
		l.committed(cur.UserID)
		l.observer.StatusChanged(result.Tx, from)
	}
	return result, nil
}

// =============================================================================
// SPEND
// =============================================================================

// AppendSpend checks the available balance and records a negative, unlocked
// row in the same critical section. req.Check, when set, runs first in that
// section and its error aborts the spend unchanged.
func (l *Ledger) AppendSpend(ctx context.Context, req SpendRequest) (PointTransaction, error) {
	switch {
	case req.UserID == "":
		return PointTransaction{}, Invalidf("user is required")
	case req.Points <= 0:
		return PointTransaction{}, Invalidf("spend must be positive, got %d", req.Points)
	case req.Source != SourceTicketPurchase && req.Source != SourceRewardRedeem:
		return PointTransaction{}, Invalidf("source %q cannot spend points", req.Source)
	}

	var row PointTransaction
	err := l.withUser(ctx, "append_spend", req.UserID, func(tx Tx) error {
		now := l.clock.Now()
		txs, err := tx.UserTransactions(ctx, req.UserID)
		if err != nil {
			return err
		}
		if req.Check != nil {
			if err := req.Check(txs, now); err != nil {
				return err
			}
		}
		bal := Calculate(req.UserID, txs, now)
		if bal.Available < req.Points {
			return &InsufficientPointsError{UserID: req.UserID, Required: req.Points, Available: bal.Available}
		}
		row = PointTransaction{
			ID:         TransactionID(uuid.NewString()),
			UserID:     req.UserID,
			Kind:       KindSpend,
			Amount:     -req.Points,
			Source:     req.Source,
			SourceID:   req.SourceID,
			Status:     StatusUnlocked,
			UnlockedAt: timePtr(now),
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		return tx.Insert(ctx, row)
	})
	if err != nil {
		return PointTransaction{}, err
	}

	l.committed(req.UserID)
	l.observer.TransactionAppended(row)
	return row, nil
}

// =============================================================================
// READS
// =============================================================================

// Balance returns the user's balance, served from the advisory cache when fresh.
func (l *Ledger) Balance(ctx context.Context, user UserID) (Balance, error) {
	if l.cache != nil {
		if b, ok := l.cache.Get(user); ok {
			return b, nil
		}
	}
	b, err := l.derive(ctx, user)
	if err != nil {
		return Balance{}, err
	}
	if l.cache != nil {
		l.cache.Set(b)
	}
	return b, nil
}

// AvailablePoints is the spendable balance, always derived from rows.
func (l *Ledger) AvailablePoints(ctx context.Context, user UserID) (int64, error) {
	b, err := l.derive(ctx, user)
	return b.Available, err
}

// LockedPoints is the pending balance, always derived from rows.
func (l *Ledger) LockedPoints(ctx context.Context, user UserID) (int64, error) {
	b, err := l.derive(ctx, user)
	return b.Locked, err
}

// Transactions returns the user's full history.
func (l *Ledger) Transactions(ctx context.Context, user UserID) ([]PointTransaction, error) {
	var txs []PointTransaction
	err := l.retry.run(ctx, func() error {
		var err error
		txs, err = l.store.UserTransactions(ctx, user)
		return err
	}, l.onRetry("transactions"))
	return txs, err
}

// Reconcile compares the cached projection with the derived balance.
// A mismatch is a bug: it is logged, counted and the entry is dropped.
func (l *Ledger) Reconcile(ctx context.Context, user UserID) (bool, error) {
	if l.cache == nil {
		return true, nil
	}
	cached, ok := l.cache.Get(user)
	if !ok {
		return true, nil
	}
	derived, err := l.derive(ctx, user)
	if err != nil {
		return false, err
	}
	if cached.Available == derived.Available && cached.Locked == derived.Locked {
		return true, nil
	}
	l.cache.Invalidate(user)
	l.observer.CacheMismatch(user)
	l.log.WithFields(logrus.Fields{
		"user":              user,
		"cached_available":  cached.Available,
		"derived_available": derived.Available,
		"cached_locked":     cached.Locked,
		"derived_locked":    derived.Locked,
	}).Error("balance cache mismatch")
	return false, nil
}

func (l *Ledger) derive(ctx context.Context, user UserID) (Balance, error) {
	var b Balance
	err := l.retry.run(ctx, func() error {
		var err error
		b, err = Calculator{Clock: l.clock}.Balance(ctx, l.store, user)
		return err
	}, l.onRetry("balance"))
	return b, err
}

// =============================================================================
// HELPERS
// =============================================================================

func (l *Ledger) withUser(ctx context.Context, op string, user UserID, fn func(Tx) error) error {
	return l.retry.run(ctx, func() error {
		return l.store.WithUser(ctx, user, fn)
	}, l.onRetry(op))
}

func (l *Ledger) onRetry(op string) func(error) {
	return func(err error) {
		l.observer.Retried(op, err)
		l.log.WithField("op", op).WithError(err).Warn("retrying transient failure")
	}
}

func (l *Ledger) committed(user UserID) {
	if l.cache != nil {
		l.cache.Invalidate(user)
	}
}
