/*
store.go - Persistence contract for point transactions

PURPOSE:
  Defines the interface between the ledger logic and the database.
  Implementations: ledger/store (memory), store/sqlite, store/postgres.

PER-USER SERIALIZATION:
  Every mutation runs inside WithUser. The implementation guarantees that
  two WithUser calls for the same user never interleave, and that fn's
  writes commit atomically (or not at all if fn returns an error).
  Different users run in parallel where the backend allows it.

  The critical section is "read current rows, decide, write one row".
  Keep fn short: no network calls, no sleeps.

APPEND-ONLY CONTRACT:
  - Insert(): the only way to add a row
  - SetStatus(): compare-and-set of the status column, nothing else
  - NO Delete. NO amount updates.

IDEMPOTENCY:
  Insert of a guarded earn (Source.Guarded) whose (source, source_id) is
  already held by a non-cancelled earn fails with ErrDuplicateSource.
  This is enforced by the storage itself (unique partial index), so it
  holds even when two different users race for the same source.

SEE ALSO:
  - ledger.go: the operations built on top of this contract
*/
package ledger

import (
	"context"
	"time"
)

// Reader is the read side shared by Store and Tx.
type Reader interface {
	// Transaction returns a row by id, or ErrNotFound.
	Transaction(ctx context.Context, id TransactionID) (PointTransaction, error)

	// UserTransactions returns all rows of a user ordered by CreatedAt.
	UserTransactions(ctx context.Context, user UserID) ([]PointTransaction, error)

	// EarnBySource returns the non-cancelled earn holding (source, sourceID)
	// for any user. found is false when none exists.
	EarnBySource(ctx context.Context, source Source, sourceID string) (tx PointTransaction, found bool, err error)

	// CountEarns counts a user's earns of a source created at or after since,
	// regardless of status. A non-empty targetID restricts to that target.
	CountEarns(ctx context.Context, user UserID, source Source, targetID string, since time.Time) (int, error)

	// DueLocked returns up to limit locked rows with lock_until <= asOf,
	// oldest lock first.
	DueLocked(ctx context.Context, asOf time.Time, limit int) ([]PointTransaction, error)
}

// Tx is the view handed to a WithUser callback.
type Tx interface {
	Reader

	// Insert appends a new row.
	Insert(ctx context.Context, tx PointTransaction) error

	// SetStatus moves a row from one status to another and stamps updated_at
	// (and unlocked_at when to == StatusUnlocked). Returns ErrStaleStatus
	// if the row is not currently in status from.
	SetStatus(ctx context.Context, id TransactionID, from, to Status, at time.Time) error
}

// Store is the full persistence interface.
type Store interface {
	Reader

	// WithUser runs fn under the per-user serialization for user inside a
	// single storage transaction. If fn returns an error nothing is committed.
	WithUser(ctx context.Context, user UserID, fn func(Tx) error) error
}
