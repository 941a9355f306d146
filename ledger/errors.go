/*
errors.go - Error taxonomy for the ledger core

PURPOSE:
  All ledger error types in one place. Every error a caller may need to
  render carries a stable Code() so transports never parse messages.

ERROR CATEGORIES:
  1. Idempotency - DuplicateSource (success-equivalent, existing row returned)
  2. State machine - InvalidState (race or bug, logged at error severity)
  3. Business - InsufficientPoints (user-visible, never retried)
  4. Storage - Transient (timeouts, busy database; retried with backoff)

USAGE:
  tx, err := l.AppendEarn(ctx, req)
  if errors.Is(err, ledger.ErrDuplicateSource) {
      // tx is the row that already exists
  }

SEE ALSO:
  - rewards/errors.go: guard and exchange rejections
  - api/errors.go: mapping to HTTP status codes
*/
package ledger

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrDuplicateSource is returned when a non-cancelled earn with the same
	// (source, source_id) already exists. Callers treat it as success.
	ErrDuplicateSource = errors.New("duplicate source")

	// ErrInvalidState is returned for an illegal status transition.
	ErrInvalidState = errors.New("invalid state transition")

	// ErrStaleStatus is returned by a Store when a compare-and-set status
	// write finds the row no longer in the expected status.
	ErrStaleStatus = errors.New("stale status")

	// ErrInsufficientPoints is returned when a spend exceeds the available balance.
	ErrInsufficientPoints = errors.New("insufficient points")

	// ErrNotFound is returned when a referenced row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidRequest is returned for malformed input (bad amount, unknown source).
	ErrInvalidRequest = errors.New("invalid request")

	// ErrTransient is returned for storage timeouts and unavailability.
	// Safe to retry.
	ErrTransient = errors.New("transient storage failure")
)

// Coded is implemented by errors that expose a stable machine-readable code.
type Coded interface {
	error
	Code() string
}

// Code returns the stable code for err, or "internal" when none applies.
func Code(err error) string {
	var c Coded
	if errors.As(err, &c) {
		return c.Code()
	}
	switch {
	case errors.Is(err, ErrDuplicateSource):
		return "duplicate_source"
	case errors.Is(err, ErrInvalidState), errors.Is(err, ErrStaleStatus):
		return "invalid_state"
	case errors.Is(err, ErrInsufficientPoints):
		return "insufficient_points"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidRequest):
		return "invalid_request"
	case errors.Is(err, ErrTransient):
		return "unavailable"
	}
	return "internal"
}

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// DuplicateSourceError carries the transaction that already holds the source.
type DuplicateSourceError struct {
	Source   Source
	SourceID string
	Existing PointTransaction
}

func (e *DuplicateSourceError) Error() string {
	return fmt.Sprintf("duplicate source: %s/%s already credited (tx: %s)", e.Source, e.SourceID, e.Existing.ID)
}

func (e *DuplicateSourceError) Unwrap() error { return ErrDuplicateSource }
func (e *DuplicateSourceError) Code() string  { return "duplicate_source" }

// InvalidStateError names the attempted transition.
type InvalidStateError struct {
	TxID TransactionID
	From Status
	To   Status
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("invalid state transition for %s: %s -> %s", e.TxID, e.From, e.To)
}

func (e *InvalidStateError) Unwrap() error { return ErrInvalidState }
func (e *InvalidStateError) Code() string  { return "invalid_state" }

// InsufficientPointsError reports the shortfall of a spend.
type InsufficientPointsError struct {
	UserID    UserID
	Required  int64
	Available int64
}

func (e *InsufficientPointsError) Error() string {
	return fmt.Sprintf("insufficient points: required %dP, have %dP", e.Required, e.Available)
}

func (e *InsufficientPointsError) Unwrap() error { return ErrInsufficientPoints }
func (e *InsufficientPointsError) Code() string  { return "insufficient_points" }

// TransientError wraps a storage failure that is safe to retry.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: transient storage failure: %v", e.Op, e.Err)
}

// Is matches ErrTransient while Unwrap keeps the driver error reachable.
func (e *TransientError) Is(target error) bool { return target == ErrTransient }
func (e *TransientError) Unwrap() error        { return e.Err }
func (e *TransientError) Code() string         { return "unavailable" }

// Invalidf returns an ErrInvalidRequest with a formatted reason.
func Invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransient)
}

// IsBusinessRejection returns true for user-visible rejections that are never retried.
func IsBusinessRejection(err error) bool {
	return errors.Is(err, ErrInsufficientPoints)
}
