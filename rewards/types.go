/*
Package rewards implements the points program built on the ledger core.

PURPOSE:
  The ledger knows rows and balances. This package knows WHY points move:
  a review earns locked points, a reviewer approves or rejects it, the
  sweeper unlocks what nobody reviewed, the grade engine turns approved
  activity into a loyalty tier, and the exchange service turns points into
  exhibition tickets under per-grade costs and quotas.

COMPONENTS:
  Guard         abuse limits checked before a review earn (guard.go)
  GradeEngine   60-day rolling tier computation (grade.go)
  QualityGate   approve / reject / needs_revision of a review (quality.go)
  Exchanger     ticket exchange with compensating rollback (exchange.go)
  Sweeper       time-based unlock of expired lock windows (sweeper.go)
  Service       facade wiring all of the above (service.go)

KEY TYPES IN THIS FILE (types.go):
  Grade, UserGradeStats, QualityCheck, TicketExchange

SEE ALSO:
  - policies.go: tier rules, costs, quotas, limits, bonuses
  - store.go: persistence contract for the tables in this file
  - ledger/: transactions and balances
*/
package rewards

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/wonderbest23/galleryapp250527-sub003/ledger"
)

// =============================================================================
// GRADE
// =============================================================================

type Grade string

const (
	GradeBronze   Grade = "bronze"
	GradeSilver   Grade = "silver"
	GradeGold     Grade = "gold"
	GradePlatinum Grade = "platinum"
)

// Rank orders grades from bronze (0) to platinum (3). Unknown grades rank as bronze.
func (g Grade) Rank() int {
	switch g {
	case GradeSilver:
		return 1
	case GradeGold:
		return 2
	case GradePlatinum:
		return 3
	}
	return 0
}

// UserGradeStats is the mutable per-user grade row. It is recomputed, never appended.
type UserGradeStats struct {
	UserID ledger.UserID
	Grade  Grade

	// Rolling 60-day window
	ApprovedReviews60d int
	AvgRating60d       decimal.Decimal
	DeepReviews60d     int
	FeaturedCount60d   int

	MonthlyExchangesUsed    int
	MonthlyExchangesResetAt time.Time

	NoShowWarnings int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewUserGradeStats returns the lazily created default row.
func NewUserGradeStats(user ledger.UserID, now time.Time) UserGradeStats {
	return UserGradeStats{
		UserID:       user,
		Grade:        GradeBronze,
		AvgRating60d: decimal.Zero,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// =============================================================================
// QUALITY CHECK
// =============================================================================

type QualityStatus string

const (
	QualityPending       QualityStatus = "pending"
	QualityApproved      QualityStatus = "approved"
	QualityNeedsRevision QualityStatus = "needs_revision"
	QualityRejected      QualityStatus = "rejected"
)

// Decision is what a reviewer may decide. Pending is not a decision.
type Decision = QualityStatus

func ValidDecision(d Decision) bool {
	return d == QualityApproved || d == QualityNeedsRevision || d == QualityRejected
}

// QualityCheck is one row per review-sourced earn, keyed by review id.
type QualityCheck struct {
	ReviewID      string
	UserID        ledger.UserID
	TxID          ledger.TransactionID
	QualityStatus QualityStatus
	IsDeepReview  bool
	IsFeatured    bool
	QualityScore  int
	Rating        int // 1-5 stars given by the reviewer; 0 when unknown
	CreatedAt     time.Time
	ResolvedAt    *time.Time
}

// QualityFlags are the reviewer's judgment attached to a decision.
type QualityFlags struct {
	IsDeepReview bool
	IsFeatured   bool
	QualityScore int
}

// =============================================================================
// TICKET EXCHANGE
// =============================================================================

type ExchangeStatus string

const (
	ExchangeReserved ExchangeStatus = "reserved"
)

// TicketExchange is one row per successful exchange. It always agrees with
// exactly one spend row (SpendTxID).
type TicketExchange struct {
	ID           string
	UserID       ledger.UserID
	ExhibitionID string
	PointsSpent  int64
	SpendTxID    ledger.TransactionID
	ExchangeDate time.Time
	VisitDate    time.Time
	Status       ExchangeStatus
}

// =============================================================================
// ACCOUNT (identity collaborator)
// =============================================================================

// Account is what the identity provider tells us about the caller.
type Account struct {
	UserID    ledger.UserID
	CreatedAt time.Time
}
