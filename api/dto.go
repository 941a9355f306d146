/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  JSON shapes of the external interface. Domain types never leave the
  package directly, so column renames never break clients.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

TIME FORMATS:
  Timestamps are RFC 3339 in UTC. visit_date is a local calendar date
  (YYYY-MM-DD) in the program timezone.

VALIDATION:
  Validation is done in handlers and the rewards package, not in DTOs.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/wonderbest23/galleryapp250527-sub003/ledger"
	"github.com/wonderbest23/galleryapp250527-sub003/rewards"
)

const dateLayout = "2006-01-02"

// =============================================================================
// REQUEST TYPES
// =============================================================================

// EarnRequest is posted by the review or visit subsystem for the user it
// verified the action of.
type EarnRequest struct {
	UserID   string `json:"user_id"`
	Amount   int64  `json:"amount"`
	Source   string `json:"source"`
	SourceID string `json:"source_id"`
	TargetID string `json:"target_id,omitempty"`

	// AccountCreatedAt is RFC 3339. Reviews need it for the account age rule.
	AccountCreatedAt string `json:"account_created_at,omitempty"`

	// LockSeconds overrides the default lock window. 0 posts a visit
	// unlocked; reviews are always locked.
	LockSeconds *int64 `json:"lock_seconds,omitempty"`

	Rating int `json:"rating,omitempty"`
}

type ResolveQualityRequest struct {
	Decision     string `json:"decision"`
	IsDeepReview bool   `json:"is_deep_review"`
	IsFeatured   bool   `json:"is_featured"`
	QualityScore int    `json:"quality_score"`
}

type ExchangeRequest struct {
	ExhibitionID string `json:"exhibition_id"`
	VisitDate    string `json:"visit_date"`
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

type TransactionDTO struct {
	ID         string  `json:"id"`
	UserID     string  `json:"user_id"`
	Kind       string  `json:"kind"`
	Amount     int64   `json:"amount"`
	Source     string  `json:"source"`
	SourceID   string  `json:"source_id,omitempty"`
	TargetID   string  `json:"target_id,omitempty"`
	ReversesID string  `json:"reverses_id,omitempty"`
	Status     string  `json:"status"`
	LockUntil  *string `json:"lock_until,omitempty"`
	UnlockedAt *string `json:"unlocked_at,omitempty"`
	ExpiresAt  *string `json:"expires_at,omitempty"`
	CreatedAt  string  `json:"created_at"`
}

type EarnResponse struct {
	Transaction TransactionDTO `json:"transaction"`
	Duplicate   bool           `json:"duplicate"`
}

type StatusDTO struct {
	UserID          string  `json:"user_id"`
	AvailablePoints int64   `json:"available_points"`
	LockedPoints    int64   `json:"locked_points"`
	NextUnlockAt    *string `json:"next_unlock_at,omitempty"`
	Grade           string  `json:"grade"`
	ExchangeCost    int64   `json:"exchange_cost"`
	MonthlyQuota    int     `json:"monthly_quota"`
	ExchangesUsed   int     `json:"exchanges_used"`
	ApprovedReviews int     `json:"approved_reviews_60d"`
}

type QualityCheckDTO struct {
	ReviewID      string  `json:"review_id"`
	UserID        string  `json:"user_id"`
	TxID          string  `json:"tx_id"`
	QualityStatus string  `json:"quality_status"`
	IsDeepReview  bool    `json:"is_deep_review"`
	IsFeatured    bool    `json:"is_featured"`
	QualityScore  int     `json:"quality_score"`
	ResolvedAt    *string `json:"resolved_at,omitempty"`
}

type ResolveResponse struct {
	Check   QualityCheckDTO  `json:"check"`
	Base    TransactionDTO   `json:"base"`
	Bonuses []TransactionDTO `json:"bonuses"`
}

type ExchangeDTO struct {
	ID           string `json:"id"`
	UserID       string `json:"user_id"`
	ExhibitionID string `json:"exhibition_id"`
	PointsSpent  int64  `json:"points_spent"`
	SpendTxID    string `json:"spend_tx_id"`
	ExchangeDate string `json:"exchange_date"`
	VisitDate    string `json:"visit_date"`
	Status       string `json:"status"`
}

type ExchangeResponse struct {
	Exchange        ExchangeDTO `json:"exchange"`
	RemainingPoints int64       `json:"remaining_points"`
}

type SweepResponse struct {
	Unlocked int `json:"unlocked"`
	Skipped  int `json:"skipped"`
	Failed   int `json:"failed"`
	Users    int `json:"users"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func toTransactionDTO(tx ledger.PointTransaction) TransactionDTO {
	return TransactionDTO{
		ID:         string(tx.ID),
		UserID:     string(tx.UserID),
		Kind:       string(tx.Kind),
		Amount:     tx.Amount,
		Source:     string(tx.Source),
		SourceID:   tx.SourceID,
		TargetID:   tx.TargetID,
		ReversesID: string(tx.ReversesID),
		Status:     string(tx.Status),
		LockUntil:  formatTimePtr(tx.LockUntil),
		UnlockedAt: formatTimePtr(tx.UnlockedAt),
		ExpiresAt:  formatTimePtr(tx.ExpiresAt),
		CreatedAt:  formatTime(tx.CreatedAt),
	}
}

func toTransactionDTOs(txs []ledger.PointTransaction) []TransactionDTO {
	out := make([]TransactionDTO, 0, len(txs))
	for _, tx := range txs {
		out = append(out, toTransactionDTO(tx))
	}
	return out
}

func toStatusDTO(user ledger.UserID, st rewards.Status) StatusDTO {
	return StatusDTO{
		UserID:          string(user),
		AvailablePoints: st.Balance.Available,
		LockedPoints:    st.Balance.Locked,
		NextUnlockAt:    formatTimePtr(st.Balance.NextUnlockAt),
		Grade:           string(st.Grade),
		ExchangeCost:    st.ExchangeCost,
		MonthlyQuota:    st.MonthlyQuota,
		ExchangesUsed:   st.ExchangesUsed,
		ApprovedReviews: st.ApprovedReviews,
	}
}

func toQualityCheckDTO(qc rewards.QualityCheck) QualityCheckDTO {
	return QualityCheckDTO{
		ReviewID:      qc.ReviewID,
		UserID:        string(qc.UserID),
		TxID:          string(qc.TxID),
		QualityStatus: string(qc.QualityStatus),
		IsDeepReview:  qc.IsDeepReview,
		IsFeatured:    qc.IsFeatured,
		QualityScore:  qc.QualityScore,
		ResolvedAt:    formatTimePtr(qc.ResolvedAt),
	}
}

func toExchangeDTO(ex rewards.TicketExchange, loc *time.Location) ExchangeDTO {
	return ExchangeDTO{
		ID:           ex.ID,
		UserID:       string(ex.UserID),
		ExhibitionID: ex.ExhibitionID,
		PointsSpent:  ex.PointsSpent,
		SpendTxID:    string(ex.SpendTxID),
		ExchangeDate: formatTime(ex.ExchangeDate),
		VisitDate:    ex.VisitDate.In(loc).Format(dateLayout),
		Status:       string(ex.Status),
	}
}
