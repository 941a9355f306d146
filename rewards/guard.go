package rewards

import (
	"context"
	"time"

	"github.com/wonderbest23/galleryapp250527-sub003/ledger"
)

// GuardRequest describes a review earn about to be posted.
type GuardRequest struct {
	Account      Account
	ExhibitionID string
}

// Guard enforces the review abuse limits.
//
// The checks read the store at call time and accept a check-then-act race:
// two concurrent reviews may both pass the daily count. The ledger's
// (source, source_id) index still rejects exact duplicates.
type Guard struct {
	reader ledger.Reader
	policy Policy
	clock  ledger.Clock
}

func NewGuard(reader ledger.Reader, policy Policy, clock ledger.Clock) *Guard {
	return &Guard{reader: reader, policy: policy, clock: clock}
}

// Check runs, in order: account age, duplicate (user, exhibition), daily
// limit, monthly limit. The first failure is returned.
func (g *Guard) Check(ctx context.Context, req GuardRequest) error {
	now := g.clock.Now()
	user := req.Account.UserID

	if age := now.Sub(req.Account.CreatedAt); age < g.policy.Limits.MinAccountAge {
		return reject(ErrAccountTooNew, "account must be at least %d days old", days(g.policy.Limits.MinAccountAge))
	}

	if req.ExhibitionID == "" {
		return ledger.Invalidf("exhibition_id is required")
	}
	n, err := g.reader.CountEarns(ctx, user, ledger.SourceReview, req.ExhibitionID, time.Time{})
	if err != nil {
		return err
	}
	if n > 0 {
		return reject(ErrDuplicateReview, "exhibition %s already reviewed", req.ExhibitionID)
	}

	today, err := g.reader.CountEarns(ctx, user, ledger.SourceReview, "", ledger.StartOfDay(now, g.policy.Location))
	if err != nil {
		return err
	}
	if today >= g.policy.Limits.DailyReviews {
		return reject(ErrDailyLimitExceeded, "daily limit %d reached", g.policy.Limits.DailyReviews)
	}

	month, err := g.reader.CountEarns(ctx, user, ledger.SourceReview, "", ledger.StartOfMonth(now, g.policy.Location))
	if err != nil {
		return err
	}
	if month >= g.policy.Limits.MonthlyReviews {
		return reject(ErrMonthlyLimitExceeded, "monthly limit %d reached", g.policy.Limits.MonthlyReviews)
	}
	return nil
}

func days(d time.Duration) int {
	return int(d / (24 * time.Hour))
}
