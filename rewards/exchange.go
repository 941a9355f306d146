/*
exchange.go - Exchange Service

PURPOSE:
  Spends available points on an exhibition ticket at the price and monthly
  quota of the user's grade.

FLOW:
  1. grade stats          -> cost, quota
  2. exchanges this month -> QuotaExceeded if >= quota
  3. available balance    -> InsufficientPoints if < cost
  4. AppendSpend(ticket_purchase, source_id = exhibition), with a check that
     counts this month's unrefunded ticket_purchase rows against the quota
  5. InsertExchange(spend_tx_id = spend.ID)
  6. if 5 fails: AppendEarn(exchange_refund, reverses_id = spend.ID)

  Steps 4-6 behave as one unit from the caller's side: either the debit and
  the exchange row both exist, or the debit is matched by a refund row and
  the available balance is back where it started. The spend row is never
  deleted or edited.

  Steps 2 and 3 are fast paths for a clear message. AppendSpend repeats both
  inside the per-user lock of the ledger store, which is what actually keeps
  the balance from going negative and the quota from being passed by
  concurrent calls, across processes when the store is shared.
*/
package rewards

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/wonderbest23/galleryapp250527-sub003/ledger"
)

// ExchangeRequest asks for one ticket.
type ExchangeRequest struct {
	UserID       ledger.UserID
	ExhibitionID string
	VisitDate    time.Time
}

// ExchangeResult is a completed exchange and the balance left after it.
type ExchangeResult struct {
	Exchange  TicketExchange
	Remaining int64
}

type Exchanger struct {
	ledger   *ledger.Ledger
	store    Store
	grades   *GradeEngine
	policy   Policy
	recorder Recorder
	log      logrus.FieldLogger
}

func NewExchanger(l *ledger.Ledger, store Store, grades *GradeEngine, policy Policy, deps Deps) *Exchanger {
	deps = deps.withDefaults()
	return &Exchanger{
		ledger:   l,
		store:    store,
		grades:   grades,
		policy:   policy,
		recorder: deps.Recorder,
		log:      deps.Logger.WithField("component", "exchange"),
	}
}

func (x *Exchanger) Exchange(ctx context.Context, req ExchangeRequest) (ExchangeResult, error) {
	now := x.ledger.Clock().Now()
	switch {
	case req.UserID == "":
		return ExchangeResult{}, ledger.Invalidf("user is required")
	case req.ExhibitionID == "":
		return ExchangeResult{}, ledger.Invalidf("exhibition_id is required")
	case req.VisitDate.IsZero():
		return ExchangeResult{}, ledger.Invalidf("visit_date is required")
	case req.VisitDate.Before(ledger.StartOfDay(now, x.policy.Location)):
		return ExchangeResult{}, ledger.Invalidf("visit_date %s is in the past", req.VisitDate.In(x.policy.Location).Format("2006-01-02"))
	}

	log := x.log.WithFields(logrus.Fields{"user": req.UserID, "exhibition_id": req.ExhibitionID})

	stats, err := x.store.EnsureGradeStats(ctx, req.UserID, now)
	if err != nil {
		return ExchangeResult{}, err
	}
	cost := x.policy.ExchangeCost(stats.Grade)
	quota := x.policy.MonthlyQuota(stats.Grade)

	monthStart := ledger.StartOfMonth(now, x.policy.Location)
	used, err := x.store.CountExchanges(ctx, req.UserID, monthStart)
	if err != nil {
		return ExchangeResult{}, err
	}
	if used >= quota {
		err := reject(ErrQuotaExceeded, "monthly exchange quota %d reached", quota)
		x.rejected(log, err)
		return ExchangeResult{}, err
	}

	available, err := x.ledger.AvailablePoints(ctx, req.UserID)
	if err != nil {
		return ExchangeResult{}, err
	}
	if available < cost {
		err := &ledger.InsufficientPointsError{UserID: req.UserID, Required: cost, Available: available}
		x.rejected(log, err)
		return ExchangeResult{}, err
	}

	spend, err := x.ledger.AppendSpend(ctx, ledger.SpendRequest{
		UserID:   req.UserID,
		Points:   cost,
		Source:   ledger.SourceTicketPurchase,
		SourceID: req.ExhibitionID,
		Check: func(txs []ledger.PointTransaction, _ time.Time) error {
			used = purchasesSince(txs, monthStart)
			if used >= quota {
				return reject(ErrQuotaExceeded, "monthly exchange quota %d reached", quota)
			}
			return nil
		},
	})
	if err != nil {
		if ledger.IsBusinessRejection(err) || IsRejection(err) {
			x.rejected(log, err)
		}
		return ExchangeResult{}, err
	}

	ex := TicketExchange{
		ID:           uuid.NewString(),
		UserID:       req.UserID,
		ExhibitionID: req.ExhibitionID,
		PointsSpent:  cost,
		SpendTxID:    spend.ID,
		ExchangeDate: now,
		VisitDate:    req.VisitDate.UTC(),
		Status:       ExchangeReserved,
	}
	if err := x.store.InsertExchange(ctx, ex); err != nil {
		return ExchangeResult{}, x.compensate(ctx, log, spend, err)
	}

	stats.MonthlyExchangesUsed = used + 1
	stats.MonthlyExchangesResetAt = ledger.StartOfMonth(monthStart.In(x.policy.Location).AddDate(0, 1, 0), x.policy.Location)
	stats.UpdatedAt = now
	if err := x.store.SaveGradeStats(ctx, stats); err != nil {
		log.WithError(err).Warn("exchange counter update failed")
	}
	if _, err := x.grades.Recompute(ctx, req.UserID, TriggerExchange); err != nil {
		log.WithError(err).Warn("grade recompute failed")
	}

	remaining, err := x.ledger.AvailablePoints(ctx, req.UserID)
	if err != nil {
		return ExchangeResult{}, err
	}

	x.recorder.ExchangeCompleted(stats.Grade, cost)
	log.WithFields(logrus.Fields{"exchange_id": ex.ID, "points": cost, "remaining": remaining}).Info("ticket exchanged")
	return ExchangeResult{Exchange: ex, Remaining: remaining}, nil
}

// compensate appends the refund for a spend whose exchange row failed.
func (x *Exchanger) compensate(ctx context.Context, log logrus.FieldLogger, spend ledger.PointTransaction, cause error) error {
	log = log.WithField("spend_tx_id", spend.ID)
	_, err := x.ledger.AppendEarn(ctx, ledger.EarnRequest{
		UserID:     spend.UserID,
		Amount:     -spend.Amount,
		Source:     ledger.SourceExchangeRefund,
		SourceID:   spend.SourceID,
		ReversesID: spend.ID,
	})
	if err != nil {
		log.WithError(err).WithField("cause", cause).Error("exchange refund failed; spend is unmatched")
		return fmt.Errorf("exchange failed (%v) and refund failed: %w", cause, err)
	}
	x.recorder.ExchangeCompensated()
	log.WithError(cause).Warn("exchange insert failed; spend refunded")
	return fmt.Errorf("exchange not recorded: %w", cause)
}

func (x *Exchanger) rejected(log logrus.FieldLogger, err error) {
	x.recorder.ExchangeRejected(ledger.Code(err))
	log.WithError(err).Info("exchange rejected")
}

// purchasesSince counts ticket_purchase spends created at or after since
// that no exchange_refund row reverses.
func purchasesSince(txs []ledger.PointTransaction, since time.Time) int {
	refunded := make(map[ledger.TransactionID]bool)
	for _, tx := range txs {
		if tx.Source == ledger.SourceExchangeRefund && tx.ReversesID != "" {
			refunded[tx.ReversesID] = true
		}
	}
	n := 0
	for _, tx := range txs {
		if tx.Source == ledger.SourceTicketPurchase && !tx.CreatedAt.Before(since) && !refunded[tx.ID] {
			n++
		}
	}
	return n
}
