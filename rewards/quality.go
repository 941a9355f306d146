package rewards

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/wonderbest23/galleryapp250527-sub003/ledger"
	"github.com/wonderbest23/galleryapp250527-sub003/notify"
)

// ResolveResult is what a quality decision did to the ledger.
type ResolveResult struct {
	Check   QualityCheck
	Base    ledger.PointTransaction
	Bonuses []ledger.PointTransaction // bonus rows created or already present
}

// QualityGate applies reviewer decisions. It is the only path that creates
// deep_review and featured bonuses, and bonuses are never locked.
type QualityGate struct {
	ledger   *ledger.Ledger
	store    Store
	grades   *GradeEngine
	policy   Policy
	notifier Notifier
	recorder Recorder
	log      logrus.FieldLogger
}

func NewQualityGate(l *ledger.Ledger, store Store, grades *GradeEngine, policy Policy, deps Deps) *QualityGate {
	deps = deps.withDefaults()
	return &QualityGate{
		ledger:   l,
		store:    store,
		grades:   grades,
		policy:   policy,
		notifier: deps.Notifier,
		recorder: deps.Recorder,
		log:      deps.Logger.WithField("component", "quality"),
	}
}

// Resolve applies decision to the review's base earn.
//
//	approved        unlock (no-op if already swept) + bonuses, then recompute grade
//	rejected        cancel (InvalidState if already unlocked), then recompute grade
//	needs_revision  check row updated, ledger untouched
//
// Approved and rejected are final: replaying the same decision is a no-op,
// any other decision fails with ErrInvalidState. Deep and featured flags
// only ever turn on, since the bonus rows they stand for are never removed.
func (g *QualityGate) Resolve(ctx context.Context, reviewID string, decision Decision, flags QualityFlags) (ResolveResult, error) {
	if !ValidDecision(decision) {
		return ResolveResult{}, ledger.Invalidf("unknown decision %q", decision)
	}
	qc, err := g.store.QualityCheck(ctx, reviewID)
	if err != nil {
		return ResolveResult{}, err
	}
	if final(qc.QualityStatus) && decision != qc.QualityStatus {
		return ResolveResult{}, fmt.Errorf("%w: review %s is already %s", ledger.ErrInvalidState, reviewID, qc.QualityStatus)
	}

	log := g.log.WithFields(logrus.Fields{"review_id": reviewID, "user": qc.UserID, "decision": decision})
	var result ResolveResult

	switch decision {
	case QualityApproved:
		tr, err := g.ledger.Unlock(ctx, qc.TxID)
		if err != nil {
			return ResolveResult{}, err
		}
		result.Base = tr.Tx
		released := int64(0)
		if tr.Changed {
			released += tr.Tx.Amount
		}

		qc.IsDeepReview = qc.IsDeepReview || flags.IsDeepReview
		qc.IsFeatured = qc.IsFeatured || flags.IsFeatured

		if qc.IsDeepReview {
			bonus, created, err := g.bonus(ctx, qc, ledger.SourceDeepReview, g.policy.DeepReviewBonus)
			if err != nil {
				return ResolveResult{}, err
			}
			result.Bonuses = append(result.Bonuses, bonus)
			if created {
				released += bonus.Amount
			}
		}
		if qc.IsFeatured {
			bonus, created, err := g.bonus(ctx, qc, ledger.SourceFeatured, g.policy.FeaturedBonus)
			if err != nil {
				return ResolveResult{}, err
			}
			result.Bonuses = append(result.Bonuses, bonus)
			if created {
				released += bonus.Amount
			}
		}

		if released > 0 {
			g.notifier.Publish(notify.Event{
				Type:   notify.PointsUnlocked,
				UserID: string(qc.UserID),
				TxID:   string(qc.TxID),
				Points: released,
				At:     g.ledger.Clock().Now(),
			})
		}

	case QualityRejected:
		tr, err := g.ledger.Cancel(ctx, qc.TxID)
		if err != nil {
			return ResolveResult{}, err
		}
		result.Base = tr.Tx

	case QualityNeedsRevision:
		base, err := g.ledger.Reader().Transaction(ctx, qc.TxID)
		if err != nil {
			return ResolveResult{}, err
		}
		result.Base = base
	}

	now := g.ledger.Clock().Now()
	qc.QualityStatus = decision
	qc.QualityScore = flags.QualityScore
	qc.ResolvedAt = &now
	if err := g.store.SaveQualityCheck(ctx, qc); err != nil {
		return ResolveResult{}, err
	}
	result.Check = qc

	if decision != QualityNeedsRevision {
		if _, err := g.grades.Recompute(ctx, qc.UserID, TriggerActivity); err != nil {
			// The ledger change is committed; the daily refresh repairs the stats.
			log.WithError(err).Warn("grade recompute failed")
		}
	}

	g.recorder.QualityResolved(string(decision))
	log.Info("quality resolved")
	return result, nil
}

func final(status QualityStatus) bool {
	return status == QualityApproved || status == QualityRejected
}

// bonus appends an immediately unlocked bonus keyed by the review id.
// created is false when the bonus already existed.
func (g *QualityGate) bonus(ctx context.Context, qc QualityCheck, source ledger.Source, amount int64) (ledger.PointTransaction, bool, error) {
	tx, err := g.ledger.AppendEarn(ctx, ledger.EarnRequest{
		UserID:   qc.UserID,
		Amount:   amount,
		Source:   source,
		SourceID: qc.ReviewID,
	})
	if errors.Is(err, ledger.ErrDuplicateSource) {
		return tx, false, nil
	}
	if err != nil {
		return ledger.PointTransaction{}, false, err
	}
	return tx, true, nil
}
