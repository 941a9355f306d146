/*
grade.go - Grade Engine

PURPOSE:
  Turns the last 60 days of approved review activity into a loyalty tier.

WINDOW:
  Review earns with status = unlocked and created_at >= now - GradeWindow,
  joined to their QualityCheck by review id (source_id).

    approved   = number of rows in the window
    deep       = rows whose check is flagged deep review
    featured   = rows whose check is flagged featured
    avg rating = mean of non-zero check ratings, 2 decimal places

TRIGGERS:
  TriggerActivity  unlock, cancel, quality resolution. The review window
                   changed, so the computed grade is applied as is.
  TriggerExchange  a ticket exchange. Only the monthly quota moved.
  TriggerSchedule  the daily refresh.
  For exchange and schedule, counters are refreshed but a lower grade is
  only applied once the window is empty, so time alone never demotes a
  user who still has approved reviews in it.

The grade column is written only when it changes. Counters always are.
*/
package rewards

import (
	"context"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/wonderbest23/galleryapp250527-sub003/ledger"
	"github.com/wonderbest23/galleryapp250527-sub003/notify"
)

type Trigger string

const (
	TriggerActivity Trigger = "activity"
	TriggerExchange Trigger = "exchange"
	TriggerSchedule Trigger = "schedule"
)

// Window holds the rolling counters the tier rules read.
type Window struct {
	Approved  int
	Deep      int
	Featured  int
	AvgRating decimal.Decimal
}

// GradeResult is the outcome of one recompute.
type GradeResult struct {
	Stats    UserGradeStats
	Previous Grade
	Changed  bool
}

type GradeEngine struct {
	ledger   *ledger.Ledger
	store    Store
	policy   Policy
	notifier Notifier
	recorder Recorder
	log      logrus.FieldLogger
}

func NewGradeEngine(l *ledger.Ledger, store Store, policy Policy, deps Deps) *GradeEngine {
	deps = deps.withDefaults()
	return &GradeEngine{
		ledger:   l,
		store:    store,
		policy:   policy,
		notifier: deps.Notifier,
		recorder: deps.Recorder,
		log:      deps.Logger.WithField("component", "grade"),
	}
}

// Recompute refreshes the user's counters and grade.
func (e *GradeEngine) Recompute(ctx context.Context, user ledger.UserID, trigger Trigger) (GradeResult, error) {
	now := e.ledger.Clock().Now()

	stats, err := e.store.EnsureGradeStats(ctx, user, now)
	if err != nil {
		return GradeResult{}, err
	}
	w, err := e.window(ctx, user)
	if err != nil {
		return GradeResult{}, err
	}

	next := e.policy.Classify(w)
	if trigger != TriggerActivity && next.Rank() < stats.Grade.Rank() && w.Approved > 0 {
		next = stats.Grade
	}

	result := GradeResult{Previous: stats.Grade, Changed: next != stats.Grade}
	stats.ApprovedReviews60d = w.Approved
	stats.DeepReviews60d = w.Deep
	stats.FeaturedCount60d = w.Featured
	stats.AvgRating60d = w.AvgRating
	stats.Grade = next
	stats.UpdatedAt = now

	if err := e.store.SaveGradeStats(ctx, stats); err != nil {
		return GradeResult{}, err
	}
	result.Stats = stats

	if result.Changed {
		e.recorder.GradeChanged(result.Previous, next)
		e.notifier.Publish(notify.Event{
			Type:      notify.GradeChanged,
			UserID:    string(user),
			FromGrade: string(result.Previous),
			ToGrade:   string(next),
			At:        now,
		})
		e.log.WithFields(logrus.Fields{
			"user":    user,
			"from":    result.Previous,
			"to":      next,
			"trigger": trigger,
		}).Info("grade changed")
	}
	return result, nil
}

// Window computes the rolling counters without writing anything.
func (e *GradeEngine) Window(ctx context.Context, user ledger.UserID) (Window, error) {
	return e.window(ctx, user)
}

func (e *GradeEngine) window(ctx context.Context, user ledger.UserID) (Window, error) {
	txs, err := e.ledger.Transactions(ctx, user)
	if err != nil {
		return Window{}, err
	}
	since := e.ledger.Clock().Now().Add(-e.policy.GradeWindow)

	var reviewIDs []string
	for _, tx := range txs {
		if tx.Source == ledger.SourceReview && tx.Status == ledger.StatusUnlocked && !tx.CreatedAt.Before(since) {
			reviewIDs = append(reviewIDs, tx.SourceID)
		}
	}
	w := Window{Approved: len(reviewIDs), AvgRating: decimal.Zero}
	if len(reviewIDs) == 0 {
		return w, nil
	}

	checks, err := e.store.QualityChecks(ctx, reviewIDs)
	if err != nil {
		return Window{}, err
	}
	sum, rated := decimal.Zero, int64(0)
	for _, id := range reviewIDs {
		qc, ok := checks[id]
		if !ok {
			continue
		}
		if qc.IsDeepReview {
			w.Deep++
		}
		if qc.IsFeatured {
			w.Featured++
		}
		if qc.Rating > 0 {
			sum = sum.Add(decimal.NewFromInt(int64(qc.Rating)))
			rated++
		}
	}
	if rated > 0 {
		w.AvgRating = sum.Div(decimal.NewFromInt(rated)).Round(2)
	}
	return w, nil
}

// RefreshAll recomputes every known user with TriggerSchedule.
// A failing user is logged and skipped; the count of refreshed users is returned.
func (e *GradeEngine) RefreshAll(ctx context.Context) (int, error) {
	users, err := e.store.GradeUsers(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, u := range users {
		if ctx.Err() != nil {
			return n, ctx.Err()
		}
		if _, err := e.Recompute(ctx, u, TriggerSchedule); err != nil {
			e.log.WithField("user", u).WithError(err).Warn("grade refresh failed")
			continue
		}
		n++
	}
	return n, nil
}
