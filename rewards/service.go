/*
service.go - The operations the outside world calls

PURPOSE:
  Service wires the ledger and every rewards component together and
  exposes the inbound operations. Transports (api/, cmd/) talk to this
  type only.

OPERATIONS:
  SubmitEarn      review or visit earn, guarded, locked by default
  GetStatus       available, locked, grade, next unlock, quota usage
  Transactions    full history of a user
  ResolveQuality  reviewer decision on a review earn
  Exchange        points -> ticket
  SweepUnlocks    one unlock sweep
  RefreshGrades   one scheduled grade refresh

IDEMPOTENCY:
  SubmitEarn looks the (source, source_id) up before running the Abuse
  Guard, so a replayed submission returns the existing row instead of a
  DuplicateReview rejection. The ledger index remains the hard backstop.
*/
package rewards

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/wonderbest23/galleryapp250527-sub003/ledger"
)

// SubmitEarnRequest is an earn reported by the review or visit subsystem.
type SubmitEarnRequest struct {
	Account  Account
	Amount   int64
	Source   ledger.Source
	SourceID string // review id or visit id
	TargetID string // exhibition id

	// LockDuration overrides the policy lock window. nil uses Policy.ReviewLock;
	// a zero duration posts a visit unlocked. Reviews must stay locked.
	LockDuration *time.Duration

	Rating int // review star rating, 0 when unknown
}

// SubmitEarnResult carries the posted row. Duplicate is true when the
// (source, source_id) was already credited and Tx is that earlier row.
type SubmitEarnResult struct {
	Tx        ledger.PointTransaction
	Duplicate bool
}

// Status is the account summary shown to a user.
type Status struct {
	Balance         ledger.Balance
	Grade           Grade
	ExchangeCost    int64
	MonthlyQuota    int
	ExchangesUsed   int
	ApprovedReviews int
}

type Service struct {
	ledger    *ledger.Ledger
	store     Store
	policy    Policy
	guard     *Guard
	grades    *GradeEngine
	quality   *QualityGate
	exchanger *Exchanger
	sweeper   *Sweeper
	recorder  Recorder
	log       logrus.FieldLogger
}

func NewService(l *ledger.Ledger, store Store, policy Policy, sweep SweeperConfig, deps Deps) *Service {
	deps = deps.withDefaults()
	grades := NewGradeEngine(l, store, policy, deps)
	return &Service{
		ledger:    l,
		store:     store,
		policy:    policy,
		guard:     NewGuard(l.Reader(), policy, l.Clock()),
		grades:    grades,
		quality:   NewQualityGate(l, store, grades, policy, deps),
		exchanger: NewExchanger(l, store, grades, policy, deps),
		sweeper:   NewSweeper(l, grades, policy, sweep, deps),
		recorder:  deps.Recorder,
		log:       deps.Logger.WithField("component", "rewards"),
	}
}

func (s *Service) Sweeper() *Sweeper { return s.sweeper }

func (s *Service) Ledger() *ledger.Ledger { return s.ledger }

// =============================================================================
// EARN
// =============================================================================

func (s *Service) SubmitEarn(ctx context.Context, req SubmitEarnRequest) (SubmitEarnResult, error) {
	switch req.Source {
	case ledger.SourceReview, ledger.SourceVisit:
	default:
		// Bonuses come from the Quality Gate, refunds from the Exchange Service.
		return SubmitEarnResult{}, ledger.Invalidf("source %q cannot be submitted", req.Source)
	}
	switch {
	case req.Account.UserID == "":
		return SubmitEarnResult{}, ledger.Invalidf("user is required")
	case req.SourceID == "":
		return SubmitEarnResult{}, ledger.Invalidf("source_id is required for %s", req.Source)
	case req.Rating < 0 || req.Rating > 5:
		return SubmitEarnResult{}, ledger.Invalidf("rating must be between 0 and 5, got %d", req.Rating)
	}
	if req.Source == ledger.SourceReview {
		// Without a target the duplicate-review rule has nothing to key on,
		// and an unlocked review would escape the Quality Gate veto.
		if req.TargetID == "" {
			return SubmitEarnResult{}, ledger.Invalidf("target_id is required for review")
		}
		if req.LockDuration != nil && *req.LockDuration <= 0 {
			return SubmitEarnResult{}, ledger.Invalidf("review earns must be locked")
		}
	}
	user := req.Account.UserID
	log := s.log.WithFields(logrus.Fields{"user": user, "source": req.Source, "source_id": req.SourceID})

	existing, found, err := s.ledger.Reader().EarnBySource(ctx, req.Source, req.SourceID)
	if err != nil {
		return SubmitEarnResult{}, err
	}
	if found {
		return s.duplicate(ctx, req, existing)
	}

	if req.Source == ledger.SourceReview {
		if err := s.guard.Check(ctx, GuardRequest{Account: req.Account, ExhibitionID: req.TargetID}); err != nil {
			if IsRejection(err) {
				s.recorder.GuardRejected(ledger.Code(err))
				log.WithError(err).Info("earn rejected by abuse guard")
			}
			return SubmitEarnResult{}, err
		}
	}

	now := s.ledger.Clock().Now()
	if _, err := s.store.EnsureGradeStats(ctx, user, now); err != nil {
		return SubmitEarnResult{}, err
	}

	lock := s.policy.ReviewLock
	if req.LockDuration != nil {
		lock = *req.LockDuration
	}
	tx, err := s.ledger.AppendEarn(ctx, ledger.EarnRequest{
		UserID:       user,
		Amount:       req.Amount,
		Source:       req.Source,
		SourceID:     req.SourceID,
		TargetID:     req.TargetID,
		LockDuration: lock,
	})
	if errors.Is(err, ledger.ErrDuplicateSource) {
		// Lost the race against a concurrent identical submission.
		return s.duplicate(ctx, req, tx)
	}
	if err != nil {
		return SubmitEarnResult{}, err
	}

	if err := s.ensureCheck(ctx, req, tx); err != nil {
		return SubmitEarnResult{}, err
	}
	s.recorder.EarnSubmitted(string(req.Source), false)
	log.WithFields(logrus.Fields{"tx_id": tx.ID, "amount": tx.Amount, "status": tx.Status}).Info("earn submitted")
	return SubmitEarnResult{Tx: tx}, nil
}

func (s *Service) duplicate(ctx context.Context, req SubmitEarnRequest, existing ledger.PointTransaction) (SubmitEarnResult, error) {
	if err := s.ensureCheck(ctx, req, existing); err != nil {
		return SubmitEarnResult{}, err
	}
	s.recorder.EarnSubmitted(string(req.Source), true)
	return SubmitEarnResult{Tx: existing, Duplicate: true}, &ledger.DuplicateSourceError{
		Source:   req.Source,
		SourceID: req.SourceID,
		Existing: existing,
	}
}

// ensureCheck creates the pending QualityCheck of a review earn if missing,
// which also repairs a submission that failed after its earn committed.
func (s *Service) ensureCheck(ctx context.Context, req SubmitEarnRequest, tx ledger.PointTransaction) error {
	if tx.Source != ledger.SourceReview {
		return nil
	}
	_, err := s.store.QualityCheck(ctx, tx.SourceID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ledger.ErrNotFound) {
		return err
	}
	return s.store.SaveQualityCheck(ctx, QualityCheck{
		ReviewID:      tx.SourceID,
		UserID:        tx.UserID,
		TxID:          tx.ID,
		QualityStatus: QualityPending,
		Rating:        req.Rating,
		CreatedAt:     tx.CreatedAt,
	})
}

// =============================================================================
// READS
// =============================================================================

func (s *Service) GetStatus(ctx context.Context, user ledger.UserID) (Status, error) {
	bal, err := s.ledger.Balance(ctx, user)
	if err != nil {
		return Status{}, err
	}
	stats, found, err := s.store.GradeStats(ctx, user)
	if err != nil {
		return Status{}, err
	}
	if !found {
		stats = NewUserGradeStats(user, bal.AsOf)
	}
	used, err := s.store.CountExchanges(ctx, user, ledger.StartOfMonth(s.ledger.Clock().Now(), s.policy.Location))
	if err != nil {
		return Status{}, err
	}
	return Status{
		Balance:         bal,
		Grade:           stats.Grade,
		ExchangeCost:    s.policy.ExchangeCost(stats.Grade),
		MonthlyQuota:    s.policy.MonthlyQuota(stats.Grade),
		ExchangesUsed:   used,
		ApprovedReviews: stats.ApprovedReviews60d,
	}, nil
}

func (s *Service) Transactions(ctx context.Context, user ledger.UserID) ([]ledger.PointTransaction, error) {
	return s.ledger.Transactions(ctx, user)
}

// =============================================================================
// QUALITY, EXCHANGE, SWEEP
// =============================================================================

func (s *Service) ResolveQuality(ctx context.Context, reviewID string, decision Decision, flags QualityFlags) (ResolveResult, error) {
	return s.quality.Resolve(ctx, reviewID, decision, flags)
}

func (s *Service) Exchange(ctx context.Context, req ExchangeRequest) (ExchangeResult, error) {
	return s.exchanger.Exchange(ctx, req)
}

func (s *Service) SweepUnlocks(ctx context.Context) (SweepResult, error) {
	return s.sweeper.RunOnce(ctx)
}

func (s *Service) RefreshGrades(ctx context.Context) (int, error) {
	return s.grades.RefreshAll(ctx)
}
