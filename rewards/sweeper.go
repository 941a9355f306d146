/*
sweeper.go - Unlock Sweeper and grade refresh scheduling

PURPOSE:
  Promotes locked earns whose lock window has elapsed, so points unlock 48h
  after creation even when no reviewer ever looks at them. The Quality Gate
  is an accelerator and a veto, not a requirement.

DESIGN:
  - robfig/cron drives two jobs: the sweep (default @every 5m) and the
    daily grade refresh (default @daily)
  - SkipIfStillRunning: a slow run is never overlapped by the next tick
  - No lock is held across a batch. Each row goes through Ledger.Unlock,
    which takes that user's lock for that row only. A Cancel that wins the
    lock first leaves the row cancelled and the sweep skips it.
  - A row whose unlock fails stays due. Later pages are widened by the
    failure count so newer rows behind it are still reached.
  - Users whose rows moved get one activity recompute and one notification
    per run

USAGE:
  s := rewards.NewSweeper(l, grades, policy, rewards.SweeperConfig{}, deps)
  if err := s.Start(); err != nil { ... }
  defer s.Stop(ctx)

  res, err := s.RunOnce(ctx) // manual or one-shot CLI run
*/
package rewards

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/wonderbest23/galleryapp250527-sub003/ledger"
	"github.com/wonderbest23/galleryapp250527-sub003/notify"
)

type SweeperConfig struct {
	Schedule             string // cron spec of the unlock sweep
	GradeRefreshSchedule string // cron spec of the daily grade refresh; "" disables it
	BatchSize            int
	RunTimeout           time.Duration // per scheduled run; 0 means none
}

func (c SweeperConfig) withDefaults() SweeperConfig {
	if c.Schedule == "" {
		c.Schedule = "@every 5m"
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	return c
}

// SweepResult counts what a run did.
type SweepResult struct {
	Unlocked int // rows that actually moved locked -> unlocked
	Skipped  int // rows another writer resolved first
	Failed   int
	Users    int
}

type Sweeper struct {
	ledger   *ledger.Ledger
	grades   *GradeEngine
	cfg      SweeperConfig
	location *time.Location
	notifier Notifier
	recorder Recorder
	log      logrus.FieldLogger

	mu   sync.Mutex
	cron *cron.Cron
}

func NewSweeper(l *ledger.Ledger, grades *GradeEngine, policy Policy, cfg SweeperConfig, deps Deps) *Sweeper {
	deps = deps.withDefaults()
	loc := policy.Location
	if loc == nil {
		loc = time.UTC
	}
	return &Sweeper{
		ledger:   l,
		grades:   grades,
		cfg:      cfg.withDefaults(),
		location: loc,
		notifier: deps.Notifier,
		recorder: deps.Recorder,
		log:      deps.Logger.WithField("component", "sweeper"),
	}
}

// Start schedules the jobs. Calling Start twice is an error.
func (s *Sweeper) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return errors.New("sweeper already started")
	}

	c := cron.New(
		cron.WithLocation(s.location),
		cron.WithChain(cron.Recover(cron.PrintfLogger(s.log)), cron.SkipIfStillRunning(cron.PrintfLogger(s.log))),
	)
	if _, err := c.AddFunc(s.cfg.Schedule, s.scheduledSweep); err != nil {
		return fmt.Errorf("sweep schedule %q: %w", s.cfg.Schedule, err)
	}
	if s.cfg.GradeRefreshSchedule != "" {
		if _, err := c.AddFunc(s.cfg.GradeRefreshSchedule, s.scheduledRefresh); err != nil {
			return fmt.Errorf("grade refresh schedule %q: %w", s.cfg.GradeRefreshSchedule, err)
		}
	}
	c.Start()
	s.cron = c
	s.log.WithFields(logrus.Fields{
		"schedule":       s.cfg.Schedule,
		"grade_schedule": s.cfg.GradeRefreshSchedule,
	}).Info("sweeper started")
	return nil
}

// Stop unschedules the jobs and waits for a running job, or for ctx.
func (s *Sweeper) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c == nil {
		return
	}

	select {
	case <-c.Stop().Done():
		s.log.Info("sweeper stopped")
	case <-ctx.Done():
		s.log.Warn("sweeper stop timed out; job still running")
	}
}

func (s *Sweeper) scheduledSweep() {
	ctx, cancel := s.runContext()
	defer cancel()
	if _, err := s.RunOnce(ctx); err != nil {
		s.log.WithError(err).Error("scheduled sweep failed")
	}
}

func (s *Sweeper) scheduledRefresh() {
	ctx, cancel := s.runContext()
	defer cancel()
	n, err := s.grades.RefreshAll(ctx)
	if err != nil {
		s.log.WithError(err).Error("scheduled grade refresh failed")
		return
	}
	s.log.WithField("users", n).Info("grades refreshed")
}

func (s *Sweeper) runContext() (context.Context, context.CancelFunc) {
	if s.cfg.RunTimeout > 0 {
		return context.WithTimeout(context.Background(), s.cfg.RunTimeout)
	}
	return context.WithCancel(context.Background())
}

// RunOnce unlocks every row due at the time of the call.
func (s *Sweeper) RunOnce(ctx context.Context) (SweepResult, error) {
	start := time.Now()
	asOf := s.ledger.Clock().Now()

	var res SweepResult
	released := make(map[ledger.UserID]int64)
	seen := make(map[ledger.TransactionID]bool)

	for {
		// Failed rows stay locked and come back first, so page past them.
		limit := s.cfg.BatchSize + res.Failed
		due, err := s.ledger.Reader().DueLocked(ctx, asOf, limit)
		if err != nil {
			return res, err
		}
		progressed := false
		for _, row := range due {
			if seen[row.ID] {
				continue
			}
			seen[row.ID] = true
			progressed = true

			tr, err := s.ledger.Unlock(ctx, row.ID)
			switch {
			case errors.Is(err, ledger.ErrInvalidState):
				res.Skipped++
			case err != nil:
				res.Failed++
				s.log.WithField("tx_id", row.ID).WithError(err).Warn("unlock failed")
			case tr.Changed:
				res.Unlocked++
				released[row.UserID] += tr.Tx.Amount
			default:
				res.Skipped++
			}
		}
		if len(due) < limit || !progressed {
			break
		}
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
	}

	res.Users = len(released)
	for user, points := range released {
		if _, err := s.grades.Recompute(ctx, user, TriggerActivity); err != nil {
			s.log.WithField("user", user).WithError(err).Warn("grade recompute failed")
		}
		s.notifier.Publish(notify.Event{
			Type:   notify.PointsUnlocked,
			UserID: string(user),
			Points: points,
			At:     asOf,
		})
	}

	took := time.Since(start)
	s.recorder.SweepCompleted(res.Unlocked, res.Failed, took)
	entry := s.log.WithFields(logrus.Fields{
		"unlocked": res.Unlocked,
		"skipped":  res.Skipped,
		"failed":   res.Failed,
		"users":    res.Users,
		"took":     took,
	})
	if res.Unlocked > 0 || res.Failed > 0 {
		entry.Info("sweep finished")
	} else {
		entry.Debug("sweep finished")
	}
	return res, nil
}
