/*
policies.go - Rewards program rules

PURPOSE:
  Every number the program runs on lives here: how long a review earn stays
  locked, how large the bonuses are, the abuse limits, and the per-grade
  exchange cost and monthly quota. Policy is a plain value so config can
  override any field and tests can shrink windows.

GRADE RULES (first match wins, highest first):
  platinum  approved >= 12 AND deep >= 2 AND featured >= 1
  gold      approved >= 6  AND avg rating >= 4.2
  silver    approved >= 3
  bronze    otherwise

GRADE TABLES:
  grade     cost   monthly quota
  bronze    1500   2
  silver    1400   3
  gold      1300   4
  platinum  1200   4

EXAMPLE:
  p := rewards.DefaultPolicy()
  p.Limits.DailyReviews = 5
  cost := p.ExchangeCost(rewards.GradeGold) // 1300
*/
package rewards

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Limits are the Abuse Guard thresholds.
type Limits struct {
	DailyReviews   int           // review creations per local day
	MonthlyReviews int           // review creations per local calendar month
	MinAccountAge  time.Duration // minimum account age before a review may earn
}

// GradeTerms is what a grade buys.
type GradeTerms struct {
	ExchangeCost int64
	MonthlyQuota int
}

// TierRule is one row of the grade table. Zero thresholds are ignored.
type TierRule struct {
	Grade       Grade
	MinApproved int
	MinDeep     int
	MinFeatured int
	MinAvg      decimal.Decimal
}

type Policy struct {
	ReviewLock  time.Duration // lock window of a review earn
	GradeWindow time.Duration // rolling window of the Grade Engine

	DeepReviewBonus int64
	FeaturedBonus   int64

	Limits Limits

	// Tiers are evaluated in order; the first match wins. Bronze is the fallback.
	Tiers []TierRule
	Terms map[Grade]GradeTerms

	Location *time.Location // "today" and "this month" boundaries
}

// DefaultPolicy returns the production rules.
func DefaultPolicy() Policy {
	loc, err := time.LoadLocation("Asia/Seoul")
	if err != nil {
		loc = time.FixedZone("KST", 9*60*60)
	}
	return Policy{
		ReviewLock:      48 * time.Hour,
		GradeWindow:     60 * 24 * time.Hour,
		DeepReviewBonus: 300,
		FeaturedBonus:   500,
		Limits: Limits{
			DailyReviews:   2,
			MonthlyReviews: 20,
			MinAccountAge:  7 * 24 * time.Hour,
		},
		Tiers: []TierRule{
			{Grade: GradePlatinum, MinApproved: 12, MinDeep: 2, MinFeatured: 1},
			{Grade: GradeGold, MinApproved: 6, MinAvg: decimal.RequireFromString("4.2")},
			{Grade: GradeSilver, MinApproved: 3},
		},
		Terms: map[Grade]GradeTerms{
			GradeBronze:   {ExchangeCost: 1500, MonthlyQuota: 2},
			GradeSilver:   {ExchangeCost: 1400, MonthlyQuota: 3},
			GradeGold:     {ExchangeCost: 1300, MonthlyQuota: 4},
			GradePlatinum: {ExchangeCost: 1200, MonthlyQuota: 4},
		},
		Location: loc,
	}
}

// Validate reports the first rule that cannot work.
func (p Policy) Validate() error {
	switch {
	case p.ReviewLock < 0:
		return fmt.Errorf("review lock must not be negative")
	case p.GradeWindow <= 0:
		return fmt.Errorf("grade window must be positive")
	case p.DeepReviewBonus <= 0 || p.FeaturedBonus <= 0:
		return fmt.Errorf("bonuses must be positive")
	case p.Limits.DailyReviews <= 0 || p.Limits.MonthlyReviews <= 0:
		return fmt.Errorf("review limits must be positive")
	case p.Location == nil:
		return fmt.Errorf("location is required")
	}
	for _, g := range []Grade{GradeBronze, GradeSilver, GradeGold, GradePlatinum} {
		t, ok := p.Terms[g]
		if !ok {
			return fmt.Errorf("missing terms for grade %s", g)
		}
		if t.ExchangeCost <= 0 || t.MonthlyQuota < 0 {
			return fmt.Errorf("invalid terms for grade %s", g)
		}
	}
	return nil
}

// ExchangeCost is the points price of one ticket at grade g.
func (p Policy) ExchangeCost(g Grade) int64 {
	return p.terms(g).ExchangeCost
}

// MonthlyQuota is the number of exchanges allowed per local calendar month at grade g.
func (p Policy) MonthlyQuota(g Grade) int {
	return p.terms(g).MonthlyQuota
}

func (p Policy) terms(g Grade) GradeTerms {
	if t, ok := p.Terms[g]; ok {
		return t
	}
	return p.Terms[GradeBronze]
}

// Classify applies the tier rules to window counters.
func (p Policy) Classify(w Window) Grade {
	for _, r := range p.Tiers {
		if w.Approved < r.MinApproved || w.Deep < r.MinDeep || w.Featured < r.MinFeatured {
			continue
		}
		if !r.MinAvg.IsZero() && w.AvgRating.LessThan(r.MinAvg) {
			continue
		}
		return r.Grade
	}
	return GradeBronze
}
