// Package metrics provides Prometheus collectors for the points ledger.
//
// Metrics implements ledger.Observer and rewards.Recorder, so a single value
// is handed to both layers and registered once.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/wonderbest23/galleryapp250527-sub003/ledger"
	"github.com/wonderbest23/galleryapp250527-sub003/rewards"
)

const namespace = "points"

// Metrics contains the ledger and rewards collectors.
type Metrics struct {
	// Ledger
	transactionsTotal *prometheus.CounterVec
	pointsTotal       *prometheus.CounterVec
	transitionsTotal  *prometheus.CounterVec
	retriesTotal      *prometheus.CounterVec
	cacheMismatches   prometheus.Counter

	// Rewards
	earnsTotal           *prometheus.CounterVec
	guardRejectionsTotal *prometheus.CounterVec
	qualityTotal         *prometheus.CounterVec
	exchangesTotal       *prometheus.CounterVec
	exchangeRejections   *prometheus.CounterVec
	compensationsTotal   prometheus.Counter
	gradeChangesTotal    *prometheus.CounterVec

	// Sweeper
	sweepUnlockedTotal prometheus.Counter
	sweepFailedTotal   prometheus.Counter
	sweepDuration      prometheus.Histogram

	// Notifications
	notificationsDropped prometheus.Counter

	collectors []prometheus.Collector
}

// New creates the collectors and registers them on registry.
func New(registry prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{}
	m.init()
	if err := registry.Register(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) init() {
	m.transactionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "transactions_total",
		Help:      "Point transactions appended, by kind, source and initial status",
	}, []string{"kind", "source", "status"})

	m.pointsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "points_total",
		Help:      "Absolute points moved by appended transactions",
	}, []string{"kind", "source"})

	m.transitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "status_transitions_total",
		Help:      "Committed status transitions",
	}, []string{"from", "to"})

	m.retriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "store_retries_total",
		Help:      "Transient store failures retried, by ledger operation",
	}, []string{"operation"})

	m.cacheMismatches = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "balance_cache_mismatches_total",
		Help:      "Cached balances that disagreed with the derived balance",
	})

	m.earnsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "earn_submissions_total",
		Help:      "SubmitEarn calls that posted or matched a row",
	}, []string{"source", "result"}) // result: created, duplicate

	m.guardRejectionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "guard_rejections_total",
		Help:      "Earns rejected by the abuse guard",
	}, []string{"code"})

	m.qualityTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "quality_resolutions_total",
		Help:      "Quality decisions applied",
	}, []string{"decision"})

	m.exchangesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "exchanges_total",
		Help:      "Completed ticket exchanges by grade",
	}, []string{"grade"})

	m.exchangeRejections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "exchange_rejections_total",
		Help:      "Exchanges rejected before any ledger mutation",
	}, []string{"code"})

	m.compensationsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "exchange_compensations_total",
		Help:      "Spends refunded because the exchange row could not be written",
	})

	m.gradeChangesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "grade_changes_total",
		Help:      "Grade changes by direction",
	}, []string{"from", "to"})

	m.sweepUnlockedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sweep_unlocked_total",
		Help:      "Rows unlocked by the sweeper",
	})

	m.sweepFailedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sweep_failed_total",
		Help:      "Rows the sweeper failed to unlock",
	})

	m.sweepDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "sweep_duration_seconds",
		Help:      "Duration of a sweep run",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~16s
	})

	m.notificationsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "notifications_dropped_total",
		Help:      "Notifications dropped because the dispatch buffer was full",
	})

	m.collectors = []prometheus.Collector{
		m.transactionsTotal, m.pointsTotal, m.transitionsTotal, m.retriesTotal, m.cacheMismatches,
		m.earnsTotal, m.guardRejectionsTotal, m.qualityTotal, m.exchangesTotal, m.exchangeRejections,
		m.compensationsTotal, m.gradeChangesTotal,
		m.sweepUnlockedTotal, m.sweepFailedTotal, m.sweepDuration,
		m.notificationsDropped,
	}
}

// Describe implements prometheus.Collector.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	for _, c := range m.collectors {
		c.Describe(ch)
	}
}

// Collect implements prometheus.Collector.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	for _, c := range m.collectors {
		c.Collect(ch)
	}
}

// =============================================================================
// ledger.Observer
// =============================================================================

func (m *Metrics) TransactionAppended(tx ledger.PointTransaction) {
	m.transactionsTotal.WithLabelValues(string(tx.Kind), string(tx.Source), string(tx.Status)).Inc()
	amount := tx.Amount
	if amount < 0 {
		amount = -amount
	}
	m.pointsTotal.WithLabelValues(string(tx.Kind), string(tx.Source)).Add(float64(amount))
}

func (m *Metrics) StatusChanged(tx ledger.PointTransaction, from ledger.Status) {
	m.transitionsTotal.WithLabelValues(string(from), string(tx.Status)).Inc()
}

func (m *Metrics) Retried(op string, _ error) {
	m.retriesTotal.WithLabelValues(op).Inc()
}

func (m *Metrics) CacheMismatch(ledger.UserID) {
	m.cacheMismatches.Inc()
}

// =============================================================================
// rewards.Recorder
// =============================================================================

func (m *Metrics) GuardRejected(code string) {
	m.guardRejectionsTotal.WithLabelValues(code).Inc()
}

func (m *Metrics) EarnSubmitted(source string, duplicate bool) {
	result := "created"
	if duplicate {
		result = "duplicate"
	}
	m.earnsTotal.WithLabelValues(source, result).Inc()
}

func (m *Metrics) QualityResolved(decision string) {
	m.qualityTotal.WithLabelValues(decision).Inc()
}

func (m *Metrics) ExchangeCompleted(grade rewards.Grade, _ int64) {
	m.exchangesTotal.WithLabelValues(string(grade)).Inc()
}

func (m *Metrics) ExchangeRejected(code string) {
	m.exchangeRejections.WithLabelValues(code).Inc()
}

func (m *Metrics) ExchangeCompensated() {
	m.compensationsTotal.Inc()
}

func (m *Metrics) SweepCompleted(unlocked, failed int, took time.Duration) {
	m.sweepUnlockedTotal.Add(float64(unlocked))
	m.sweepFailedTotal.Add(float64(failed))
	m.sweepDuration.Observe(took.Seconds())
}

func (m *Metrics) GradeChanged(from, to rewards.Grade) {
	m.gradeChangesTotal.WithLabelValues(string(from), string(to)).Inc()
}

// NotificationDropped counts an event the dispatcher could not buffer.
func (m *Metrics) NotificationDropped() {
	m.notificationsDropped.Inc()
}

var (
	_ ledger.Observer  = (*Metrics)(nil)
	_ rewards.Recorder = (*Metrics)(nil)
)
