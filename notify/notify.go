/*
Package notify delivers ledger events to the notification subsystem.

PURPOSE:
  Unlock and grade-change events are fire-and-forget. Publish never blocks
  the caller: events go into a buffered channel and a small pool of workers
  hands them to a Sink. A full buffer drops the event and counts it.

USAGE:
  d := notify.NewDispatcher(notify.NewLogSink(log), notify.Config{}, log)
  defer d.Close(ctx)

  d.Publish(notify.Event{Type: notify.PointsUnlocked, UserID: "u1", Points: 500})
*/
package notify

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// =============================================================================
// EVENTS
// =============================================================================

type EventType string

const (
	PointsUnlocked EventType = "points_unlocked"
	GradeChanged   EventType = "grade_changed"
)

type Event struct {
	Type      EventType
	UserID    string
	TxID      string // set for a single-row unlock
	Points    int64  // points made available
	FromGrade string
	ToGrade   string
	At        time.Time
}

// Sink delivers one event. Errors are logged, never retried.
type Sink interface {
	Deliver(ctx context.Context, ev Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, ev Event) error

func (f SinkFunc) Deliver(ctx context.Context, ev Event) error { return f(ctx, ev) }

// NewLogSink returns a sink that writes each event to log.
func NewLogSink(log logrus.FieldLogger) Sink {
	log = log.WithField("component", "notify")
	return SinkFunc(func(_ context.Context, ev Event) error {
		log.WithFields(logrus.Fields{
			"event":  ev.Type,
			"user":   ev.UserID,
			"tx_id":  ev.TxID,
			"points": ev.Points,
			"from":   ev.FromGrade,
			"to":     ev.ToGrade,
		}).Info("notification")
		return nil
	})
}

// =============================================================================
// DISPATCHER
// =============================================================================

type Config struct {
	BufferSize     int
	Workers        int
	DeliverTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.BufferSize <= 0 {
		c.BufferSize = 256
	}
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.DeliverTimeout <= 0 {
		c.DeliverTimeout = 5 * time.Second
	}
	return c
}

// Stats are cumulative counters since the dispatcher started.
type Stats struct {
	Published uint64
	Delivered uint64
	Dropped   uint64
	Failed    uint64
}

type Dispatcher struct {
	sink    Sink
	cfg     Config
	events  chan Event
	log     logrus.FieldLogger
	wg      sync.WaitGroup
	closed  atomic.Bool
	closeMu sync.RWMutex

	published atomic.Uint64
	delivered atomic.Uint64
	dropped   atomic.Uint64
	failed    atomic.Uint64

	// OnDrop, when set, is called for every dropped event.
	OnDrop func(ev Event)
}

// NewDispatcher starts the workers. Close must be called to stop them.
func NewDispatcher(sink Sink, cfg Config, log logrus.FieldLogger) *Dispatcher {
	cfg = cfg.withDefaults()
	if log == nil {
		quiet := logrus.New()
		quiet.SetOutput(io.Discard)
		log = quiet
	}
	d := &Dispatcher{
		sink:   sink,
		cfg:    cfg,
		events: make(chan Event, cfg.BufferSize),
		log:    log.WithField("component", "notify"),
	}
	for i := 0; i < cfg.Workers; i++ {
		d.wg.Add(1)
		go d.work()
	}
	return d
}

// Publish enqueues ev without blocking. Events published after Close are dropped.
func (d *Dispatcher) Publish(ev Event) {
	d.closeMu.RLock()
	defer d.closeMu.RUnlock()
	if d.closed.Load() {
		d.drop(ev, "dispatcher closed")
		return
	}
	select {
	case d.events <- ev:
		d.published.Add(1)
	default:
		d.drop(ev, "buffer full")
	}
}

func (d *Dispatcher) drop(ev Event, reason string) {
	d.dropped.Add(1)
	if d.OnDrop != nil {
		d.OnDrop(ev)
	}
	d.log.WithFields(logrus.Fields{"event": ev.Type, "user": ev.UserID, "reason": reason}).Warn("notification dropped")
}

func (d *Dispatcher) work() {
	defer d.wg.Done()
	for ev := range d.events {
		ctx, cancel := context.WithTimeout(context.Background(), d.cfg.DeliverTimeout)
		err := d.sink.Deliver(ctx, ev)
		cancel()
		if err != nil {
			d.failed.Add(1)
			d.log.WithFields(logrus.Fields{"event": ev.Type, "user": ev.UserID}).WithError(err).Warn("notification delivery failed")
			continue
		}
		d.delivered.Add(1)
	}
}

// Close stops accepting events, drains the buffer and waits for the
// workers, or for ctx.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.closeMu.Lock()
	if d.closed.Swap(true) {
		d.closeMu.Unlock()
		return nil
	}
	close(d.events)
	d.closeMu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) Stats() Stats {
	return Stats{
		Published: d.published.Load(),
		Delivered: d.delivered.Load(),
		Dropped:   d.dropped.Load(),
		Failed:    d.failed.Load(),
	}
}
