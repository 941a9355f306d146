package rewards

import (
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/wonderbest23/galleryapp250527-sub003/notify"
)

// Notifier receives fire-and-forget events. Publish must not block.
type Notifier interface {
	Publish(ev notify.Event)
}

// Recorder receives business metrics.
type Recorder interface {
	GuardRejected(code string)
	EarnSubmitted(source string, duplicate bool)
	QualityResolved(decision string)
	ExchangeCompleted(grade Grade, points int64)
	ExchangeRejected(code string)
	ExchangeCompensated()
	SweepCompleted(unlocked, failed int, took time.Duration)
	GradeChanged(from, to Grade)
}

// Deps are the optional collaborators shared by every component.
type Deps struct {
	Notifier Notifier
	Recorder Recorder
	Logger   logrus.FieldLogger
}

func (d Deps) withDefaults() Deps {
	if d.Notifier == nil {
		d.Notifier = nopNotifier{}
	}
	if d.Recorder == nil {
		d.Recorder = nopRecorder{}
	}
	if d.Logger == nil {
		quiet := logrus.New()
		quiet.SetOutput(io.Discard)
		d.Logger = quiet
	}
	return d
}

type nopNotifier struct{}

func (nopNotifier) Publish(notify.Event) {}

type nopRecorder struct{}

func (nopRecorder) GuardRejected(string) {}

func (nopRecorder) EarnSubmitted(string, bool) {}

func (nopRecorder) QualityResolved(string) {}

func (nopRecorder) ExchangeCompleted(Grade, int64) {}

func (nopRecorder) ExchangeRejected(string) {}

func (nopRecorder) ExchangeCompensated() {}

func (nopRecorder) SweepCompleted(int, int, time.Duration) {}

func (nopRecorder) GradeChanged(Grade, Grade) {}
