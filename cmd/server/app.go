package main

import (
	"context"
	"fmt"
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"

	"github.com/wonderbest23/galleryapp250527-sub003/config"
	"github.com/wonderbest23/galleryapp250527-sub003/ledger"
	"github.com/wonderbest23/galleryapp250527-sub003/ledger/store"
	"github.com/wonderbest23/galleryapp250527-sub003/logging"
	"github.com/wonderbest23/galleryapp250527-sub003/metrics"
	"github.com/wonderbest23/galleryapp250527-sub003/notify"
	"github.com/wonderbest23/galleryapp250527-sub003/rewards"
	"github.com/wonderbest23/galleryapp250527-sub003/store/postgres"
	"github.com/wonderbest23/galleryapp250527-sub003/store/sqlite"
)

// backend is what every storage driver provides.
type backend interface {
	ledger.Store
	rewards.Store
}

// app is the wired service. Close releases everything in reverse order.
type app struct {
	cfg        *config.Config
	log        *logrus.Logger
	registry   *prometheus.Registry
	policy     rewards.Policy
	service    *rewards.Service
	dispatcher *notify.Dispatcher
	ping       func(ctx context.Context) error

	closers []io.Closer
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	log, logCloser, err := logging.New(cfg.Log)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, log: log, closers: []io.Closer{logCloser}}

	policy, err := cfg.Policy()
	if err != nil {
		a.Close(ctx)
		return nil, err
	}
	a.policy = policy

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.New(a.registry)
	if err != nil {
		a.Close(ctx)
		return nil, fmt.Errorf("registering metrics: %w", err)
	}

	st, err := a.openStore(ctx)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}

	a.dispatcher = notify.NewDispatcher(notify.NewLogSink(log), cfg.NotifyConfig(), log)
	a.dispatcher.OnDrop = func(notify.Event) { m.NotificationDropped() }

	var cache *ledger.BalanceCache
	if cfg.Cache.BalanceTTL > 0 {
		cache = ledger.NewBalanceCache(cfg.Cache.BalanceTTL)
	}

	l := ledger.New(st, ledger.Options{
		Retry:    cfg.RetryPolicy(),
		Expiry:   cfg.Points.Expiry,
		Cache:    cache,
		Observer: m,
		Logger:   log,
	})
	a.service = rewards.NewService(l, st, policy, cfg.SweeperConfig(), rewards.Deps{
		Notifier: a.dispatcher,
		Recorder: m,
		Logger:   log,
	})
	return a, nil
}

func (a *app) openStore(ctx context.Context) (backend, error) {
	log := a.log.WithFields(logrus.Fields{"driver": a.cfg.Store.Driver})
	switch a.cfg.Store.Driver {
	case config.DriverMemory:
		log.Warn("using in-memory store; data is lost on exit")
		return store.NewMemory(), nil

	case config.DriverSQLite:
		s, err := sqlite.New(a.cfg.Store.DSN)
		if err != nil {
			return nil, fmt.Errorf("opening sqlite: %w", err)
		}
		a.closers = append(a.closers, s)
		a.ping = s.Ping
		log.WithField("path", a.cfg.Store.DSN).Info("store opened")
		return s, nil

	case config.DriverPostgres:
		s, err := postgres.New(ctx, a.cfg.Store.DSN)
		if err != nil {
			return nil, fmt.Errorf("opening postgres: %w", err)
		}
		a.closers = append(a.closers, s)
		a.ping = s.Ping
		log.Info("store opened")
		return s, nil
	}
	return nil, fmt.Errorf("unknown store driver %q", a.cfg.Store.Driver)
}

// Close drains pending notifications, then closes the store and log output.
func (a *app) Close(ctx context.Context) {
	if a.dispatcher != nil {
		if err := a.dispatcher.Close(ctx); err != nil {
			a.log.WithError(err).Warn("notifications not fully drained")
		}
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			a.log.WithError(err).Warn("close failed")
		}
	}
}
