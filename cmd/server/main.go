/*
main.go - Application entry point

PURPOSE:
  Command line of the points ledger service. Loads configuration, wires
  the store, ledger and rewards service, and runs one of the commands.

COMMANDS:
  serve           HTTP API plus the scheduled unlock sweep and grade refresh
  sweep           one unlock sweep, then exit (for external schedulers)
  refresh-grades  one scheduled grade refresh, then exit

FLAGS:
  --config   YAML config file (default: ./config.yaml if present)
  --addr     overrides server.addr (serve only)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests (server.shutdown_timeout)
  3. Stop the scheduler, waiting for a running sweep
  4. Drain notifications, close the store

EXAMPLES:
  points-ledger serve --config=/etc/points-ledger/config.yaml
  POINTS_STORE_DRIVER=memory POINTS_AUTH_JWT_SECRET=dev points-ledger serve
  points-ledger sweep

SEE ALSO:
  - config/config.go: Settings and defaults
  - api/server.go: Router configuration
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/wonderbest23/galleryapp250527-sub003/api"
	"github.com/wonderbest23/galleryapp250527-sub003/config"
)

func main() {
	if err := rootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "points-ledger",
		Short:         "Points and rewards ledger service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to the YAML config file")

	load := func() (*config.Config, error) {
		return config.Load(configPath)
	}

	root.AddCommand(serveCommand(load), sweepCommand(load), refreshGradesCommand(load))
	return root
}

func serveCommand(load func() (*config.Config, error)) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the scheduled jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address, overrides server.addr")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config) error {
	auth, err := api.NewAuthenticator(cfg.Auth.JWTSecret)
	if err != nil {
		return fmt.Errorf("auth.jwt_secret: %w", err)
	}

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		a.Close(closeCtx)
	}()

	handler := api.NewHandler(a.service, a.policy.Location, a.log)
	router := api.NewRouter(handler, api.RouterConfig{
		Auth:        auth,
		CORSOrigins: cfg.Server.CORSOrigins,
		Gatherer:    a.registry,
		Ping:        a.ping,
		Logger:      a.log,
	})

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	sweeper := a.service.Sweeper()
	if err := sweeper.Start(); err != nil {
		return fmt.Errorf("starting sweeper: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		a.log.WithField("addr", cfg.Server.Addr).Info("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		a.log.Info("shutting down server")
	case serveErr = <-errCh:
		a.log.WithError(serveErr).Error("server failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		a.log.WithError(err).Warn("server forced to shutdown")
	}
	sweeper.Stop(shutdownCtx)

	a.log.Info("server stopped")
	return serveErr
}

func sweepCommand(load func() (*config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Unlock every due locked earn once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnce(cmd.Context(), load, func(ctx context.Context, a *app) error {
				res, err := a.service.SweepUnlocks(ctx)
				if err != nil {
					return err
				}
				a.log.WithFields(logrus.Fields{
					"unlocked": res.Unlocked,
					"skipped":  res.Skipped,
					"failed":   res.Failed,
					"users":    res.Users,
				}).Info("sweep finished")
				if res.Failed > 0 {
					return fmt.Errorf("%d rows failed to unlock", res.Failed)
				}
				return nil
			})
		},
	}
}

func refreshGradesCommand(load func() (*config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "refresh-grades",
		Short: "Recompute every user's grade once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnce(cmd.Context(), load, func(ctx context.Context, a *app) error {
				n, err := a.service.RefreshGrades(ctx)
				if err != nil {
					return err
				}
				a.log.WithField("users", n).Info("grade refresh finished")
				return nil
			})
		},
	}
}

// runOnce wires the app without the HTTP server, runs job and closes everything.
func runOnce(parent context.Context, load func() (*config.Config, error), job func(ctx context.Context, a *app) error) error {
	cfg, err := load()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		a.Close(closeCtx)
	}()
	return job(ctx, a)
}
