/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. RealIP:     Client address behind proxies
  3. Logger:     Request logging (logrus)
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. CORS:       Cross-origin requests for the frontend

ROUTE GROUPS:
  /api/points/earn   Verified earns for a named user   (service, admin)
  /api/points/*      Caller's status and history       (any role)
  /api/exchanges     Ticket exchange                  (any role)
  /api/quality/*     Quality decisions                (reviewer, admin)
  /api/admin/*       Sweeps and grade refresh         (admin)
  /metrics           Prometheus scrape                (no auth)
  /healthz           Liveness and storage ping        (no auth)

SEE ALSO:
  - handlers.go: Handler implementations
  - auth.go: Bearer JWT middleware
  - cmd/server/main.go: Server startup
*/
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// RouterConfig carries what the router needs besides the handler.
type RouterConfig struct {
	Auth        *Authenticator
	CORSOrigins []string
	Gatherer    prometheus.Gatherer             // nil disables /metrics
	Ping        func(ctx context.Context) error // storage health; nil always healthy
	Logger      logrus.FieldLogger
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(cfg.Logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", healthz(cfg.Ping))
	if cfg.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Use(cfg.Auth.Middleware)

		r.Route("/points", func(r chi.Router) {
			r.With(RequireRole(RoleService, RoleAdmin)).Post("/earn", h.SubmitEarn)
			r.Get("/status", h.GetStatus)
			r.Get("/transactions", h.GetTransactions)
		})

		r.Post("/exchanges", h.Exchange)

		r.Route("/quality", func(r chi.Router) {
			r.Use(RequireRole(RoleReviewer, RoleAdmin))
			r.Post("/{reviewID}/resolve", h.ResolveQuality)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(RequireRole(RoleAdmin))
			r.Post("/sweep", h.Sweep)
			r.Post("/grades/refresh", h.RefreshGrades)
		})
	})

	return r
}

func healthz(ping func(ctx context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if ping != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := ping(ctx); err != nil {
				writeError(w, http.StatusServiceUnavailable, "unavailable", "storage unreachable")
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// requestLogger logs one line per request with its status and latency.
func requestLogger(log logrus.FieldLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			entry := log.WithFields(logrus.Fields{
				"request_id": middleware.GetReqID(r.Context()),
				"method":     r.Method,
				"path":       r.URL.Path,
				"status":     ww.Status(),
				"bytes":      ww.BytesWritten(),
				"remote":     r.RemoteAddr,
				"took":       time.Since(start).String(),
			})
			if ww.Status() >= http.StatusInternalServerError {
				entry.Warn("request completed")
				return
			}
			entry.Debug("request completed")
		})
	}
}
