/*
handlers.go - HTTP API handlers for the points ledger

PURPOSE:
  Exposes the rewards service via REST. Handles request decoding and
  response encoding, and delegates every decision to the rewards package.

ENDPOINTS:
  Points (service, admin):
    POST   /api/points/earn              Submit a verified review or visit earn

  Points (authenticated user):
    GET    /api/points/status            Balance, grade, quota
    GET    /api/points/transactions      Ledger history

  Quality (reviewer, admin):
    POST   /api/quality/{reviewID}/resolve  Apply a quality decision

  Exchanges (authenticated user):
    POST   /api/exchanges                Exchange points for a ticket

  Admin:
    POST   /api/admin/sweep              Run the unlock sweep now
    POST   /api/admin/grades/refresh     Recompute every grade now

REQUEST FLOW:
  1. Identity from the auth middleware
  2. Decode and validate the body
  3. Call the rewards service
  4. Serialize the response, or map the error code to a status (errors.go)

IDEMPOTENCY:
  A replayed earn answers 200 with the row that already holds the source.
  A new earn answers 201.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/wonderbest23/galleryapp250527-sub003/ledger"
	"github.com/wonderbest23/galleryapp250527-sub003/rewards"
)

// PointsService is the rewards surface the handlers need.
type PointsService interface {
	SubmitEarn(ctx context.Context, req rewards.SubmitEarnRequest) (rewards.SubmitEarnResult, error)
	GetStatus(ctx context.Context, user ledger.UserID) (rewards.Status, error)
	Transactions(ctx context.Context, user ledger.UserID) ([]ledger.PointTransaction, error)
	ResolveQuality(ctx context.Context, reviewID string, decision rewards.Decision, flags rewards.QualityFlags) (rewards.ResolveResult, error)
	Exchange(ctx context.Context, req rewards.ExchangeRequest) (rewards.ExchangeResult, error)
	SweepUnlocks(ctx context.Context) (rewards.SweepResult, error)
	RefreshGrades(ctx context.Context) (int, error)
}

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

type Handler struct {
	svc PointsService
	loc *time.Location // program timezone, for visit dates
	log logrus.FieldLogger
}

func NewHandler(svc PointsService, loc *time.Location, log logrus.FieldLogger) *Handler {
	if loc == nil {
		loc = time.UTC
	}
	return &Handler{svc: svc, loc: loc, log: log.WithField("component", "api")}
}

// =============================================================================
// POINTS
// =============================================================================

// SubmitEarn records a review or visit earn for the user named in the body.
// POST /api/points/earn
func (h *Handler) SubmitEarn(w http.ResponseWriter, r *http.Request) {
	var req EarnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "user_id is required")
		return
	}

	acct := rewards.Account{UserID: ledger.UserID(req.UserID)}
	switch {
	case req.AccountCreatedAt != "":
		created, err := time.Parse(time.RFC3339, req.AccountCreatedAt)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "account_created_at must be RFC 3339")
			return
		}
		acct.CreatedAt = created
	case ledger.Source(req.Source) == ledger.SourceReview:
		writeError(w, http.StatusBadRequest, "invalid_request", "account_created_at is required for review")
		return
	}

	in := rewards.SubmitEarnRequest{
		Account:  acct,
		Amount:   req.Amount,
		Source:   ledger.Source(req.Source),
		SourceID: req.SourceID,
		TargetID: req.TargetID,
		Rating:   req.Rating,
	}
	if req.LockSeconds != nil {
		if *req.LockSeconds < 0 {
			writeError(w, http.StatusBadRequest, "invalid_request", "lock_seconds must not be negative")
			return
		}
		d := time.Duration(*req.LockSeconds) * time.Second
		in.LockDuration = &d
	}

	res, err := h.svc.SubmitEarn(r.Context(), in)
	if err != nil && !errors.Is(err, ledger.ErrDuplicateSource) {
		writeDomainError(w, h.requestLog(r), err)
		return
	}

	status := http.StatusCreated
	if res.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, EarnResponse{Transaction: toTransactionDTO(res.Tx), Duplicate: res.Duplicate})
}

// GetStatus returns the caller's balance and grade terms.
// GET /api/points/status
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFromCtx(r.Context())
	st, err := h.svc.GetStatus(r.Context(), id.Account.UserID)
	if err != nil {
		writeDomainError(w, h.requestLog(r), err)
		return
	}
	writeJSON(w, http.StatusOK, toStatusDTO(id.Account.UserID, st))
}

// GetTransactions returns the caller's ledger rows, oldest first.
// GET /api/points/transactions
func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFromCtx(r.Context())
	txs, err := h.svc.Transactions(r.Context(), id.Account.UserID)
	if err != nil {
		writeDomainError(w, h.requestLog(r), err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTOs(txs))
}

// =============================================================================
// QUALITY
// =============================================================================

// ResolveQuality applies a reviewer decision to a review earn.
// POST /api/quality/{reviewID}/resolve
func (h *Handler) ResolveQuality(w http.ResponseWriter, r *http.Request) {
	reviewID := chi.URLParam(r, "reviewID")

	var req ResolveQualityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}

	res, err := h.svc.ResolveQuality(r.Context(), reviewID, rewards.Decision(req.Decision), rewards.QualityFlags{
		IsDeepReview: req.IsDeepReview,
		IsFeatured:   req.IsFeatured,
		QualityScore: req.QualityScore,
	})
	if err != nil {
		writeDomainError(w, h.requestLog(r).WithField("review_id", reviewID), err)
		return
	}
	writeJSON(w, http.StatusOK, ResolveResponse{
		Check:   toQualityCheckDTO(res.Check),
		Base:    toTransactionDTO(res.Base),
		Bonuses: toTransactionDTOs(res.Bonuses),
	})
}

// =============================================================================
// EXCHANGES
// =============================================================================

// Exchange spends points on a ticket.
// POST /api/exchanges
func (h *Handler) Exchange(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFromCtx(r.Context())

	var req ExchangeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}
	visit, err := time.ParseInLocation(dateLayout, req.VisitDate, h.loc)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "visit_date must be YYYY-MM-DD")
		return
	}

	res, err := h.svc.Exchange(r.Context(), rewards.ExchangeRequest{
		UserID:       id.Account.UserID,
		ExhibitionID: req.ExhibitionID,
		VisitDate:    visit,
	})
	if err != nil {
		writeDomainError(w, h.requestLog(r), err)
		return
	}
	writeJSON(w, http.StatusCreated, ExchangeResponse{
		Exchange:        toExchangeDTO(res.Exchange, h.loc),
		RemainingPoints: res.Remaining,
	})
}

// =============================================================================
// ADMIN
// =============================================================================

// Sweep runs one unlock sweep synchronously.
// POST /api/admin/sweep
func (h *Handler) Sweep(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.SweepUnlocks(r.Context())
	if err != nil {
		writeDomainError(w, h.requestLog(r), err)
		return
	}
	writeJSON(w, http.StatusOK, SweepResponse{
		Unlocked: res.Unlocked,
		Skipped:  res.Skipped,
		Failed:   res.Failed,
		Users:    res.Users,
	})
}

// RefreshGrades recomputes every grade with the schedule trigger.
// POST /api/admin/grades/refresh
func (h *Handler) RefreshGrades(w http.ResponseWriter, r *http.Request) {
	n, err := h.svc.RefreshGrades(r.Context())
	if err != nil {
		writeDomainError(w, h.requestLog(r), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"users": n})
}

// =============================================================================
// HELPERS
// =============================================================================

func (h *Handler) requestLog(r *http.Request) logrus.FieldLogger {
	log := h.log.WithFields(logrus.Fields{"method": r.Method, "path": r.URL.Path})
	if id, ok := IdentityFromCtx(r.Context()); ok {
		log = log.WithField("user", id.Account.UserID)
	}
	return log
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
