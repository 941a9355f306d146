/*
handlers_test.go - HTTP tests for the points API

Tests for:
- Earn submission by the service role and idempotent replay
- Authentication and role checks
- Abuse guard rejections and their status codes
- Quality decisions, bonuses and the invalid_state mapping
- Exchanges, sweeps, health and metrics
*/
package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wonderbest23/galleryapp250527-sub003/ledger"
	"github.com/wonderbest23/galleryapp250527-sub003/ledger/store"
	"github.com/wonderbest23/galleryapp250527-sub003/metrics"
	"github.com/wonderbest23/galleryapp250527-sub003/rewards"
)

const testSecret = "test-secret"

type testServer struct {
	t      *testing.T
	srv    *httptest.Server
	auth   *Authenticator
	clock  *ledger.ManualClock
	reg    *prometheus.Registry
	policy rewards.Policy
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)

	// 10:00 in Seoul
	clock := ledger.NewManualClock(time.Date(2026, 3, 2, 1, 0, 0, 0, time.UTC))
	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	require.NoError(t, err)

	mem := store.NewMemory()
	l := ledger.New(mem, ledger.Options{Clock: clock, Observer: m, Logger: log})
	policy := rewards.DefaultPolicy()
	svc := rewards.NewService(l, mem, policy, rewards.SweeperConfig{}, rewards.Deps{Recorder: m, Logger: log})

	auth, err := NewAuthenticator(testSecret)
	require.NoError(t, err)

	h := NewHandler(svc, policy.Location, log)
	router := NewRouter(h, RouterConfig{
		Auth:        auth,
		CORSOrigins: []string{"*"},
		Gatherer:    reg,
		Logger:      log,
	})
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	return &testServer{t: t, srv: srv, auth: auth, clock: clock, reg: reg, policy: policy}
}

// token issues a token for an account created 30 days before the test clock.
func (ts *testServer) token(user, role string) string {
	ts.t.Helper()
	tok, err := ts.auth.Issue(rewards.Account{
		UserID:    ledger.UserID(user),
		CreatedAt: ts.clock.Now().Add(-30 * 24 * time.Hour),
	}, role, time.Hour)
	require.NoError(ts.t, err)
	return tok
}

func (ts *testServer) do(method, path, token string, body any) (*http.Response, []byte) {
	ts.t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(ts.t, err)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, ts.srv.URL+path, rd)
	require.NoError(ts.t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(ts.t, err)
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	require.NoError(ts.t, err)
	return resp, out
}

func decode[T any](t *testing.T, body []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(body, &v), string(body))
	return v
}

// service is the token of the review and visit subsystem.
func (ts *testServer) service() string {
	return ts.token("review-svc", RoleService)
}

// review is a 5-star review earn by user, whose account is 30 days old.
func (ts *testServer) review(user, id, exhibition string) EarnRequest {
	return EarnRequest{
		UserID:           user,
		Amount:           500,
		Source:           "review",
		SourceID:         id,
		TargetID:         exhibition,
		AccountCreatedAt: ts.clock.Now().Add(-30 * 24 * time.Hour).Format(time.RFC3339),
		Rating:           5,
	}
}

// =============================================================================
// EARN
// =============================================================================

func TestSubmitEarn_CreatesLockedThenReplaysIdempotently(t *testing.T) {
	ts := newTestServer(t)
	tok := ts.token("alice", RoleUser)

	// GIVEN: a first submission
	resp, body := ts.do(http.MethodPost, "/api/points/earn", ts.service(), ts.review("alice", "rv-1", "ex-1"))
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	first := decode[EarnResponse](t, body)
	assert.Equal(t, "locked", first.Transaction.Status)
	assert.False(t, first.Duplicate)
	require.NotNil(t, first.Transaction.LockUntil)

	// WHEN: the same source is submitted again
	resp, body = ts.do(http.MethodPost, "/api/points/earn", ts.service(), ts.review("alice", "rv-1", "ex-1"))

	// THEN: the existing row comes back with 200
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	replay := decode[EarnResponse](t, body)
	assert.True(t, replay.Duplicate)
	assert.Equal(t, first.Transaction.ID, replay.Transaction.ID)

	resp, body = ts.do(http.MethodGet, "/api/points/transactions", tok, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decode[[]TransactionDTO](t, body), 1)
}

func TestSubmitEarn_GuardRejectionsAre422(t *testing.T) {
	ts := newTestServer(t)

	for i, id := range []string{"rv-1", "rv-2"} {
		resp, body := ts.do(http.MethodPost, "/api/points/earn", ts.service(), ts.review("alice", id, "ex-"+id))
		require.Equal(t, http.StatusCreated, resp.StatusCode, "review %d: %s", i, body)
	}

	resp, body := ts.do(http.MethodPost, "/api/points/earn", ts.service(), ts.review("alice", "rv-3", "ex-3"))
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	e := decode[ErrorResponse](t, body)
	assert.Equal(t, "daily_limit_exceeded", e.Error)
	assert.Equal(t, "daily limit 2 reached", e.Message)
}

func TestSubmitEarn_DuplicateExhibitionReview(t *testing.T) {
	ts := newTestServer(t)

	resp, _ := ts.do(http.MethodPost, "/api/points/earn", ts.service(), ts.review("alice", "rv-1", "ex-1"))
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, body := ts.do(http.MethodPost, "/api/points/earn", ts.service(), ts.review("alice", "rv-2", "ex-1"))
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "duplicate_review", decode[ErrorResponse](t, body).Error)
}

func TestSubmitEarn_InvalidInput(t *testing.T) {
	ts := newTestServer(t)

	resp, body := ts.do(http.MethodPost, "/api/points/earn", ts.service(), EarnRequest{UserID: "alice", Amount: 300, Source: "featured", SourceID: "rv-1"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_request", decode[ErrorResponse](t, body).Error)

	resp, _ = ts.do(http.MethodPost, "/api/points/earn", ts.service(), EarnRequest{UserID: "alice", Amount: -5, Source: "visit", SourceID: "v-1"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSubmitEarn_RequiresServiceRole(t *testing.T) {
	ts := newTestServer(t)
	user := ts.token("alice", RoleUser)
	zero := int64(0)
	selfCredit := EarnRequest{UserID: "alice", Amount: 1000000, Source: "visit", SourceID: "made-up", LockSeconds: &zero}

	// WHEN: end users and reviewers try to post earns
	for _, tok := range []string{user, ts.token("rita", RoleReviewer)} {
		resp, _ := ts.do(http.MethodPost, "/api/points/earn", tok, selfCredit)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	}

	// THEN: nothing reached the ledger
	resp, body := ts.do(http.MethodGet, "/api/points/status", user, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int64(0), decode[StatusDTO](t, body).AvailablePoints)

	// AND: an admin may post on the user's behalf
	resp, body = ts.do(http.MethodPost, "/api/points/earn", ts.token("root", RoleAdmin), ts.review("alice", "rv-1", "ex-1"))
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	assert.Equal(t, "alice", decode[EarnResponse](t, body).Transaction.UserID)
}

func TestSubmitEarn_ReviewsStayLockedAndTargeted(t *testing.T) {
	ts := newTestServer(t)
	zero := int64(0)

	unlocked := ts.review("alice", "rv-1", "ex-1")
	unlocked.LockSeconds = &zero
	untargeted := ts.review("alice", "rv-2", "")
	noAge := ts.review("alice", "rv-3", "ex-3")
	noAge.AccountCreatedAt = ""
	badAge := ts.review("alice", "rv-4", "ex-4")
	badAge.AccountCreatedAt = "yesterday"
	noUser := ts.review("", "rv-5", "ex-5")

	for name, req := range map[string]EarnRequest{
		"zero lock": unlocked,
		"no target": untargeted,
		"no age":    noAge,
		"bad age":   badAge,
		"no user":   noUser,
	} {
		t.Run(name, func(t *testing.T) {
			resp, body := ts.do(http.MethodPost, "/api/points/earn", ts.service(), req)
			require.Equal(t, http.StatusBadRequest, resp.StatusCode, string(body))
			assert.Equal(t, "invalid_request", decode[ErrorResponse](t, body).Error)
		})
	}

	resp, body := ts.do(http.MethodGet, "/api/points/transactions", ts.token("alice", RoleUser), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, decode[[]TransactionDTO](t, body))
}

func TestSubmitEarn_YoungAccountFromBody(t *testing.T) {
	ts := newTestServer(t)
	req := ts.review("alice", "rv-1", "ex-1")
	req.AccountCreatedAt = ts.clock.Now().Add(-24 * time.Hour).Format(time.RFC3339)

	resp, body := ts.do(http.MethodPost, "/api/points/earn", ts.service(), req)
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "account_too_new", decode[ErrorResponse](t, body).Error)
}

// =============================================================================
// AUTH
// =============================================================================

func TestAuth_MissingTokenAndRoles(t *testing.T) {
	ts := newTestServer(t)

	resp, _ := ts.do(http.MethodGet, "/api/points/status", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = ts.do(http.MethodGet, "/api/points/status", "not-a-jwt", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	other, err := NewAuthenticator("another-secret")
	require.NoError(t, err)
	forged, err := other.Issue(rewards.Account{UserID: "alice", CreatedAt: ts.clock.Now()}, RoleAdmin, time.Hour)
	require.NoError(t, err)
	resp, _ = ts.do(http.MethodPost, "/api/admin/sweep", forged, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	user := ts.token("alice", RoleUser)
	resp, _ = ts.do(http.MethodPost, "/api/admin/sweep", user, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp, _ = ts.do(http.MethodPost, "/api/quality/rv-1/resolve", user, ResolveQualityRequest{Decision: "approved"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

// =============================================================================
// QUALITY
// =============================================================================

func TestResolveQuality_ApproveWithBonuses(t *testing.T) {
	ts := newTestServer(t)
	user := ts.token("alice", RoleUser)
	reviewer := ts.token("rita", RoleReviewer)

	resp, _ := ts.do(http.MethodPost, "/api/points/earn", ts.service(), ts.review("alice", "rv-1", "ex-1"))
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	// WHEN: the reviewer approves it as deep and featured
	resp, body := ts.do(http.MethodPost, "/api/quality/rv-1/resolve", reviewer, ResolveQualityRequest{
		Decision: "approved", IsDeepReview: true, IsFeatured: true, QualityScore: 90,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	res := decode[ResolveResponse](t, body)
	assert.Equal(t, "unlocked", res.Base.Status)
	assert.Equal(t, "approved", res.Check.QualityStatus)
	assert.Len(t, res.Bonuses, 2)

	// THEN: base and both bonuses are spendable
	resp, body = ts.do(http.MethodGet, "/api/points/status", user, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	st := decode[StatusDTO](t, body)
	assert.Equal(t, int64(500+300+500), st.AvailablePoints)
	assert.Equal(t, int64(0), st.LockedPoints)
	assert.Equal(t, 1, st.ApprovedReviews)
}

func TestResolveQuality_RejectAfterApproveIsConflict(t *testing.T) {
	ts := newTestServer(t)
	admin := ts.token("root", RoleAdmin)

	resp, _ := ts.do(http.MethodPost, "/api/points/earn", ts.service(), ts.review("alice", "rv-1", "ex-1"))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp, _ = ts.do(http.MethodPost, "/api/quality/rv-1/resolve", admin, ResolveQualityRequest{Decision: "approved"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := ts.do(http.MethodPost, "/api/quality/rv-1/resolve", admin, ResolveQualityRequest{Decision: "rejected"})
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	e := decode[ErrorResponse](t, body)
	assert.Equal(t, "invalid_state", e.Error)
	assert.NotContains(t, e.Message, "rv-1", "internal details are not exposed")
}

func TestResolveQuality_UnknownReviewAndDecision(t *testing.T) {
	ts := newTestServer(t)
	admin := ts.token("root", RoleAdmin)

	resp, _ := ts.do(http.MethodPost, "/api/quality/missing/resolve", admin, ResolveQualityRequest{Decision: "approved"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = ts.do(http.MethodPost, "/api/quality/missing/resolve", admin, ResolveQualityRequest{Decision: "maybe"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

// =============================================================================
// EXCHANGE
// =============================================================================

func TestExchange_InsufficientThenSuccess(t *testing.T) {
	ts := newTestServer(t)
	user := ts.token("alice", RoleUser)
	visit := ExchangeRequest{ExhibitionID: "ex-9", VisitDate: "2026-03-10"}

	resp, body := ts.do(http.MethodPost, "/api/exchanges", user, visit)
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	e := decode[ErrorResponse](t, body)
	assert.Equal(t, "insufficient_points", e.Error)
	assert.Contains(t, e.Message, "1500")

	// GIVEN: an unlocked visit earn covering the bronze price
	zero := int64(0)
	resp, body = ts.do(http.MethodPost, "/api/points/earn", ts.service(), EarnRequest{UserID: "alice", Amount: 1600, Source: "visit", SourceID: "visit-1", LockSeconds: &zero})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	assert.Equal(t, "unlocked", decode[EarnResponse](t, body).Transaction.Status)

	resp, body = ts.do(http.MethodPost, "/api/exchanges", user, visit)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	ex := decode[ExchangeResponse](t, body)
	assert.Equal(t, int64(1500), ex.Exchange.PointsSpent)
	assert.Equal(t, "2026-03-10", ex.Exchange.VisitDate)
	assert.Equal(t, int64(100), ex.RemainingPoints)
}

func TestExchange_BadVisitDate(t *testing.T) {
	ts := newTestServer(t)
	user := ts.token("alice", RoleUser)

	resp, _ := ts.do(http.MethodPost, "/api/exchanges", user, ExchangeRequest{ExhibitionID: "ex-9", VisitDate: "10/03/2026"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = ts.do(http.MethodPost, "/api/exchanges", user, ExchangeRequest{ExhibitionID: "ex-9", VisitDate: "2026-03-01"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

// =============================================================================
// ADMIN, HEALTH, METRICS
// =============================================================================

func TestSweep_UnlocksDueRows(t *testing.T) {
	ts := newTestServer(t)
	admin := ts.token("root", RoleAdmin)

	resp, _ := ts.do(http.MethodPost, "/api/points/earn", ts.service(), ts.review("alice", "rv-1", "ex-1"))
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	ts.clock.Advance(ts.policy.ReviewLock + time.Minute)

	resp, body := ts.do(http.MethodPost, "/api/admin/sweep", admin, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.Equal(t, SweepResponse{Unlocked: 1, Users: 1}, decode[SweepResponse](t, body))

	resp, body = ts.do(http.MethodPost, "/api/admin/grades/refresh", admin, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, decode[map[string]int](t, body)["users"])
}

func TestHealthzAndMetrics(t *testing.T) {
	ts := newTestServer(t)

	resp, _ := ts.do(http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = ts.do(http.MethodPost, "/api/points/earn", ts.service(), ts.review("alice", "rv-1", "ex-1"))
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, body := ts.do(http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `points_transactions_total{kind="earn",source="review",status="locked"} 1`)
}
