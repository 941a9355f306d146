/*
auth.go - Bearer JWT identity

PURPOSE:
  Identity lives outside this service. The identity provider issues HS256
  tokens; this file only verifies them and exposes the caller to handlers.

CLAIMS:
  sub           user id
  role          "user" (default), "reviewer", "admin" or "service"
  acct_created  account creation time, unix seconds

  "service" is held by the review and visit subsystems. They post earns on
  behalf of the user named in the request body, never their own.

FAILURES:
  missing or invalid token  -> 401
  role not allowed          -> 403
*/
package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/wonderbest23/galleryapp250527-sub003/ledger"
	"github.com/wonderbest23/galleryapp250527-sub003/rewards"
)

// Roles.
const (
	RoleUser     = "user"
	RoleReviewer = "reviewer"
	RoleAdmin    = "admin"
	RoleService  = "service"
)

type Claims struct {
	jwt.RegisteredClaims
	Role        string `json:"role,omitempty"`
	AcctCreated int64  `json:"acct_created"`
}

// Identity is the authenticated caller.
type Identity struct {
	Account rewards.Account
	Role    string
}

type contextKey string

const ctxIdentityKey contextKey = "identity"

// IdentityFromCtx returns the caller, or false outside the auth middleware.
func IdentityFromCtx(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(ctxIdentityKey).(Identity)
	return id, ok
}

// WithIdentity returns a context carrying id.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, ctxIdentityKey, id)
}

// Authenticator verifies bearer tokens signed with a shared secret.
type Authenticator struct {
	secret []byte
}

func NewAuthenticator(secret string) (*Authenticator, error) {
	if secret == "" {
		return nil, errors.New("jwt secret is required")
	}
	return &Authenticator{secret: []byte(secret)}, nil
}

// Issue signs a token. The service never logs users in; this exists for
// tooling and tests.
func (a *Authenticator) Issue(account rewards.Account, role string, ttl time.Duration) (string, error) {
	now := time.Now()
	c := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   string(account.UserID),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Role:        role,
		AcctCreated: account.CreatedAt.Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(a.secret)
}

// Verify parses and validates a token.
func (a *Authenticator) Verify(token string) (Identity, error) {
	tok, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return Identity{}, err
	}
	c, ok := tok.Claims.(*Claims)
	if !ok || !tok.Valid {
		return Identity{}, errors.New("invalid token")
	}
	if c.Subject == "" {
		return Identity{}, errors.New("token has no subject")
	}
	if c.AcctCreated <= 0 {
		return Identity{}, errors.New("token has no acct_created claim")
	}
	role := c.Role
	if role == "" {
		role = RoleUser
	}
	return Identity{
		Account: rewards.Account{
			UserID:    ledger.UserID(c.Subject),
			CreatedAt: time.Unix(c.AcctCreated, 0).UTC(),
		},
		Role: role,
	}, nil
}

// Middleware rejects requests without a valid bearer token.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := extractBearer(r)
		if raw == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing or malformed Authorization header")
			return
		}
		id, err := a.Verify(raw)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized", "invalid token")
			return
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
	})
}

// RequireRole allows only callers holding one of roles.
func RequireRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := IdentityFromCtx(r.Context())
			if !ok {
				writeError(w, http.StatusUnauthorized, "unauthorized", "not authenticated")
				return
			}
			for _, role := range roles {
				if id.Role == role {
					next.ServeHTTP(w, r)
					return
				}
			}
			writeError(w, http.StatusForbidden, "forbidden", "role not allowed")
		})
	}
}

func extractBearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}
