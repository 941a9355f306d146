package api

import (
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/wonderbest23/galleryapp250527-sub003/ledger"
)

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error   string `json:"error"` // stable machine-readable code
	Message string `json:"message"`
}

// statusFor maps an error code to its HTTP status.
func statusFor(code string) int {
	switch code {
	case "invalid_request":
		return http.StatusBadRequest
	case "not_found":
		return http.StatusNotFound
	case "invalid_state":
		return http.StatusConflict
	case "duplicate_review", "daily_limit_exceeded", "monthly_limit_exceeded", "account_too_new",
		"quota_exceeded", "insufficient_points":
		return http.StatusUnprocessableEntity
	case "unavailable":
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// writeDomainError renders err using its code. Internal details never reach
// the client for invalid_state and internal errors.
func writeDomainError(w http.ResponseWriter, log logrus.FieldLogger, err error) {
	code := ledger.Code(err)
	status := statusFor(code)
	msg := err.Error()

	switch status {
	case http.StatusConflict:
		log.WithError(err).Error("invalid state transition")
		msg = "the transaction is not in a state that allows this operation"
	case http.StatusInternalServerError:
		log.WithError(err).Error("request failed")
		code, msg = "internal", "internal error"
	case http.StatusServiceUnavailable:
		log.WithError(err).Warn("storage unavailable")
		msg = "temporarily unavailable, retry later"
	}
	writeJSON(w, status, ErrorResponse{Error: code, Message: msg})
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Error: code, Message: message})
}
