package rewards

import (
	"errors"
	"fmt"
)

// Business rejections from the Abuse Guard and the Exchange Service.
// They are user-visible and never retried.
var (
	ErrDuplicateReview      = errors.New("duplicate review")
	ErrDailyLimitExceeded   = errors.New("daily limit exceeded")
	ErrMonthlyLimitExceeded = errors.New("monthly limit exceeded")
	ErrAccountTooNew        = errors.New("account too new")
	ErrQuotaExceeded        = errors.New("quota exceeded")
)

// RejectionError is a business rejection that names the threshold it hit.
type RejectionError struct {
	Kind   error // one of the sentinels above
	Reason string
}

func (e *RejectionError) Error() string { return e.Reason }
func (e *RejectionError) Unwrap() error { return e.Kind }

func (e *RejectionError) Code() string {
	switch e.Kind {
	case ErrDuplicateReview:
		return "duplicate_review"
	case ErrDailyLimitExceeded:
		return "daily_limit_exceeded"
	case ErrMonthlyLimitExceeded:
		return "monthly_limit_exceeded"
	case ErrAccountTooNew:
		return "account_too_new"
	case ErrQuotaExceeded:
		return "quota_exceeded"
	}
	return "rejected"
}

func reject(kind error, format string, args ...any) error {
	return &RejectionError{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

// IsRejection reports whether err is a guard or exchange business rejection.
func IsRejection(err error) bool {
	var re *RejectionError
	return errors.As(err, &re)
}
