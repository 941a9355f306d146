package rewards

import (
	"context"
	"time"

	"github.com/wonderbest23/galleryapp250527-sub003/ledger"
)

// Store persists the rewards tables: grade stats (mutable), ticket
// exchanges (append-only) and quality checks (keyed by review id).
// The sqlite, postgres and memory stores implement it next to ledger.Store.
type Store interface {
	// GradeStats returns the user's stats row; found is false when none exists.
	GradeStats(ctx context.Context, user ledger.UserID) (stats UserGradeStats, found bool, err error)

	// SaveGradeStats inserts or replaces the user's stats row.
	SaveGradeStats(ctx context.Context, stats UserGradeStats) error

	// EnsureGradeStats creates the default row if missing and returns the current one.
	EnsureGradeStats(ctx context.Context, user ledger.UserID, now time.Time) (UserGradeStats, error)

	// GradeUsers lists every user that has a stats row.
	GradeUsers(ctx context.Context) ([]ledger.UserID, error)

	// InsertExchange appends an exchange row.
	InsertExchange(ctx context.Context, ex TicketExchange) error

	// CountExchanges counts the user's exchanges with exchange_date >= since.
	CountExchanges(ctx context.Context, user ledger.UserID, since time.Time) (int, error)

	// Exchanges lists the user's exchanges, newest first.
	Exchanges(ctx context.Context, user ledger.UserID) ([]TicketExchange, error)

	// QualityCheck returns the check for a review, or ledger.ErrNotFound.
	QualityCheck(ctx context.Context, reviewID string) (QualityCheck, error)

	// SaveQualityCheck inserts or replaces the check for its review id.
	SaveQualityCheck(ctx context.Context, qc QualityCheck) error

	// QualityChecks returns the checks for the given review ids that exist.
	QualityChecks(ctx context.Context, reviewIDs []string) (map[string]QualityCheck, error)
}
