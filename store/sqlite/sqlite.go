/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements ledger.Store and rewards.Store on one SQLite database. The
  same schema ships for PostgreSQL in store/postgres with dialect changes
  only.

APPEND-ONLY ENFORCEMENT:
  point_transactions accepts INSERT and an UPDATE of the status columns.
  Triggers abort any DELETE and any UPDATE of amount, user, kind or source,
  so even a buggy caller cannot rewrite history.

KEY TABLES:
  point_transactions:  ledger rows (append-only)
  user_grade_stats:    one mutable row per user
  ticket_exchanges:    one row per exchange (append-only)
  quality_checks:      one row per review, keyed by review_id

INDEXES:
  - idx_point_tx_source:    UNIQUE (source, source_id) over non-cancelled
                            guarded earns. The idempotency guard.
  - idx_point_tx_reverses:  UNIQUE reverses_id. One refund per spend.
  - idx_point_tx_user:      balance derivation (hot path)
  - idx_point_tx_due:       sweeper scan of due locked rows

CONCURRENCY:
  SQLite has a single writer. WithUser takes the store's write mutex and
  opens the transaction with BEGIN IMMEDIATE (_txlock=immediate), which
  serializes all users, a superset of per-user serialization. SQLITE_BUSY
  and SQLITE_LOCKED surface as ledger.TransientError and are retried by the
  Ledger.

TIME:
  Timestamps are stored as fixed-width UTC text, so lexicographic order is
  chronological order and range predicates can use the indexes.

USAGE:
  store, err := sqlite.New("./data/points.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  l := ledger.New(store, ledger.Options{})
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/wonderbest23/galleryapp250527-sub003/ledger"
	"github.com/wonderbest23/galleryapp250527-sub003/rewards"
)

const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store implements ledger.Store and rewards.Store using SQLite.
type Store struct {
	db *sql.DB
	mu sync.Mutex // single writer
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return classify("ping", s.db.PingContext(ctx))
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS point_transactions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		kind TEXT NOT NULL CHECK (kind IN ('earn', 'spend')),
		amount INTEGER NOT NULL,
		source TEXT NOT NULL,
		source_id TEXT NOT NULL DEFAULT '',
		target_id TEXT NOT NULL DEFAULT '',
		reverses_id TEXT,
		status TEXT NOT NULL CHECK (status IN ('locked', 'unlocked', 'cancelled')),
		lock_until TEXT,
		unlocked_at TEXT,
		expires_at TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		CHECK ((kind = 'earn' AND amount > 0) OR (kind = 'spend' AND amount < 0)),
		CHECK ((status = 'unlocked') = (unlocked_at IS NOT NULL))
	);

	-- Idempotency guard: one live earn per action source.
	CREATE UNIQUE INDEX IF NOT EXISTS idx_point_tx_source
		ON point_transactions(source, source_id)
		WHERE kind = 'earn' AND status <> 'cancelled'
		  AND source IN ('review', 'deep_review', 'featured', 'visit');

	CREATE UNIQUE INDEX IF NOT EXISTS idx_point_tx_reverses
		ON point_transactions(reverses_id) WHERE reverses_id IS NOT NULL;

	CREATE INDEX IF NOT EXISTS idx_point_tx_user
		ON point_transactions(user_id, created_at);

	CREATE INDEX IF NOT EXISTS idx_point_tx_due
		ON point_transactions(lock_until) WHERE status = 'locked';

	CREATE TRIGGER IF NOT EXISTS point_tx_no_delete
		BEFORE DELETE ON point_transactions
	BEGIN
		SELECT RAISE(ABORT, 'point_transactions is append-only');
	END;

	CREATE TRIGGER IF NOT EXISTS point_tx_immutable
		BEFORE UPDATE OF id, user_id, kind, amount, source, source_id, target_id, reverses_id, created_at
		ON point_transactions
	BEGIN
		SELECT RAISE(ABORT, 'point_transactions rows are immutable');
	END;

	CREATE TABLE IF NOT EXISTS user_grade_stats (
		user_id TEXT PRIMARY KEY,
		grade TEXT NOT NULL DEFAULT 'bronze',
		approved_reviews_60d INTEGER NOT NULL DEFAULT 0,
		avg_rating_60d TEXT NOT NULL DEFAULT '0',
		deep_reviews_60d INTEGER NOT NULL DEFAULT 0,
		featured_count_60d INTEGER NOT NULL DEFAULT 0,
		monthly_exchanges_used INTEGER NOT NULL DEFAULT 0,
		monthly_exchanges_reset_at TEXT,
		noshow_warnings INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS ticket_exchanges (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		exhibition_id TEXT NOT NULL,
		points_spent INTEGER NOT NULL,
		spend_tx_id TEXT NOT NULL UNIQUE REFERENCES point_transactions(id),
		exchange_date TEXT NOT NULL,
		visit_date TEXT NOT NULL,
		status TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_ticket_exchanges_user_date
		ON ticket_exchanges(user_id, exchange_date);

	CREATE TABLE IF NOT EXISTS quality_checks (
		review_id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		tx_id TEXT NOT NULL REFERENCES point_transactions(id),
		quality_status TEXT NOT NULL,
		is_deep_review INTEGER NOT NULL DEFAULT 0,
		is_featured INTEGER NOT NULL DEFAULT 0,
		quality_score INTEGER NOT NULL DEFAULT 0,
		rating INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		resolved_at TEXT
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// TRANSACTION STORE (ledger.Store interface)
// =============================================================================

const txColumns = `id, user_id, kind, amount, source, source_id, target_id, reverses_id,
	status, lock_until, unlocked_at, expires_at, created_at, updated_at`

func (s *Store) Transaction(ctx context.Context, id ledger.TransactionID) (ledger.PointTransaction, error) {
	return getTransaction(ctx, s.db, id)
}

func (s *Store) UserTransactions(ctx context.Context, user ledger.UserID) ([]ledger.PointTransaction, error) {
	return userTransactions(ctx, s.db, user)
}

func (s *Store) EarnBySource(ctx context.Context, source ledger.Source, sourceID string) (ledger.PointTransaction, bool, error) {
	return earnBySource(ctx, s.db, source, sourceID)
}

func (s *Store) CountEarns(ctx context.Context, user ledger.UserID, source ledger.Source, targetID string, since time.Time) (int, error) {
	return countEarns(ctx, s.db, user, source, targetID, since)
}

func (s *Store) DueLocked(ctx context.Context, asOf time.Time, limit int) ([]ledger.PointTransaction, error) {
	return dueLocked(ctx, s.db, asOf, limit)
}

func getTransaction(ctx context.Context, q querier, id ledger.TransactionID) (ledger.PointTransaction, error) {
	txs, err := queryTransactions(ctx, q, "SELECT "+txColumns+" FROM point_transactions WHERE id = ?", id)
	if err != nil {
		return ledger.PointTransaction{}, err
	}
	if len(txs) == 0 {
		return ledger.PointTransaction{}, ledger.ErrNotFound
	}
	return txs[0], nil
}

func userTransactions(ctx context.Context, q querier, user ledger.UserID) ([]ledger.PointTransaction, error) {
	return queryTransactions(ctx, q,
		"SELECT "+txColumns+" FROM point_transactions WHERE user_id = ? ORDER BY created_at ASC, rowid ASC", user)
}

func earnBySource(ctx context.Context, q querier, source ledger.Source, sourceID string) (ledger.PointTransaction, bool, error) {
	txs, err := queryTransactions(ctx, q, "SELECT "+txColumns+` FROM point_transactions
		WHERE kind = 'earn' AND source = ? AND source_id = ? AND status <> 'cancelled'
		ORDER BY created_at ASC LIMIT 1`, source, sourceID)
	if err != nil || len(txs) == 0 {
		return ledger.PointTransaction{}, false, err
	}
	return txs[0], true, nil
}

func countEarns(ctx context.Context, q querier, user ledger.UserID, source ledger.Source, targetID string, since time.Time) (int, error) {
	query := `SELECT COUNT(*) FROM point_transactions
		WHERE user_id = ? AND kind = 'earn' AND source = ? AND created_at >= ?`
	args := []any{user, source, formatTime(since)}
	if targetID != "" {
		query += " AND target_id = ?"
		args = append(args, targetID)
	}
	var n int
	if err := q.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, classify("count earns", err)
	}
	return n, nil
}

func dueLocked(ctx context.Context, q querier, asOf time.Time, limit int) ([]ledger.PointTransaction, error) {
	query := "SELECT " + txColumns + ` FROM point_transactions
		WHERE status = 'locked' AND lock_until IS NOT NULL AND lock_until <= ?
		ORDER BY lock_until ASC, id ASC`
	args := []any{formatTime(asOf)}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return queryTransactions(ctx, q, query, args...)
}

func insertTransaction(ctx context.Context, q querier, tx ledger.PointTransaction) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO point_transactions (`+txColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tx.ID,
		tx.UserID,
		tx.Kind,
		tx.Amount,
		tx.Source,
		tx.SourceID,
		tx.TargetID,
		nullString(string(tx.ReversesID)),
		tx.Status,
		nullTime(tx.LockUntil),
		nullTime(tx.UnlockedAt),
		nullTime(tx.ExpiresAt),
		formatTime(tx.CreatedAt),
		formatTime(tx.UpdatedAt),
	)
	return classify("insert transaction", err)
}

func setStatus(ctx context.Context, q querier, id ledger.TransactionID, from, to ledger.Status, at time.Time) error {
	var unlockedAt any
	if to == ledger.StatusUnlocked {
		unlockedAt = formatTime(at)
	}
	res, err := q.ExecContext(ctx, `
		UPDATE point_transactions
		SET status = ?, updated_at = ?, unlocked_at = COALESCE(?, unlocked_at)
		WHERE id = ? AND status = ?`,
		to, formatTime(at), unlockedAt, id, from)
	if err != nil {
		return classify("set status", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return classify("set status", err)
	}
	if n == 0 {
		if _, err := getTransaction(ctx, q, id); err != nil {
			return err
		}
		return ledger.ErrStaleStatus
	}
	return nil
}

func queryTransactions(ctx context.Context, q querier, query string, args ...any) ([]ledger.PointTransaction, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify("query transactions", err)
	}
	defer rows.Close()

	var transactions []ledger.PointTransaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, tx)
	}

	return transactions, classify("query transactions", rows.Err())
}

func scanTransaction(rows *sql.Rows) (ledger.PointTransaction, error) {
	var (
		tx         ledger.PointTransaction
		reversesID sql.NullString
		lockUntil  sql.NullString
		unlockedAt sql.NullString
		expiresAt  sql.NullString
		createdAt  string
		updatedAt  string
	)

	err := rows.Scan(
		&tx.ID, &tx.UserID, &tx.Kind, &tx.Amount, &tx.Source, &tx.SourceID, &tx.TargetID, &reversesID,
		&tx.Status, &lockUntil, &unlockedAt, &expiresAt, &createdAt, &updatedAt,
	)
	if err != nil {
		return tx, fmt.Errorf("failed to scan transaction: %w", err)
	}

	tx.ReversesID = ledger.TransactionID(reversesID.String)
	tx.LockUntil = parseNullTime(lockUntil)
	tx.UnlockedAt = parseNullTime(unlockedAt)
	tx.ExpiresAt = parseNullTime(expiresAt)
	tx.CreatedAt = parseTime(createdAt)
	tx.UpdatedAt = parseTime(updatedAt)
	return tx, nil
}

// =============================================================================
// PER-USER TRANSACTIONS
// =============================================================================

// WithUser executes fn within a BEGIN IMMEDIATE transaction.
func (s *Store) WithUser(ctx context.Context, user ledger.UserID, fn func(ledger.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify("begin", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}

	return classify("commit", sqlTx.Commit())
}

type txStore struct {
	tx *sql.Tx
}

func (ts *txStore) Transaction(ctx context.Context, id ledger.TransactionID) (ledger.PointTransaction, error) {
	return getTransaction(ctx, ts.tx, id)
}

func (ts *txStore) UserTransactions(ctx context.Context, user ledger.UserID) ([]ledger.PointTransaction, error) {
	return userTransactions(ctx, ts.tx, user)
}

func (ts *txStore) EarnBySource(ctx context.Context, source ledger.Source, sourceID string) (ledger.PointTransaction, bool, error) {
	return earnBySource(ctx, ts.tx, source, sourceID)
}

func (ts *txStore) CountEarns(ctx context.Context, user ledger.UserID, source ledger.Source, targetID string, since time.Time) (int, error) {
	return countEarns(ctx, ts.tx, user, source, targetID, since)
}

func (ts *txStore) DueLocked(ctx context.Context, asOf time.Time, limit int) ([]ledger.PointTransaction, error) {
	return dueLocked(ctx, ts.tx, asOf, limit)
}

func (ts *txStore) Insert(ctx context.Context, tx ledger.PointTransaction) error {
	return insertTransaction(ctx, ts.tx, tx)
}

func (ts *txStore) SetStatus(ctx context.Context, id ledger.TransactionID, from, to ledger.Status, at time.Time) error {
	return setStatus(ctx, ts.tx, id, from, to, at)
}

// =============================================================================
// GRADE STATS (rewards.Store)
// =============================================================================

const gradeColumns = `user_id, grade, approved_reviews_60d, avg_rating_60d, deep_reviews_60d,
	featured_count_60d, monthly_exchanges_used, monthly_exchanges_reset_at, noshow_warnings,
	created_at, updated_at`

func (s *Store) GradeStats(ctx context.Context, user ledger.UserID) (rewards.UserGradeStats, bool, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+gradeColumns+" FROM user_grade_stats WHERE user_id = ?", user)
	stats, err := scanGradeStats(row)
	if errors.Is(err, sql.ErrNoRows) {
		return rewards.UserGradeStats{}, false, nil
	}
	if err != nil {
		return rewards.UserGradeStats{}, false, classify("grade stats", err)
	}
	return stats, true, nil
}

func (s *Store) SaveGradeStats(ctx context.Context, st rewards.UserGradeStats) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_grade_stats (`+gradeColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			grade = excluded.grade,
			approved_reviews_60d = excluded.approved_reviews_60d,
			avg_rating_60d = excluded.avg_rating_60d,
			deep_reviews_60d = excluded.deep_reviews_60d,
			featured_count_60d = excluded.featured_count_60d,
			monthly_exchanges_used = excluded.monthly_exchanges_used,
			monthly_exchanges_reset_at = excluded.monthly_exchanges_reset_at,
			noshow_warnings = excluded.noshow_warnings,
			updated_at = excluded.updated_at`,
		st.UserID,
		st.Grade,
		st.ApprovedReviews60d,
		st.AvgRating60d.StringFixed(2),
		st.DeepReviews60d,
		st.FeaturedCount60d,
		st.MonthlyExchangesUsed,
		nullTimeValue(st.MonthlyExchangesResetAt),
		st.NoShowWarnings,
		formatTime(st.CreatedAt),
		formatTime(st.UpdatedAt),
	)
	return classify("save grade stats", err)
}

func (s *Store) EnsureGradeStats(ctx context.Context, user ledger.UserID, now time.Time) (rewards.UserGradeStats, error) {
	s.mu.Lock()
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO user_grade_stats (user_id, grade, created_at, updated_at)
		VALUES (?, ?, ?, ?)`,
		user, rewards.GradeBronze, formatTime(now), formatTime(now))
	s.mu.Unlock()
	if err != nil {
		return rewards.UserGradeStats{}, classify("ensure grade stats", err)
	}

	stats, _, err := s.GradeStats(ctx, user)
	return stats, err
}

func (s *Store) GradeUsers(ctx context.Context) ([]ledger.UserID, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT user_id FROM user_grade_stats ORDER BY user_id")
	if err != nil {
		return nil, classify("grade users", err)
	}
	defer rows.Close()

	var users []ledger.UserID
	for rows.Next() {
		var u ledger.UserID
		if err := rows.Scan(&u); err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, u)
	}
	return users, classify("grade users", rows.Err())
}

func scanGradeStats(row *sql.Row) (rewards.UserGradeStats, error) {
	var (
		st        rewards.UserGradeStats
		avg       string
		resetAt   sql.NullString
		createdAt string
		updatedAt string
	)
	err := row.Scan(
		&st.UserID, &st.Grade, &st.ApprovedReviews60d, &avg, &st.DeepReviews60d,
		&st.FeaturedCount60d, &st.MonthlyExchangesUsed, &resetAt, &st.NoShowWarnings,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return st, err
	}
	st.AvgRating60d, err = decimal.NewFromString(avg)
	if err != nil {
		return st, fmt.Errorf("invalid avg_rating_60d %q: %w", avg, err)
	}
	if t := parseNullTime(resetAt); t != nil {
		st.MonthlyExchangesResetAt = *t
	}
	st.CreatedAt = parseTime(createdAt)
	st.UpdatedAt = parseTime(updatedAt)
	return st, nil
}

// =============================================================================
// TICKET EXCHANGES (rewards.Store)
// =============================================================================

func (s *Store) InsertExchange(ctx context.Context, ex rewards.TicketExchange) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ticket_exchanges
		(id, user_id, exchange_date, exhibition_id, points_spent, spend_tx_id, visit_date, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ex.ID, ex.UserID, formatTime(ex.ExchangeDate), ex.ExhibitionID, ex.PointsSpent,
		ex.SpendTxID, formatTime(ex.VisitDate), ex.Status,
	)
	return classify("insert exchange", err)
}

func (s *Store) CountExchanges(ctx context.Context, user ledger.UserID, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM ticket_exchanges WHERE user_id = ? AND exchange_date >= ?",
		user, formatTime(since),
	).Scan(&n)
	return n, classify("count exchanges", err)
}

func (s *Store) Exchanges(ctx context.Context, user ledger.UserID) ([]rewards.TicketExchange, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, exhibition_id, points_spent, spend_tx_id, exchange_date, visit_date, status
		FROM ticket_exchanges WHERE user_id = ?
		ORDER BY exchange_date DESC, rowid DESC`, user)
	if err != nil {
		return nil, classify("exchanges", err)
	}
	defer rows.Close()

	var result []rewards.TicketExchange
	for rows.Next() {
		var (
			ex                      rewards.TicketExchange
			exchangeDate, visitDate string
		)
		if err := rows.Scan(&ex.ID, &ex.UserID, &ex.ExhibitionID, &ex.PointsSpent, &ex.SpendTxID,
			&exchangeDate, &visitDate, &ex.Status); err != nil {
			return nil, fmt.Errorf("failed to scan exchange: %w", err)
		}
		ex.ExchangeDate = parseTime(exchangeDate)
		ex.VisitDate = parseTime(visitDate)
		result = append(result, ex)
	}
	return result, classify("exchanges", rows.Err())
}

// =============================================================================
// QUALITY CHECKS (rewards.Store)
// =============================================================================

const qcColumns = `review_id, user_id, tx_id, quality_status, is_deep_review, is_featured,
	quality_score, rating, created_at, resolved_at`

func (s *Store) QualityCheck(ctx context.Context, reviewID string) (rewards.QualityCheck, error) {
	checks, err := s.queryQualityChecks(ctx, "SELECT "+qcColumns+" FROM quality_checks WHERE review_id = ?", reviewID)
	if err != nil {
		return rewards.QualityCheck{}, err
	}
	if len(checks) == 0 {
		return rewards.QualityCheck{}, ledger.ErrNotFound
	}
	return checks[0], nil
}

func (s *Store) SaveQualityCheck(ctx context.Context, qc rewards.QualityCheck) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO quality_checks (`+qcColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(review_id) DO UPDATE SET
			quality_status = excluded.quality_status,
			is_deep_review = excluded.is_deep_review,
			is_featured = excluded.is_featured,
			quality_score = excluded.quality_score,
			rating = excluded.rating,
			resolved_at = excluded.resolved_at`,
		qc.ReviewID, qc.UserID, qc.TxID, qc.QualityStatus, qc.IsDeepReview, qc.IsFeatured,
		qc.QualityScore, qc.Rating, formatTime(qc.CreatedAt), nullTime(qc.ResolvedAt),
	)
	return classify("save quality check", err)
}

func (s *Store) QualityChecks(ctx context.Context, reviewIDs []string) (map[string]rewards.QualityCheck, error) {
	result := make(map[string]rewards.QualityCheck, len(reviewIDs))
	if len(reviewIDs) == 0 {
		return result, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(reviewIDs)), ",")
	args := make([]any, len(reviewIDs))
	for i, id := range reviewIDs {
		args[i] = id
	}
	checks, err := s.queryQualityChecks(ctx,
		"SELECT "+qcColumns+" FROM quality_checks WHERE review_id IN ("+placeholders+")", args...)
	if err != nil {
		return nil, err
	}
	for _, qc := range checks {
		result[qc.ReviewID] = qc
	}
	return result, nil
}

func (s *Store) queryQualityChecks(ctx context.Context, query string, args ...any) ([]rewards.QualityCheck, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify("query quality checks", err)
	}
	defer rows.Close()

	var checks []rewards.QualityCheck
	for rows.Next() {
		var (
			qc         rewards.QualityCheck
			createdAt  string
			resolvedAt sql.NullString
		)
		if err := rows.Scan(&qc.ReviewID, &qc.UserID, &qc.TxID, &qc.QualityStatus, &qc.IsDeepReview,
			&qc.IsFeatured, &qc.QualityScore, &qc.Rating, &createdAt, &resolvedAt); err != nil {
			return nil, fmt.Errorf("failed to scan quality check: %w", err)
		}
		qc.CreatedAt = parseTime(createdAt)
		qc.ResolvedAt = parseNullTime(resolvedAt)
		checks = append(checks, qc)
	}
	return checks, classify("query quality checks", rows.Err())
}

// =============================================================================
// HELPERS
// =============================================================================

// classify maps driver errors onto the ledger taxonomy.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &ledger.TransientError{Op: op, Err: err}
	}
	var se sqlite3.Error
	if errors.As(err, &se) {
		switch {
		case se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked:
			return &ledger.TransientError{Op: op, Err: err}
		case se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey:
			return fmt.Errorf("%w: %v", ledger.ErrDuplicateSource, err)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func nullTimeValue(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return nullTime(&t)
}

func parseNullTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

var (
	_ ledger.Store  = (*Store)(nil)
	_ rewards.Store = (*Store)(nil)
)
