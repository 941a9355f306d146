// Package store provides an in-memory Store for tests and local runs.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/wonderbest23/galleryapp250527-sub003/ledger"
	"github.com/wonderbest23/galleryapp250527-sub003/rewards"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory implements ledger.Store and rewards.Store.
//
// WithUser holds a per-user mutex and buffers the callback's writes in a
// view. The unique checks run again when the view commits under the global
// write lock, so two users racing for one (source, source_id) still end
// with exactly one row.
type Memory struct {
	mu       sync.RWMutex
	rows     map[ledger.TransactionID]ledger.PointTransaction
	byUser   map[ledger.UserID][]ledger.TransactionID
	active   map[sourceKey]ledger.TransactionID // guarded, non-cancelled earns
	reverses map[ledger.TransactionID]ledger.TransactionID

	users sync.Map // ledger.UserID -> *sync.Mutex

	grades    map[ledger.UserID]rewards.UserGradeStats
	exchanges []rewards.TicketExchange
	checks    map[string]rewards.QualityCheck
}

type sourceKey struct {
	Source   ledger.Source
	SourceID string
}

func NewMemory() *Memory {
	return &Memory{
		rows:     make(map[ledger.TransactionID]ledger.PointTransaction),
		byUser:   make(map[ledger.UserID][]ledger.TransactionID),
		active:   make(map[sourceKey]ledger.TransactionID),
		reverses: make(map[ledger.TransactionID]ledger.TransactionID),
		grades:   make(map[ledger.UserID]rewards.UserGradeStats),
		checks:   make(map[string]rewards.QualityCheck),
	}
}

func guarded(tx ledger.PointTransaction) bool {
	return tx.Kind == ledger.KindEarn && tx.Source.Guarded() && tx.Status != ledger.StatusCancelled
}

// =============================================================================
// READS
// =============================================================================

func (m *Memory) Transaction(_ context.Context, id ledger.TransactionID) (ledger.PointTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tx, ok := m.rows[id]
	if !ok {
		return ledger.PointTransaction{}, ledger.ErrNotFound
	}
	return tx, nil
}

func (m *Memory) UserTransactions(_ context.Context, user ledger.UserID) ([]ledger.PointTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.userRowsLocked(user), nil
}

func (m *Memory) userRowsLocked(user ledger.UserID) []ledger.PointTransaction {
	ids := m.byUser[user]
	result := make([]ledger.PointTransaction, 0, len(ids))
	for _, id := range ids {
		result = append(result, m.rows[id])
	}
	return result
}

func (m *Memory) EarnBySource(_ context.Context, source ledger.Source, sourceID string) (ledger.PointTransaction, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.earnBySourceLocked(source, sourceID)
}

func (m *Memory) earnBySourceLocked(source ledger.Source, sourceID string) (ledger.PointTransaction, bool, error) {
	if source.Guarded() {
		id, ok := m.active[sourceKey{source, sourceID}]
		if !ok {
			return ledger.PointTransaction{}, false, nil
		}
		return m.rows[id], true, nil
	}
	for _, tx := range m.rows {
		if tx.Kind == ledger.KindEarn && tx.Source == source && tx.SourceID == sourceID && tx.Status != ledger.StatusCancelled {
			return tx, true, nil
		}
	}
	return ledger.PointTransaction{}, false, nil
}

func (m *Memory) CountEarns(_ context.Context, user ledger.UserID, source ledger.Source, targetID string, since time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, tx := range m.userRowsLocked(user) {
		if countable(tx, source, targetID, since) {
			n++
		}
	}
	return n, nil
}

func countable(tx ledger.PointTransaction, source ledger.Source, targetID string, since time.Time) bool {
	return tx.Kind == ledger.KindEarn && tx.Source == source &&
		(targetID == "" || tx.TargetID == targetID) &&
		!tx.CreatedAt.Before(since)
}

func (m *Memory) DueLocked(_ context.Context, asOf time.Time, limit int) ([]ledger.PointTransaction, error) {
	m.mu.RLock()
	var due []ledger.PointTransaction
	for _, tx := range m.rows {
		if tx.Status == ledger.StatusLocked && tx.LockUntil != nil && !tx.LockUntil.After(asOf) {
			due = append(due, tx)
		}
	}
	m.mu.RUnlock()

	sort.Slice(due, func(i, j int) bool {
		if due[i].LockUntil.Equal(*due[j].LockUntil) {
			return due[i].ID < due[j].ID
		}
		return due[i].LockUntil.Before(*due[j].LockUntil)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

// =============================================================================
// TRANSACTIONAL VIEW
// =============================================================================

// WithUser runs fn with the user's mutex held. fn's writes are applied
// only if it returns nil and every constraint still holds.
func (m *Memory) WithUser(ctx context.Context, user ledger.UserID, fn func(ledger.Tx) error) error {
	mu := m.userLock(user)
	mu.Lock()
	defer mu.Unlock()

	if err := ctx.Err(); err != nil {
		return &ledger.TransientError{Op: "with_user", Err: err}
	}

	v := &memTx{parent: m, status: make(map[ledger.TransactionID]statusChange)}
	if err := fn(v); err != nil {
		return err
	}
	return m.commit(v)
}

func (m *Memory) userLock(user ledger.UserID) *sync.Mutex {
	mu, _ := m.users.LoadOrStore(user, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

type statusChange struct {
	from, to ledger.Status
	at       time.Time
}

func (m *Memory) commit(v *memTx) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Validate everything before touching anything.
	for id, ch := range v.status {
		cur, ok := m.rows[id]
		if !ok {
			return ledger.ErrNotFound
		}
		if cur.Status != ch.from {
			return ledger.ErrStaleStatus
		}
	}
	for _, tx := range v.inserts {
		if err := m.checkUniqueLocked(tx); err != nil {
			return err
		}
	}

	for id, ch := range v.status {
		m.rows[id] = applyStatus(m.rows[id], ch)
		if ch.to == ledger.StatusCancelled {
			cur := m.rows[id]
			delete(m.active, sourceKey{cur.Source, cur.SourceID})
		}
	}
	for _, tx := range v.inserts {
		m.rows[tx.ID] = tx
		m.byUser[tx.UserID] = append(m.byUser[tx.UserID], tx.ID)
		if guarded(tx) {
			m.active[sourceKey{tx.Source, tx.SourceID}] = tx.ID
		}
		if tx.ReversesID != "" {
			m.reverses[tx.ReversesID] = tx.ID
		}
	}
	return nil
}

func (m *Memory) checkUniqueLocked(tx ledger.PointTransaction) error {
	if _, exists := m.rows[tx.ID]; exists {
		return ledger.ErrDuplicateSource
	}
	if guarded(tx) {
		if _, taken := m.active[sourceKey{tx.Source, tx.SourceID}]; taken {
			return ledger.ErrDuplicateSource
		}
	}
	if tx.ReversesID != "" {
		if _, taken := m.reverses[tx.ReversesID]; taken {
			return ledger.ErrDuplicateSource
		}
	}
	return nil
}

func applyStatus(tx ledger.PointTransaction, ch statusChange) ledger.PointTransaction {
	tx.Status = ch.to
	tx.UpdatedAt = ch.at
	if ch.to == ledger.StatusUnlocked {
		at := ch.at
		tx.UnlockedAt = &at
	}
	return tx
}

// memTx overlays buffered writes on the committed rows.
type memTx struct {
	parent  *Memory
	inserts []ledger.PointTransaction
	status  map[ledger.TransactionID]statusChange
}

func (v *memTx) overlay(tx ledger.PointTransaction) ledger.PointTransaction {
	if ch, ok := v.status[tx.ID]; ok {
		return applyStatus(tx, ch)
	}
	return tx
}

func (v *memTx) Transaction(ctx context.Context, id ledger.TransactionID) (ledger.PointTransaction, error) {
	for _, tx := range v.inserts {
		if tx.ID == id {
			return v.overlay(tx), nil
		}
	}
	tx, err := v.parent.Transaction(ctx, id)
	if err != nil {
		return ledger.PointTransaction{}, err
	}
	return v.overlay(tx), nil
}

func (v *memTx) UserTransactions(ctx context.Context, user ledger.UserID) ([]ledger.PointTransaction, error) {
	committed, err := v.parent.UserTransactions(ctx, user)
	if err != nil {
		return nil, err
	}
	result := make([]ledger.PointTransaction, 0, len(committed)+len(v.inserts))
	for _, tx := range committed {
		result = append(result, v.overlay(tx))
	}
	for _, tx := range v.inserts {
		if tx.UserID == user {
			result = append(result, v.overlay(tx))
		}
	}
	sort.SliceStable(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (v *memTx) EarnBySource(ctx context.Context, source ledger.Source, sourceID string) (ledger.PointTransaction, bool, error) {
	for _, tx := range v.inserts {
		tx = v.overlay(tx)
		if tx.Kind == ledger.KindEarn && tx.Source == source && tx.SourceID == sourceID && tx.Status != ledger.StatusCancelled {
			return tx, true, nil
		}
	}
	tx, found, err := v.parent.EarnBySource(ctx, source, sourceID)
	if err != nil || !found {
		return tx, found, err
	}
	tx = v.overlay(tx)
	if tx.Status == ledger.StatusCancelled {
		return ledger.PointTransaction{}, false, nil
	}
	return tx, true, nil
}

func (v *memTx) CountEarns(ctx context.Context, user ledger.UserID, source ledger.Source, targetID string, since time.Time) (int, error) {
	n, err := v.parent.CountEarns(ctx, user, source, targetID, since)
	if err != nil {
		return 0, err
	}
	for _, tx := range v.inserts {
		if tx.UserID == user && countable(tx, source, targetID, since) {
			n++
		}
	}
	return n, nil
}

func (v *memTx) DueLocked(ctx context.Context, asOf time.Time, limit int) ([]ledger.PointTransaction, error) {
	committed, err := v.parent.DueLocked(ctx, asOf, 0)
	if err != nil {
		return nil, err
	}
	var due []ledger.PointTransaction
	for _, tx := range committed {
		if tx = v.overlay(tx); tx.Status == ledger.StatusLocked {
			due = append(due, tx)
		}
	}
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (v *memTx) Insert(_ context.Context, tx ledger.PointTransaction) error {
	v.parent.mu.RLock()
	err := v.parent.checkUniqueLocked(tx)
	v.parent.mu.RUnlock()
	if err != nil {
		return err
	}
	for _, p := range v.inserts {
		if p.ID == tx.ID ||
			(guarded(tx) && guarded(p) && p.Source == tx.Source && p.SourceID == tx.SourceID) ||
			(tx.ReversesID != "" && p.ReversesID == tx.ReversesID) {
			return ledger.ErrDuplicateSource
		}
	}
	v.inserts = append(v.inserts, tx)
	return nil
}

func (v *memTx) SetStatus(ctx context.Context, id ledger.TransactionID, from, to ledger.Status, at time.Time) error {
	cur, err := v.Transaction(ctx, id)
	if err != nil {
		return err
	}
	if cur.Status != from {
		return ledger.ErrStaleStatus
	}
	for i, tx := range v.inserts {
		if tx.ID == id {
			v.inserts[i] = applyStatus(tx, statusChange{from: from, to: to, at: at})
			return nil
		}
	}
	if prev, ok := v.status[id]; ok {
		from = prev.from
	}
	v.status[id] = statusChange{from: from, to: to, at: at}
	return nil
}

// =============================================================================
// REWARDS TABLES
// =============================================================================

func (m *Memory) GradeStats(_ context.Context, user ledger.UserID) (rewards.UserGradeStats, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.grades[user]
	return s, ok, nil
}

func (m *Memory) SaveGradeStats(_ context.Context, stats rewards.UserGradeStats) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.grades[stats.UserID]; ok && stats.CreatedAt.IsZero() {
		stats.CreatedAt = prev.CreatedAt
	}
	m.grades[stats.UserID] = stats
	return nil
}

func (m *Memory) EnsureGradeStats(_ context.Context, user ledger.UserID, now time.Time) (rewards.UserGradeStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.grades[user]; ok {
		return s, nil
	}
	s := rewards.NewUserGradeStats(user, now)
	m.grades[user] = s
	return s, nil
}

func (m *Memory) GradeUsers(_ context.Context) ([]ledger.UserID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	users := make([]ledger.UserID, 0, len(m.grades))
	for u := range m.grades {
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i] < users[j] })
	return users, nil
}

func (m *Memory) InsertExchange(_ context.Context, ex rewards.TicketExchange) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.exchanges {
		if e.ID == ex.ID || e.SpendTxID == ex.SpendTxID {
			return ledger.Invalidf("exchange %s already recorded", ex.ID)
		}
	}
	m.exchanges = append(m.exchanges, ex)
	return nil
}

func (m *Memory) CountExchanges(_ context.Context, user ledger.UserID, since time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, e := range m.exchanges {
		if e.UserID == user && !e.ExchangeDate.Before(since) {
			n++
		}
	}
	return n, nil
}

func (m *Memory) Exchanges(_ context.Context, user ledger.UserID) ([]rewards.TicketExchange, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []rewards.TicketExchange
	for i := len(m.exchanges) - 1; i >= 0; i-- {
		if m.exchanges[i].UserID == user {
			result = append(result, m.exchanges[i])
		}
	}
	return result, nil
}

func (m *Memory) QualityCheck(_ context.Context, reviewID string) (rewards.QualityCheck, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	qc, ok := m.checks[reviewID]
	if !ok {
		return rewards.QualityCheck{}, ledger.ErrNotFound
	}
	return qc, nil
}

func (m *Memory) SaveQualityCheck(_ context.Context, qc rewards.QualityCheck) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks[qc.ReviewID] = qc
	return nil
}

func (m *Memory) QualityChecks(_ context.Context, reviewIDs []string) (map[string]rewards.QualityCheck, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make(map[string]rewards.QualityCheck, len(reviewIDs))
	for _, id := range reviewIDs {
		if qc, ok := m.checks[id]; ok {
			result[id] = qc
		}
	}
	return result, nil
}

var (
	_ ledger.Store  = (*Memory)(nil)
	_ rewards.Store = (*Memory)(nil)
)
