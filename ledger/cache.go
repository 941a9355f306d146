package ledger

import (
	"time"

	"github.com/patrickmn/go-cache"
)

// BalanceCache is an advisory projection of derived balances.
// It is never the point of truth: AppendSpend always recomputes from rows,
// and every committed mutation invalidates the user's entry.
type BalanceCache struct {
	c *cache.Cache
}

// NewBalanceCache creates a cache whose entries live for ttl.
// A janitor goroutine purges expired entries every 2*ttl.
func NewBalanceCache(ttl time.Duration) *BalanceCache {
	return &BalanceCache{c: cache.New(ttl, 2*ttl)}
}

func (bc *BalanceCache) Get(user UserID) (Balance, bool) {
	v, ok := bc.c.Get(string(user))
	if !ok {
		return Balance{}, false
	}
	b, ok := v.(Balance)
	return b, ok
}

func (bc *BalanceCache) Set(b Balance) {
	bc.c.SetDefault(string(b.UserID), b)
}

func (bc *BalanceCache) Invalidate(user UserID) {
	bc.c.Delete(string(user))
}

// Len returns the number of cached entries, expired ones included.
func (bc *BalanceCache) Len() int { return bc.c.ItemCount() }
