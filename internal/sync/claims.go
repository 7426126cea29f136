package sync

import (
	"sort"
	"sync"
	"time"

	"github.com/yo-brian/firemail/internal/metrics"
)

type claim struct {
	pool    PoolKind
	claimed time.Time
}

// Claims tracks accounts with a sync in progress. At most one claim exists
// per account; TryClaim is the only way to create one.
type Claims struct {
	mu     sync.Mutex
	claims map[int64]claim
}

// NewClaims creates an empty claim set
func NewClaims() *Claims {
	return &Claims{claims: make(map[int64]claim)}
}

// TryClaim claims accountID for pool. It returns false if the account is
// already claimed.
func (c *Claims) TryClaim(accountID int64, pool PoolKind) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.claims[accountID]; exists {
		return false
	}
	c.claims[accountID] = claim{pool: pool, claimed: time.Now()}
	metrics.ClaimsActive.Set(float64(len(c.claims)))
	return true
}

// Release drops the claim for accountID. Releasing an unclaimed account is a no-op.
func (c *Claims) Release(accountID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.claims, accountID)
	metrics.ClaimsActive.Set(float64(len(c.claims)))
}

// IsBusy reports whether accountID is claimed
func (c *Claims) IsBusy(accountID int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, exists := c.claims[accountID]
	return exists
}

// Active returns the claimed account ids in ascending order
func (c *Claims) Active() []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	ids := make([]int64, 0, len(c.claims))
	for id := range c.claims {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Len returns the number of active claims
func (c *Claims) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.claims)
}
