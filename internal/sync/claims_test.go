package sync

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClaims_TryClaimIsExclusive(t *testing.T) {
	c := NewClaims()

	require.True(t, c.TryClaim(1, PoolInteractive))
	assert.False(t, c.TryClaim(1, PoolBackground))
	assert.True(t, c.IsBusy(1))
	assert.False(t, c.IsBusy(2))

	c.Release(1)
	assert.False(t, c.IsBusy(1))
	assert.True(t, c.TryClaim(1, PoolBackground))
}

func TestClaims_ReleaseUnclaimedIsNoop(t *testing.T) {
	c := NewClaims()
	c.Release(42)
	assert.Equal(t, 0, c.Len())
}

func TestClaims_ActiveSorted(t *testing.T) {
	c := NewClaims()
	for _, id := range []int64{9, 3, 7} {
		require.True(t, c.TryClaim(id, PoolBackground))
	}
	assert.Equal(t, []int64{3, 7, 9}, c.Active())
}

func TestClaims_ConcurrentClaimers(t *testing.T) {
	c := NewClaims()

	const goroutines = 64
	var wins atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			pool := PoolInteractive
			if i%2 == 0 {
				pool = PoolBackground
			}
			if c.TryClaim(7, pool) {
				wins.Add(1)
			}
		}(i)
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, 1, c.Len())
}
