package sync

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, store *memStore, src *fakeSource, timeout time.Duration) *Manager {
	t.Helper()
	r := newTestRunner(store, time.Now(), src)
	m := NewManager(store, r, nil, ManagerConfig{Workers: 2, InteractiveTimeout: timeout}, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})
	return m
}

func TestManager_InteractiveSyncCompletes(t *testing.T) {
	store := newMemStore(Account{ID: 1, Email: "a@example.com", Kind: ProviderOutlook})
	src := &fakeSource{messages: []Message{{ProviderMessageID: "1", ReceivedAt: time.Now().Add(-time.Hour)}}}
	m := newTestManager(t, store, src, time.Second)

	var mu sync.Mutex
	var seen []Progress
	outs := m.SyncNow(context.Background(), []int64{1}, func(p Progress) {
		mu.Lock()
		seen = append(seen, p)
		mu.Unlock()
	}, true)

	require.Len(t, outs, 1)
	assert.Equal(t, StatusSucceeded, outs[0].Status, outs[0].Message)
	assert.Equal(t, 1, outs[0].Saved)
	assert.False(t, m.IsBusy(1))

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, seen)
	assert.Equal(t, 100, seen[len(seen)-1].Percent)
}

func TestManager_InteractiveTimeoutKeepsRunning(t *testing.T) {
	store := newMemStore(Account{ID: 1, Kind: ProviderOutlook})
	src := &fakeSource{block: make(chan struct{})}
	m := newTestManager(t, store, src, 30*time.Millisecond)

	outs := m.SyncNow(context.Background(), []int64{1}, nil, true)
	require.Len(t, outs, 1)
	assert.Equal(t, StatusStillRunning, outs[0].Status)
	assert.True(t, m.IsBusy(1))

	close(src.block)
	assert.Eventually(t, func() bool { return !m.IsBusy(1) }, time.Second, 5*time.Millisecond)
	assert.NotNil(t, store.account(1).Watermark)
}

func TestManager_BusyAccountIsRejected(t *testing.T) {
	store := newMemStore(Account{ID: 1, Kind: ProviderOutlook})
	src := &fakeSource{block: make(chan struct{}), started: make(chan struct{})}
	m := newTestManager(t, store, src, time.Second)

	outs := m.SyncNow(context.Background(), []int64{1}, nil, false)
	require.Len(t, outs, 1)
	require.Equal(t, StatusQueued, outs[0].Status)
	<-src.started

	outs = m.SyncNow(context.Background(), []int64{1}, nil, true)
	require.Len(t, outs, 1)
	assert.Equal(t, StatusBusy, outs[0].Status)
	assert.Equal(t, 0, m.Submit([]Account{store.account(1)}, nil, PoolBackground))

	close(src.block)
	assert.Eventually(t, func() bool { return !m.IsBusy(1) }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, src.callCount())
}

func TestManager_MixedRequest(t *testing.T) {
	store := newMemStore(
		Account{ID: 1, Kind: ProviderOutlook},
		Account{ID: 2, Kind: ProviderOutlook},
	)
	m := newTestManager(t, store, &fakeSource{}, time.Second)

	outs := m.SyncNow(context.Background(), []int64{1, 99, 2}, nil, true)
	require.Len(t, outs, 3)
	assert.Equal(t, StatusQueued, outs[0].Status)
	assert.Equal(t, StatusNotFound, outs[1].Status)
	assert.Equal(t, int64(99), outs[1].AccountID)
	assert.Equal(t, StatusQueued, outs[2].Status)

	assert.Eventually(t, func() bool { return len(m.Active()) == 0 }, time.Second, 5*time.Millisecond)
}

func TestManager_SingleUnknownAccount(t *testing.T) {
	m := newTestManager(t, newMemStore(), &fakeSource{}, time.Second)

	outs := m.SyncNow(context.Background(), []int64{5}, nil, true)
	require.Len(t, outs, 1)
	assert.Equal(t, StatusNotFound, outs[0].Status)
}

func TestManager_PanicReleasesClaim(t *testing.T) {
	store := newMemStore(Account{ID: 1, Kind: ProviderOutlook})
	m := newTestManager(t, store, &fakeSource{panicOn: true}, time.Second)

	outs := m.SyncNow(context.Background(), []int64{1}, nil, true)
	require.Len(t, outs, 1)
	assert.Equal(t, StatusFailed, outs[0].Status)
	assert.Contains(t, outs[0].Message, "internal error")
	assert.False(t, m.IsBusy(1))
}

func TestManager_ConcurrentRequestsRunOnce(t *testing.T) {
	store := newMemStore(Account{ID: 1, Kind: ProviderOutlook})
	src := &fakeSource{block: make(chan struct{})}
	m := newTestManager(t, store, src, time.Second)

	const callers = 16
	var wg sync.WaitGroup
	accepted := make(chan int, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			accepted <- m.Submit([]Account{store.account(1)}, nil, PoolBackground)
		}()
	}
	wg.Wait()
	close(accepted)

	total := 0
	for n := range accepted {
		total += n
	}
	assert.Equal(t, 1, total)

	close(src.block)
	assert.Eventually(t, func() bool { return !m.IsBusy(1) }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, src.callCount())
}

func TestManager_SubmitAfterShutdown(t *testing.T) {
	store := newMemStore(Account{ID: 1, Kind: ProviderOutlook})
	r := newTestRunner(store, time.Now(), &fakeSource{})
	m := NewManager(store, r, nil, ManagerConfig{Workers: 1}, nil)
	require.NoError(t, m.Shutdown(context.Background()))

	outs := m.SyncNow(context.Background(), []int64{1}, nil, true)
	require.Len(t, outs, 1)
	assert.Equal(t, StatusFailed, outs[0].Status)
	assert.False(t, m.IsBusy(1))
}
