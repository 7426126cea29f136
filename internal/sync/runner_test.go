package sync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRunner(store Store, now time.Time, srcs ...MailSource) *Runner {
	fetcher := NewFetcher(nil, WithFetchClock(fixedClock(now)), WithSleep(noSleep))
	r := NewRunner(NewSources(srcs...), fetcher, NewMerger(store, nil), store, nil)
	r.now = fixedClock(now)
	return r
}

func TestRunner_FirstSyncThenNoop(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	acct := Account{ID: 1, Email: "a@example.com", Kind: ProviderOutlook}
	store := newMemStore(acct)

	src := &fakeSource{messages: []Message{
		{ProviderMessageID: "1", Subject: "recent", ReceivedAt: now.Add(-24 * time.Hour)},
		{ProviderMessageID: "2", Subject: "last month", ReceivedAt: now.Add(-30 * 24 * time.Hour)},
		{ProviderMessageID: "3", Subject: "almost two months", ReceivedAt: now.Add(-59 * 24 * time.Hour)},
		{ProviderMessageID: "4", Subject: "too old", ReceivedAt: now.Add(-90 * 24 * time.Hour)},
	}}
	r := newTestRunner(store, now, src)

	var progress []Progress
	sink := func(p Progress) { progress = append(progress, p) }

	out := r.Run(context.Background(), store.account(1), sink)
	require.Equal(t, StatusSucceeded, out.Status, out.Message)
	assert.Equal(t, 3, out.Fetched)
	assert.Equal(t, 3, out.Saved)

	wm := store.account(1).Watermark
	require.NotNil(t, wm)
	assert.Equal(t, now, *wm)

	require.NotEmpty(t, progress)
	assert.Equal(t, 0, progress[0].Percent)
	assert.Equal(t, 100, progress[len(progress)-1].Percent)
	for i := 1; i < len(progress); i++ {
		assert.GreaterOrEqual(t, progress[i].Percent, progress[i-1].Percent)
	}

	out = r.Run(context.Background(), store.account(1), nil)
	require.Equal(t, StatusSucceeded, out.Status)
	assert.Equal(t, 0, out.Saved)
	assert.Equal(t, "no new messages", out.Message)
	assert.Equal(t, now, src.sinces[len(src.sinces)-1])
}

func TestRunner_WatermarkUnchangedOnFailure(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	prev := now.Add(-time.Hour)
	store := newMemStore(Account{ID: 1, Kind: ProviderOutlook, Watermark: &prev})

	src := &fakeSource{failures: []error{errors.New("malformed response")}}
	r := newTestRunner(store, now, src)

	out := r.Run(context.Background(), store.account(1), nil)
	assert.Equal(t, StatusFailed, out.Status)
	assert.False(t, out.AuthFailure)
	assert.Equal(t, prev, *store.account(1).Watermark)
}

func TestRunner_AuthFailure(t *testing.T) {
	now := time.Now()
	store := newMemStore(Account{ID: 1, Kind: ProviderOutlook})
	src := &fakeSource{refreshErr: AuthFailure(errors.New("invalid_grant"))}
	r := newTestRunner(store, now, src)

	out := r.Run(context.Background(), store.account(1), nil)
	assert.Equal(t, StatusFailed, out.Status)
	assert.True(t, out.AuthFailure)
	assert.Contains(t, out.Message, "re-authorize")
	assert.Equal(t, 0, src.callCount())
}

func TestRunner_UnknownProvider(t *testing.T) {
	store := newMemStore(Account{ID: 1, Kind: ProviderIMAP})
	r := newTestRunner(store, time.Now(), &fakeSource{kind: ProviderGmail})

	out := r.Run(context.Background(), store.account(1), nil)
	assert.Equal(t, StatusFailed, out.Status)
	assert.Contains(t, out.Message, "unsupported provider")
}

func TestRunner_PanickingSinkIsIgnored(t *testing.T) {
	now := time.Now()
	store := newMemStore(Account{ID: 1, Kind: ProviderOutlook})
	src := &fakeSource{messages: []Message{{ProviderMessageID: "1", ReceivedAt: now.Add(-time.Minute)}}}
	r := newTestRunner(store, now, src)

	out := r.Run(context.Background(), store.account(1), func(Progress) { panic("ui gone") })
	assert.Equal(t, StatusSucceeded, out.Status)
	assert.Equal(t, 1, out.Saved)
}
