package sync

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/yo-brian/firemail/internal/auth"
)

// memStore is an in-memory Store used across the package tests
type memStore struct {
	mu          sync.Mutex
	accounts    map[int64]Account
	messages    map[int64]map[string]int64 // account -> dedup key -> message id
	attachments map[int64][]Attachment
	nextID      int64

	eligibleErr error
	insertErr   map[string]error
}

func newMemStore(accounts ...Account) *memStore {
	s := &memStore{
		accounts:    make(map[int64]Account),
		messages:    make(map[int64]map[string]int64),
		attachments: make(map[int64][]Attachment),
		insertErr:   make(map[string]error),
	}
	for _, a := range accounts {
		s.accounts[a.ID] = a
	}
	return s
}

func (s *memStore) EligibleAccounts(ctx context.Context) ([]Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.eligibleErr != nil {
		return nil, s.eligibleErr
	}
	var out []Account
	for _, a := range s.accounts {
		if a.RealtimeEnabled {
			out = append(out, a)
		}
	}
	// map order is random; the scheduler sorts
	return out, nil
}

func (s *memStore) AccountsByID(ctx context.Context, ids []int64) ([]Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Account
	for _, id := range ids {
		if a, ok := s.accounts[id]; ok {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *memStore) FindMessage(ctx context.Context, accountID int64, dedupKey string) (*ExistingMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.messages[accountID][dedupKey]
	if !ok {
		return nil, nil
	}
	return &ExistingMessage{ID: id, AttachmentCount: len(s.attachments[id])}, nil
}

func (s *memStore) InsertMessage(ctx context.Context, accountID int64, dedupKey string, msg Message) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.insertErr[msg.Subject]; err != nil {
		return 0, err
	}
	if _, ok := s.messages[accountID][dedupKey]; ok {
		return 0, errors.New("duplicate dedup key")
	}
	s.nextID++
	if s.messages[accountID] == nil {
		s.messages[accountID] = make(map[string]int64)
	}
	s.messages[accountID][dedupKey] = s.nextID
	s.attachments[s.nextID] = append([]Attachment(nil), msg.Attachments...)
	return s.nextID, nil
}

func (s *memStore) AttachBackfill(ctx context.Context, messageID int64, atts []Attachment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attachments[messageID] = append(s.attachments[messageID], atts...)
	return nil
}

func (s *memStore) AdvanceWatermark(ctx context.Context, accountID int64, watermark time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[accountID]
	if !ok {
		return errors.New("account not found")
	}
	if a.Watermark != nil && !watermark.After(*a.Watermark) {
		return nil
	}
	w := watermark
	a.Watermark = &w
	s.accounts[accountID] = a
	return nil
}

func (s *memStore) account(id int64) Account {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accounts[id]
}

func (s *memStore) messageCount(accountID int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages[accountID])
}

func (s *memStore) attachmentCount(accountID int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, id := range s.messages[accountID] {
		n += len(s.attachments[id])
	}
	return n
}

// fakeSource serves a fixed message set, filtered by since, in pages
type fakeSource struct {
	kind     ProviderKind
	pageSize int

	mu       sync.Mutex
	messages []Message
	// failures are returned, in order, before any page is served
	failures   []error
	refreshErr error
	calls      int
	sinces     []time.Time

	// block, when set, holds ListPage until closed
	block chan struct{}
	// started is signalled on the first ListPage call
	started chan struct{}
	panicOn bool
}

func (f *fakeSource) Kind() ProviderKind {
	if f.kind == "" {
		return ProviderOutlook
	}
	return f.kind
}

func (f *fakeSource) RefreshCredential(ctx context.Context, acct Account) (auth.Token, error) {
	if f.refreshErr != nil {
		return auth.Token{}, f.refreshErr
	}
	return auth.Token{AccessToken: "token", Expiry: time.Now().Add(time.Hour)}, nil
}

func (f *fakeSource) ListPage(ctx context.Context, acct Account, tok auth.Token, since time.Time, cursor string) (Page, error) {
	f.mu.Lock()
	f.calls++
	first := f.calls == 1
	f.sinces = append(f.sinces, since)
	var failure error
	if len(f.failures) > 0 {
		failure = f.failures[0]
		f.failures = f.failures[1:]
	}
	block := f.block
	f.mu.Unlock()

	if first && f.started != nil {
		close(f.started)
	}
	if f.panicOn {
		panic("source exploded")
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return Page{}, ctx.Err()
		}
	}
	if failure != nil {
		return Page{}, failure
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	var matched []Message
	for _, m := range f.messages {
		if !m.ReceivedAt.Before(since) {
			matched = append(matched, m)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool { return matched[i].ReceivedAt.Before(matched[j].ReceivedAt) })

	start := 0
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil {
			return Page{}, err
		}
		start = n
	}
	size := f.pageSize
	if size <= 0 {
		size = len(matched) + 1
	}
	end := start + size
	if end > len(matched) {
		end = len(matched)
	}
	page := Page{Messages: append([]Message(nil), matched[start:end]...), Folder: "Inbox"}
	if end < len(matched) {
		page.NextCursor = strconv.Itoa(end)
	}
	return page, nil
}

func (f *fakeSource) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func noSleep(ctx context.Context, d time.Duration) error { return ctx.Err() }
