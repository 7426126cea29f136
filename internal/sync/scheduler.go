package sync

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/yo-brian/firemail/internal/metrics"
)

const (
	DefaultBatchSize     = 5
	DefaultCheckInterval = 5 * time.Minute
	DefaultMinInterval   = 30 * time.Second
	defaultJoinTimeout   = 5 * time.Second
)

// Submitter is the part of Manager the scheduler drives
type Submitter interface {
	IsBusy(accountID int64) bool
	Submit(accounts []Account, sink ProgressSink, pool PoolKind) int
}

// EligibleLister lists accounts flagged for realtime sync
type EligibleLister interface {
	EligibleAccounts(ctx context.Context) ([]Account, error)
}

// SelectedAccount describes an account chosen in a scheduler round
type SelectedAccount struct {
	ID     int64        `json:"id"`
	Email  string       `json:"email"`
	UserID int64        `json:"user_id"`
	Kind   ProviderKind `json:"kind"`
}

// SchedulerStatus is a snapshot of the realtime scheduler
type SchedulerStatus struct {
	Running            bool              `json:"running"`
	IntervalSeconds    int               `json:"interval_seconds"`
	BatchSize          int               `json:"batch_size"`
	EligibleCount      int               `json:"eligible_count"`
	NextCursor         int               `json:"next_cursor"`
	LastRoundStartedAt *time.Time        `json:"last_round_started_at,omitempty"`
	LastRoundSelected  []SelectedAccount `json:"last_round_selected"`
}

// SchedulerOption configures a Scheduler
type SchedulerOption func(*Scheduler)

// WithBatchSize sets how many accounts are selected per round
func WithBatchSize(n int) SchedulerOption {
	return func(s *Scheduler) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

// WithMinInterval sets the lower bound applied to Start's interval
func WithMinInterval(d time.Duration) SchedulerOption {
	return func(s *Scheduler) { s.minInterval = d }
}

// WithJoinTimeout bounds how long Stop waits for the loop to exit
func WithJoinTimeout(d time.Duration) SchedulerOption {
	return func(s *Scheduler) { s.joinTimeout = d }
}

// Scheduler runs realtime sync in fixed-size rotating batches. Each round
// takes the next batchSize eligible accounts after the cursor, wrapping
// around, so every eligible account is visited within ceil(N/batchSize)
// rounds while background concurrency stays bounded by the batch size.
type Scheduler struct {
	submitter   Submitter
	lister      EligibleLister
	batchSize   int
	minInterval time.Duration
	joinTimeout time.Duration
	logger      *zap.Logger
	now         func() time.Time

	mu                 sync.Mutex
	running            bool
	interval           time.Duration
	stopCh             chan struct{}
	doneCh             chan struct{}
	cursor             int
	eligible           []Account
	lastRoundStartedAt time.Time
	lastRoundSelected  []SelectedAccount
}

// NewScheduler creates a stopped scheduler
func NewScheduler(submitter Submitter, lister EligibleLister, logger *zap.Logger, opts ...SchedulerOption) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Scheduler{
		submitter:   submitter,
		lister:      lister,
		batchSize:   DefaultBatchSize,
		minInterval: DefaultMinInterval,
		joinTimeout: defaultJoinTimeout,
		interval:    DefaultCheckInterval,
		logger:      logger.With(zap.String("component", "scheduler")),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the round loop. It returns false if already running.
func (s *Scheduler) Start(interval time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		s.logger.Warn("realtime scheduler already running")
		return false
	}

	if interval < s.minInterval {
		interval = s.minInterval
	}
	s.interval = interval
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})

	go s.loop(s.stopCh, s.doneCh)

	s.logger.Info("realtime scheduler started",
		zap.Duration("interval", s.interval),
		zap.Int("batch_size", s.batchSize),
	)
	return true
}

// Stop signals the loop to exit and waits for it up to the join timeout.
// It returns false if not running.
func (s *Scheduler) Stop() bool {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		s.logger.Warn("realtime scheduler not running")
		return false
	}
	s.running = false
	close(s.stopCh)
	done := s.doneCh
	s.mu.Unlock()

	select {
	case <-done:
	case <-time.After(s.joinTimeout):
		s.logger.Warn("realtime scheduler loop did not exit in time", zap.Duration("timeout", s.joinTimeout))
	}

	s.logger.Info("realtime scheduler stopped")
	return true
}

// Running reports whether the loop is active
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Status returns a snapshot of the scheduler state
func (s *Scheduler) Status() SchedulerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := SchedulerStatus{
		Running:           s.running,
		IntervalSeconds:   int(s.interval / time.Second),
		BatchSize:         s.batchSize,
		EligibleCount:     len(s.eligible),
		NextCursor:        s.cursor,
		LastRoundSelected: append([]SelectedAccount{}, s.lastRoundSelected...),
	}
	if !s.lastRoundStartedAt.IsZero() {
		t := s.lastRoundStartedAt
		st.LastRoundStartedAt = &t
	}
	return st
}

func (s *Scheduler) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		select {
		case <-stop:
			return
		default:
		}

		s.runRound(ctx, stop)

		if !s.wait(stop) {
			return
		}
	}
}

// wait sleeps for the interval; it returns false when stopped meanwhile
func (s *Scheduler) wait(stop <-chan struct{}) bool {
	s.mu.Lock()
	interval := s.interval
	s.mu.Unlock()

	timer := time.NewTimer(interval)
	defer timer.Stop()

	select {
	case <-stop:
		return false
	case <-timer.C:
		return true
	}
}

// runRound performs one round. Failures are logged and the round counts as
// empty; nothing escapes to the loop.
func (s *Scheduler) runRound(ctx context.Context, stop <-chan struct{}) (submitted int) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("realtime round panicked", zap.Any("panic", r))
			submitted = 0
		}
	}()

	metrics.SchedulerRounds.Inc()

	accounts, err := s.collectEligible(ctx)
	if err != nil {
		s.logger.Error("realtime round failed", zap.Error(err))
		return 0
	}

	s.mu.Lock()
	s.eligible = accounts
	s.mu.Unlock()

	if len(accounts) == 0 {
		s.logger.Info("no realtime-enabled accounts")
		return 0
	}

	selected := s.selectNextBatch(accounts)

	info := make([]SelectedAccount, 0, len(selected))
	for _, acct := range selected {
		info = append(info, SelectedAccount{ID: acct.ID, Email: acct.Email, UserID: acct.UserID, Kind: acct.Kind})
	}

	s.mu.Lock()
	s.lastRoundStartedAt = s.now()
	s.lastRoundSelected = info
	cursor := s.cursor
	s.mu.Unlock()

	s.logger.Info("realtime round started",
		zap.Int("selected", len(selected)),
		zap.Int("eligible", len(accounts)),
		zap.Int("next_cursor", cursor),
	)

	// A batch smaller than the list can still wrap onto itself when the
	// list is shorter than batchSize; submit each account once.
	seen := make(map[int64]bool, len(selected))
	for _, acct := range selected {
		if stop != nil {
			select {
			case <-stop:
				return submitted
			default:
			}
		}
		if seen[acct.ID] {
			continue
		}
		seen[acct.ID] = true

		if s.submitter.IsBusy(acct.ID) {
			metrics.SchedulerBusySkips.Inc()
			s.logger.Info("skip busy account", zap.Int64("account_id", acct.ID), zap.String("email", acct.Email))
			continue
		}

		accountID := acct.ID
		sink := func(p Progress) {
			s.logger.Debug("realtime progress",
				zap.Int64("account_id", accountID),
				zap.Int("percent", p.Percent),
				zap.String("status", p.Status),
			)
		}
		if s.submitter.Submit([]Account{acct}, sink, PoolBackground) > 0 {
			submitted++
			s.logger.Info("submitted realtime task", zap.Int64("account_id", acct.ID), zap.String("email", acct.Email))
		}
	}
	return submitted
}

// collectEligible returns the eligible accounts in (user, account) order
func (s *Scheduler) collectEligible(ctx context.Context) ([]Account, error) {
	accounts, err := s.lister.EligibleAccounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("list eligible accounts: %w", err)
	}

	filtered := accounts[:0:0]
	for _, acct := range accounts {
		if acct.ID == 0 || !acct.RealtimeEnabled {
			continue
		}
		filtered = append(filtered, acct)
	}

	sort.SliceStable(filtered, func(i, j int) bool {
		if filtered[i].UserID != filtered[j].UserID {
			return filtered[i].UserID < filtered[j].UserID
		}
		return filtered[i].ID < filtered[j].ID
	})
	return filtered, nil
}

// selectNextBatch takes up to batchSize accounts starting at the cursor,
// wrapping around, and advances the cursor past them. The cursor is a
// position in the freshly built list, so it resets when the list shrinks
// below it.
func (s *Scheduler) selectNextBatch(accounts []Account) []Account {
	s.mu.Lock()
	defer s.mu.Unlock()

	total := len(accounts)
	if total == 0 {
		return nil
	}
	if s.cursor >= total {
		s.cursor = 0
	}

	start := s.cursor
	count := s.batchSize
	if count > total {
		count = total
	}

	selected := make([]Account, 0, count)
	for i := 0; i < count; i++ {
		selected = append(selected, accounts[(start+i)%total])
	}
	s.cursor = (start + count) % total
	return selected
}
