package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/yo-brian/firemail/internal/metrics"
)

// DefaultInteractiveTimeout bounds how long a single-account interactive
// sync blocks its caller.
const DefaultInteractiveTimeout = 5 * time.Minute

// ManagerConfig sizes the manager's worker pools
type ManagerConfig struct {
	// Workers is the size of each of the two pools
	Workers int
	// InteractiveTimeout bounds SyncNow for a single interactive account
	InteractiveTimeout time.Duration
}

// Manager coordinates account syncs. It owns the interactive and background
// pools and guarantees at most one running sync per account.
type Manager struct {
	claims      *Claims
	store       Store
	runner      *Runner
	interactive *Pool
	background  *Pool
	timeout     time.Duration
	logger      *zap.Logger

	// tasks run on this context rather than the submitter's so that an
	// interactive caller giving up does not cancel the sync
	ctx    context.Context
	cancel context.CancelFunc
}

// NewManager creates a sync manager and starts its pools
func NewManager(store Store, runner *Runner, claims *Claims, cfg ManagerConfig, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if claims == nil {
		claims = NewClaims()
	}
	if cfg.Workers < 1 {
		cfg.Workers = 5
	}
	if cfg.InteractiveTimeout <= 0 {
		cfg.InteractiveTimeout = DefaultInteractiveTimeout
	}

	logger = logger.With(zap.String("component", "manager"))
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		claims:      claims,
		store:       store,
		runner:      runner,
		interactive: NewPool(PoolInteractive.String(), cfg.Workers, logger),
		background:  NewPool(PoolBackground.String(), cfg.Workers, logger),
		timeout:     cfg.InteractiveTimeout,
		logger:      logger,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// IsBusy reports whether a sync is in progress for accountID
func (m *Manager) IsBusy(accountID int64) bool {
	return m.claims.IsBusy(accountID)
}

// Active returns the ids of accounts with a sync in progress
func (m *Manager) Active() []int64 {
	return m.claims.Active()
}

// Submit queues a sync for every account that is not busy and returns the
// number accepted. It does not wait for the syncs.
func (m *Manager) Submit(accounts []Account, sink ProgressSink, pool PoolKind) int {
	accepted := 0
	for _, acct := range accounts {
		if _, err := m.submit(acct, sink, pool); err != nil {
			if errors.Is(err, ErrAccountBusy) {
				m.logger.Info("skip busy account", zap.Int64("account_id", acct.ID), zap.String("email", acct.Email))
			} else {
				m.logger.Error("failed to submit sync", zap.Int64("account_id", acct.ID), zap.Error(err))
			}
			continue
		}
		accepted++
	}
	return accepted
}

// SyncNow requests a sync of the given accounts. A single interactive
// account is run synchronously up to the interactive timeout; when the
// timeout elapses the outcome is StatusStillRunning and the sync carries on
// in the background. All other requests are queued and reported as
// StatusQueued.
func (m *Manager) SyncNow(ctx context.Context, accountIDs []int64, sink ProgressSink, interactive bool) []Outcome {
	outcomes := make([]Outcome, 0, len(accountIDs))

	accounts, err := m.store.AccountsByID(ctx, accountIDs)
	if err != nil {
		m.logger.Error("failed to load accounts", zap.Error(err))
		for _, id := range accountIDs {
			outcomes = append(outcomes, Outcome{
				AccountID: id,
				Status:    StatusFailed,
				Message:   fmt.Sprintf("load account: %v", err),
			})
		}
		return outcomes
	}

	byID := make(map[int64]Account, len(accounts))
	for _, acct := range accounts {
		byID[acct.ID] = acct
	}

	pool := PoolBackground
	if interactive {
		pool = PoolInteractive
	}

	if interactive && len(accountIDs) == 1 {
		if acct, ok := byID[accountIDs[0]]; ok {
			return append(outcomes, m.syncAndWait(ctx, acct, sink))
		}
	}

	for _, id := range accountIDs {
		acct, ok := byID[id]
		if !ok {
			outcomes = append(outcomes, Outcome{AccountID: id, Status: StatusNotFound, Message: "account not found"})
			continue
		}
		outcomes = append(outcomes, m.queued(acct, sink, pool))
	}
	return outcomes
}

// syncAndWait runs acct on the interactive pool and waits for the result
func (m *Manager) syncAndWait(ctx context.Context, acct Account, sink ProgressSink) Outcome {
	done, err := m.submit(acct, sink, PoolInteractive)
	if err != nil {
		return m.rejected(acct, err)
	}

	timer := time.NewTimer(m.timeout)
	defer timer.Stop()

	select {
	case out := <-done:
		return out
	case <-timer.C:
		m.logger.Warn("interactive sync still running after timeout",
			zap.Int64("account_id", acct.ID),
			zap.Duration("timeout", m.timeout),
		)
	case <-ctx.Done():
	}
	return Outcome{
		AccountID: acct.ID,
		Email:     acct.Email,
		Status:    StatusStillRunning,
		Message:   "sync is still processing, check back later",
	}
}

func (m *Manager) queued(acct Account, sink ProgressSink, pool PoolKind) Outcome {
	if _, err := m.submit(acct, sink, pool); err != nil {
		return m.rejected(acct, err)
	}
	return Outcome{AccountID: acct.ID, Email: acct.Email, Status: StatusQueued, Message: "sync queued"}
}

func (m *Manager) rejected(acct Account, err error) Outcome {
	out := Outcome{AccountID: acct.ID, Email: acct.Email}
	if errors.Is(err, ErrAccountBusy) {
		out.Status = StatusBusy
		out.Message = "account is being synced, try again later"
		return out
	}
	out.Status = StatusFailed
	out.Message = fmt.Sprintf("submit: %v", err)
	return out
}

// submit claims acct and queues its task. The returned channel receives
// exactly one outcome.
func (m *Manager) submit(acct Account, sink ProgressSink, kind PoolKind) (<-chan Outcome, error) {
	if !m.claims.TryClaim(acct.ID, kind) {
		return nil, ErrAccountBusy
	}

	done := make(chan Outcome, 1)
	task := func() {
		done <- m.execute(acct, sink, kind)
	}

	if err := m.pool(kind).Submit(task); err != nil {
		m.claims.Release(acct.ID)
		return nil, err
	}
	return done, nil
}

// execute runs one task. The claim is released on every exit path,
// including a panic inside the runner.
func (m *Manager) execute(acct Account, sink ProgressSink, kind PoolKind) (out Outcome) {
	started := time.Now()
	rep := newReporter(acct.ID, sink, m.logger)

	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("sync task panicked",
				zap.Int64("account_id", acct.ID),
				zap.Any("panic", r),
			)
			out = Outcome{
				AccountID: acct.ID,
				Email:     acct.Email,
				Status:    StatusFailed,
				Message:   fmt.Sprintf("internal error: %v", r),
			}
			rep.report(0, out.Message)
		}

		m.claims.Release(acct.ID)
		metrics.RecordSyncTask(kind.String(), string(out.Status), time.Since(started))
		m.logger.Info("sync task finished",
			zap.Int64("account_id", acct.ID),
			zap.String("pool", kind.String()),
			zap.String("status", string(out.Status)),
			zap.Duration("elapsed", time.Since(started)),
		)
	}()

	return m.runner.Run(m.ctx, acct, sink)
}

func (m *Manager) pool(kind PoolKind) *Pool {
	if kind == PoolInteractive {
		return m.interactive
	}
	return m.background
}

// Shutdown stops both pools, waiting for running syncs until ctx expires.
// Syncs still running after that are cancelled.
func (m *Manager) Shutdown(ctx context.Context) error {
	errs := make(chan error, 2)
	for _, p := range []*Pool{m.interactive, m.background} {
		go func(p *Pool) { errs <- p.Shutdown(ctx) }(p)
	}

	var err error
	for i := 0; i < 2; i++ {
		err = errors.Join(err, <-errs)
	}
	if err != nil {
		m.logger.Warn("abandoning running syncs", zap.Int64s("accounts", m.claims.Active()))
	}
	m.cancel()
	return err
}
