package sync

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Status is the result class of a sync request for one account
type Status string

const (
	StatusSucceeded    Status = "succeeded"
	StatusFailed       Status = "failed"
	StatusStillRunning Status = "running"
	StatusQueued       Status = "queued"
	StatusBusy         Status = "busy"
	StatusNotFound     Status = "not_found"
)

// Outcome is the structured result of a sync request for one account
type Outcome struct {
	AccountID int64  `json:"account_id"`
	Email     string `json:"email,omitempty"`
	Status    Status `json:"status"`
	Message   string `json:"message"`
	// AuthFailure is set when the provider rejected the credential
	AuthFailure bool `json:"auth_failure,omitempty"`
	Fetched     int  `json:"fetched"`
	Saved       int  `json:"saved"`
}

// Runner executes one fetch, persist and watermark cycle for an account
type Runner struct {
	sources Sources
	fetcher *Fetcher
	merger  *Merger
	store   Store
	logger  *zap.Logger
	now     func() time.Time
}

// NewRunner creates a runner
func NewRunner(sources Sources, fetcher *Fetcher, merger *Merger, store Store, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		sources: sources,
		fetcher: fetcher,
		merger:  merger,
		store:   store,
		logger:  logger.With(zap.String("component", "runner")),
		now:     time.Now,
	}
}

// Run syncs acct once, reporting milestones to sink. Errors are reported
// through the outcome, never returned.
func (r *Runner) Run(ctx context.Context, acct Account, sink ProgressSink) Outcome {
	rep := newReporter(acct.ID, sink, r.logger)
	logger := r.logger.With(
		zap.Int64("account_id", acct.ID),
		zap.String("email", acct.Email),
		zap.String("provider", string(acct.Kind)),
	)
	out := Outcome{AccountID: acct.ID, Email: acct.Email}

	// The next watermark is taken before fetching so that mail arriving
	// during the fetch is picked up by the next cycle.
	cutoff := r.now()

	rep.report(0, "starting")
	logger.Info("sync start")

	src, err := r.sources.Lookup(acct.Kind)
	if err != nil {
		return r.fail(logger, rep, out, "unsupported provider", err)
	}

	rep.report(5, "refreshing credentials")
	tok, err := src.RefreshCredential(ctx, acct)
	if err != nil {
		return r.fail(logger, rep, out, "credential refresh failed", err)
	}

	result, err := r.fetcher.FetchDelta(ctx, src, acct, tok, rep.scaled(10, 90))
	if err != nil {
		return r.fail(logger, rep, out, "fetch failed", err)
	}
	out.Fetched = len(result.Messages)

	if len(result.Messages) > 0 {
		out.Saved = r.merger.Persist(ctx, acct, result.Messages, rep.scaled(90, 99))
		if ctx.Err() != nil {
			return r.fail(logger, rep, out, "persist interrupted", ctx.Err())
		}
	}

	if err := r.store.AdvanceWatermark(ctx, acct.ID, cutoff); err != nil {
		// Messages are stored; the next cycle refetches the same window and
		// dedup absorbs it.
		logger.Error("failed to advance watermark", zap.Error(err))
	}

	out.Status = StatusSucceeded
	if out.Fetched == 0 {
		out.Message = "no new messages"
	} else {
		out.Message = fmt.Sprintf("fetched %d messages, saved %d new", out.Fetched, out.Saved)
	}
	rep.report(100, out.Message)

	logger.Info("sync complete",
		zap.Int("fetched", out.Fetched),
		zap.Int("saved", out.Saved),
		zap.Int("pages", result.Pages),
		zap.Int("retries", result.Retries),
	)
	return out
}

func (r *Runner) fail(logger *zap.Logger, rep *reporter, out Outcome, what string, err error) Outcome {
	out.Status = StatusFailed
	out.AuthFailure = IsAuthError(err)
	if out.AuthFailure {
		out.Message = fmt.Sprintf("%s: authorization rejected, re-authorize the account: %v", what, err)
	} else {
		out.Message = fmt.Sprintf("%s: %v", what, err)
	}
	logger.Error("sync failed", zap.String("stage", what), zap.Bool("auth_failure", out.AuthFailure), zap.Error(err))
	rep.report(0, out.Message)
	return out
}
