package sync

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/yo-brian/firemail/internal/auth"
	"github.com/yo-brian/firemail/internal/metrics"
)

// DefaultLookBack bounds the first sync of an account without a watermark
const DefaultLookBack = 60 * 24 * time.Hour

// RetryPolicy controls retries of transient page failures
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts per page, including the first
	MaxAttempts int

	// InitialDelay is the delay before the first retry
	InitialDelay time.Duration

	// MaxDelay caps the computed backoff. A server-suggested delay is not capped.
	MaxDelay time.Duration
}

// DefaultRetryPolicy returns the policy used for remote mail sources
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  5,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
	}
}

// Delay returns the backoff before the given retry (1 for the first retry)
func (p RetryPolicy) Delay(retry int) time.Duration {
	if retry < 1 {
		return 0
	}
	d := p.InitialDelay
	for i := 1; i < retry; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// FetchResult is the delta pulled for one account
type FetchResult struct {
	Messages []Message
	Pages    int
	// Retries counts retried page requests across the whole fetch
	Retries int
}

// FetcherOption configures a Fetcher
type FetcherOption func(*Fetcher)

// WithRetryPolicy overrides the retry policy
func WithRetryPolicy(p RetryPolicy) FetcherOption {
	return func(f *Fetcher) { f.policy = p }
}

// WithLookBack overrides the first-sync look-back window
func WithLookBack(d time.Duration) FetcherOption {
	return func(f *Fetcher) { f.lookBack = d }
}

// WithFetchClock overrides the clock used to compute the look-back cutoff
func WithFetchClock(now func() time.Time) FetcherOption {
	return func(f *Fetcher) { f.now = now }
}

// WithSleep overrides how the fetcher waits between retries
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) FetcherOption {
	return func(f *Fetcher) { f.sleep = sleep }
}

// Fetcher pulls incremental message deltas from a MailSource, following
// pagination and retrying transient failures.
type Fetcher struct {
	policy   RetryPolicy
	lookBack time.Duration
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
	logger   *zap.Logger
}

// NewFetcher creates a fetcher with the default policy and look-back
func NewFetcher(logger *zap.Logger, opts ...FetcherOption) *Fetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	f := &Fetcher{
		policy:   DefaultRetryPolicy(),
		lookBack: DefaultLookBack,
		now:      time.Now,
		sleep:    sleepContext,
		logger:   logger.With(zap.String("component", "fetcher")),
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.policy.MaxAttempts < 1 {
		f.policy.MaxAttempts = 1
	}
	return f
}

// Since returns the lower bound of the delta for acct
func (f *Fetcher) Since(acct Account) time.Time {
	if acct.Watermark == nil || acct.Watermark.IsZero() {
		return f.now().Add(-f.lookBack)
	}
	return *acct.Watermark
}

// FetchDelta returns every message the source reports since the account's
// watermark. progress receives an estimate in 0..100; the total is unknown
// up front so the estimate approaches 100 as pages arrive.
func (f *Fetcher) FetchDelta(ctx context.Context, src MailSource, acct Account, tok auth.Token, progress func(int, string)) (FetchResult, error) {
	if progress == nil {
		progress = func(int, string) {}
	}

	since := f.Since(acct)
	logger := f.logger.With(
		zap.Int64("account_id", acct.ID),
		zap.String("provider", string(src.Kind())),
		zap.Time("since", since),
	)

	var result FetchResult
	cursor := ""
	progress(0, "listing messages")

	for {
		page, retries, err := f.fetchPage(ctx, logger, src, acct, tok, since, cursor)
		result.Retries += retries
		if err != nil {
			return result, err
		}

		result.Pages++
		result.Messages = append(result.Messages, page.Messages...)

		status := fmt.Sprintf("fetched page %d (%d messages)", result.Pages, len(result.Messages))
		if page.Folder != "" {
			status = fmt.Sprintf("fetched page %d of %s (%d messages)", result.Pages, page.Folder, len(result.Messages))
		}
		progress(100*result.Pages/(result.Pages+1), status)

		if page.NextCursor == "" {
			break
		}
		if page.NextCursor == cursor {
			return result, fmt.Errorf("source %s returned the same cursor twice", src.Kind())
		}
		cursor = page.NextCursor
	}

	logger.Debug("fetch complete",
		zap.Int("pages", result.Pages),
		zap.Int("messages", len(result.Messages)),
		zap.Int("retries", result.Retries),
	)
	return result, nil
}

// fetchPage requests one page, retrying transient failures
func (f *Fetcher) fetchPage(ctx context.Context, logger *zap.Logger, src MailSource, acct Account, tok auth.Token, since time.Time, cursor string) (Page, int, error) {
	retries := 0
	for attempt := 1; ; attempt++ {
		page, err := src.ListPage(ctx, acct, tok, since, cursor)
		if err == nil {
			return page, retries, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Page{}, retries, ctxErr
		}
		if !IsRetryable(err) {
			return Page{}, retries, err
		}
		if attempt >= f.policy.MaxAttempts {
			return Page{}, retries, fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, attempt, err)
		}

		delay := f.policy.Delay(attempt)
		if suggested, ok := RetryAfter(err); ok {
			delay = suggested
		}

		logger.Warn("transient page failure, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		metrics.IncrementFetchRetry(string(src.Kind()))

		if err := f.sleep(ctx, delay); err != nil {
			return Page{}, retries, err
		}
		retries++
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
