package sync

import (
	"go.uber.org/zap"
)

// Progress is one coarse milestone of an account sync
type Progress struct {
	AccountID int64
	Percent   int
	Status    string
}

// ProgressSink receives progress for sync tasks. Implementations must
// return promptly; a sink that panics is logged and ignored.
type ProgressSink func(Progress)

// reporter delivers progress for a single account, shielding the task from
// sink failures.
type reporter struct {
	accountID int64
	sink      ProgressSink
	logger    *zap.Logger
}

func newReporter(accountID int64, sink ProgressSink, logger *zap.Logger) *reporter {
	return &reporter{accountID: accountID, sink: sink, logger: logger}
}

func (r *reporter) report(percent int, status string) {
	if r == nil || r.sink == nil {
		return
	}
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Warn("progress sink failed",
				zap.Int64("account_id", r.accountID),
				zap.Any("panic", rec),
			)
		}
	}()
	r.sink(Progress{AccountID: r.accountID, Percent: percent, Status: status})
}

// scaled returns a report function mapping 0..100 onto lo..hi of the
// overall task progress.
func (r *reporter) scaled(lo, hi int) func(int, string) {
	return func(percent int, status string) {
		if percent < 0 {
			percent = 0
		}
		if percent > 100 {
			percent = 100
		}
		r.report(lo+(hi-lo)*percent/100, status)
	}
}
