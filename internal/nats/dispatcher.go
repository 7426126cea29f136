package natsjs

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/yo-brian/firemail/internal/eventstore/sqlite"
	"github.com/yo-brian/firemail/internal/metrics"
)

const (
	defaultBatch        = 100
	defaultIdleWait     = 500 * time.Millisecond
	defaultErrorWait    = time.Second
	defaultRetryBackoff = 10 * time.Second
)

// Outbox is the store side of the dispatcher
type Outbox interface {
	DequeueOutbox(ctx context.Context, limit int) ([]sqlite.OutboxMessage, error)
	MarkPublished(ctx context.Context, id int64) error
	MarkOutboxRetry(ctx context.Context, id int64, backoff time.Duration) error
}

// EventPublisher publishes one event with broker-side deduplication
type EventPublisher interface {
	Publish(subject string, payload []byte, msgID string) error
}

// Dispatcher moves outbox rows to the broker
type Dispatcher struct {
	outbox    Outbox
	publisher EventPublisher
	logger    *zap.Logger

	batch        int
	idleWait     time.Duration
	errorWait    time.Duration
	retryBackoff time.Duration
}

// NewDispatcher creates an outbox dispatcher
func NewDispatcher(outbox Outbox, publisher EventPublisher, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		outbox:       outbox,
		publisher:    publisher,
		logger:       logger.With(zap.String("component", "dispatcher")),
		batch:        defaultBatch,
		idleWait:     defaultIdleWait,
		errorWait:    defaultErrorWait,
		retryBackoff: defaultRetryBackoff,
	}
}

// Run dispatches until ctx is cancelled
func (d *Dispatcher) Run(ctx context.Context) {
	d.logger.Info("outbox dispatcher started")
	defer d.logger.Info("outbox dispatcher stopped")

	for {
		n, err := d.DispatchOnce(ctx)

		wait := time.Duration(0)
		switch {
		case err != nil:
			d.logger.Error("error dequeuing outbox", zap.Error(err))
			wait = d.errorWait
		case n == 0:
			wait = d.idleWait
		}

		if !sleep(ctx, wait) {
			return
		}
	}
}

// DispatchOnce publishes one batch of due outbox rows and returns how many
// were handed to the broker. A failed publish is rescheduled, not returned.
func (d *Dispatcher) DispatchOnce(ctx context.Context) (int, error) {
	messages, err := d.outbox.DequeueOutbox(ctx, d.batch)
	if err != nil {
		return 0, err
	}

	published := 0
	for _, msg := range messages {
		if ctx.Err() != nil {
			break
		}

		if err := d.publisher.Publish(msg.Subject, msg.Payload, msg.MsgID); err != nil {
			metrics.IncrementOutboxPublished("failed")
			d.logger.Warn("error publishing message",
				zap.Int64("outbox_id", msg.ID),
				zap.Int("retries", msg.Retries),
				zap.Error(err),
			)
			// Mark for retry with backoff
			if err := d.outbox.MarkOutboxRetry(ctx, msg.ID, d.retryBackoff); err != nil {
				d.logger.Error("error scheduling retry", zap.Int64("outbox_id", msg.ID), zap.Error(err))
			}
			continue
		}

		metrics.IncrementOutboxPublished("success")
		published++

		if err := d.outbox.MarkPublished(ctx, msg.ID); err != nil {
			// JetStream dedups the republish by msg id
			d.logger.Error("error marking message as published", zap.Int64("outbox_id", msg.ID), zap.Error(err))
		}
	}
	return published, nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
