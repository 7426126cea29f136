package sync

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/yo-brian/firemail/internal/metrics"
)

const (
	defaultSubject = "(no subject)"
	defaultSender  = "(unknown sender)"
	defaultFolder  = "INBOX"

	// canonicalTimeLayout is the UTC, second-resolution form used in dedup keys
	canonicalTimeLayout = "2006-01-02 15:04:05"
)

// CanonicalTime renders t the way dedup keys and stored rows compare it
func CanonicalTime(t time.Time) string {
	return t.UTC().Truncate(time.Second).Format(canonicalTimeLayout)
}

// DedupKey returns the key an incoming message is deduplicated by. The
// provider message id wins when present; otherwise the key is derived from
// subject, sender and received time so that refetching the same message
// always yields the same key.
func DedupKey(msg Message) string {
	if id := strings.TrimSpace(msg.ProviderMessageID); id != "" {
		return "pid:" + id
	}
	sum := sha256.Sum256([]byte(msg.Subject + "\x00" + msg.Sender + "\x00" + CanonicalTime(msg.ReceivedAt)))
	return "sum:" + hex.EncodeToString(sum[:])
}

// normalize fills the defaults the store expects
func normalize(msg Message) Message {
	msg.ProviderMessageID = strings.TrimSpace(msg.ProviderMessageID)
	if strings.TrimSpace(msg.Subject) == "" {
		msg.Subject = defaultSubject
	}
	if strings.TrimSpace(msg.Sender) == "" {
		msg.Sender = defaultSender
	}
	if msg.Folder == "" {
		msg.Folder = defaultFolder
	}
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = time.Now()
	}
	msg.ReceivedAt = msg.ReceivedAt.UTC().Truncate(time.Second)
	if len(msg.Attachments) > 0 {
		msg.HasAttachments = true
	}
	return msg
}

// Merger persists fetched messages idempotently
type Merger struct {
	store  Store
	logger *zap.Logger
}

// NewMerger creates a merger over store
func NewMerger(store Store, logger *zap.Logger) *Merger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Merger{store: store, logger: logger.With(zap.String("component", "merger"))}
}

// Persist stores messages for acct in input order and returns how many were
// new. Messages already stored are skipped, except that attachments are
// backfilled onto a stored message that has none. A failure on one message
// is logged and does not stop the batch.
func (m *Merger) Persist(ctx context.Context, acct Account, messages []Message, progress func(int, string)) int {
	if progress == nil {
		progress = func(int, string) {}
	}

	logger := m.logger.With(zap.Int64("account_id", acct.ID))
	total := len(messages)
	saved := 0

	for i, msg := range messages {
		if ctx.Err() != nil {
			logger.Warn("persist interrupted", zap.Int("remaining", total-i), zap.Error(ctx.Err()))
			break
		}

		progress((i+1)*100/total, fmt.Sprintf("saving messages (%d/%d)", i+1, total))

		created, err := m.persistOne(ctx, logger, acct, normalize(msg))
		if err != nil {
			logger.Error("failed to persist message",
				zap.String("subject", truncate(msg.Subject, 60)),
				zap.Error(err),
			)
			continue
		}
		if created {
			saved++
		}
	}

	metrics.MessagesSaved.Add(float64(saved))
	logger.Info("messages persisted", zap.Int("total", total), zap.Int("saved", saved))
	return saved
}

func (m *Merger) persistOne(ctx context.Context, logger *zap.Logger, acct Account, msg Message) (bool, error) {
	key := DedupKey(msg)

	existing, err := m.store.FindMessage(ctx, acct.ID, key)
	if err != nil {
		return false, fmt.Errorf("lookup %s: %w", key, err)
	}

	if existing == nil {
		if _, err := m.store.InsertMessage(ctx, acct.ID, key, msg); err != nil {
			return false, fmt.Errorf("insert: %w", err)
		}
		return true, nil
	}

	// Stored without attachments but the provider has them now
	if existing.AttachmentCount == 0 && len(msg.Attachments) > 0 {
		logger.Info("backfilling attachments",
			zap.Int64("message_id", existing.ID),
			zap.Int("count", len(msg.Attachments)),
		)
		if err := m.store.AttachBackfill(ctx, existing.ID, msg.Attachments); err != nil {
			return false, fmt.Errorf("backfill message %d: %w", existing.ID, err)
		}
		metrics.AttachmentsBackfilled.Inc()
	}
	return false, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
