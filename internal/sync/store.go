package sync

import (
	"context"
	"time"
)

// ExistingMessage is the stored counterpart of an incoming message
type ExistingMessage struct {
	ID              int64
	AttachmentCount int
}

// Store is the persistence the sync engine needs. Implementations must be
// safe for concurrent use by different accounts.
type Store interface {
	// EligibleAccounts returns all accounts flagged for realtime sync
	EligibleAccounts(ctx context.Context) ([]Account, error)

	// AccountsByID returns the accounts that exist among ids
	AccountsByID(ctx context.Context, ids []int64) ([]Account, error)

	// FindMessage returns nil when no message is stored under dedupKey
	FindMessage(ctx context.Context, accountID int64, dedupKey string) (*ExistingMessage, error)

	// InsertMessage stores msg and its attachments, returning the new row id
	InsertMessage(ctx context.Context, accountID int64, dedupKey string, msg Message) (int64, error)

	// AttachBackfill adds attachments to an already stored message
	AttachBackfill(ctx context.Context, messageID int64, atts []Attachment) error

	// AdvanceWatermark moves the account watermark forward. A value older
	// than the stored watermark is ignored.
	AdvanceWatermark(ctx context.Context, accountID int64, watermark time.Time) error
}
