package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"

	mailsync "github.com/yo-brian/firemail/internal/sync"
)

//go:embed schema.sql
var schemaSQL string

const (
	// DriverModernc is the pure Go driver registered by modernc.org/sqlite
	DriverModernc = "sqlite"
	// DriverMattn is the cgo driver registered by github.com/mattn/go-sqlite3
	DriverMattn = "sqlite3"

	// EventMessageReceived is the outbox event type for newly stored messages
	EventMessageReceived = "mail.received"
)

// Store is the SQLite-backed account, message and outbox store
type Store struct {
	DB *sqlx.DB
}

// OutboxMessage represents a message in the outbox
type OutboxMessage struct {
	ID      int64  `db:"id"`
	Subject string `db:"subject"`
	Payload []byte `db:"payload"`
	MsgID   string `db:"msg_id"`
	Retries int    `db:"retries"`
}

// MessageEvent is the payload published for every newly stored message
type MessageEvent struct {
	EventID           string `json:"event_id"`
	TS                int64  `json:"ts"`
	UserID            int64  `json:"user_id"`
	AccountID         int64  `json:"account_id"`
	Provider          string `json:"provider"`
	MessageID         int64  `json:"message_id"`
	ProviderMessageID string `json:"provider_message_id,omitempty"`
	Subject           string `json:"subject"`
	Sender            string `json:"sender"`
	ReceivedAt        int64  `json:"received_at"`
	Folder            string `json:"folder"`
	HasAttachments    bool   `json:"has_attachments"`
}

var _ mailsync.Store = (*Store)(nil)

// Open opens or creates the database at dbPath with the given driver and
// applies the schema.
func Open(driver, dbPath string) (*Store, error) {
	dsn, err := dataSource(driver, dbPath)
	if err != nil {
		return nil, err
	}

	// Ensure directory exists
	if dir := filepath.Dir(dbPath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Set connection pool settings
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	// Apply schema
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{DB: db}, nil
}

// dataSource builds a DSN with WAL, a busy timeout and foreign keys for
// either driver; the two spell pragmas differently.
func dataSource(driver, dbPath string) (string, error) {
	switch driver {
	case DriverModernc:
		return dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", nil
	case DriverMattn:
		return dbPath + "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_foreign_keys=on", nil
	default:
		return "", fmt.Errorf("unsupported sqlite driver %q", driver)
	}
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.DB.Close()
}

type accountRow struct {
	ID              int64               `db:"id"`
	UserID          int64               `db:"user_id"`
	Email           string              `db:"email"`
	Kind            string              `db:"kind"`
	Credential      mailsync.Credential `db:"credential"`
	Watermark       sql.NullInt64       `db:"watermark"`
	RealtimeEnabled bool                `db:"realtime_enabled"`
}

func (r accountRow) account() mailsync.Account {
	acct := mailsync.Account{
		ID:              r.ID,
		UserID:          r.UserID,
		Email:           r.Email,
		Kind:            mailsync.ProviderKind(r.Kind),
		Credential:      r.Credential,
		RealtimeEnabled: r.RealtimeEnabled,
	}
	if r.Watermark.Valid {
		wm := time.UnixMilli(r.Watermark.Int64).UTC()
		acct.Watermark = &wm
	}
	return acct
}

const accountColumns = `id, user_id, email, kind, credential, watermark, realtime_enabled`

// EligibleAccounts returns accounts flagged for realtime sync, ordered by
// user then account id
func (s *Store) EligibleAccounts(ctx context.Context) ([]mailsync.Account, error) {
	var rows []accountRow
	err := s.DB.SelectContext(ctx, &rows, `
		SELECT `+accountColumns+`
		FROM accounts
		WHERE realtime_enabled = 1
		ORDER BY user_id, id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query eligible accounts: %w", err)
	}
	return toAccounts(rows), nil
}

// AccountsByID returns the accounts that exist among ids
func (s *Store) AccountsByID(ctx context.Context, ids []int64) ([]mailsync.Account, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	query, args, err := sqlx.In(`SELECT `+accountColumns+` FROM accounts WHERE id IN (?) ORDER BY id`, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to build account query: %w", err)
	}

	var rows []accountRow
	if err := s.DB.SelectContext(ctx, &rows, s.DB.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to query accounts: %w", err)
	}
	return toAccounts(rows), nil
}

func toAccounts(rows []accountRow) []mailsync.Account {
	out := make([]mailsync.Account, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.account())
	}
	return out
}

// UpsertAccount creates the account or updates its credential and realtime
// flag, keyed by (user, email, kind). It returns the account id.
func (s *Store) UpsertAccount(ctx context.Context, acct mailsync.Account) (int64, error) {
	now := time.Now().Unix()

	var id int64
	err := s.DB.GetContext(ctx, &id, `
		INSERT INTO accounts (user_id, email, kind, credential, realtime_enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, email, kind) DO UPDATE SET
			credential = excluded.credential,
			realtime_enabled = excluded.realtime_enabled,
			updated_at = excluded.updated_at
		RETURNING id
	`, acct.UserID, acct.Email, string(acct.Kind), acct.Credential, acct.RealtimeEnabled, now, now)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert account: %w", err)
	}
	return id, nil
}

// SetRealtime flags or unflags an account for realtime sync
func (s *Store) SetRealtime(ctx context.Context, accountID int64, enabled bool) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE accounts SET realtime_enabled = ?, updated_at = ? WHERE id = ?
	`, enabled, time.Now().Unix(), accountID)
	if err != nil {
		return fmt.Errorf("failed to set realtime flag: %w", err)
	}
	return requireRow(res, accountID)
}

// AdvanceWatermark moves the watermark forward; older values are ignored
func (s *Store) AdvanceWatermark(ctx context.Context, accountID int64, watermark time.Time) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE accounts
		SET watermark = MAX(COALESCE(watermark, 0), ?),
		    updated_at = ?
		WHERE id = ?
	`, watermark.UnixMilli(), time.Now().Unix(), accountID)
	if err != nil {
		return fmt.Errorf("failed to advance watermark: %w", err)
	}
	return requireRow(res, accountID)
}

func requireRow(res sql.Result, accountID int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("account %d not found", accountID)
	}
	return nil
}

// FindMessage returns the stored message under dedupKey, or nil
func (s *Store) FindMessage(ctx context.Context, accountID int64, dedupKey string) (*mailsync.ExistingMessage, error) {
	var row struct {
		ID          int64 `db:"id"`
		Attachments int   `db:"attachments"`
	}
	err := s.DB.GetContext(ctx, &row, `
		SELECT m.id,
		       (SELECT COUNT(*) FROM attachments a WHERE a.message_id = m.id) AS attachments
		FROM messages m
		WHERE m.account_id = ? AND m.dedup_key = ?
	`, accountID, dedupKey)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find message: %w", err)
	}
	return &mailsync.ExistingMessage{ID: row.ID, AttachmentCount: row.Attachments}, nil
}

// InsertMessage stores msg, its attachments and a mail.received outbox
// event in one transaction. A duplicate dedup key fails the insert.
func (s *Store) InsertMessage(ctx context.Context, accountID int64, dedupKey string, msg mailsync.Message) (int64, error) {
	tx, err := s.DB.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var owner struct {
		UserID int64  `db:"user_id"`
		Kind   string `db:"kind"`
	}
	if err := tx.GetContext(ctx, &owner, `SELECT user_id, kind FROM accounts WHERE id = ?`, accountID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("account %d not found", accountID)
		}
		return 0, fmt.Errorf("failed to load account: %w", err)
	}

	now := time.Now()
	res, err := tx.ExecContext(ctx, `
		INSERT INTO messages
		(account_id, dedup_key, provider_message_id, subject, sender, recipient, body,
		 received_at, folder, is_read, has_attachments, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, accountID, dedupKey, msg.ProviderMessageID, msg.Subject, msg.Sender, msg.Recipient, msg.Body,
		msg.ReceivedAt.UTC().Unix(), msg.Folder, msg.IsRead, msg.HasAttachments || len(msg.Attachments) > 0, now.Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to insert message: %w", err)
	}

	messageID, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read message id: %w", err)
	}

	if err := insertAttachments(ctx, tx, messageID, msg.Attachments, now); err != nil {
		return 0, err
	}

	event := MessageEvent{
		EventID:           uuid.NewString(),
		TS:                now.Unix(),
		UserID:            owner.UserID,
		AccountID:         accountID,
		Provider:          owner.Kind,
		MessageID:         messageID,
		ProviderMessageID: msg.ProviderMessageID,
		Subject:           msg.Subject,
		Sender:            msg.Sender,
		ReceivedAt:        msg.ReceivedAt.UTC().Unix(),
		Folder:            msg.Folder,
		HasAttachments:    msg.HasAttachments || len(msg.Attachments) > 0,
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return 0, fmt.Errorf("failed to encode event: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO outbox (ts, subject, event_type, payload, msg_id, next_attempt_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, now.Unix(), EventSubject(owner.UserID), EventMessageReceived, payload,
		fmt.Sprintf("%s|%d|%s", EventMessageReceived, accountID, dedupKey), now.Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to insert outbox entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return messageID, nil
}

// EventSubject is the broker subject message events for a user go to
func EventSubject(userID int64) string {
	return fmt.Sprintf("mail.%d.received", userID)
}

// AttachBackfill adds attachments to an already stored message
func (s *Store) AttachBackfill(ctx context.Context, messageID int64, atts []mailsync.Attachment) error {
	if len(atts) == 0 {
		return nil
	}

	tx, err := s.DB.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := insertAttachments(ctx, tx, messageID, atts, time.Now()); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE messages SET has_attachments = 1 WHERE id = ?`, messageID); err != nil {
		return fmt.Errorf("failed to flag attachments: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func insertAttachments(ctx context.Context, tx *sqlx.Tx, messageID int64, atts []mailsync.Attachment, now time.Time) error {
	if len(atts) == 0 {
		return nil
	}

	stmt, err := tx.PreparexContext(ctx, `
		INSERT INTO attachments (id, message_id, filename, content_type, size, content, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare attachment insert: %w", err)
	}
	defer stmt.Close()

	for _, a := range atts {
		contentType := a.ContentType
		if strings.TrimSpace(contentType) == "" {
			contentType = "application/octet-stream"
		}
		size := a.Size
		if size == 0 {
			size = int64(len(a.Content))
		}
		if _, err := stmt.ExecContext(ctx, uuid.NewString(), messageID, a.Filename, contentType, size, a.Content, now.Unix()); err != nil {
			return fmt.Errorf("failed to insert attachment %q: %w", a.Filename, err)
		}
	}
	return nil
}

// MessageCount returns the number of stored messages for an account
func (s *Store) MessageCount(ctx context.Context, accountID int64) (int, error) {
	var n int
	if err := s.DB.GetContext(ctx, &n, `SELECT COUNT(*) FROM messages WHERE account_id = ?`, accountID); err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return n, nil
}

// AttachmentCount returns the number of stored attachments for an account
func (s *Store) AttachmentCount(ctx context.Context, accountID int64) (int, error) {
	var n int
	err := s.DB.GetContext(ctx, &n, `
		SELECT COUNT(*) FROM attachments a
		JOIN messages m ON m.id = a.message_id
		WHERE m.account_id = ?
	`, accountID)
	if err != nil {
		return 0, fmt.Errorf("failed to count attachments: %w", err)
	}
	return n, nil
}

// DequeueOutbox fetches unpublished messages from outbox
func (s *Store) DequeueOutbox(ctx context.Context, limit int) ([]OutboxMessage, error) {
	var messages []OutboxMessage
	err := s.DB.SelectContext(ctx, &messages, `
		SELECT id, subject, payload, msg_id, retries
		FROM outbox
		WHERE published_at IS NULL
		  AND next_attempt_at <= ?
		ORDER BY id
		LIMIT ?
	`, time.Now().Unix(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query outbox: %w", err)
	}
	return messages, nil
}

// MarkPublished marks an outbox message as published
func (s *Store) MarkPublished(ctx context.Context, id int64) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE outbox SET published_at = ? WHERE id = ?
	`, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to mark published: %w", err)
	}
	return nil
}

// MarkOutboxRetry updates retry count and next attempt time
func (s *Store) MarkOutboxRetry(ctx context.Context, id int64, backoff time.Duration) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE outbox
		SET retries = retries + 1,
		    next_attempt_at = ?
		WHERE id = ?
	`, time.Now().Add(backoff).Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to mark retry: %w", err)
	}
	return nil
}
