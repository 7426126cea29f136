package sync

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/yo-brian/firemail/internal/auth"
)

// ProviderKind represents mailbox provider types
type ProviderKind string

const (
	ProviderOutlook ProviderKind = "outlook"
	ProviderGmail   ProviderKind = "gmail"
	ProviderIMAP    ProviderKind = "imap"
)

// Credential is the opaque credential handle stored with an account.
// Only the mail source for the account's kind interprets its keys.
type Credential map[string]string

// Value implements driver.Valuer
func (c Credential) Value() (driver.Value, error) {
	if c == nil {
		return "{}", nil
	}
	b, err := json.Marshal(map[string]string(c))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner
func (c *Credential) Scan(src interface{}) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*c = Credential{}
		return nil
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		return fmt.Errorf("unsupported credential column type %T", src)
	}
	m := map[string]string{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &m); err != nil {
			return fmt.Errorf("decode credential: %w", err)
		}
	}
	*c = m
	return nil
}

// Account identifies one remote mailbox
type Account struct {
	ID              int64        `db:"id" json:"id"`
	UserID          int64        `db:"user_id" json:"user_id"`
	Email           string       `db:"email" json:"email"`
	Kind            ProviderKind `db:"kind" json:"kind"`
	Credential      Credential   `db:"credential" json:"-"`
	Watermark       *time.Time   `db:"-" json:"watermark,omitempty"`
	RealtimeEnabled bool         `db:"realtime_enabled" json:"realtime_enabled"`
}

// Attachment is a binary payload owned by exactly one message
type Attachment struct {
	Filename    string
	ContentType string
	Size        int64
	Content     []byte
}

// Message is a normalized mail message across providers
type Message struct {
	ProviderMessageID string // stable remote id, empty when the provider has none
	Subject           string
	Sender            string
	Recipient         string
	Body              string
	ReceivedAt        time.Time
	Folder            string
	IsRead            bool
	HasAttachments    bool
	Attachments       []Attachment
}

// Page is one page of a paginated remote listing
type Page struct {
	Messages []Message
	// NextCursor is empty when the listing is exhausted
	NextCursor string
	// Folder names the remote folder the page came from, for progress only
	Folder string
}

// MailSource is the provider-agnostic remote mail capability
type MailSource interface {
	Kind() ProviderKind

	// RefreshCredential exchanges the account credential for a usable token
	RefreshCredential(ctx context.Context, acct Account) (auth.Token, error)

	// ListPage returns messages received at or after since, starting at cursor.
	// An empty cursor starts a new listing.
	ListPage(ctx context.Context, acct Account, tok auth.Token, since time.Time, cursor string) (Page, error)
}

// Sources maps provider kinds to mail sources
type Sources map[ProviderKind]MailSource

// NewSources builds a registry from the given sources
func NewSources(srcs ...MailSource) Sources {
	s := make(Sources, len(srcs))
	for _, src := range srcs {
		s[src.Kind()] = src
	}
	return s
}

// Lookup returns the source registered for kind
func (s Sources) Lookup(kind ProviderKind) (MailSource, error) {
	src, ok := s[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNoSource, kind)
	}
	return src, nil
}

var (
	ErrNoSource         = errors.New("no mail source for provider")
	ErrRetriesExhausted = errors.New("retry budget exhausted")
	ErrPoolClosed       = errors.New("worker pool closed")
	ErrAccountBusy      = errors.New("account sync already in progress")
)

// RetryableError marks a transient remote failure such as rate limiting,
// timeouts or 5xx responses.
type RetryableError struct {
	Err        error
	RetryAfter time.Duration // server-suggested delay, zero when absent
}

func (e *RetryableError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("retryable (after %s): %v", e.RetryAfter, e.Err)
	}
	return fmt.Sprintf("retryable: %v", e.Err)
}

func (e *RetryableError) Unwrap() error { return e.Err }

// AuthError marks a rejected credential. Callers should prompt for
// re-authentication instead of retrying.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authorization rejected: %v", e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// Retryable wraps err as a transient failure
func Retryable(err error, after time.Duration) error {
	return &RetryableError{Err: err, RetryAfter: after}
}

// AuthFailure wraps err as an authorization failure
func AuthFailure(err error) error {
	return &AuthError{Err: err}
}

// IsRetryable reports whether err (or any error in its chain) is transient
func IsRetryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}

// IsAuthError reports whether err (or any error in its chain) is an AuthError
func IsAuthError(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// RetryAfter returns the server-suggested delay carried by err, if any
func RetryAfter(err error) (time.Duration, bool) {
	var re *RetryableError
	if errors.As(err, &re) && re.RetryAfter > 0 {
		return re.RetryAfter, true
	}
	return 0, false
}
