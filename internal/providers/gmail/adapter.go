package gmail

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/yo-brian/firemail/internal/auth"
	"github.com/yo-brian/firemail/internal/providers"
	mailsync "github.com/yo-brian/firemail/internal/sync"
)

const (
	user     = "me"
	pageSize = 50
)

// Config holds application OAuth credentials. Account credentials may
// override them.
type Config struct {
	ClientID     string
	ClientSecret string
	// Endpoint overrides the Gmail API base URL
	Endpoint string
	// TokenEndpoint overrides the Google token endpoint
	TokenEndpoint *oauth2.Endpoint
}

// Adapter implements mailsync.MailSource for Gmail
type Adapter struct {
	cfg    Config
	logger *zap.Logger
}

var _ mailsync.MailSource = (*Adapter)(nil)

// New creates a new Gmail adapter
func New(cfg Config, logger *zap.Logger) *Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{cfg: cfg, logger: logger.With(zap.String("provider", string(mailsync.ProviderGmail)))}
}

// Kind returns the provider kind
func (a *Adapter) Kind() mailsync.ProviderKind { return mailsync.ProviderGmail }

// RefreshCredential exchanges the account refresh token for an access token
func (a *Adapter) RefreshCredential(ctx context.Context, acct mailsync.Account) (auth.Token, error) {
	refresh, err := providers.Credential(acct, "refresh_token")
	if err != nil {
		return auth.Token{}, err
	}

	conf := &oauth2.Config{
		ClientID:     firstNonEmpty(acct.Credential["client_id"], a.cfg.ClientID),
		ClientSecret: firstNonEmpty(acct.Credential["client_secret"], a.cfg.ClientSecret),
		Endpoint:     google.Endpoint,
		Scopes:       []string{gmail.GmailReadonlyScope},
	}
	if a.cfg.TokenEndpoint != nil {
		conf.Endpoint = *a.cfg.TokenEndpoint
	}
	if conf.ClientID == "" {
		return auth.Token{}, mailsync.AuthFailure(fmt.Errorf("account %d has no client_id", acct.ID))
	}

	tok, err := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: refresh}).Token()
	if err != nil {
		return auth.Token{}, fmt.Errorf("refresh gmail token: %w", providers.ClassifyTokenError(err))
	}

	return auth.Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
	}, nil
}

// ListPage lists one page of messages received after since. The cursor is
// Gmail's page token.
func (a *Adapter) ListPage(ctx context.Context, acct mailsync.Account, tok auth.Token, since time.Time, cursor string) (mailsync.Page, error) {
	svc, err := a.service(ctx, tok)
	if err != nil {
		return mailsync.Page{}, err
	}

	call := svc.Users.Messages.List(user).
		Q(fmt.Sprintf("after:%d", since.Unix())).
		IncludeSpamTrash(true).
		MaxResults(pageSize).
		Context(ctx)
	if cursor != "" {
		call = call.PageToken(cursor)
	}

	list, err := call.Do()
	if err != nil {
		return mailsync.Page{}, fmt.Errorf("list messages: %w", classifyAPIError(err))
	}

	page := mailsync.Page{NextCursor: list.NextPageToken, Folder: "INBOX"}
	for _, ref := range list.Messages {
		full, err := svc.Users.Messages.Get(user, ref.Id).Format("full").Context(ctx).Do()
		if err != nil {
			var apiErr *googleapi.Error
			if errors.As(err, &apiErr) && apiErr.Code == 404 {
				// Deleted between list and get
				a.logger.Debug("message vanished", zap.String("message_id", ref.Id))
				continue
			}
			return mailsync.Page{}, fmt.Errorf("get message %s: %w", ref.Id, classifyAPIError(err))
		}

		msg, pending := normalize(full)
		for _, p := range pending {
			body, err := svc.Users.Messages.Attachments.Get(user, full.Id, p.attachmentID).Context(ctx).Do()
			if err != nil {
				return mailsync.Page{}, fmt.Errorf("get attachment %s: %w", p.attachment.Filename, classifyAPIError(err))
			}
			data, err := decodeData(body.Data)
			if err != nil {
				return mailsync.Page{}, fmt.Errorf("decode attachment %s: %w", p.attachment.Filename, err)
			}
			p.attachment.Content = data
			if p.attachment.Size == 0 {
				p.attachment.Size = int64(len(data))
			}
			msg.Attachments = append(msg.Attachments, p.attachment)
		}
		page.Messages = append(page.Messages, msg)
	}
	return page, nil
}

func (a *Adapter) service(ctx context.Context, tok auth.Token) (*gmail.Service, error) {
	httpClient := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: tok.AccessToken,
		TokenType:   "Bearer",
		Expiry:      tok.Expiry,
	}))

	opts := []option.ClientOption{option.WithHTTPClient(httpClient)}
	if a.cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(a.cfg.Endpoint))
	}

	svc, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gmail service: %w", err)
	}
	return svc, nil
}

func classifyAPIError(err error) error {
	var apiErr *googleapi.Error
	if !errors.As(err, &apiErr) {
		return providers.ClassifyTransport(err)
	}
	retryAfter := ""
	if apiErr.Header != nil {
		retryAfter = apiErr.Header.Get("Retry-After")
	}
	return providers.ClassifyStatus(apiErr.Code, retryAfter, err)
}

// pendingAttachment is an attachment whose content needs a separate request
type pendingAttachment struct {
	attachmentID string
	attachment   mailsync.Attachment
}

// normalize converts a full-format Gmail message. Inline attachment data is
// decoded directly; larger attachments are returned as pending.
func normalize(m *gmail.Message) (mailsync.Message, []pendingAttachment) {
	msg := mailsync.Message{
		ProviderMessageID: m.Id,
		ReceivedAt:        time.UnixMilli(m.InternalDate).UTC(),
		Folder:            "INBOX",
		IsRead:            true,
	}
	for _, label := range m.LabelIds {
		switch label {
		case "UNREAD":
			msg.IsRead = false
		case "SPAM":
			msg.Folder = "Junk"
		}
	}

	if m.Payload == nil {
		return msg, nil
	}

	headers := make(map[string]string)
	for _, kv := range m.Payload.Headers {
		headers[strings.ToLower(kv.Name)] = kv.Value
	}
	msg.Subject = headers["subject"]
	msg.Sender = headers["from"]
	msg.Recipient = headers["to"]

	var plain, html string
	var pending []pendingAttachment
	walkParts(m.Payload, func(p *gmail.MessagePart) {
		if p.Body == nil {
			return
		}
		if p.Filename != "" {
			att := mailsync.Attachment{
				Filename:    p.Filename,
				ContentType: p.MimeType,
				Size:        p.Body.Size,
			}
			if p.Body.AttachmentId != "" {
				pending = append(pending, pendingAttachment{attachmentID: p.Body.AttachmentId, attachment: att})
				return
			}
			if data, err := decodeData(p.Body.Data); err == nil {
				att.Content = data
				msg.Attachments = append(msg.Attachments, att)
			}
			return
		}
		switch {
		case strings.HasPrefix(p.MimeType, "text/plain") && plain == "":
			if data, err := decodeData(p.Body.Data); err == nil {
				plain = string(data)
			}
		case strings.HasPrefix(p.MimeType, "text/html") && html == "":
			if data, err := decodeData(p.Body.Data); err == nil {
				html = string(data)
			}
		}
	})

	msg.Body = plain
	if msg.Body == "" {
		msg.Body = html
	}
	if msg.Body == "" {
		msg.Body = m.Snippet
	}
	msg.HasAttachments = len(msg.Attachments) > 0 || len(pending) > 0
	return msg, pending
}

func walkParts(p *gmail.MessagePart, fn func(*gmail.MessagePart)) {
	if p == nil {
		return
	}
	fn(p)
	for _, child := range p.Parts {
		walkParts(child, fn)
	}
}

// decodeData decodes Gmail's base64url payloads, padded or not
func decodeData(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	if b, err := base64.URLEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
