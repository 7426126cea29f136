package imapmail

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"go.uber.org/zap"

	"github.com/yo-brian/firemail/internal/auth"
	"github.com/yo-brian/firemail/internal/providers"
	mailsync "github.com/yo-brian/firemail/internal/sync"
)

const (
	DefaultTimeout = 30 * time.Second
	inbox          = "INBOX"
)

// Security selects how the connection is secured
type Security string

const (
	SecurityTLS      Security = "tls"
	SecurityStartTLS Security = "starttls"
	SecurityNone     Security = "none"
)

// Config holds connection defaults
type Config struct {
	Timeout time.Duration
	// TLSConfig is cloned per connection; ServerName is filled in
	TLSConfig *tls.Config
}

// Adapter implements mailsync.MailSource over IMAP
type Adapter struct {
	cfg    Config
	logger *zap.Logger
}

var _ mailsync.MailSource = (*Adapter)(nil)

// New creates a new IMAP adapter
func New(cfg Config, logger *zap.Logger) *Adapter {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{cfg: cfg, logger: logger.With(zap.String("provider", string(mailsync.ProviderIMAP)))}
}

// Kind returns the provider kind
func (a *Adapter) Kind() mailsync.ProviderKind { return mailsync.ProviderIMAP }

// RefreshCredential validates the stored connection settings. IMAP has no
// token exchange; the password travels in the returned token.
func (a *Adapter) RefreshCredential(_ context.Context, acct mailsync.Account) (auth.Token, error) {
	if _, err := settingsFor(acct); err != nil {
		return auth.Token{}, err
	}
	password, err := providers.Credential(acct, "password")
	if err != nil {
		return auth.Token{}, err
	}
	return auth.Token{AccessToken: password}, nil
}

// settings are the per-account connection parameters
type settings struct {
	Addr       string
	ServerName string
	Username   string
	Security   Security
}

func settingsFor(acct mailsync.Account) (settings, error) {
	server, err := providers.Credential(acct, "server")
	if err != nil {
		return settings{}, err
	}

	s := settings{
		ServerName: server,
		Username:   strings.TrimSpace(acct.Credential["username"]),
		Security:   SecurityTLS,
	}
	if s.Username == "" {
		s.Username = acct.Email
	}

	switch strings.ToLower(strings.TrimSpace(acct.Credential["tls"])) {
	case "", "true", "1", "tls", "ssl":
	case "starttls":
		s.Security = SecurityStartTLS
	case "false", "0", "none":
		s.Security = SecurityNone
	default:
		return settings{}, fmt.Errorf("account %d: unknown tls mode %q", acct.ID, acct.Credential["tls"])
	}

	port := strings.TrimSpace(acct.Credential["port"])
	if port == "" {
		port = "993"
		if s.Security != SecurityTLS {
			port = "143"
		}
	}
	if n, err := strconv.Atoi(port); err != nil || n <= 0 || n > 65535 {
		return settings{}, fmt.Errorf("account %d: invalid port %q", acct.ID, port)
	}
	s.Addr = net.JoinHostPort(server, port)
	return s, nil
}

// ListPage fetches every INBOX message since the given time. IMAP listings
// are returned as a single page.
func (a *Adapter) ListPage(ctx context.Context, acct mailsync.Account, tok auth.Token, since time.Time, _ string) (mailsync.Page, error) {
	s, err := settingsFor(acct)
	if err != nil {
		return mailsync.Page{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	client, err := a.connect(ctx, s, tok.AccessToken)
	if err != nil {
		return mailsync.Page{}, err
	}
	defer func() { _ = client.Logout().Wait() }()

	if _, err := client.Select(inbox, &imap.SelectOptions{ReadOnly: true}).Wait(); err != nil {
		return mailsync.Page{}, fmt.Errorf("selecting %s: %w", inbox, classify(err))
	}

	data, err := client.UIDSearch(&imap.SearchCriteria{Since: since}, nil).Wait()
	if err != nil {
		return mailsync.Page{}, fmt.Errorf("searching messages: %w", classify(err))
	}

	page := mailsync.Page{Folder: inbox}
	uids := data.AllUIDs()
	if len(uids) == 0 {
		return page, nil
	}

	section := &imap.FetchItemBodySection{Peek: true}
	fetchCmd := client.Fetch(imap.UIDSetNum(uids...), &imap.FetchOptions{
		UID:          true,
		Flags:        true,
		Envelope:     true,
		InternalDate: true,
		BodySection:  []*imap.FetchItemBodySection{section},
	})
	defer fetchCmd.Close()

	for {
		item := fetchCmd.Next()
		if item == nil {
			break
		}
		buf, err := item.Collect()
		if err != nil {
			a.logger.Warn("skipping unreadable message", zap.Int64("account_id", acct.ID), zap.Error(err))
			continue
		}
		page.Messages = append(page.Messages, toMessage(buf, buf.FindBodySection(section)))
	}

	if err := fetchCmd.Close(); err != nil {
		return mailsync.Page{}, fmt.Errorf("fetching messages: %w", classify(err))
	}
	return page, nil
}

func (a *Adapter) connect(ctx context.Context, s settings, password string) (*imapclient.Client, error) {
	dialer := &net.Dialer{Timeout: a.cfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", s.Addr)
	if err != nil {
		return nil, mailsync.Retryable(fmt.Errorf("connecting to IMAP %s: %w", s.Addr, err), 0)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	context.AfterFunc(ctx, func() { _ = conn.Close() })

	tlsConfig := &tls.Config{}
	if a.cfg.TLSConfig != nil {
		tlsConfig = a.cfg.TLSConfig.Clone()
	}
	if tlsConfig.ServerName == "" {
		tlsConfig.ServerName = s.ServerName
	}

	var client *imapclient.Client
	switch s.Security {
	case SecurityTLS:
		client = imapclient.New(tls.Client(conn, tlsConfig), nil)
	case SecurityStartTLS:
		client, err = imapclient.NewStartTLS(conn, &imapclient.Options{TLSConfig: tlsConfig})
		if err != nil {
			_ = conn.Close()
			return nil, mailsync.Retryable(fmt.Errorf("starttls with %s: %w", s.Addr, err), 0)
		}
	default:
		client = imapclient.New(conn, nil)
	}

	if err := client.Login(s.Username, password).Wait(); err != nil {
		_ = client.Close()
		var imapErr *imap.Error
		if errors.As(err, &imapErr) {
			return nil, mailsync.AuthFailure(fmt.Errorf("login failed for %s: %w", s.Username, err))
		}
		return nil, fmt.Errorf("login to %s: %w", s.Addr, classify(err))
	}
	return client, nil
}

// classify maps IMAP failures: server status responses are permanent,
// connection-level failures are transient.
func classify(err error) error {
	var imapErr *imap.Error
	if errors.As(err, &imapErr) {
		return err
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return mailsync.Retryable(err, 0)
	}
	return providers.ClassifyTransport(err)
}

func toMessage(buf *imapclient.FetchMessageBuffer, raw []byte) mailsync.Message {
	msg := mailsync.Message{
		ReceivedAt: buf.InternalDate.UTC(),
		Folder:     inbox,
	}

	if env := buf.Envelope; env != nil {
		msg.ProviderMessageID = strings.Trim(env.MessageID, "<>")
		msg.Subject = env.Subject
		if len(env.From) > 0 {
			msg.Sender = env.From[0].Addr()
		}
		var to []string
		for _, addr := range env.To {
			to = append(to, addr.Addr())
		}
		msg.Recipient = strings.Join(to, ", ")
		if msg.ReceivedAt.IsZero() && !env.Date.IsZero() {
			msg.ReceivedAt = env.Date.UTC()
		}
	}

	for _, flag := range buf.Flags {
		if flag == imap.FlagSeen {
			msg.IsRead = true
		}
	}

	if raw != nil {
		parsed := parseMIME(raw)
		msg.Body = parsed.body
		msg.Attachments = parsed.attachments
		if msg.Subject == "" {
			msg.Subject = parsed.subject
		}
		if msg.Sender == "" {
			msg.Sender = parsed.sender
		}
	}
	msg.HasAttachments = len(msg.Attachments) > 0
	return msg
}

type parsedMIME struct {
	subject     string
	sender      string
	body        string
	attachments []mailsync.Attachment
}

// parseMIME extracts the text body and attachments of a raw RFC 5322
// message. Plain text wins over HTML.
func parseMIME(raw []byte) parsedMIME {
	var out parsedMIME

	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		out.body = string(raw)
		return out
	}
	defer mr.Close()

	out.subject, _ = mr.Header.Subject()
	if from, err := mr.Header.AddressList("From"); err == nil && len(from) > 0 {
		out.sender = from[0].Address
	}

	var plain, html string
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			break
		}

		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			contentType, _, _ := h.ContentType()
			body, err := io.ReadAll(part.Body)
			if err != nil {
				continue
			}
			switch {
			case strings.HasPrefix(contentType, "text/plain") && plain == "":
				plain = string(body)
			case strings.HasPrefix(contentType, "text/html") && html == "":
				html = string(body)
			}
		case *mail.AttachmentHeader:
			filename, _ := h.Filename()
			contentType, _, _ := h.ContentType()
			body, err := io.ReadAll(part.Body)
			if err != nil {
				continue
			}
			out.attachments = append(out.attachments, mailsync.Attachment{
				Filename:    filename,
				ContentType: contentType,
				Size:        int64(len(body)),
				Content:     body,
			})
		}
	}

	out.body = plain
	if out.body == "" {
		out.body = html
	}
	return out
}
