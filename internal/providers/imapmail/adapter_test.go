package imapmail

import (
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yo-brian/firemail/internal/auth"
	mailsync "github.com/yo-brian/firemail/internal/sync"
)

const rawMultipart = "From: Alice <alice@example.com>\r\n" +
	"To: bob@example.com\r\n" +
	"Subject: Report\r\n" +
	"MIME-Version: 1.0\r\n" +
	"Content-Type: multipart/mixed; boundary=XYZ\r\n" +
	"\r\n" +
	"--XYZ\r\n" +
	"Content-Type: text/html; charset=utf-8\r\n" +
	"\r\n" +
	"<p>hello</p>\r\n" +
	"--XYZ\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"hello\r\n" +
	"--XYZ\r\n" +
	"Content-Type: text/csv\r\n" +
	"Content-Disposition: attachment; filename=\"data.csv\"\r\n" +
	"\r\n" +
	"a,b\r\n" +
	"--XYZ--\r\n"

func TestSettingsFor(t *testing.T) {
	tests := []struct {
		name     string
		cred     mailsync.Credential
		addr     string
		security Security
		wantErr  bool
		authErr  bool
	}{
		{"defaults to tls", mailsync.Credential{"server": "imap.example.com"}, "imap.example.com:993", SecurityTLS, false, false},
		{"starttls default port", mailsync.Credential{"server": "mx", "tls": "starttls"}, "mx:143", SecurityStartTLS, false, false},
		{"plain explicit port", mailsync.Credential{"server": "mx", "tls": "false", "port": "1143"}, "mx:1143", SecurityNone, false, false},
		{"missing server", mailsync.Credential{}, "", "", true, true},
		{"bad port", mailsync.Credential{"server": "mx", "port": "99999"}, "", "", true, false},
		{"bad tls mode", mailsync.Credential{"server": "mx", "tls": "maybe"}, "", "", true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := settingsFor(mailsync.Account{ID: 1, Email: "bob@example.com", Credential: tt.cred})
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, tt.authErr, mailsync.IsAuthError(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.addr, s.Addr)
			assert.Equal(t, tt.security, s.Security)
			assert.Equal(t, "bob@example.com", s.Username)
		})
	}
}

func TestRefreshCredential(t *testing.T) {
	a := New(Config{}, nil)

	tok, err := a.RefreshCredential(context.Background(), mailsync.Account{
		ID:         1,
		Credential: mailsync.Credential{"server": "mx", "password": "secret"},
	})
	require.NoError(t, err)
	assert.Equal(t, "secret", tok.AccessToken)
	assert.True(t, tok.Valid())

	_, err = a.RefreshCredential(context.Background(), mailsync.Account{
		ID:         1,
		Credential: mailsync.Credential{"server": "mx"},
	})
	assert.True(t, mailsync.IsAuthError(err))
}

func TestParseMIME(t *testing.T) {
	parsed := parseMIME([]byte(rawMultipart))

	assert.Equal(t, "Report", parsed.subject)
	assert.Equal(t, "alice@example.com", parsed.sender)
	assert.Equal(t, "hello", strings.TrimSpace(parsed.body))
	require.Len(t, parsed.attachments, 1)
	assert.Equal(t, "data.csv", parsed.attachments[0].Filename)
	assert.Equal(t, "text/csv", parsed.attachments[0].ContentType)
	assert.Equal(t, "a,b", strings.TrimSpace(string(parsed.attachments[0].Content)))
}

func TestToMessage(t *testing.T) {
	received := time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)
	buf := &imapclient.FetchMessageBuffer{
		UID:          42,
		Flags:        []imap.Flag{imap.FlagSeen},
		InternalDate: received,
		Envelope: &imap.Envelope{
			MessageID: "<abc@example.com>",
			Subject:   "Envelope subject",
			From:      []imap.Address{{Mailbox: "alice", Host: "example.com"}},
			To:        []imap.Address{{Mailbox: "bob", Host: "example.com"}},
		},
	}

	msg := toMessage(buf, []byte(rawMultipart))
	assert.Equal(t, "abc@example.com", msg.ProviderMessageID)
	assert.Equal(t, "Envelope subject", msg.Subject)
	assert.Equal(t, "alice@example.com", msg.Sender)
	assert.Equal(t, "bob@example.com", msg.Recipient)
	assert.Equal(t, received, msg.ReceivedAt)
	assert.True(t, msg.IsRead)
	assert.True(t, msg.HasAttachments)
	assert.Equal(t, inbox, msg.Folder)
}

func TestListPage_DialFailureIsRetryable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	host, port, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	require.NoError(t, ln.Close())

	a := New(Config{Timeout: time.Second}, nil)
	_, err = a.ListPage(context.Background(), mailsync.Account{
		ID:         1,
		Email:      "bob@example.com",
		Credential: mailsync.Credential{"server": host, "port": port, "tls": "none"},
	}, auth.Token{AccessToken: "secret"}, time.Now(), "")

	require.Error(t, err)
	assert.True(t, mailsync.IsRetryable(err))
}
