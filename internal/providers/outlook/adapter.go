package outlook

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	msgraphsdk "github.com/microsoftgraph/msgraph-sdk-go"
	"github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/microsoftgraph/msgraph-sdk-go/models/odataerrors"
	"github.com/microsoftgraph/msgraph-sdk-go/users"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/microsoft"

	"github.com/yo-brian/firemail/internal/auth"
	"github.com/yo-brian/firemail/internal/providers"
	mailsync "github.com/yo-brian/firemail/internal/sync"
)

const (
	pageSize      = 50
	folderPage    = 200
	defaultTenant = "common"
)

var graphScopes = []string{"https://graph.microsoft.com/.default", "offline_access"}

// Folders kept when syncing; matched against display name or id
var allowedFolders = map[string]bool{
	"inbox":       true,
	"junkemail":   true,
	"junk email":  true,
	"junk e-mail": true,
	"spam":        true,
}

var messageFields = []string{"id", "subject", "from", "toRecipients", "receivedDateTime", "body", "hasAttachments", "isRead"}

// Config holds application-level defaults. Account credentials may
// override the client id and tenant.
type Config struct {
	Tenant   string
	ClientID string
	// Endpoint overrides the Azure AD token endpoint
	Endpoint *oauth2.Endpoint
}

// Adapter implements mailsync.MailSource for Outlook/Microsoft Graph
type Adapter struct {
	cfg    Config
	logger *zap.Logger
}

var _ mailsync.MailSource = (*Adapter)(nil)

// New creates a new Outlook adapter
func New(cfg Config, logger *zap.Logger) *Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Tenant == "" {
		cfg.Tenant = defaultTenant
	}
	return &Adapter{cfg: cfg, logger: logger.With(zap.String("provider", string(mailsync.ProviderOutlook)))}
}

// Kind returns the provider kind
func (a *Adapter) Kind() mailsync.ProviderKind { return mailsync.ProviderOutlook }

// RefreshCredential exchanges the account refresh token for an access token
func (a *Adapter) RefreshCredential(ctx context.Context, acct mailsync.Account) (auth.Token, error) {
	refresh, err := providers.Credential(acct, "refresh_token")
	if err != nil {
		return auth.Token{}, err
	}

	clientID := acct.Credential["client_id"]
	if clientID == "" {
		clientID = a.cfg.ClientID
	}
	if clientID == "" {
		return auth.Token{}, mailsync.AuthFailure(fmt.Errorf("account %d has no client_id", acct.ID))
	}

	tenant := acct.Credential["tenant"]
	if tenant == "" {
		tenant = a.cfg.Tenant
	}
	endpoint := microsoft.AzureADEndpoint(tenant)
	if a.cfg.Endpoint != nil {
		endpoint = *a.cfg.Endpoint
	}

	conf := &oauth2.Config{
		ClientID: clientID,
		Endpoint: endpoint,
		Scopes:   graphScopes,
	}

	tok, err := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: refresh}).Token()
	if err != nil {
		return auth.Token{}, fmt.Errorf("refresh outlook token: %w", providers.ClassifyTokenError(err))
	}

	return auth.Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
	}, nil
}

// folderRef identifies a mail folder in the cursor
type folderRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// cursorState is the opaque pagination position across folders
type cursorState struct {
	Folders []folderRef `json:"f"`
	Index   int         `json:"i"`
	Next    string      `json:"n,omitempty"`
}

func encodeCursor(st cursorState) (string, error) {
	b, err := json.Marshal(st)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func decodeCursor(s string) (cursorState, error) {
	var st cursorState
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return st, fmt.Errorf("invalid outlook cursor: %w", err)
	}
	if err := json.Unmarshal(b, &st); err != nil {
		return st, fmt.Errorf("invalid outlook cursor: %w", err)
	}
	if st.Index < 0 || st.Index >= len(st.Folders) {
		return st, fmt.Errorf("invalid outlook cursor: folder index %d out of range", st.Index)
	}
	return st, nil
}

// advance returns the cursor after a page of the current folder
func (st cursorState) advance(nextLink string) cursorState {
	if nextLink != "" {
		st.Next = nextLink
		return st
	}
	st.Next = ""
	st.Index++
	return st
}

func (st cursorState) done() bool {
	return st.Index >= len(st.Folders)
}

// ListPage returns one page of messages. An empty cursor lists the mail
// folders first; later cursors walk each kept folder's pages in turn.
func (a *Adapter) ListPage(ctx context.Context, acct mailsync.Account, tok auth.Token, since time.Time, cursor string) (mailsync.Page, error) {
	client, err := newClient(tok)
	if err != nil {
		return mailsync.Page{}, err
	}

	var st cursorState
	if cursor == "" {
		folders, err := a.listFolders(ctx, client)
		if err != nil {
			return mailsync.Page{}, err
		}
		st = cursorState{Folders: folders}
		a.logger.Debug("graph folders selected", zap.Int64("account_id", acct.ID), zap.Any("folders", folders))
	} else {
		st, err = decodeCursor(cursor)
		if err != nil {
			return mailsync.Page{}, err
		}
	}

	folder := st.Folders[st.Index]
	resp, err := a.listMessages(ctx, client, folder.ID, st.Next, since)
	if err != nil {
		return mailsync.Page{}, fmt.Errorf("list %s messages: %w", folder.Name, err)
	}

	page := mailsync.Page{Folder: folder.Name}
	for _, m := range resp.GetValue() {
		msg := normalizeOutlook(m, folder.Name)
		if msg.HasAttachments && msg.ProviderMessageID != "" {
			atts, err := a.attachments(ctx, client, msg.ProviderMessageID)
			if err != nil {
				return mailsync.Page{}, fmt.Errorf("list attachments: %w", err)
			}
			msg.Attachments = atts
		}
		page.Messages = append(page.Messages, msg)
	}

	next := ""
	if link := resp.GetOdataNextLink(); link != nil {
		next = *link
	}
	st = st.advance(next)
	if !st.done() {
		if page.NextCursor, err = encodeCursor(st); err != nil {
			return mailsync.Page{}, err
		}
	}
	return page, nil
}

func (a *Adapter) listFolders(ctx context.Context, client *msgraphsdk.GraphServiceClient) ([]folderRef, error) {
	top := int32(folderPage)
	resp, err := client.Me().MailFolders().Get(ctx, &users.ItemMailFoldersRequestBuilderGetRequestConfiguration{
		QueryParameters: &users.ItemMailFoldersRequestBuilderGetQueryParameters{
			Top: &top,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("list mail folders: %w", classifyGraphError(err))
	}

	var all []folderRef
	for _, f := range resp.GetValue() {
		ref := folderRef{}
		if id := f.GetId(); id != nil {
			ref.ID = *id
		}
		if name := f.GetDisplayName(); name != nil {
			ref.Name = *name
		}
		if ref.ID != "" {
			all = append(all, ref)
		}
	}
	return selectFolders(all), nil
}

// selectFolders keeps inbox and junk folders, falling back to the
// well-known inbox when none match.
func selectFolders(all []folderRef) []folderRef {
	var kept []folderRef
	for _, f := range all {
		name := strings.ToLower(strings.TrimSpace(f.Name))
		if allowedFolders[name] || allowedFolders[strings.ToLower(f.ID)] {
			if f.Name == "" {
				f.Name = f.ID
			}
			kept = append(kept, f)
		}
	}
	if len(kept) == 0 {
		return []folderRef{{ID: "inbox", Name: "Inbox"}}
	}
	return kept
}

func (a *Adapter) listMessages(ctx context.Context, client *msgraphsdk.GraphServiceClient, folderID, nextLink string, since time.Time) (models.MessageCollectionResponseable, error) {
	builder := client.Me().MailFolders().ByMailFolderId(folderID).Messages()

	var (
		resp models.MessageCollectionResponseable
		err  error
	)
	if nextLink != "" {
		resp, err = builder.WithUrl(nextLink).Get(ctx, nil)
	} else {
		top := int32(pageSize)
		filter := "receivedDateTime ge " + since.UTC().Format(time.RFC3339)
		resp, err = builder.Get(ctx, &users.ItemMailFoldersItemMessagesRequestBuilderGetRequestConfiguration{
			QueryParameters: &users.ItemMailFoldersItemMessagesRequestBuilderGetQueryParameters{
				Top:     &top,
				Filter:  &filter,
				Orderby: []string{"receivedDateTime desc"},
				Select:  messageFields,
			},
		})
	}
	if err != nil {
		return nil, classifyGraphError(err)
	}
	return resp, nil
}

func (a *Adapter) attachments(ctx context.Context, client *msgraphsdk.GraphServiceClient, messageID string) ([]mailsync.Attachment, error) {
	resp, err := client.Me().Messages().ByMessageId(messageID).Attachments().Get(ctx, nil)
	if err != nil {
		return nil, classifyGraphError(err)
	}

	var out []mailsync.Attachment
	for _, att := range resp.GetValue() {
		// Item and reference attachments carry no inline content
		file, ok := att.(models.FileAttachmentable)
		if !ok {
			continue
		}
		item := mailsync.Attachment{Content: file.GetContentBytes()}
		if name := file.GetName(); name != nil {
			item.Filename = *name
		}
		if ct := file.GetContentType(); ct != nil {
			item.ContentType = *ct
		}
		if size := file.GetSize(); size != nil {
			item.Size = int64(*size)
		}
		out = append(out, item)
	}
	return out, nil
}

// classifyGraphError maps Graph responses onto retryable and auth failures
func classifyGraphError(err error) error {
	var odataErr *odataerrors.ODataError
	if !errors.As(err, &odataErr) {
		return providers.ClassifyTransport(err)
	}

	retryAfter := ""
	if odataErr.ResponseHeaders != nil {
		if v := odataErr.ResponseHeaders.Get("Retry-After"); len(v) > 0 {
			retryAfter = v[0]
		}
	}

	msg := odataErr.Error()
	if main := odataErr.GetErrorEscaped(); main != nil {
		if code, text := main.GetCode(), main.GetMessage(); code != nil && text != nil {
			msg = *code + ": " + *text
		}
	}
	return providers.ClassifyStatus(odataErr.ResponseStatusCode, retryAfter, fmt.Errorf("graph: %s: %w", msg, err))
}

// normalizeOutlook converts a Graph message to a mailsync.Message
func normalizeOutlook(m models.Messageable, folder string) mailsync.Message {
	msg := mailsync.Message{Folder: folder}

	if id := m.GetId(); id != nil {
		msg.ProviderMessageID = *id
	}

	if subject := m.GetSubject(); subject != nil {
		msg.Subject = *subject
	}

	if from := m.GetFrom(); from != nil {
		if emailAddr := from.GetEmailAddress(); emailAddr != nil {
			if addr := emailAddr.GetAddress(); addr != nil {
				msg.Sender = *addr
			}
		}
	}

	if to := m.GetToRecipients(); to != nil {
		msg.Recipient = strings.Join(extractAddresses(to), ", ")
	}

	if body := m.GetBody(); body != nil {
		if content := body.GetContent(); content != nil {
			msg.Body = *content
		}
	}

	if rcvd := m.GetReceivedDateTime(); rcvd != nil {
		msg.ReceivedAt = *rcvd
	}

	if read := m.GetIsRead(); read != nil {
		msg.IsRead = *read
	}

	if has := m.GetHasAttachments(); has != nil {
		msg.HasAttachments = *has
	}

	return msg
}

// extractAddresses extracts email addresses from recipients
func extractAddresses(recipients []models.Recipientable) []string {
	var addrs []string
	for _, r := range recipients {
		if emailAddr := r.GetEmailAddress(); emailAddr != nil {
			if addr := emailAddr.GetAddress(); addr != nil {
				addrs = append(addrs, *addr)
			}
		}
	}
	return addrs
}

func newClient(tok auth.Token) (*msgraphsdk.GraphServiceClient, error) {
	cred := &staticTokenCredential{token: tok.AccessToken, expiry: tok.Expiry}
	client, err := msgraphsdk.NewGraphServiceClientWithCredentials(cred, graphScopes[:1])
	if err != nil {
		return nil, fmt.Errorf("failed to create Graph client: %w", err)
	}
	return client, nil
}

// staticTokenCredential implements Azure credential interface
type staticTokenCredential struct {
	token  string
	expiry time.Time
}

func (c *staticTokenCredential) GetToken(ctx context.Context, options policy.TokenRequestOptions) (azcore.AccessToken, error) {
	expires := c.expiry
	if expires.IsZero() {
		expires = time.Now().Add(1 * time.Hour)
	}
	return azcore.AccessToken{
		Token:     c.token,
		ExpiresOn: expires,
	}, nil
}
