package outlook

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/emersion/go-message/mail"
	abstractions "github.com/microsoft/kiota-abstractions-go"
	msgraphsdk "github.com/microsoftgraph/msgraph-sdk-go"
	"github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/microsoftgraph/msgraph-sdk-go/models/odataerrors"
	"github.com/microsoftgraph/msgraph-sdk-go/users"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/microsoft"

	"github.com/Sabbir3x/outreach/internal/logging"
	"github.com/Sabbir3x/outreach/internal/mailbox"
)

const inboxFolder = "inbox"

var messageFields = []string{"id", "conversationId", "from", "isRead", "receivedDateTime", "internetMessageId"}

// Config holds Outlook adapter configuration
type Config struct {
	ClientID     string
	ClientSecret string
	Tenant       string
	// Mailbox is the address of the connected mailbox. Messages from it are
	// reported as SENT.
	Mailbox string
	// TokenURL overrides the Azure AD token endpoint in tests.
	TokenURL string
}

// Adapter implements mailbox.MailboxClient for Outlook/Microsoft Graph.
// Graph has no push channel here, so the cursor is a receivedDateTime
// watermark over the inbox folder.
type Adapter struct {
	oauth   *oauth2.Config
	mailbox string
	log     *zerolog.Logger
	now     func() time.Time
}

var (
	_ mailbox.MailboxClient = (*Adapter)(nil)
	_ mailbox.CursorSeeder  = (*Adapter)(nil)
)

// New creates a new Outlook adapter
func New(cfg Config, log *zerolog.Logger) *Adapter {
	if log == nil {
		log = logging.Nop()
	}
	tenant := cfg.Tenant
	if tenant == "" {
		tenant = "common"
	}
	endpoint := microsoft.AzureADEndpoint(tenant)
	if cfg.TokenURL != "" {
		endpoint.TokenURL = cfg.TokenURL
	}
	return &Adapter{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     endpoint,
			Scopes: []string{
				"offline_access",
				"https://graph.microsoft.com/Mail.ReadWrite",
				"https://graph.microsoft.com/Mail.Send",
			},
		},
		mailbox: strings.ToLower(cfg.Mailbox),
		log:     log,
		now:     time.Now,
	}
}

// RefreshSession exchanges the refresh token for a Graph access token.
// Azure AD rotates refresh tokens, so the new one is handed back.
func (a *Adapter) RefreshSession(ctx context.Context, cred mailbox.Credential) (mailbox.Session, error) {
	tok, err := a.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: cred.RefreshToken}).Token()
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && (re.ErrorCode == "invalid_grant" || re.ErrorCode == "interaction_required") {
			return mailbox.Session{}, fmt.Errorf("outlook token refresh: %v: %w", err, mailbox.ErrAuthExpired)
		}
		return mailbox.Session{}, fmt.Errorf("outlook token refresh: %v: %w", err, mailbox.ErrTransient)
	}
	s := mailbox.Session{AccessToken: tok.AccessToken, Expiry: tok.Expiry}
	if tok.RefreshToken != "" && tok.RefreshToken != cred.RefreshToken {
		s.RefreshToken = tok.RefreshToken
	}
	return s, nil
}

func (a *Adapter) graph(s mailbox.Session) (*msgraphsdk.GraphServiceClient, error) {
	cred := &staticTokenCredential{token: s.AccessToken, expiry: s.Expiry}
	client, err := msgraphsdk.NewGraphServiceClientWithCredentials(cred, []string{})
	if err != nil {
		return nil, fmt.Errorf("failed to create Graph client: %w", err)
	}
	return client, nil
}

// InitialCursor starts the watermark at now so nothing older is replayed
func (a *Adapter) InitialCursor(ctx context.Context, s mailbox.Session) (string, error) {
	return formatCursor(a.now()), nil
}

// FetchHistory lists inbox messages received at or after the cursor
func (a *Adapter) FetchHistory(ctx context.Context, s mailbox.Session, cursor string) (mailbox.HistoryPage, error) {
	since, err := parseCursor(cursor)
	if err != nil {
		return mailbox.HistoryPage{}, err
	}
	client, err := a.graph(s)
	if err != nil {
		return mailbox.HistoryPage{}, fmt.Errorf("%v: %w", err, mailbox.ErrTransient)
	}

	filter := "receivedDateTime ge " + formatCursor(since)
	requestConfig := &users.ItemMailFoldersItemMessagesRequestBuilderGetRequestConfiguration{
		QueryParameters: &users.ItemMailFoldersItemMessagesRequestBuilderGetQueryParameters{
			Top:     Int32Ptr(100),
			Filter:  &filter,
			Orderby: []string{"receivedDateTime asc"},
			Select:  messageFields,
		},
	}

	builder := client.Users().ByUserId(a.user()).MailFolders().ByMailFolderId(inboxFolder).Messages()
	result, err := builder.Get(ctx, requestConfig)
	if err != nil {
		return mailbox.HistoryPage{}, classify("list messages", err)
	}

	page := mailbox.HistoryPage{NewCursor: cursor}
	latest := since
	for {
		for _, msg := range result.GetValue() {
			item, received := a.toItem(msg)
			if item.MessageID == "" {
				continue
			}
			page.Items = append(page.Items, item)
			if received.After(latest) {
				latest = received
			}
		}
		next := result.GetOdataNextLink()
		if next == nil || *next == "" {
			break
		}
		result, err = builder.WithUrl(*next).Get(ctx, nil)
		if err != nil {
			return mailbox.HistoryPage{}, classify("list messages", err)
		}
	}

	if latest.After(since) {
		page.NewCursor = formatCursor(latest)
	}
	a.log.Debug().Str("from", cursor).Str("to", page.NewCursor).Int("items", len(page.Items)).Msg("outlook inbox listed")
	return page, nil
}

func (a *Adapter) toItem(m models.Messageable) (mailbox.ChangeFeedItem, time.Time) {
	item := mailbox.ChangeFeedItem{
		Kind:      mailbox.ItemMessageAdded,
		MessageID: deref(m.GetId()),
		ThreadID:  deref(m.GetConversationId()),
	}
	if a.mailbox != "" && strings.EqualFold(senderAddress(m), a.mailbox) {
		item.Labels = append(item.Labels, mailbox.LabelSent)
	} else {
		item.Labels = append(item.Labels, mailbox.LabelInbox)
	}
	if read := m.GetIsRead(); read != nil && !*read {
		item.Labels = append(item.Labels, mailbox.LabelUnread)
	}
	var received time.Time
	if rcvd := m.GetReceivedDateTime(); rcvd != nil {
		received = *rcvd
	}
	return item, received
}

// FetchMessage fetches one message with its headers and text body
func (a *Adapter) FetchMessage(ctx context.Context, s mailbox.Session, id string) (*mailbox.RawMessage, error) {
	client, err := a.graph(s)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, mailbox.ErrTransient)
	}

	headers := abstractions.NewRequestHeaders()
	headers.Add("Prefer", `outlook.body-content-type="text"`)
	requestConfig := &users.ItemMessagesMessageItemRequestBuilderGetRequestConfiguration{
		Headers: headers,
		QueryParameters: &users.ItemMessagesMessageItemRequestBuilderGetQueryParameters{
			Select: append([]string{"body", "internetMessageHeaders"}, messageFields...),
		},
	}
	msg, err := client.Users().ByUserId(a.user()).Messages().ByMessageId(id).Get(ctx, requestConfig)
	if err != nil {
		return nil, classify("get message", err)
	}
	return normalize(msg), nil
}

// normalize converts a Graph message into a single-part raw message
func normalize(m models.Messageable) *mailbox.RawMessage {
	raw := &mailbox.RawMessage{
		ID:       deref(m.GetId()),
		ThreadID: deref(m.GetConversationId()),
		Labels:   []string{mailbox.LabelInbox},
		Headers:  make(map[string]string),
	}
	if read := m.GetIsRead(); read != nil && !*read {
		raw.Labels = append(raw.Labels, mailbox.LabelUnread)
	}
	if rcvd := m.GetReceivedDateTime(); rcvd != nil {
		raw.ReceivedAt = *rcvd
	}

	for _, h := range m.GetInternetMessageHeaders() {
		if name, value := h.GetName(), h.GetValue(); name != nil && value != nil {
			raw.Headers[*name] = *value
		}
	}
	if raw.Header("From") == "" {
		if addr := senderAddress(m); addr != "" {
			from := mail.Address{Address: addr}
			if ea := m.GetFrom().GetEmailAddress(); ea.GetName() != nil {
				from.Name = *ea.GetName()
			}
			raw.Headers["From"] = from.String()
		}
	}
	if raw.Header("Message-ID") == "" {
		if mid := deref(m.GetInternetMessageId()); mid != "" {
			raw.Headers["Message-ID"] = mid
		}
	}

	part := &mailbox.Part{MimeType: "text/plain", BodyEncoding: mailbox.EncodingNone}
	if body := m.GetBody(); body != nil {
		part.Body = deref(body.GetContent())
		if ct := body.GetContentType(); ct != nil && *ct == models.HTML_BODYTYPE {
			part.MimeType = "text/html"
		}
	}
	raw.Payload = part
	return raw
}

// composed is the subset of an outgoing RFC 5322 message Graph needs
type composed struct {
	To      []*mail.Address
	Subject string
	Body    string
	HTML    bool
}

func parseComposed(encodedRaw string) (*composed, error) {
	raw, err := base64.URLEncoding.DecodeString(encodedRaw)
	if err != nil {
		return nil, fmt.Errorf("decode raw message: %w", err)
	}
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse raw message: %w", err)
	}
	defer mr.Close()

	c := &composed{}
	if c.To, err = mr.Header.AddressList("To"); err != nil {
		return nil, fmt.Errorf("parse recipients: %w", err)
	}
	if c.Subject, err = mr.Header.Subject(); err != nil {
		return nil, fmt.Errorf("parse subject: %w", err)
	}

	part, err := mr.NextPart()
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if part != nil {
		if h, ok := part.Header.(*mail.InlineHeader); ok {
			ct, _, _ := h.ContentType()
			c.HTML = ct == "text/html"
		}
		b, err := io.ReadAll(part.Body)
		if err != nil {
			return nil, fmt.Errorf("read body: %w", err)
		}
		c.Body = string(b)
	}
	return c, nil
}

func (c *composed) message() models.Messageable {
	msg := models.NewMessage()
	msg.SetSubject(&c.Subject)

	body := models.NewItemBody()
	contentType := models.TEXT_BODYTYPE
	if c.HTML {
		contentType = models.HTML_BODYTYPE
	}
	body.SetContentType(&contentType)
	body.SetContent(&c.Body)
	msg.SetBody(body)

	recipients := make([]models.Recipientable, 0, len(c.To))
	for _, to := range c.To {
		addr := to.Address
		name := to.Name
		ea := models.NewEmailAddress()
		ea.SetAddress(&addr)
		if name != "" {
			ea.SetName(&name)
		}
		r := models.NewRecipient()
		r.SetEmailAddress(ea)
		recipients = append(recipients, r)
	}
	msg.SetToRecipients(recipients)
	return msg
}

// Send sends the message as a new draft, or as a reply to the latest
// message of the conversation when threadID is set.
func (a *Adapter) Send(ctx context.Context, s mailbox.Session, encodedRaw string, threadID string) (mailbox.SendResult, error) {
	c, err := parseComposed(encodedRaw)
	if err != nil {
		return mailbox.SendResult{}, err
	}
	client, err := a.graph(s)
	if err != nil {
		return mailbox.SendResult{}, fmt.Errorf("%v: %w", err, mailbox.ErrTransient)
	}
	messages := client.Users().ByUserId(a.user()).Messages()

	var draft models.Messageable
	if threadID != "" {
		draft, err = a.replyDraft(ctx, client, threadID, c)
	} else {
		draft, err = messages.Post(ctx, c.message(), nil)
		if err != nil {
			err = classify("create draft", err)
		}
	}
	if err != nil {
		return mailbox.SendResult{}, err
	}

	draftID := deref(draft.GetId())
	if err := messages.ByMessageId(draftID).Send().Post(ctx, nil); err != nil {
		return mailbox.SendResult{}, classify("send", err)
	}

	// The internet message id survives the move to Sent Items; replies
	// quote it back in In-Reply-To.
	id := strings.Trim(deref(draft.GetInternetMessageId()), "<>")
	if id == "" {
		id = draftID
	}
	thread := deref(draft.GetConversationId())
	if thread == "" {
		thread = threadID
	}
	return mailbox.SendResult{ProviderMessageID: id, ProviderThreadID: thread}, nil
}

func (a *Adapter) replyDraft(ctx context.Context, client *msgraphsdk.GraphServiceClient, conversationID string, c *composed) (models.Messageable, error) {
	filter := fmt.Sprintf("conversationId eq '%s'", strings.ReplaceAll(conversationID, "'", "''"))
	requestConfig := &users.ItemMessagesRequestBuilderGetRequestConfiguration{
		QueryParameters: &users.ItemMessagesRequestBuilderGetQueryParameters{
			Top:    Int32Ptr(50),
			Filter: &filter,
			Select: []string{"id", "receivedDateTime"},
		},
	}
	messages := client.Users().ByUserId(a.user()).Messages()
	result, err := messages.Get(ctx, requestConfig)
	if err != nil {
		return nil, classify("list conversation", err)
	}

	var latestID string
	var latest time.Time
	for _, m := range result.GetValue() {
		rcvd := m.GetReceivedDateTime()
		if rcvd == nil || m.GetId() == nil {
			continue
		}
		if latestID == "" || rcvd.After(latest) {
			latestID, latest = *m.GetId(), *rcvd
		}
	}
	if latestID == "" {
		return nil, fmt.Errorf("outlook conversation %s: %w", conversationID, mailbox.ErrNotFound)
	}

	body := users.NewItemMessagesItemCreateReplyPostRequestBody()
	body.SetMessage(c.message())
	draft, err := messages.ByMessageId(latestID).CreateReply().Post(ctx, body, nil)
	if err != nil {
		return nil, classify("create reply", err)
	}
	return draft, nil
}

// RemoveLabel maps UNREAD onto isRead. Other labels have no Outlook
// equivalent and are ignored.
func (a *Adapter) RemoveLabel(ctx context.Context, s mailbox.Session, id, label string) error {
	if label != mailbox.LabelUnread {
		return nil
	}
	client, err := a.graph(s)
	if err != nil {
		return fmt.Errorf("%v: %w", err, mailbox.ErrTransient)
	}
	patch := models.NewMessage()
	read := true
	patch.SetIsRead(&read)
	if _, err := client.Users().ByUserId(a.user()).Messages().ByMessageId(id).Patch(ctx, patch, nil); err != nil {
		return classify("mark read", err)
	}
	return nil
}

func (a *Adapter) user() string {
	if a.mailbox == "" {
		return "me"
	}
	return a.mailbox
}

// classify maps Graph errors onto the mailbox error taxonomy
func classify(op string, err error) error {
	var odataErr *odataerrors.ODataError
	code := 0
	if errors.As(err, &odataErr) {
		code = odataErr.ResponseStatusCode
	}
	switch {
	case code == http.StatusUnauthorized:
		return fmt.Errorf("outlook %s: %v: %w", op, err, mailbox.ErrSessionRejected)
	case code == http.StatusNotFound:
		return fmt.Errorf("outlook %s: %v: %w", op, err, mailbox.ErrNotFound)
	case code == http.StatusTooManyRequests, code >= 500, code == 0:
		return fmt.Errorf("outlook %s: %v: %w", op, err, mailbox.ErrTransient)
	}
	return fmt.Errorf("outlook %s: %w", op, err)
}

func parseCursor(cursor string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, cursor)
	if err != nil {
		return time.Time{}, fmt.Errorf("outlook cursor %q: %w", cursor, mailbox.ErrCursorInvalid)
	}
	return t.UTC(), nil
}

func formatCursor(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func senderAddress(m models.Messageable) string {
	if from := m.GetFrom(); from != nil {
		if emailAddr := from.GetEmailAddress(); emailAddr != nil {
			return deref(emailAddr.GetAddress())
		}
	}
	return ""
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// staticTokenCredential implements Azure credential interface
type staticTokenCredential struct {
	token  string
	expiry time.Time
}

func (c *staticTokenCredential) GetToken(ctx context.Context, options policy.TokenRequestOptions) (azcore.AccessToken, error) {
	expiry := c.expiry
	if expiry.IsZero() {
		expiry = time.Now().Add(1 * time.Hour)
	}
	return azcore.AccessToken{
		Token:     c.token,
		ExpiresOn: expiry,
	}, nil
}

// Int32Ptr returns a pointer to an int32
func Int32Ptr(i int32) *int32 {
	return &i
}
