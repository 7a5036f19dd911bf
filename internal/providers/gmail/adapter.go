package gmail

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/Sabbir3x/outreach/internal/logging"
	"github.com/Sabbir3x/outreach/internal/mailbox"
)

// Config holds Gmail adapter configuration
type Config struct {
	ClientID     string
	ClientSecret string
	// User is the Gmail user id requests are made for, "me" by default.
	User string
	// TokenURL and Endpoint override Google's endpoints in tests.
	TokenURL   string
	Endpoint   string
	HTTPClient *http.Client
}

// Adapter implements mailbox.MailboxClient for Gmail
type Adapter struct {
	oauth      *oauth2.Config
	user       string
	endpoint   string
	httpClient *http.Client
	cb         *gobreaker.CircuitBreaker
	log        *zerolog.Logger
}

var (
	_ mailbox.MailboxClient = (*Adapter)(nil)
	_ mailbox.Watcher       = (*Adapter)(nil)
)

// New creates a new Gmail adapter
func New(cfg Config, log *zerolog.Logger) *Adapter {
	if log == nil {
		log = logging.Nop()
	}
	endpoint := google.Endpoint
	if cfg.TokenURL != "" {
		endpoint.TokenURL = cfg.TokenURL
	}
	user := cfg.User
	if user == "" {
		user = "me"
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	a := &Adapter{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     endpoint,
			Scopes: []string{
				gmail.GmailReadonlyScope,
				gmail.GmailSendScope,
				gmail.GmailModifyScope,
			},
		},
		user:       user,
		endpoint:   cfg.Endpoint,
		httpClient: httpClient,
		log:        log,
	}

	a.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "gmail-api",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.ConsecutiveFailures > 5 ||
				(counts.Requests >= 10 && failureRatio >= 0.6)
		},
		IsSuccessful: func(err error) bool {
			var nce *nonCircuitError
			return err == nil || errors.As(err, &nce)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			a.log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
		},
	})
	return a
}

// RefreshSession exchanges the refresh token for an access token
func (a *Adapter) RefreshSession(ctx context.Context, cred mailbox.Credential) (mailbox.Session, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, a.httpClient)
	tok, err := a.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: cred.RefreshToken}).Token()
	if err != nil {
		return mailbox.Session{}, classifyTokenError(err)
	}
	return mailbox.Session{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
	}, nil
}

func classifyTokenError(err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		if re.ErrorCode == "invalid_grant" || re.ErrorCode == "unauthorized_client" ||
			(re.Response != nil && re.Response.StatusCode == http.StatusUnauthorized) {
			return fmt.Errorf("gmail token refresh: %v: %w", err, mailbox.ErrAuthExpired)
		}
	}
	return fmt.Errorf("gmail token refresh: %v: %w", err, mailbox.ErrTransient)
}

func (a *Adapter) service(ctx context.Context, s mailbox.Session) (*gmail.Service, error) {
	client := &http.Client{
		Transport: &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: s.AccessToken, TokenType: "Bearer"}),
			Base:   a.httpClient.Transport,
		},
		Timeout: a.httpClient.Timeout,
	}

	opts := []option.ClientOption{option.WithHTTPClient(client)}
	if a.endpoint != "" {
		opts = append(opts, option.WithEndpoint(a.endpoint))
	}
	svc, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gmail service: %w", err)
	}
	return svc, nil
}

// FetchHistory lists history records after cursor. Every page is read
// before the new cursor is returned.
func (a *Adapter) FetchHistory(ctx context.Context, s mailbox.Session, cursor string) (mailbox.HistoryPage, error) {
	start, err := strconv.ParseUint(cursor, 10, 64)
	if err != nil {
		return mailbox.HistoryPage{}, fmt.Errorf("gmail history id %q: %w", cursor, mailbox.ErrCursorInvalid)
	}

	svc, err := a.service(ctx, s)
	if err != nil {
		return mailbox.HistoryPage{}, err
	}

	var page mailbox.HistoryPage
	latest := start
	err = a.execute("History.List", func() error {
		page.Items = page.Items[:0]
		return svc.Users.History.List(a.user).
			StartHistoryId(start).
			MaxResults(500).
			Pages(ctx, func(resp *gmail.ListHistoryResponse) error {
				for _, h := range resp.History {
					page.Items = append(page.Items, historyItems(h)...)
				}
				if resp.HistoryId > latest {
					latest = resp.HistoryId
				}
				return nil
			})
	})
	if err != nil {
		if apiCode(err) == http.StatusNotFound {
			return mailbox.HistoryPage{}, fmt.Errorf("gmail history from %s: %v: %w", cursor, err, mailbox.ErrCursorInvalid)
		}
		return mailbox.HistoryPage{}, classify("list history", err)
	}

	page.NewCursor = strconv.FormatUint(latest, 10)
	return page, nil
}

func historyItems(h *gmail.History) []mailbox.ChangeFeedItem {
	var items []mailbox.ChangeFeedItem
	for _, added := range h.MessagesAdded {
		if added.Message == nil {
			continue
		}
		items = append(items, mailbox.ChangeFeedItem{
			Kind:      mailbox.ItemMessageAdded,
			MessageID: added.Message.Id,
			ThreadID:  added.Message.ThreadId,
			Labels:    added.Message.LabelIds,
		})
	}
	for _, la := range h.LabelsAdded {
		if la.Message != nil {
			items = append(items, labelsChanged(la.Message))
		}
	}
	for _, lr := range h.LabelsRemoved {
		if lr.Message != nil {
			items = append(items, labelsChanged(lr.Message))
		}
	}
	return items
}

func labelsChanged(m *gmail.Message) mailbox.ChangeFeedItem {
	return mailbox.ChangeFeedItem{
		Kind:      mailbox.ItemLabelsChanged,
		MessageID: m.Id,
		ThreadID:  m.ThreadId,
		Labels:    m.LabelIds,
	}
}

// FetchMessage gets the full message with its MIME part tree
func (a *Adapter) FetchMessage(ctx context.Context, s mailbox.Session, id string) (*mailbox.RawMessage, error) {
	svc, err := a.service(ctx, s)
	if err != nil {
		return nil, err
	}

	var m *gmail.Message
	err = a.execute("Messages.Get", func() error {
		var apiErr error
		m, apiErr = svc.Users.Messages.Get(a.user, id).Format("full").Context(ctx).Do()
		return apiErr
	})
	if err != nil {
		return nil, classify("get message "+id, err)
	}
	return normalize(m), nil
}

// normalize converts a Gmail message to a RawMessage
func normalize(m *gmail.Message) *mailbox.RawMessage {
	raw := &mailbox.RawMessage{
		ID:       m.Id,
		ThreadID: m.ThreadId,
		Labels:   m.LabelIds,
		Payload:  convertPart(m.Payload),
	}
	if raw.Payload != nil {
		raw.Headers = raw.Payload.Headers
	}
	if m.InternalDate > 0 {
		raw.ReceivedAt = time.UnixMilli(m.InternalDate)
	}
	return raw
}

func convertPart(p *gmail.MessagePart) *mailbox.Part {
	if p == nil {
		return nil
	}
	part := &mailbox.Part{
		MimeType:     p.MimeType,
		Headers:      make(map[string]string, len(p.Headers)),
		BodyEncoding: mailbox.EncodingBase64URL,
	}
	for _, h := range p.Headers {
		if _, exists := part.Headers[h.Name]; !exists {
			part.Headers[h.Name] = h.Value
		}
	}
	if p.Body != nil {
		part.Body = p.Body.Data
	}
	for _, child := range p.Parts {
		part.Parts = append(part.Parts, convertPart(child))
	}
	return part
}

// Send sends a base64url encoded message, in threadID when set
func (a *Adapter) Send(ctx context.Context, s mailbox.Session, encodedRaw string, threadID string) (mailbox.SendResult, error) {
	svc, err := a.service(ctx, s)
	if err != nil {
		return mailbox.SendResult{}, err
	}

	msg := &gmail.Message{Raw: encodedRaw, ThreadId: threadID}
	var sent *gmail.Message
	err = a.execute("Messages.Send", func() error {
		var apiErr error
		sent, apiErr = svc.Users.Messages.Send(a.user, msg).Context(ctx).Do()
		return apiErr
	})
	if err != nil {
		return mailbox.SendResult{}, classify("send message", err)
	}
	return mailbox.SendResult{ProviderMessageID: sent.Id, ProviderThreadID: sent.ThreadId}, nil
}

// RemoveLabel removes a label from a message
func (a *Adapter) RemoveLabel(ctx context.Context, s mailbox.Session, id, label string) error {
	svc, err := a.service(ctx, s)
	if err != nil {
		return err
	}

	req := &gmail.ModifyMessageRequest{RemoveLabelIds: []string{label}}
	err = a.execute("Messages.Modify", func() error {
		_, apiErr := svc.Users.Messages.Modify(a.user, id, req).Context(ctx).Do()
		return apiErr
	})
	if err != nil {
		return classify("remove label "+label, err)
	}
	return nil
}

// Watch (re)subscribes the mailbox's INBOX to push notifications on topic
func (a *Adapter) Watch(ctx context.Context, s mailbox.Session, topic string) (time.Time, error) {
	svc, err := a.service(ctx, s)
	if err != nil {
		return time.Time{}, err
	}

	req := &gmail.WatchRequest{
		TopicName:           topic,
		LabelIds:            []string{mailbox.LabelInbox},
		LabelFilterBehavior: "include",
	}
	var resp *gmail.WatchResponse
	err = a.execute("Watch", func() error {
		var apiErr error
		resp, apiErr = svc.Users.Watch(a.user, req).Context(ctx).Do()
		return apiErr
	})
	if err != nil {
		return time.Time{}, classify("watch", err)
	}
	return time.UnixMilli(resp.Expiration), nil
}

// execute wraps an API call with circuit breaker protection. Client errors
// do not count against the breaker.
func (a *Adapter) execute(operation string, fn func() error) error {
	_, err := a.cb.Execute(func() (interface{}, error) {
		if err := fn(); err != nil {
			switch apiCode(err) {
			case 400, 401, 403, 404:
				return nil, &nonCircuitError{err: err}
			}
			return nil, err
		}
		return nil, nil
	})

	var nce *nonCircuitError
	if errors.As(err, &nce) {
		return nce.err
	}
	if err != nil {
		a.log.Debug().Err(err).Str("operation", operation).Str("breaker_state", a.cb.State().String()).Msg("gmail call failed")
	}
	return err
}

type nonCircuitError struct {
	err error
}

func (e *nonCircuitError) Error() string {
	return e.err.Error()
}

func apiCode(err error) int {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return 0
}

// classify maps Gmail API errors onto the mailbox error taxonomy
func classify(op string, err error) error {
	code := apiCode(err)
	switch {
	case code == http.StatusUnauthorized:
		return fmt.Errorf("gmail %s: %v: %w", op, err, mailbox.ErrSessionRejected)
	case code == http.StatusNotFound:
		return fmt.Errorf("gmail %s: %v: %w", op, err, mailbox.ErrNotFound)
	case code == http.StatusTooManyRequests, code == http.StatusForbidden, code >= 500:
		return fmt.Errorf("gmail %s: %v: %w", op, err, mailbox.ErrTransient)
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return fmt.Errorf("gmail %s: %v: %w", op, err, mailbox.ErrTransient)
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("gmail %s: %v: %w", op, err, mailbox.ErrTransient)
	case code == 0:
		return fmt.Errorf("gmail %s: %v: %w", op, err, mailbox.ErrTransient)
	}
	return fmt.Errorf("gmail %s: %w", op, err)
}
