// Package mailbox defines the provider-neutral mailbox client contract
// shared by the provider adapters and the sync engine.
package mailbox

import (
	"context"
	"strings"
	"time"
)

// ProviderName represents mailbox provider types
type ProviderName string

const (
	ProviderGoogle    ProviderName = "GOOGLE"
	ProviderMicrosoft ProviderName = "MICROSOFT"
)

// Well-known labels carried on change feed items. Providers without native
// labels map their folder/read state onto these.
const (
	LabelInbox  = "INBOX"
	LabelSent   = "SENT"
	LabelUnread = "UNREAD"
)

// ItemKind is the kind of event a change feed item reports
type ItemKind string

const (
	ItemMessageAdded  ItemKind = "MESSAGE_ADDED"
	ItemLabelsChanged ItemKind = "LABELS_CHANGED"
)

// ChangeFeedItem is one provider-reported event. Consumed once, never stored.
type ChangeFeedItem struct {
	Kind      ItemKind
	MessageID string
	ThreadID  string
	Labels    []string
}

// HasLabel reports whether the item carries label
func (i ChangeFeedItem) HasLabel(label string) bool {
	for _, l := range i.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// HistoryPage is the result of one history fetch
type HistoryPage struct {
	Items     []ChangeFeedItem
	NewCursor string
}

// Credential is the stored long-lived grant for one mailbox scope
type Credential struct {
	RefreshToken string
}

// Session is a usable, short-lived authenticated session. It is passed
// explicitly into every client call.
type Session struct {
	AccessToken string
	// RefreshToken is set when the provider rotated the grant during refresh.
	RefreshToken string
	Expiry       time.Time
}

// Valid reports whether the session can still be used at now, allowing skew.
func (s Session) Valid(now time.Time, skew time.Duration) bool {
	if s.AccessToken == "" {
		return false
	}
	if s.Expiry.IsZero() {
		return true
	}
	return now.Add(skew).Before(s.Expiry)
}

// Part is one node of a multi-part message tree
type Part struct {
	MimeType string
	Headers  map[string]string
	// Body holds the (possibly encoded) part body; see BodyEncoding.
	Body         string
	BodyEncoding BodyEncoding
	Parts        []*Part
}

// BodyEncoding tells the decoder how Part.Body is transported
type BodyEncoding string

const (
	EncodingNone      BodyEncoding = ""
	EncodingBase64URL BodyEncoding = "base64url"
)

// RawMessage is a fetched provider message before decoding
type RawMessage struct {
	ID         string
	ThreadID   string
	Labels     []string
	Headers    map[string]string
	Payload    *Part
	ReceivedAt time.Time
}

// Header returns the top-level header value for name, falling back to the
// root part's headers.
func (m *RawMessage) Header(name string) string {
	if v, ok := lookupHeader(m.Headers, name); ok {
		return v
	}
	if m.Payload != nil {
		if v, ok := lookupHeader(m.Payload.Headers, name); ok {
			return v
		}
	}
	return ""
}

// header names are case-insensitive
func lookupHeader(headers map[string]string, name string) (string, bool) {
	if v, ok := headers[name]; ok {
		return v, true
	}
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return "", false
}

// SendResult carries the provider identifiers of a sent message
type SendResult struct {
	ProviderMessageID string
	ProviderThreadID  string
}

// MailboxClient hides provider-specific auth and request shapes
type MailboxClient interface {
	// RefreshSession exchanges the stored credential for a session.
	RefreshSession(ctx context.Context, cred Credential) (Session, error)

	// FetchHistory lists change feed items after cursor, in provider order.
	FetchHistory(ctx context.Context, s Session, cursor string) (HistoryPage, error)

	// FetchMessage fetches one full message.
	FetchMessage(ctx context.Context, s Session, id string) (*RawMessage, error)

	// Send sends a base64url-encoded RFC 5322 message, threaded when threadID is set.
	Send(ctx context.Context, s Session, encodedRaw string, threadID string) (SendResult, error)

	// RemoveLabel removes label from a message. Best effort for callers.
	RemoveLabel(ctx context.Context, s Session, id, label string) error
}

// Watcher is implemented by providers that deliver push notifications and
// need the subscription renewed.
type Watcher interface {
	Watch(ctx context.Context, s Session, topic string) (time.Time, error)
}

// CursorSeeder is implemented by poll-only providers that never deliver a
// notification to seed from. The returned cursor must not replay history.
type CursorSeeder interface {
	InitialCursor(ctx context.Context, s Session) (string, error)
}
