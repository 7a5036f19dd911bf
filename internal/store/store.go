package store

import (
	"context"
	"time"
)

// ChannelEmail tags records that travelled over email
const ChannelEmail = "email"

// Contact is a correspondent the team writes to
type Contact struct {
	PublicID  string    `json:"id"`
	Name      string    `json:"name"`
	Email     *string   `json:"email"`
	CreatedAt time.Time `json:"created_at"`
}

// OutboundMessage is a message the system sent. Immutable once recorded.
type OutboundMessage struct {
	ID                int64     `json:"id"`
	ContactID         string    `json:"contact_id"`
	ProviderMessageID string    `json:"provider_message_id"`
	ProviderThreadID  string    `json:"provider_thread_id"`
	RFCMessageID      string    `json:"rfc_message_id"`
	Channel           string    `json:"channel"`
	Sender            string    `json:"sender"`
	SentAt            time.Time `json:"sent_at"`
}

// InboundReply is a captured reply. At most one per provider message id.
type InboundReply struct {
	ID                int64     `json:"id"`
	ProviderMessageID string    `json:"provider_message_id"`
	ProviderThreadID  string    `json:"provider_thread_id"`
	Content           string    `json:"content"`
	Channel           string    `json:"channel"`
	ReceivedAt        time.Time `json:"received_at"`
	SenderDisplay     string    `json:"sender"`
	ContactID         *string   `json:"contact_id"`
	OutboundMessageID *int64    `json:"outbound_message_id"`
	Labels            []string  `json:"labels"`
}

// SyncState is the persisted state of one mailbox scope
type SyncState string

const (
	StateUninitialized SyncState = "UNINITIALIZED"
	StateSeeded        SyncState = "SEEDED"
	StateSyncing       SyncState = "SYNCING"
	StateCursorReset   SyncState = "CURSOR_RESET"
	StateDisconnected  SyncState = "DISCONNECTED"
)

// MailboxState is the connection/sync status row for a scope
type MailboxState struct {
	Scope        string    `json:"scope"`
	Provider     string    `json:"provider"`
	State        SyncState `json:"state"`
	LastError    string    `json:"last_error,omitempty"`
	LastSyncedAt time.Time `json:"last_synced_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ReplyEvent is an outbox entry written alongside a new reply
type ReplyEvent struct {
	Subject string
	Payload []byte
	MsgID   string
}

// OutboxMessage is a pending outbox row awaiting publication
type OutboxMessage struct {
	ID      int64  `db:"id"`
	Subject string `db:"subject"`
	Payload []byte `db:"payload"`
	MsgID   string `db:"msg_id"`
}

// Directory is the read side the correlation resolver consults. Lookups
// return (nil, nil) when nothing matches.
type Directory interface {
	OutboundByMessageID(ctx context.Context, id string) (*OutboundMessage, error)
	ContactByID(ctx context.Context, publicID string) (*Contact, error)
	ContactByEmail(ctx context.Context, email string) (*Contact, error)
}

// Replies persists inbound replies idempotently
type Replies interface {
	// InsertReply stores r unless a row with the same provider message id
	// exists. ev, when non-nil, is queued in the same transaction only if
	// the reply was inserted.
	InsertReply(ctx context.Context, r *InboundReply, ev *ReplyEvent) (bool, error)
}

// States persists mailbox scope state
type States interface {
	LoadState(ctx context.Context, scope string) (*MailboxState, error)
	SaveState(ctx context.Context, st MailboxState) error
}

// Outbox is the pending-event queue written alongside replies
type Outbox interface {
	DequeueOutbox(ctx context.Context, limit int) ([]OutboxMessage, error)
	MarkPublished(ctx context.Context, id int64) error
	MarkOutboxRetry(ctx context.Context, id int64, backoff time.Duration) error
}

// Outbound persists contacts and sent messages
type Outbound interface {
	EnsureContact(ctx context.Context, name, email string) (*Contact, error)
	InsertOutbound(ctx context.Context, m *OutboundMessage) error
	// LatestOutboundInThread returns the newest message sent in a provider
	// thread, or (nil, nil).
	LatestOutboundInThread(ctx context.Context, threadID string) (*OutboundMessage, error)
}
