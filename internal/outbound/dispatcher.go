// Package outbound composes and sends outreach messages and records the
// provider identifiers replies are later correlated against.
package outbound

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Sabbir3x/outreach/internal/logging"
	"github.com/Sabbir3x/outreach/internal/mailbox"
	"github.com/Sabbir3x/outreach/internal/store"
)

var (
	ErrNoRecipient  = errors.New("contact has no email address")
	ErrEmptySubject = errors.New("subject is required")
)

// Sessions hands out provider sessions for a mailbox scope
type Sessions interface {
	Client() mailbox.MailboxClient
	Session(ctx context.Context, scope string) (mailbox.Session, error)
	Call(ctx context.Context, scope string, sess *mailbox.Session, fn func(ctx context.Context, s mailbox.Session) error) error
	MarkDisconnected(ctx context.Context, scope string, cause error) error
}

// Dispatcher sends mail from the shared mailbox
type Dispatcher struct {
	sessions Sessions
	outbound store.Outbound
	from     *mail.Address
	log      *zerolog.Logger
	now      func() time.Time
}

// NewDispatcher creates a dispatcher sending as fromAddress
func NewDispatcher(sessions Sessions, outbound store.Outbound, fromName, fromAddress string, log *zerolog.Logger) *Dispatcher {
	if log == nil {
		log = logging.Nop()
	}
	var from *mail.Address
	if fromAddress != "" {
		from = &mail.Address{Name: fromName, Address: fromAddress}
	}
	return &Dispatcher{
		sessions: sessions,
		outbound: outbound,
		from:     from,
		log:      log,
		now:      time.Now,
	}
}

// Compose builds the RFC 5322 message and returns it with the Message-ID
// stamped on it (without angle brackets). A non-empty inReplyTo adds the
// In-Reply-To and References headers the provider threads on.
func (d *Dispatcher) Compose(to *mail.Address, subject, body, inReplyTo string) ([]byte, string, error) {
	var h mail.Header
	h.SetDate(d.now())
	h.SetAddressList("To", []*mail.Address{to})
	if d.from != nil {
		h.SetAddressList("From", []*mail.Address{d.from})
	}
	h.SetSubject(subject)

	msgID := uuid.NewString() + "@" + d.domain()
	h.SetMessageID(msgID)
	if inReplyTo != "" {
		h.SetMsgIDList("In-Reply-To", []string{inReplyTo})
		h.SetMsgIDList("References", []string{inReplyTo})
	}
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})

	var buf bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, "", fmt.Errorf("create message writer: %w", err)
	}
	if _, err := io.WriteString(w, body); err != nil {
		return nil, "", fmt.Errorf("write body: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("close message writer: %w", err)
	}
	return buf.Bytes(), msgID, nil
}

func (d *Dispatcher) domain() string {
	if d.from != nil {
		if at := strings.LastIndexByte(d.from.Address, '@'); at >= 0 && at < len(d.from.Address)-1 {
			return d.from.Address[at+1:]
		}
	}
	return "localhost"
}

// Send composes a message to contact and sends it from scope's mailbox.
// A non-empty threadID continues that provider thread.
func (d *Dispatcher) Send(ctx context.Context, scope string, contact *store.Contact, subject, body, threadID string) (*store.OutboundMessage, error) {
	if contact == nil || contact.Email == nil || *contact.Email == "" {
		return nil, ErrNoRecipient
	}
	if strings.TrimSpace(subject) == "" {
		return nil, ErrEmptySubject
	}

	var inReplyTo string
	if threadID != "" {
		prev, err := d.outbound.LatestOutboundInThread(ctx, threadID)
		if err != nil {
			return nil, err
		}
		if prev != nil {
			inReplyTo = prev.RFCMessageID
		}
	}

	raw, msgID, err := d.Compose(&mail.Address{Name: contact.Name, Address: *contact.Email}, subject, body, inReplyTo)
	if err != nil {
		return nil, err
	}

	sess, err := d.sessions.Session(ctx, scope)
	if err != nil {
		return nil, d.authFailure(ctx, scope, err)
	}

	encoded := base64.URLEncoding.EncodeToString(raw)
	var res mailbox.SendResult
	err = d.sessions.Call(ctx, scope, &sess, func(ctx context.Context, s mailbox.Session) error {
		var err error
		res, err = d.sessions.Client().Send(ctx, s, encoded, threadID)
		return err
	})
	if err != nil {
		return nil, d.authFailure(ctx, scope, fmt.Errorf("send: %w", err))
	}

	m := &store.OutboundMessage{
		ContactID:         contact.PublicID,
		ProviderMessageID: res.ProviderMessageID,
		ProviderThreadID:  res.ProviderThreadID,
		RFCMessageID:      msgID,
		Channel:           store.ChannelEmail,
		SentAt:            d.now(),
	}
	if m.ProviderThreadID == "" {
		m.ProviderThreadID = threadID
	}
	if d.from != nil {
		m.Sender = d.from.Address
	}
	if err := d.outbound.InsertOutbound(ctx, m); err != nil {
		return nil, fmt.Errorf("record outbound %s: %w", res.ProviderMessageID, err)
	}

	d.log.Info().
		Str("scope", scope).
		Str("contact_id", contact.PublicID).
		Str("to", logging.MaskEmail(*contact.Email)).
		Str("provider_message_id", m.ProviderMessageID).
		Str("provider_thread_id", m.ProviderThreadID).
		Bool("threaded", threadID != "").
		Msg("outbound message sent")
	return m, nil
}

func (d *Dispatcher) authFailure(ctx context.Context, scope string, err error) error {
	if errors.Is(err, mailbox.ErrAuthExpired) {
		if serr := d.sessions.MarkDisconnected(ctx, scope, err); serr != nil {
			d.log.Error().Err(serr).Str("scope", scope).Msg("failed to save mailbox state")
		}
	}
	return err
}
