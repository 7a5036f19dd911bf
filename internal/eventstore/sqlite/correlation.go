package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/Sabbir3x/outreach/internal/store"
)

type contactRow struct {
	PublicID  string         `db:"public_id"`
	Name      string         `db:"name"`
	Email     sql.NullString `db:"email"`
	CreatedAt int64          `db:"created_at"`
}

func (r contactRow) toContact() *store.Contact {
	c := &store.Contact{
		PublicID:  r.PublicID,
		Name:      r.Name,
		CreatedAt: timeOrZero(r.CreatedAt),
	}
	if r.Email.Valid {
		email := r.Email.String
		c.Email = &email
	}
	return c
}

type outboundRow struct {
	ID                int64  `db:"id"`
	ContactID         string `db:"contact_id"`
	ProviderMessageID string `db:"provider_message_id"`
	ProviderThreadID  string `db:"provider_thread_id"`
	RFCMessageID      string `db:"rfc_message_id"`
	Channel           string `db:"channel"`
	Sender            string `db:"sender"`
	SentAt            int64  `db:"sent_at"`
}

func (r outboundRow) toOutbound() *store.OutboundMessage {
	return &store.OutboundMessage{
		ID:                r.ID,
		ContactID:         r.ContactID,
		ProviderMessageID: r.ProviderMessageID,
		ProviderThreadID:  r.ProviderThreadID,
		RFCMessageID:      r.RFCMessageID,
		Channel:           r.Channel,
		Sender:            r.Sender,
		SentAt:            timeOrZero(r.SentAt),
	}
}

type replyRow struct {
	ID                int64          `db:"id"`
	ProviderMessageID string         `db:"provider_message_id"`
	ProviderThreadID  string         `db:"provider_thread_id"`
	Content           string         `db:"content"`
	Channel           string         `db:"channel"`
	ReceivedAt        int64          `db:"received_at"`
	Sender            string         `db:"sender"`
	ContactID         sql.NullString `db:"contact_id"`
	OutboundMessageID sql.NullInt64  `db:"outbound_message_id"`
	LabelsJSON        string         `db:"labels_json"`
}

func (r replyRow) toReply() (store.InboundReply, error) {
	reply := store.InboundReply{
		ID:                r.ID,
		ProviderMessageID: r.ProviderMessageID,
		ProviderThreadID:  r.ProviderThreadID,
		Content:           r.Content,
		Channel:           r.Channel,
		ReceivedAt:        timeOrZero(r.ReceivedAt),
		SenderDisplay:     r.Sender,
	}
	if r.ContactID.Valid {
		id := r.ContactID.String
		reply.ContactID = &id
	}
	if r.OutboundMessageID.Valid {
		id := r.OutboundMessageID.Int64
		reply.OutboundMessageID = &id
	}
	if r.LabelsJSON != "" {
		if err := json.Unmarshal([]byte(r.LabelsJSON), &reply.Labels); err != nil {
			return reply, fmt.Errorf("failed to decode labels of reply %s: %w", r.ProviderMessageID, err)
		}
	}
	return reply, nil
}

const outboundColumns = `id, contact_id, provider_message_id, provider_thread_id, rfc_message_id, channel, sender, sent_at`

const replyColumns = `id, provider_message_id, provider_thread_id, content, channel, received_at, sender,
	contact_id, outbound_message_id, labels_json`

// EnsureContact returns the oldest contact with email, creating one if none exists
func (s *Store) EnsureContact(ctx context.Context, name, email string) (*store.Contact, error) {
	existing, err := s.ContactByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if name != "" && existing.Name != name {
			if _, err := s.DB.ExecContext(ctx, `UPDATE contacts SET name = ? WHERE public_id = ?`, name, existing.PublicID); err != nil {
				return nil, fmt.Errorf("failed to update contact name: %w", err)
			}
			existing.Name = name
		}
		return existing, nil
	}

	c := &store.Contact{
		PublicID:  uuid.NewString(),
		Name:      name,
		CreatedAt: time.Now().UTC().Truncate(time.Second),
	}
	var emailArg sql.NullString
	if email != "" {
		c.Email = &email
		emailArg = sql.NullString{String: email, Valid: true}
	}

	_, err = s.DB.ExecContext(ctx, `
		INSERT INTO contacts (public_id, name, email, created_at) VALUES (?, ?, ?, ?)
	`, c.PublicID, c.Name, emailArg, c.CreatedAt.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to insert contact: %w", err)
	}
	return c, nil
}

// ContactByID looks up a contact by public id
func (s *Store) ContactByID(ctx context.Context, publicID string) (*store.Contact, error) {
	var row contactRow
	err := s.DB.GetContext(ctx, &row, `
		SELECT public_id, name, email, created_at FROM contacts WHERE public_id = ?
	`, publicID)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load contact: %w", err)
	}
	return row.toContact(), nil
}

// ContactByEmail looks up the oldest contact whose email equals email exactly
func (s *Store) ContactByEmail(ctx context.Context, email string) (*store.Contact, error) {
	if email == "" {
		return nil, nil
	}
	var row contactRow
	err := s.DB.GetContext(ctx, &row, `
		SELECT public_id, name, email, created_at FROM contacts
		WHERE email = ?
		ORDER BY created_at, rowid
		LIMIT 1
	`, email)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load contact by email: %w", err)
	}
	return row.toContact(), nil
}

// InsertOutbound records a sent message and fills in its id
func (s *Store) InsertOutbound(ctx context.Context, m *store.OutboundMessage) error {
	if m.SentAt.IsZero() {
		m.SentAt = time.Now().UTC().Truncate(time.Second)
	}
	res, err := s.DB.ExecContext(ctx, `
		INSERT INTO outbound_messages
		(contact_id, provider_message_id, provider_thread_id, rfc_message_id, channel, sender, sent_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, m.ContactID, m.ProviderMessageID, m.ProviderThreadID, m.RFCMessageID, m.Channel, m.Sender, m.SentAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to insert outbound message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get outbound message id: %w", err)
	}
	m.ID = id
	return nil
}

// OutboundByMessageID finds the outbound message whose provider message id,
// or stamped RFC Message-ID, equals id. Provider ids win over RFC ids.
func (s *Store) OutboundByMessageID(ctx context.Context, id string) (*store.OutboundMessage, error) {
	if id == "" {
		return nil, nil
	}
	var row outboundRow
	err := s.DB.GetContext(ctx, &row, `
		SELECT `+outboundColumns+` FROM outbound_messages
		WHERE provider_message_id = ? OR (rfc_message_id != '' AND rfc_message_id = ?)
		ORDER BY CASE WHEN provider_message_id = ? THEN 0 ELSE 1 END, id
		LIMIT 1
	`, id, id, id)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load outbound message: %w", err)
	}
	return row.toOutbound(), nil
}

// LatestOutboundInThread returns the most recent outbound message of a thread
func (s *Store) LatestOutboundInThread(ctx context.Context, threadID string) (*store.OutboundMessage, error) {
	if threadID == "" {
		return nil, nil
	}
	var row outboundRow
	err := s.DB.GetContext(ctx, &row, `
		SELECT `+outboundColumns+` FROM outbound_messages
		WHERE provider_thread_id = ?
		ORDER BY sent_at DESC, id DESC
		LIMIT 1
	`, threadID)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load thread %s: %w", threadID, err)
	}
	return row.toOutbound(), nil
}

// InsertReply stores r once per provider message id. The event is queued
// in the outbox only when the row is new.
func (s *Store) InsertReply(ctx context.Context, r *store.InboundReply, ev *store.ReplyEvent) (bool, error) {
	labelsJSON, err := json.Marshal(r.Labels)
	if err != nil {
		return false, fmt.Errorf("failed to encode labels: %w", err)
	}
	if r.Labels == nil {
		labelsJSON = []byte("[]")
	}

	tx, err := s.DB.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().Unix()
	res, err := tx.ExecContext(ctx, `
		INSERT INTO inbound_replies
		(provider_message_id, provider_thread_id, content, channel, received_at, sender,
		 contact_id, outbound_message_id, labels_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(provider_message_id) DO NOTHING
	`, r.ProviderMessageID, r.ProviderThreadID, r.Content, r.Channel, unixOrZero(r.ReceivedAt), r.SenderDisplay,
		r.ContactID, r.OutboundMessageID, string(labelsJSON), now)
	if err != nil {
		return false, fmt.Errorf("failed to insert inbound reply: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		return false, nil
	}

	id, err := res.LastInsertId()
	if err != nil {
		return false, fmt.Errorf("failed to get inbound reply id: %w", err)
	}
	r.ID = id

	if ev != nil {
		if err := appendOutboxTx(ctx, tx, ev, "reply.received"); err != nil {
			return false, err
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return true, nil
}

// ReplyByProviderMessageID returns the reply stored for a provider message id
func (s *Store) ReplyByProviderMessageID(ctx context.Context, id string) (*store.InboundReply, error) {
	var row replyRow
	err := s.DB.GetContext(ctx, &row, `SELECT `+replyColumns+` FROM inbound_replies WHERE provider_message_id = ?`, id)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load inbound reply: %w", err)
	}
	reply, err := row.toReply()
	if err != nil {
		return nil, err
	}
	return &reply, nil
}

// CountReplies returns the number of stored replies
func (s *Store) CountReplies(ctx context.Context) (int, error) {
	var n int
	if err := s.DB.GetContext(ctx, &n, `SELECT COUNT(*) FROM inbound_replies`); err != nil {
		return 0, fmt.Errorf("failed to count inbound replies: %w", err)
	}
	return n, nil
}

// UnattributedReplies lists the newest replies with no contact, for triage
func (s *Store) UnattributedReplies(ctx context.Context, limit int) ([]store.InboundReply, error) {
	var rows []replyRow
	err := s.DB.SelectContext(ctx, &rows, `
		SELECT `+replyColumns+` FROM inbound_replies
		WHERE contact_id IS NULL
		ORDER BY received_at DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query unattributed replies: %w", err)
	}

	replies := make([]store.InboundReply, 0, len(rows))
	for _, row := range rows {
		reply, err := row.toReply()
		if err != nil {
			return nil, err
		}
		replies = append(replies, reply)
	}
	return replies, nil
}
