package outbound

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sabbir3x/outreach/internal/eventstore/sqlite"
	"github.com/Sabbir3x/outreach/internal/mailbox"
	"github.com/Sabbir3x/outreach/internal/store"
)

type sentMessage struct {
	raw      []byte
	threadID string
}

type fakeClient struct {
	sent    []sentMessage
	sendErr error
}

func (f *fakeClient) RefreshSession(ctx context.Context, cred mailbox.Credential) (mailbox.Session, error) {
	return mailbox.Session{AccessToken: "at"}, nil
}

func (f *fakeClient) FetchHistory(ctx context.Context, s mailbox.Session, cursor string) (mailbox.HistoryPage, error) {
	return mailbox.HistoryPage{}, nil
}

func (f *fakeClient) FetchMessage(ctx context.Context, s mailbox.Session, id string) (*mailbox.RawMessage, error) {
	return nil, mailbox.ErrNotFound
}

func (f *fakeClient) Send(ctx context.Context, s mailbox.Session, encodedRaw string, threadID string) (mailbox.SendResult, error) {
	if f.sendErr != nil {
		return mailbox.SendResult{}, f.sendErr
	}
	raw, err := base64.URLEncoding.DecodeString(encodedRaw)
	if err != nil {
		return mailbox.SendResult{}, err
	}
	f.sent = append(f.sent, sentMessage{raw: raw, threadID: threadID})
	id := fmt.Sprintf("gm-%d", len(f.sent))
	thread := threadID
	if thread == "" {
		thread = "thread-" + id
	}
	return mailbox.SendResult{ProviderMessageID: id, ProviderThreadID: thread}, nil
}

func (f *fakeClient) RemoveLabel(ctx context.Context, s mailbox.Session, id, label string) error {
	return nil
}

type fakeSessions struct {
	client       *fakeClient
	disconnected []string
}

func (f *fakeSessions) Client() mailbox.MailboxClient { return f.client }

func (f *fakeSessions) Session(ctx context.Context, scope string) (mailbox.Session, error) {
	return mailbox.Session{AccessToken: "at", Expiry: time.Now().Add(time.Hour)}, nil
}

func (f *fakeSessions) Call(ctx context.Context, scope string, sess *mailbox.Session, fn func(ctx context.Context, s mailbox.Session) error) error {
	return fn(ctx, *sess)
}

func (f *fakeSessions) MarkDisconnected(ctx context.Context, scope string, cause error) error {
	f.disconnected = append(f.disconnected, scope)
	return nil
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *fakeSessions, *sqlite.Store) {
	t.Helper()
	st, err := sqlite.Open(filepath.Join(t.TempDir(), "outreach.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	sessions := &fakeSessions{client: &fakeClient{}}
	return NewDispatcher(sessions, st, "Team", "team@outreach.test", nil), sessions, st
}

func parse(t *testing.T, raw []byte) (*mail.Header, string) {
	t.Helper()
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	require.NoError(t, err)
	defer mr.Close()

	part, err := mr.NextPart()
	require.NoError(t, err)
	body, err := io.ReadAll(part.Body)
	require.NoError(t, err)
	return &mr.Header, string(body)
}

func TestSendRecordsProviderIDs(t *testing.T) {
	ctx := context.Background()
	d, sessions, st := newTestDispatcher(t)

	contact, err := st.EnsureContact(ctx, "Acme Owner", "owner@acme.test")
	require.NoError(t, err)

	m, err := d.Send(ctx, "team", contact, "Quick question", "Hi there,\nAre you free?", "")
	require.NoError(t, err)
	assert.Equal(t, "gm-1", m.ProviderMessageID)
	assert.Equal(t, "thread-gm-1", m.ProviderThreadID)
	assert.Equal(t, contact.PublicID, m.ContactID)
	assert.Equal(t, store.ChannelEmail, m.Channel)
	assert.Equal(t, "team@outreach.test", m.Sender)
	assert.NotZero(t, m.ID)
	assert.Contains(t, m.RFCMessageID, "@outreach.test")

	require.Len(t, sessions.client.sent, 1)
	h, body := parse(t, sessions.client.sent[0].raw)

	subject, err := h.Subject()
	require.NoError(t, err)
	assert.Equal(t, "Quick question", subject)

	to, err := h.AddressList("To")
	require.NoError(t, err)
	require.Len(t, to, 1)
	assert.Equal(t, "owner@acme.test", to[0].Address)

	msgID, err := h.MessageID()
	require.NoError(t, err)
	assert.Equal(t, m.RFCMessageID, msgID)
	assert.Equal(t, "Hi there,\nAre you free?", strings.ReplaceAll(body, "\r\n", "\n"))

	stored, err := st.OutboundByMessageID(ctx, "gm-1")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, m.ID, stored.ID)

	byRFC, err := st.OutboundByMessageID(ctx, m.RFCMessageID)
	require.NoError(t, err)
	require.NotNil(t, byRFC)
	assert.Equal(t, m.ID, byRFC.ID)
}

func TestSendPassesThreadID(t *testing.T) {
	ctx := context.Background()
	d, sessions, st := newTestDispatcher(t)
	contact, err := st.EnsureContact(ctx, "Acme", "owner@acme.test")
	require.NoError(t, err)

	m, err := d.Send(ctx, "team", contact, "Re: Quick question", "Following up", "T-42")
	require.NoError(t, err)

	require.Len(t, sessions.client.sent, 1)
	assert.Equal(t, "T-42", sessions.client.sent[0].threadID)
	assert.Equal(t, "T-42", m.ProviderThreadID)

	h, _ := parse(t, sessions.client.sent[0].raw)
	assert.Empty(t, h.Get("In-Reply-To"))
}

func TestThreadedSendReferencesPreviousMessage(t *testing.T) {
	ctx := context.Background()
	d, sessions, st := newTestDispatcher(t)
	contact, err := st.EnsureContact(ctx, "Acme", "owner@acme.test")
	require.NoError(t, err)

	first, err := d.Send(ctx, "team", contact, "Quick question", "Hi", "")
	require.NoError(t, err)

	second, err := d.Send(ctx, "team", contact, "Re: Quick question", "Following up", first.ProviderThreadID)
	require.NoError(t, err)
	assert.Equal(t, first.ProviderThreadID, second.ProviderThreadID)

	require.Len(t, sessions.client.sent, 2)
	h, _ := parse(t, sessions.client.sent[1].raw)

	inReplyTo, err := h.MsgIDList("In-Reply-To")
	require.NoError(t, err)
	assert.Equal(t, []string{first.RFCMessageID}, inReplyTo)

	refs, err := h.MsgIDList("References")
	require.NoError(t, err)
	assert.Equal(t, []string{first.RFCMessageID}, refs)
}

func TestSendRequiresRecipient(t *testing.T) {
	d, sessions, _ := newTestDispatcher(t)

	_, err := d.Send(context.Background(), "team", &store.Contact{PublicID: "c", Name: "No Mail"}, "Hi", "body", "")
	require.ErrorIs(t, err, ErrNoRecipient)
	assert.Empty(t, sessions.client.sent)
}

func TestSendAuthExpiredMarksDisconnected(t *testing.T) {
	ctx := context.Background()
	d, sessions, st := newTestDispatcher(t)
	contact, err := st.EnsureContact(ctx, "Acme", "owner@acme.test")
	require.NoError(t, err)

	sessions.client.sendErr = fmt.Errorf("401: %w", mailbox.ErrAuthExpired)
	_, err = d.Send(ctx, "team", contact, "Hi", "body", "")
	require.True(t, errors.Is(err, mailbox.ErrAuthExpired))
	assert.Equal(t, []string{"team"}, sessions.disconnected)

	n, err := st.CountReplies(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}
