package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sabbir3x/outreach/internal/store"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "outreach.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSecretsRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	require.NoError(t, s.PutSecrets(ctx, "team", map[string][]byte{"cursor": []byte("c1"), "refresh_token": []byte("r1")}))
	require.NoError(t, s.PutSecrets(ctx, "team", map[string][]byte{"cursor": []byte("c2")}))

	v, ok, err := s.GetSecret(ctx, "team", "cursor")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("c2"), v)

	_, ok, err = s.GetSecret(ctx, "sales", "cursor")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.DeleteSecrets(ctx, "team", "cursor", "missing"))
	_, ok, err = s.GetSecret(ctx, "team", "cursor")
	require.NoError(t, err)
	assert.False(t, ok)
	_, ok, err = s.GetSecret(ctx, "team", "refresh_token")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestStateDefaultsAndUpserts(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	st, err := s.LoadState(ctx, "team")
	require.NoError(t, err)
	assert.Equal(t, store.StateUninitialized, st.State)

	synced := time.Unix(1735689600, 0)
	require.NoError(t, s.SaveState(ctx, store.MailboxState{Scope: "team", Provider: "GOOGLE", State: store.StateSeeded, LastSyncedAt: synced}))
	require.NoError(t, s.SaveState(ctx, store.MailboxState{Scope: "team", Provider: "GOOGLE", State: store.StateCursorReset, LastError: "history pruned", LastSyncedAt: synced}))

	st, err = s.LoadState(ctx, "team")
	require.NoError(t, err)
	assert.Equal(t, store.StateCursorReset, st.State)
	assert.Equal(t, "history pruned", st.LastError)
	assert.Equal(t, synced.Unix(), st.LastSyncedAt.Unix())
}

func TestEnsureContactReusesByEmail(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	a, err := s.EnsureContact(ctx, "Acme", "owner@acme.test")
	require.NoError(t, err)
	b, err := s.EnsureContact(ctx, "Acme Inc", "owner@acme.test")
	require.NoError(t, err)
	assert.Equal(t, a.PublicID, b.PublicID)
	assert.Equal(t, "Acme Inc", b.Name)

	c, err := s.ContactByEmail(ctx, "Owner@Acme.test")
	require.NoError(t, err)
	assert.Nil(t, c, "email match is exact")

	byID, err := s.ContactByID(ctx, a.PublicID)
	require.NoError(t, err)
	require.NotNil(t, byID)
	assert.Equal(t, "owner@acme.test", *byID.Email)
}

func TestOutboundLookupPrefersProviderID(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	contact, err := s.EnsureContact(ctx, "Acme", "owner@acme.test")
	require.NoError(t, err)

	first := &store.OutboundMessage{ContactID: contact.PublicID, ProviderMessageID: "gm-1", RFCMessageID: "x@outreach.test", Channel: store.ChannelEmail}
	require.NoError(t, s.InsertOutbound(ctx, first))
	second := &store.OutboundMessage{ContactID: contact.PublicID, ProviderMessageID: "x@outreach.test", Channel: store.ChannelEmail}
	require.NoError(t, s.InsertOutbound(ctx, second))

	m, err := s.OutboundByMessageID(ctx, "x@outreach.test")
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, second.ID, m.ID)

	m, err = s.OutboundByMessageID(ctx, "gm-1")
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, first.ID, m.ID)

	m, err = s.OutboundByMessageID(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, m)
}

func TestLatestOutboundInThread(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	contact, err := s.EnsureContact(ctx, "Acme", "owner@acme.test")
	require.NoError(t, err)

	sent := time.Now().UTC().Truncate(time.Second)
	older := &store.OutboundMessage{ContactID: contact.PublicID, ProviderMessageID: "gm-1", ProviderThreadID: "T-1", Channel: store.ChannelEmail, SentAt: sent.Add(-time.Hour)}
	require.NoError(t, s.InsertOutbound(ctx, older))
	newer := &store.OutboundMessage{ContactID: contact.PublicID, ProviderMessageID: "gm-2", ProviderThreadID: "T-1", Channel: store.ChannelEmail, SentAt: sent}
	require.NoError(t, s.InsertOutbound(ctx, newer))

	m, err := s.LatestOutboundInThread(ctx, "T-1")
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, newer.ID, m.ID)

	m, err = s.LatestOutboundInThread(ctx, "T-2")
	require.NoError(t, err)
	assert.Nil(t, m)
}

func TestInsertReplyIsIdempotentAndQueuesOnce(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	reply := func() *store.InboundReply {
		return &store.InboundReply{
			ProviderMessageID: "abc",
			ProviderThreadID:  "t1",
			Content:           "Sounds good",
			Channel:           store.ChannelEmail,
			ReceivedAt:        time.Unix(1735689600, 0),
			SenderDisplay:     "owner@acme.test",
			Labels:            []string{"INBOX"},
		}
	}
	ev := &store.ReplyEvent{Subject: "outreach.team.reply.received", Payload: []byte(`{}`), MsgID: "reply.received|abc"}

	inserted, err := s.InsertReply(ctx, reply(), ev)
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = s.InsertReply(ctx, reply(), ev)
	require.NoError(t, err)
	assert.False(t, inserted)

	n, err := s.CountReplies(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	pending, err := s.DequeueOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "reply.received|abc", pending[0].MsgID)

	got, err := s.ReplyByProviderMessageID(ctx, "abc")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Nil(t, got.ContactID)
	assert.Equal(t, []string{"INBOX"}, got.Labels)

	triage, err := s.UnattributedReplies(ctx, 10)
	require.NoError(t, err)
	require.Len(t, triage, 1)
	assert.Equal(t, "abc", triage[0].ProviderMessageID)
}

func TestOutboxPublishAndRetry(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	for _, id := range []string{"a", "b"} {
		_, err := s.InsertReply(ctx,
			&store.InboundReply{ProviderMessageID: id, Channel: store.ChannelEmail},
			&store.ReplyEvent{Subject: "outreach.team.reply.received", Payload: []byte(id), MsgID: "reply.received|" + id})
		require.NoError(t, err)
	}

	pending, err := s.DequeueOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)

	require.NoError(t, s.MarkPublished(ctx, pending[0].ID))
	require.NoError(t, s.MarkOutboxRetry(ctx, pending[1].ID, time.Hour))

	pending, err = s.DequeueOutbox(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}
