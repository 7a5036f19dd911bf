package sync

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sabbir3x/outreach/internal/mailbox"
	"github.com/Sabbir3x/outreach/internal/store"
)

func TestTriggerDropsWhileSyncInFlight(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	_, err := h.engine.Seed(ctx, testScope, "H100")
	require.NoError(t, err)

	h.client.entered = make(chan struct{}, 1)
	h.client.gate = make(chan struct{})

	m := NewManager(h.engine, ManagerConfig{Scopes: []string{testScope}}, nil)
	require.True(t, m.Trigger(testScope, "webhook"))

	select {
	case <-h.client.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("sync never reached history fetch")
	}

	assert.True(t, m.IsRunning(testScope))
	assert.False(t, m.Trigger(testScope, "poll"))
	_, ran, err := m.SyncNow(ctx, testScope, "manual")
	require.NoError(t, err)
	assert.False(t, ran)
	assert.Equal(t, 2, m.Dropped())

	close(h.client.gate)
	m.Wait()

	assert.False(t, m.IsRunning(testScope))
	assert.Len(t, h.client.historyCalls, 1)

	h.client.mu.Lock()
	h.client.entered, h.client.gate = nil, nil
	h.client.mu.Unlock()
	_, ran, err = m.SyncNow(ctx, testScope, "manual")
	require.NoError(t, err)
	assert.True(t, ran)
}

func TestPollSkipsUnseededPushMailbox(t *testing.T) {
	h := newHarness(t)
	m := NewManager(h.engine, ManagerConfig{Scopes: []string{testScope}}, nil)

	m.PollOnce(context.Background())

	assert.Empty(t, h.client.historyCalls)
	_, ok := h.cursor(t)
	assert.False(t, ok)
}

func TestPollSkipsDisconnected(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	_, err := h.engine.Seed(ctx, testScope, "H100")
	require.NoError(t, err)
	require.NoError(t, h.engine.MarkDisconnected(ctx, testScope, errors.New("revoked")))

	m := NewManager(h.engine, ManagerConfig{Scopes: []string{testScope}}, nil)
	m.PollOnce(ctx)

	assert.Empty(t, h.client.historyCalls)
}

func TestPollRunsSeededMailbox(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	_, err := h.engine.Seed(ctx, testScope, "H100")
	require.NoError(t, err)
	h.client.pages["H100"] = mailbox.HistoryPage{NewCursor: "H120"}

	m := NewManager(h.engine, ManagerConfig{Scopes: []string{testScope}}, nil)
	m.PollOnce(ctx)

	c, _ := h.cursor(t)
	assert.Equal(t, "H120", c)
}

type pollOnlyClient struct {
	*fakeClient
	initial string
}

func (p *pollOnlyClient) InitialCursor(ctx context.Context, s mailbox.Session) (string, error) {
	return p.initial, nil
}

type watchingClient struct {
	*fakeClient
	topics []string
}

func (w *watchingClient) Watch(ctx context.Context, s mailbox.Session, topic string) (time.Time, error) {
	w.topics = append(w.topics, topic)
	return time.Now().Add(7 * 24 * time.Hour), nil
}

func TestPollSeedsPollOnlyProvider(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	client := &pollOnlyClient{fakeClient: h.client, initial: "2025-01-01T00:00:00Z"}
	h.engine.client = client

	m := NewManager(h.engine, ManagerConfig{Scopes: []string{testScope}}, nil)
	m.PollOnce(ctx)

	c, ok := h.cursor(t)
	require.True(t, ok)
	assert.Equal(t, "2025-01-01T00:00:00Z", c)
	assert.Empty(t, h.client.historyCalls)

	m.PollOnce(ctx)
	assert.Equal(t, []string{"2025-01-01T00:00:00Z"}, h.client.historyCalls)
}

type failingSaveStates struct {
	store.States
}

func (f failingSaveStates) SaveState(ctx context.Context, st store.MailboxState) error {
	return errors.New("disk I/O error")
}

func TestPollLogsFailedDisconnectWrite(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.engine.client = &pollOnlyClient{fakeClient: h.client, initial: "2025-01-01T00:00:00Z"}
	h.engine.states = failingSaveStates{States: h.store}
	h.client.refreshErr = fmt.Errorf("invalid_grant: %w", mailbox.ErrAuthExpired)

	var buf bytes.Buffer
	log := zerolog.New(&buf)
	m := NewManager(h.engine, ManagerConfig{Scopes: []string{testScope}}, &log)
	m.PollOnce(ctx)

	assert.Contains(t, buf.String(), "failed to save mailbox state")
	assert.Contains(t, buf.String(), "disk I/O error")
	_, ok := h.cursor(t)
	assert.False(t, ok)
}

func TestPollRenewsWatchOncePerDay(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	client := &watchingClient{fakeClient: h.client}
	h.engine.client = client
	_, err := h.engine.Seed(ctx, testScope, "H100")
	require.NoError(t, err)

	m := NewManager(h.engine, ManagerConfig{Scopes: []string{testScope}, WatchTopic: "projects/p/topics/gmail"}, nil)
	m.PollOnce(ctx)
	m.PollOnce(ctx)

	assert.Equal(t, []string{"projects/p/topics/gmail"}, client.topics)
}

func TestStartStopsOnCancel(t *testing.T) {
	h := newHarness(t)
	m := NewManager(h.engine, ManagerConfig{Scopes: []string{testScope}, PollInterval: 10 * time.Millisecond}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Start(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("poller did not stop")
	}
}
