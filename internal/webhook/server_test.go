package webhook

import (
	"bytes"
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sabbir3x/outreach/internal/auth"
	"github.com/Sabbir3x/outreach/internal/correlate"
	"github.com/Sabbir3x/outreach/internal/eventstore/sqlite"
	"github.com/Sabbir3x/outreach/internal/mailbox"
	"github.com/Sabbir3x/outreach/internal/outbound"
	"github.com/Sabbir3x/outreach/internal/store"
	"github.com/Sabbir3x/outreach/internal/sync"
	"github.com/Sabbir3x/outreach/internal/vault"
)

const (
	testScope   = "team"
	testAddress = "team@outreach.test"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeClient struct {
	historyCalls []string
	sent         int
}

func (f *fakeClient) RefreshSession(ctx context.Context, cred mailbox.Credential) (mailbox.Session, error) {
	return mailbox.Session{AccessToken: "at", Expiry: time.Now().Add(time.Hour)}, nil
}

func (f *fakeClient) FetchHistory(ctx context.Context, s mailbox.Session, cursor string) (mailbox.HistoryPage, error) {
	f.historyCalls = append(f.historyCalls, cursor)
	return mailbox.HistoryPage{NewCursor: cursor}, nil
}

func (f *fakeClient) FetchMessage(ctx context.Context, s mailbox.Session, id string) (*mailbox.RawMessage, error) {
	return nil, mailbox.ErrNotFound
}

func (f *fakeClient) Send(ctx context.Context, s mailbox.Session, encodedRaw string, threadID string) (mailbox.SendResult, error) {
	f.sent++
	return mailbox.SendResult{ProviderMessageID: "gm-1", ProviderThreadID: "th-1"}, nil
}

func (f *fakeClient) RemoveLabel(ctx context.Context, s mailbox.Session, id, label string) error {
	return nil
}

type harness struct {
	router  *gin.Engine
	manager *sync.Manager
	engine  *sync.Engine
	store   *sqlite.Store
	client  *fakeClient
}

type harnessOption func(*Options)

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	st, err := sqlite.Open(filepath.Join(t.TempDir(), "outreach.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	v, err := vault.New("test-master-key", st)
	require.NoError(t, err)

	client := &fakeClient{}
	engine := sync.NewEngine(client, v, st, st, correlate.NewResolver(st), sync.Config{Provider: mailbox.ProviderGoogle}, nil)
	require.NoError(t, engine.Connect(context.Background(), testScope, "1//refresh"))
	manager := sync.NewManager(engine, sync.ManagerConfig{Scopes: []string{testScope}}, nil)

	o := Options{
		Manager:      manager,
		Dispatcher:   outbound.NewDispatcher(engine, st, "Team", testAddress, nil),
		Directory:    st,
		Provider:     mailbox.ProviderGoogle,
		Mailboxes:    map[string]string{testAddress: testScope},
		DefaultScope: testScope,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &harness{router: New(o).Router(), manager: manager, engine: engine, store: st, client: client}
}

func (h *harness) do(t *testing.T, method, path string, body []byte, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	return rec
}

func (h *harness) cursor(t *testing.T) (bool, *store.MailboxState) {
	t.Helper()
	ok, err := h.engine.HasCursor(context.Background(), testScope)
	require.NoError(t, err)
	st, err := h.engine.Status(context.Background(), testScope)
	require.NoError(t, err)
	return ok, st
}

func pushBody(t *testing.T, inner string) []byte {
	t.Helper()
	b, err := json.Marshal(map[string]any{
		"message": map[string]any{
			"data":      base64.StdEncoding.EncodeToString([]byte(inner)),
			"messageId": "2070443601311540",
		},
		"subscription": "projects/p/subscriptions/gmail-push",
	})
	require.NoError(t, err)
	return b
}

func TestParseNotificationHistoryIDForms(t *testing.T) {
	n, err := ParseNotification(pushBody(t, `{"emailAddress":"Team@Outreach.test","historyId":9876543210}`))
	require.NoError(t, err)
	assert.Equal(t, testAddress, n.EmailAddress)
	assert.Equal(t, HistoryID("9876543210"), n.HistoryID)

	n, err = ParseNotification(pushBody(t, `{"emailAddress":"team@outreach.test","historyId":"105"}`))
	require.NoError(t, err)
	assert.Equal(t, HistoryID("105"), n.HistoryID)

	n, err = ParseNotification(pushBody(t, `{"emailAddress":"team@outreach.test","historyId":"H105"}`))
	require.NoError(t, err)
	assert.Equal(t, HistoryID("H105"), n.HistoryID)
}

func TestPushMalformedReturns400(t *testing.T) {
	h := newHarness(t)

	cases := map[string][]byte{
		"not json":          []byte("{"),
		"empty data":        []byte(`{"message":{"data":""}}`),
		"data not base64":   []byte(`{"message":{"data":"***"}}`),
		"inner not json":    pushBody(t, "hello"),
		"missing address":   pushBody(t, `{"historyId":1}`),
		"missing historyId": pushBody(t, `{"emailAddress":"team@outreach.test"}`),
		"blank historyId":   pushBody(t, `{"emailAddress":"team@outreach.test","historyId":"  "}`),
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			rec := h.do(t, http.MethodPost, "/webhooks/gmail", body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
	ok, _ := h.cursor(t)
	assert.False(t, ok)
	assert.Empty(t, h.client.historyCalls)
}

func TestPushUnknownMailboxAcknowledged(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodPost, "/webhooks/gmail", pushBody(t, `{"emailAddress":"someone@else.test","historyId":100}`))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	ok, _ := h.cursor(t)
	assert.False(t, ok)
}

func TestPushSeedsThenTriggers(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodPost, "/webhooks/gmail", pushBody(t, `{"emailAddress":"team@outreach.test","historyId":100}`))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	h.manager.Wait()

	ok, st := h.cursor(t)
	assert.True(t, ok)
	assert.Equal(t, store.StateSeeded, st.State)
	assert.Empty(t, h.client.historyCalls, "seeding fetches no history")

	rec = h.do(t, http.MethodPost, "/webhooks/gmail", pushBody(t, `{"emailAddress":"team@outreach.test","historyId":"105"}`))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	h.manager.Wait()

	assert.Equal(t, []string{"100"}, h.client.historyCalls)
}

func TestPushDisconnectedMailboxAcknowledged(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.engine.Disconnect(context.Background(), testScope))

	rec := h.do(t, http.MethodPost, "/webhooks/gmail", pushBody(t, `{"emailAddress":"team@outreach.test","historyId":100}`))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	ok, st := h.cursor(t)
	assert.False(t, ok)
	assert.Equal(t, store.StateDisconnected, st.State)
}

func TestPushAuthRequired(t *testing.T) {
	verifier := auth.NewHMACVerifier("push-secret")
	h := newHarness(t, func(o *Options) { o.PushAuth = verifier })
	body := pushBody(t, `{"emailAddress":"team@outreach.test","historyId":100}`)

	rec := h.do(t, http.MethodPost, "/webhooks/gmail", body)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	token, err := verifier.Sign("pubsub", time.Hour)
	require.NoError(t, err)
	rec = h.do(t, http.MethodPost, "/webhooks/gmail", body, "Authorization", "Bearer "+token)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestAdminMailboxLifecycle(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodPost, "/mailbox/sync", nil)
	assert.Equal(t, http.StatusConflict, rec.Code, "not seeded yet")

	_, err := h.engine.Seed(context.Background(), testScope, "100")
	require.NoError(t, err)

	rec = h.do(t, http.MethodPost, "/mailbox/sync", []byte(`{"scope":"team"}`))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"100"}, h.client.historyCalls)

	rec = h.do(t, http.MethodGet, "/mailbox/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var status struct {
		Mailbox   store.MailboxState `json:"mailbox"`
		HasCursor bool               `json:"has_cursor"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, store.StateSeeded, status.Mailbox.State)
	assert.True(t, status.HasCursor)

	rec = h.do(t, http.MethodPost, "/mailbox/disconnect", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	ok, st := h.cursor(t)
	assert.False(t, ok)
	assert.Equal(t, store.StateDisconnected, st.State)

	rec = h.do(t, http.MethodPost, "/mailbox/connect", []byte(`{}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code, "no broker, token required")

	rec = h.do(t, http.MethodPost, "/mailbox/connect", []byte(`{"refresh_token":"1//new"}`))
	assert.Equal(t, http.StatusOK, rec.Code)
	_, st = h.cursor(t)
	assert.Equal(t, store.StateUninitialized, st.State)

	rec = h.do(t, http.MethodGet, "/mailbox/status?scope=sales", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

type fakeBroker struct {
	jwt string
}

func (b *fakeBroker) GetToken(ctx context.Context, userJWT string, provider mailbox.ProviderName) (*auth.Token, error) {
	b.jwt = userJWT
	return &auth.Token{RefreshToken: "1//brokered"}, nil
}

func TestAdminConnectThroughBroker(t *testing.T) {
	verifier := auth.NewHMACVerifier("admin-secret")
	broker := &fakeBroker{}
	h := newHarness(t, func(o *Options) {
		o.AdminAuth = verifier
		o.Broker = broker
	})

	rec := h.do(t, http.MethodPost, "/mailbox/connect", []byte(`{}`))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	token, err := verifier.Sign("operator", time.Hour)
	require.NoError(t, err)
	rec = h.do(t, http.MethodPost, "/mailbox/connect", []byte(`{}`), "Authorization", "Bearer "+token)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, token, broker.jwt)
}

func TestAdminSendAndTriage(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodPost, "/messages", []byte(`{"name":"Acme","email":"owner@acme.test","subject":"Quick question","body":"Hi"}`))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var m store.OutboundMessage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m))
	assert.Equal(t, "gm-1", m.ProviderMessageID)
	assert.Equal(t, "th-1", m.ProviderThreadID)
	assert.Equal(t, 1, h.client.sent)

	rec = h.do(t, http.MethodPost, "/messages", []byte(`{"email":"not-an-email","subject":"x","body":"y"}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodGet, "/replies/unattributed?limit=10", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"replies":[],"count":0}`, rec.Body.String())

	rec = h.do(t, http.MethodGet, "/replies/unattributed?limit=-1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthz(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
