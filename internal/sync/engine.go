package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Sabbir3x/outreach/internal/correlate"
	"github.com/Sabbir3x/outreach/internal/decode"
	"github.com/Sabbir3x/outreach/internal/logging"
	"github.com/Sabbir3x/outreach/internal/mailbox"
	"github.com/Sabbir3x/outreach/internal/store"
)

// Vault keys under a mailbox scope
const (
	KeyCursor       = "cursor"
	KeyRefreshToken = "refresh_token"
)

const (
	sessionSkew    = time.Minute
	previewRunes   = 280
	defaultTimeout = 30 * time.Second
)

// Secrets is the encrypted key/value store holding credentials and cursors
type Secrets interface {
	GetString(ctx context.Context, scope, key string) (string, bool, error)
	PutAll(ctx context.Context, scope string, values map[string][]byte) error
	Delete(ctx context.Context, scope string, keys ...string) error
}

// Config tunes an Engine
type Config struct {
	Provider mailbox.ProviderName
	// ClearLabels are removed from each captured reply, best effort.
	ClearLabels []string
	// CallTimeout bounds every single provider call.
	CallTimeout time.Duration
}

// Result summarizes one RunSync call
type Result struct {
	Items      int
	Inserted   int
	Duplicates int
	Skipped    int
	Ignored    int
	Cursor     string
}

// Engine drives incremental synchronization of one provider's mailboxes
// from the durable cursor. Every operation that writes the cursor, the
// credential or the state of a scope holds that scope's lock, so a sync in
// flight and an operator connect or disconnect never interleave.
type Engine struct {
	client   mailbox.MailboxClient
	secrets  Secrets
	replies  store.Replies
	states   store.States
	resolver *correlate.Resolver
	cfg      Config
	log      *zerolog.Logger
	now      func() time.Time

	mu       sync.Mutex
	sessions map[string]mailbox.Session
	locks    map[string]chan struct{}
}

// NewEngine creates a sync engine
func NewEngine(client mailbox.MailboxClient, secrets Secrets, replies store.Replies, states store.States, resolver *correlate.Resolver, cfg Config, log *zerolog.Logger) *Engine {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultTimeout
	}
	if log == nil {
		log = logging.Nop()
	}
	return &Engine{
		client:   client,
		secrets:  secrets,
		replies:  replies,
		states:   states,
		resolver: resolver,
		cfg:      cfg,
		log:      log,
		now:      time.Now,
		sessions: make(map[string]mailbox.Session),
		locks:    make(map[string]chan struct{}),
	}
}

// lock takes the per-scope write lock, giving up when ctx is done
func (e *Engine) lock(ctx context.Context, scope string) (func(), error) {
	e.mu.Lock()
	l, ok := e.locks[scope]
	if !ok {
		l = make(chan struct{}, 1)
		e.locks[scope] = l
	}
	e.mu.Unlock()

	select {
	case l <- struct{}{}:
		return func() { <-l }, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("lock %s: %w", scope, ctx.Err())
	}
}

// Client returns the mailbox client the engine syncs through
func (e *Engine) Client() mailbox.MailboxClient {
	return e.client
}

// Status returns the persisted state of scope
func (e *Engine) Status(ctx context.Context, scope string) (*store.MailboxState, error) {
	return e.states.LoadState(ctx, scope)
}

// HasCursor reports whether scope has been seeded
func (e *Engine) HasCursor(ctx context.Context, scope string) (bool, error) {
	_, ok, err := e.secrets.GetString(ctx, scope, KeyCursor)
	if err != nil {
		return false, fmt.Errorf("load cursor: %w", err)
	}
	return ok, nil
}

// Connect stores a fresh credential for scope, replacing any previous one.
// The cursor is cleared so the next notification seeds it. A sync in flight
// for scope finishes first.
func (e *Engine) Connect(ctx context.Context, scope, refreshToken string) error {
	if refreshToken == "" {
		return ErrNoCredential
	}
	unlock, err := e.lock(ctx, scope)
	if err != nil {
		return err
	}
	defer unlock()
	e.dropSession(scope)

	if err := e.secrets.Delete(ctx, scope, KeyCursor); err != nil {
		return fmt.Errorf("clear cursor: %w", err)
	}
	if err := e.secrets.PutAll(ctx, scope, map[string][]byte{KeyRefreshToken: []byte(refreshToken)}); err != nil {
		return fmt.Errorf("store credential: %w", err)
	}
	return e.states.SaveState(ctx, store.MailboxState{
		Scope:    scope,
		Provider: string(e.cfg.Provider),
		State:    store.StateUninitialized,
	})
}

// Disconnect deletes the credential and cursor of scope. A sync in flight
// for scope finishes first.
func (e *Engine) Disconnect(ctx context.Context, scope string) error {
	unlock, err := e.lock(ctx, scope)
	if err != nil {
		return err
	}
	defer unlock()
	e.dropSession(scope)
	if err := e.secrets.Delete(ctx, scope, KeyRefreshToken, KeyCursor); err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	st, err := e.states.LoadState(ctx, scope)
	if err != nil {
		return err
	}
	st.Provider = string(e.cfg.Provider)
	st.State = store.StateDisconnected
	st.LastError = ""
	return e.states.SaveState(ctx, *st)
}

// Seed stores historyID as the cursor when scope has none. No history is
// fetched. It reports whether the cursor was written.
func (e *Engine) Seed(ctx context.Context, scope, historyID string) (bool, error) {
	if historyID == "" {
		return false, fmt.Errorf("seed %s: empty history id", scope)
	}

	unlock, err := e.lock(ctx, scope)
	if err != nil {
		return false, err
	}
	defer unlock()

	st, err := e.states.LoadState(ctx, scope)
	if err != nil {
		return false, err
	}
	if st.State == store.StateDisconnected {
		return false, ErrDisconnected
	}

	ok, err := e.HasCursor(ctx, scope)
	if err != nil || ok {
		return false, err
	}

	if err := e.secrets.PutAll(ctx, scope, map[string][]byte{KeyCursor: []byte(historyID)}); err != nil {
		return false, fmt.Errorf("store cursor: %w", err)
	}

	prev := st.State
	st.Provider = string(e.cfg.Provider)
	st.State = store.StateSeeded
	st.LastError = ""
	if err := e.states.SaveState(ctx, *st); err != nil {
		return false, err
	}

	e.log.Info().Str("scope", scope).Str("cursor", historyID).Str("from_state", string(prev)).Msg("mailbox cursor seeded")
	return true, nil
}

// Session returns a usable session for scope, refreshing it when the
// cached one is missing or about to expire.
func (e *Engine) Session(ctx context.Context, scope string) (mailbox.Session, error) {
	e.mu.Lock()
	s, ok := e.sessions[scope]
	e.mu.Unlock()
	if ok && s.Valid(e.now(), sessionSkew) {
		return s, nil
	}
	return e.refresh(ctx, scope, "")
}

// refresh opens a new session for scope and caches it. pending is a rotated
// refresh token not yet written to the vault; it is used instead of the
// stored one and carried on the new session until the next vault write.
func (e *Engine) refresh(ctx context.Context, scope, pending string) (mailbox.Session, error) {
	token := pending
	if token == "" {
		stored, ok, err := e.secrets.GetString(ctx, scope, KeyRefreshToken)
		if err != nil {
			return mailbox.Session{}, fmt.Errorf("load credential: %w", err)
		}
		if !ok || stored == "" {
			return mailbox.Session{}, ErrNoCredential
		}
		token = stored
	}

	callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	defer cancel()
	s, err := e.client.RefreshSession(callCtx, mailbox.Credential{RefreshToken: token})
	if err != nil {
		return mailbox.Session{}, fmt.Errorf("refresh session: %w", err)
	}
	if s.RefreshToken == "" || (pending == "" && s.RefreshToken == token) {
		s.RefreshToken = pending
	}

	e.mu.Lock()
	e.sessions[scope] = s
	e.mu.Unlock()
	return s, nil
}

// Call runs fn against the provider with a per-call timeout. When the
// provider rejects the access token the session is refreshed once and fn
// retried; a second rejection is reported as ErrAuthExpired. sess is
// updated in place.
func (e *Engine) Call(ctx context.Context, scope string, sess *mailbox.Session, fn func(ctx context.Context, s mailbox.Session) error) error {
	err := e.timed(ctx, *sess, fn)
	if !errors.Is(err, mailbox.ErrSessionRejected) {
		return err
	}

	e.log.Info().Str("scope", scope).Err(err).Msg("access token rejected, refreshing session")
	e.dropSession(scope)
	fresh, rerr := e.refresh(ctx, scope, sess.RefreshToken)
	if rerr != nil {
		return rerr
	}
	*sess = fresh

	err = e.timed(ctx, *sess, fn)
	if errors.Is(err, mailbox.ErrSessionRejected) {
		e.dropSession(scope)
		return fmt.Errorf("%w: %w", mailbox.ErrAuthExpired, err)
	}
	return err
}

func (e *Engine) timed(ctx context.Context, s mailbox.Session, fn func(ctx context.Context, s mailbox.Session) error) error {
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	defer cancel()
	return fn(callCtx, s)
}

// MarkDisconnected records that the provider rejected the credential of scope
func (e *Engine) MarkDisconnected(ctx context.Context, scope string, cause error) error {
	unlock, err := e.lock(ctx, scope)
	if err != nil {
		return err
	}
	defer unlock()
	return e.markDisconnected(ctx, scope, cause)
}

func (e *Engine) markDisconnected(ctx context.Context, scope string, cause error) error {
	e.dropSession(scope)
	st, err := e.states.LoadState(ctx, scope)
	if err != nil {
		return err
	}
	st.Provider = string(e.cfg.Provider)
	st.State = store.StateDisconnected
	if cause != nil {
		st.LastError = cause.Error()
	}
	e.log.Warn().Str("scope", scope).Err(cause).Msg("mailbox disconnected, re-authorization required")
	return e.states.SaveState(ctx, *st)
}

func (e *Engine) dropSession(scope string) {
	e.mu.Lock()
	delete(e.sessions, scope)
	e.mu.Unlock()
}

// RunSync applies every change feed item since the stored cursor and then
// advances the cursor. On any failure before the end of the batch the
// cursor is left untouched.
func (e *Engine) RunSync(ctx context.Context, scope string) (Result, error) {
	var res Result

	unlock, err := e.lock(ctx, scope)
	if err != nil {
		return res, err
	}
	defer unlock()

	st, err := e.states.LoadState(ctx, scope)
	if err != nil {
		return res, err
	}
	if st.State == store.StateDisconnected {
		return res, ErrDisconnected
	}

	cursor, ok, err := e.secrets.GetString(ctx, scope, KeyCursor)
	if err != nil {
		return res, fmt.Errorf("load cursor: %w", err)
	}
	if !ok {
		return res, ErrNotSeeded
	}

	sess, err := e.Session(ctx, scope)
	if err != nil {
		return res, e.fail(ctx, st, err)
	}

	st.Provider = string(e.cfg.Provider)
	st.State = store.StateSyncing
	if err := e.states.SaveState(ctx, *st); err != nil {
		return res, err
	}

	var page mailbox.HistoryPage
	err = e.Call(ctx, scope, &sess, func(ctx context.Context, s mailbox.Session) error {
		var err error
		page, err = e.client.FetchHistory(ctx, s, cursor)
		return err
	})
	if err != nil {
		return res, e.fail(ctx, st, fmt.Errorf("fetch history from %s: %w", cursor, err))
	}

	res.Items = len(page.Items)
	for _, item := range page.Items {
		if err := e.apply(ctx, scope, &sess, item, &res); err != nil {
			return res, e.fail(ctx, st, err)
		}
	}

	next := page.NewCursor
	if next == "" {
		next = cursor
	}
	values := map[string][]byte{KeyCursor: []byte(next)}
	if sess.RefreshToken != "" {
		values[KeyRefreshToken] = []byte(sess.RefreshToken)
	}
	if err := e.secrets.PutAll(ctx, scope, values); err != nil {
		return res, e.fail(ctx, st, fmt.Errorf("store cursor: %w", err))
	}
	if sess.RefreshToken != "" {
		e.mu.Lock()
		if cached, ok := e.sessions[scope]; ok {
			cached.RefreshToken = ""
			e.sessions[scope] = cached
		}
		e.mu.Unlock()
	}
	res.Cursor = next

	st.State = store.StateSeeded
	st.LastError = ""
	st.LastSyncedAt = e.now()
	if err := e.states.SaveState(ctx, *st); err != nil {
		return res, err
	}

	e.log.Info().
		Str("scope", scope).
		Str("from", cursor).
		Str("to", next).
		Int("items", res.Items).
		Int("inserted", res.Inserted).
		Int("duplicates", res.Duplicates).
		Int("skipped", res.Skipped).
		Msg("mailbox sync complete")
	return res, nil
}

// fail moves scope to the state err calls for and returns err
func (e *Engine) fail(ctx context.Context, st *store.MailboxState, err error) error {
	switch {
	case errors.Is(err, mailbox.ErrAuthExpired):
		if serr := e.markDisconnected(ctx, st.Scope, err); serr != nil {
			e.log.Error().Err(serr).Str("scope", st.Scope).Msg("failed to save mailbox state")
		}
		return err

	case errors.Is(err, mailbox.ErrCursorInvalid):
		if derr := e.secrets.Delete(ctx, st.Scope, KeyCursor); derr != nil {
			e.log.Error().Err(derr).Str("scope", st.Scope).Msg("failed to clear invalid cursor")
		}
		st.State = store.StateCursorReset
		e.log.Warn().Str("scope", st.Scope).Err(err).Msg("cursor invalid, waiting for next notification to reseed")

	default:
		if errors.Is(err, ErrNoCredential) {
			st.State = store.StateUninitialized
		} else {
			st.State = store.StateSeeded
		}
	}

	st.LastError = err.Error()
	if serr := e.states.SaveState(ctx, *st); serr != nil {
		e.log.Error().Err(serr).Str("scope", st.Scope).Msg("failed to save mailbox state")
	}
	return err
}

// apply processes one change feed item. Returned errors abort the batch.
func (e *Engine) apply(ctx context.Context, scope string, sess *mailbox.Session, item mailbox.ChangeFeedItem, res *Result) error {
	if item.Kind != mailbox.ItemMessageAdded || !item.HasLabel(mailbox.LabelInbox) || item.HasLabel(mailbox.LabelSent) {
		res.Ignored++
		return nil
	}

	var raw *mailbox.RawMessage
	err := e.Call(ctx, scope, sess, func(ctx context.Context, s mailbox.Session) error {
		var err error
		raw, err = e.client.FetchMessage(ctx, s, item.MessageID)
		return err
	})
	if errors.Is(err, mailbox.ErrNotFound) {
		res.Skipped++
		e.log.Info().Str("scope", scope).Str("provider_message_id", item.MessageID).Str("reason", "not_found").Msg("skipping change feed item")
		return nil
	}
	if err != nil {
		return fmt.Errorf("fetch message %s: %w", item.MessageID, err)
	}

	d, err := decode.Decode(raw)
	if err != nil {
		res.Skipped++
		e.log.Warn().Err(err).Str("scope", scope).Str("provider_message_id", item.MessageID).Str("reason", "decode_failure").Msg("skipping change feed item")
		return nil
	}
	if d.MessageID == "" {
		d.MessageID = item.MessageID
	}
	if d.ThreadID == "" {
		d.ThreadID = item.ThreadID
	}
	if d.ReceivedAt.IsZero() {
		d.ReceivedAt = e.now()
	}

	attr, err := e.resolver.Resolve(ctx, d)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", d.MessageID, err)
	}

	labels := raw.Labels
	if len(labels) == 0 {
		labels = item.Labels
	}
	reply := &store.InboundReply{
		ProviderMessageID: d.MessageID,
		ProviderThreadID:  d.ThreadID,
		Content:           d.PlainText,
		Channel:           store.ChannelEmail,
		ReceivedAt:        d.ReceivedAt,
		SenderDisplay:     d.Sender,
		ContactID:         attr.ContactID(),
		OutboundMessageID: attr.OutboundID(),
		Labels:            labels,
	}

	ev, err := replyEvent(scope, reply, d, attr)
	if err != nil {
		return err
	}

	inserted, err := e.replies.InsertReply(ctx, reply, ev)
	if err != nil {
		return fmt.Errorf("store reply %s: %w", d.MessageID, err)
	}
	if inserted {
		res.Inserted++
		e.log.Info().
			Str("scope", scope).
			Str("provider_message_id", d.MessageID).
			Str("sender", logging.RedactEmailsIn(d.Sender)).
			Str("attribution", string(attr.Method)).
			Msg("reply captured")
	} else {
		res.Duplicates++
		e.log.Debug().Str("scope", scope).Str("provider_message_id", d.MessageID).Msg("reply already stored")
	}

	e.clearLabels(ctx, scope, sess, item)
	return nil
}

func (e *Engine) clearLabels(ctx context.Context, scope string, sess *mailbox.Session, item mailbox.ChangeFeedItem) {
	for _, label := range e.cfg.ClearLabels {
		if !item.HasLabel(label) {
			continue
		}
		err := e.Call(ctx, scope, sess, func(ctx context.Context, s mailbox.Session) error {
			return e.client.RemoveLabel(ctx, s, item.MessageID, label)
		})
		if err != nil {
			e.log.Warn().Err(err).Str("scope", scope).Str("provider_message_id", item.MessageID).Str("label", label).Msg("failed to clear label")
		}
	}
}

type replyReceived struct {
	EventID           string  `json:"event_id"`
	TS                int64   `json:"ts"`
	Scope             string  `json:"scope"`
	ProviderMessageID string  `json:"provider_message_id"`
	ProviderThreadID  string  `json:"provider_thread_id"`
	Sender            string  `json:"sender"`
	ContactID         *string `json:"contact_id"`
	OutboundMessageID *int64  `json:"outbound_message_id"`
	Attribution       string  `json:"attribution"`
	Preview           string  `json:"preview"`
	ReceivedAt        int64   `json:"received_at"`
}

// ReplySubject is the NATS subject reply events for scope are published on
func ReplySubject(scope string) string {
	return fmt.Sprintf("outreach.%s.reply.received", scope)
}

func replyEvent(scope string, r *store.InboundReply, d decode.Decoded, attr correlate.Result) (*store.ReplyEvent, error) {
	payload, err := json.Marshal(replyReceived{
		EventID:           uuid.NewString(),
		TS:                time.Now().Unix(),
		Scope:             scope,
		ProviderMessageID: r.ProviderMessageID,
		ProviderThreadID:  r.ProviderThreadID,
		Sender:            r.SenderDisplay,
		ContactID:         r.ContactID,
		OutboundMessageID: r.OutboundMessageID,
		Attribution:       string(attr.Method),
		Preview:           decode.Preview(d.PlainText, d.IsHTML, previewRunes),
		ReceivedAt:        r.ReceivedAt.Unix(),
	})
	if err != nil {
		return nil, fmt.Errorf("encode reply event: %w", err)
	}
	return &store.ReplyEvent{
		Subject: ReplySubject(scope),
		Payload: payload,
		MsgID:   "reply.received|" + r.ProviderMessageID,
	}, nil
}
