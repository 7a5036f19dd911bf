package sync

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog"

	"github.com/Sabbir3x/outreach/internal/logging"
	"github.com/Sabbir3x/outreach/internal/mailbox"
	"github.com/Sabbir3x/outreach/internal/store"
)

const watchRenewEvery = 24 * time.Hour

// ManagerConfig configures the poller
type ManagerConfig struct {
	Scopes       []string
	PollInterval time.Duration
	// WatchTopic enables push subscription renewal on providers that support it.
	WatchTopic string
}

// Manager runs at most one sync per scope at a time. Triggers that arrive
// while a sync for the same scope is in flight are dropped.
type Manager struct {
	engine *Engine
	cfg    ManagerConfig
	log    *zerolog.Logger

	baseCtx      context.Context
	runners      map[string]string
	runnersMutex sync.Mutex
	dropped      int
	wg           sync.WaitGroup

	watchedAt map[string]time.Time
}

// NewManager creates a sync manager
func NewManager(engine *Engine, cfg ManagerConfig, log *zerolog.Logger) *Manager {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Minute
	}
	if log == nil {
		log = logging.Nop()
	}
	return &Manager{
		engine:    engine,
		cfg:       cfg,
		log:       log,
		baseCtx:   context.Background(),
		runners:   make(map[string]string),
		watchedAt: make(map[string]time.Time),
	}
}

// Engine returns the engine the manager drives
func (m *Manager) Engine() *Engine {
	return m.engine
}

// acquire marks scope as running. It returns false when a sync is in flight.
func (m *Manager) acquire(scope, reason string) bool {
	m.runnersMutex.Lock()
	defer m.runnersMutex.Unlock()

	if running, exists := m.runners[scope]; exists {
		m.dropped++
		m.log.Debug().Str("scope", scope).Str("reason", reason).Str("running", running).Msg("sync already running, trigger dropped")
		return false
	}
	m.runners[scope] = reason
	return true
}

func (m *Manager) release(scope string) {
	m.runnersMutex.Lock()
	delete(m.runners, scope)
	m.runnersMutex.Unlock()
}

// Trigger starts a background sync of scope and returns immediately. It
// reports false when the trigger was dropped.
func (m *Manager) Trigger(scope, reason string) bool {
	if !m.acquire(scope, reason) {
		return false
	}

	m.runnersMutex.Lock()
	ctx := m.baseCtx
	m.runnersMutex.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer m.release(scope)
		m.runSync(ctx, scope, reason)
	}()
	return true
}

// SyncNow runs a sync of scope in the caller's goroutine. ran is false
// when another sync was already in flight.
func (m *Manager) SyncNow(ctx context.Context, scope, reason string) (res Result, ran bool, err error) {
	if !m.acquire(scope, reason) {
		return Result{}, false, nil
	}
	defer m.release(scope)
	res, err = m.runSync(ctx, scope, reason)
	return res, true, err
}

// IsRunning reports whether a sync of scope is in flight
func (m *Manager) IsRunning(scope string) bool {
	m.runnersMutex.Lock()
	defer m.runnersMutex.Unlock()
	_, exists := m.runners[scope]
	return exists
}

// Dropped returns how many triggers were dropped so far
func (m *Manager) Dropped() int {
	m.runnersMutex.Lock()
	defer m.runnersMutex.Unlock()
	return m.dropped
}

// Wait blocks until every background sync has finished
func (m *Manager) Wait() {
	m.wg.Wait()
}

func (m *Manager) runSync(ctx context.Context, scope, reason string) (Result, error) {
	res, err := m.engine.RunSync(ctx, scope)
	if err == nil {
		return res, nil
	}

	switch {
	case errors.Is(err, ErrNotSeeded), errors.Is(err, ErrDisconnected):
		m.log.Debug().Err(err).Str("scope", scope).Str("reason", reason).Msg("sync not run")
	case errors.Is(err, ErrNoCredential):
		m.log.Warn().Str("scope", scope).Str("reason", reason).Msg("sync not run, mailbox has no credential")
	default:
		m.log.Error().Err(err).Str("scope", scope).Str("reason", reason).Msg("sync failed")
		sentry.WithScope(func(s *sentry.Scope) {
			s.SetTag("mailbox_scope", scope)
			s.SetTag("trigger", reason)
			sentry.CaptureException(err)
		})
	}
	return res, err
}

// Start polls every configured scope until ctx is cancelled. Background
// syncs started by Trigger inherit ctx.
func (m *Manager) Start(ctx context.Context) error {
	m.runnersMutex.Lock()
	m.baseCtx = ctx
	m.runnersMutex.Unlock()

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	m.log.Info().Strs("scopes", m.cfg.Scopes).Dur("interval", m.cfg.PollInterval).Msg("mailbox poller started")
	m.PollOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			m.wg.Wait()
			m.log.Info().Msg("mailbox poller stopped")
			return nil
		case <-ticker.C:
			m.PollOnce(ctx)
		}
	}
}

// PollOnce runs one poll pass over every scope
func (m *Manager) PollOnce(ctx context.Context) {
	for _, scope := range m.cfg.Scopes {
		if ctx.Err() != nil {
			return
		}
		m.poll(ctx, scope)
	}
}

func (m *Manager) poll(ctx context.Context, scope string) {
	st, err := m.engine.Status(ctx, scope)
	if err != nil {
		m.log.Error().Err(err).Str("scope", scope).Msg("failed to load mailbox state")
		return
	}
	if st.State == store.StateDisconnected {
		return
	}

	seeded, err := m.engine.HasCursor(ctx, scope)
	if err != nil {
		m.log.Error().Err(err).Str("scope", scope).Msg("failed to load cursor")
		return
	}
	if !seeded {
		m.seedPollOnly(ctx, scope)
		return
	}

	m.renewWatch(ctx, scope)
	m.SyncNow(ctx, scope, "poll")
}

// seedPollOnly seeds providers that never deliver a notification to seed from
func (m *Manager) seedPollOnly(ctx context.Context, scope string) {
	seeder, ok := m.engine.Client().(mailbox.CursorSeeder)
	if !ok {
		return
	}
	sess, err := m.engine.Session(ctx, scope)
	if err != nil {
		if errors.Is(err, mailbox.ErrAuthExpired) {
			if serr := m.engine.MarkDisconnected(ctx, scope, err); serr != nil {
				m.log.Error().Err(serr).Str("scope", scope).Msg("failed to save mailbox state")
			}
		} else if !errors.Is(err, ErrNoCredential) {
			m.log.Warn().Err(err).Str("scope", scope).Msg("failed to open session for seeding")
		}
		return
	}

	var cursor string
	err = m.engine.Call(ctx, scope, &sess, func(ctx context.Context, s mailbox.Session) error {
		var err error
		cursor, err = seeder.InitialCursor(ctx, s)
		return err
	})
	if errors.Is(err, mailbox.ErrAuthExpired) {
		if serr := m.engine.MarkDisconnected(ctx, scope, err); serr != nil {
			m.log.Error().Err(serr).Str("scope", scope).Msg("failed to save mailbox state")
		}
		return
	}
	if err != nil {
		m.log.Warn().Err(err).Str("scope", scope).Msg("failed to read initial cursor")
		return
	}
	if _, err := m.engine.Seed(ctx, scope, cursor); err != nil {
		m.log.Warn().Err(err).Str("scope", scope).Msg("failed to seed cursor")
	}
}

func (m *Manager) renewWatch(ctx context.Context, scope string) {
	if m.cfg.WatchTopic == "" {
		return
	}
	watcher, ok := m.engine.Client().(mailbox.Watcher)
	if !ok {
		return
	}
	if last, ok := m.watchedAt[scope]; ok && time.Since(last) < watchRenewEvery {
		return
	}

	sess, err := m.engine.Session(ctx, scope)
	if err != nil {
		return
	}
	var expires time.Time
	err = m.engine.Call(ctx, scope, &sess, func(ctx context.Context, s mailbox.Session) error {
		var err error
		expires, err = watcher.Watch(ctx, s, m.cfg.WatchTopic)
		return err
	})
	if err != nil {
		m.log.Warn().Err(err).Str("scope", scope).Msg("failed to renew push watch")
		return
	}
	m.watchedAt[scope] = time.Now()
	m.log.Info().Str("scope", scope).Time("expires", expires).Msg("push watch renewed")
}
