package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/Sabbir3x/outreach/internal/store"
)

type stateRow struct {
	Scope        string `db:"scope"`
	Provider     string `db:"provider"`
	State        string `db:"state"`
	LastError    string `db:"last_error"`
	LastSyncedAt int64  `db:"last_synced_at"`
	UpdatedAt    int64  `db:"updated_at"`
}

// LoadState loads the mailbox state for scope. A scope never seen before
// reads as UNINITIALIZED.
func (s *Store) LoadState(ctx context.Context, scope string) (*store.MailboxState, error) {
	var row stateRow
	err := s.DB.GetContext(ctx, &row, `
		SELECT scope, provider, state, last_error, last_synced_at, updated_at
		FROM mailbox_state WHERE scope = ?
	`, scope)
	if err != nil {
		if isNoRows(err) {
			return &store.MailboxState{Scope: scope, State: store.StateUninitialized}, nil
		}
		return nil, fmt.Errorf("failed to load mailbox state: %w", err)
	}

	return &store.MailboxState{
		Scope:        row.Scope,
		Provider:     row.Provider,
		State:        store.SyncState(row.State),
		LastError:    row.LastError,
		LastSyncedAt: timeOrZero(row.LastSyncedAt),
		UpdatedAt:    timeOrZero(row.UpdatedAt),
	}, nil
}

// SaveState upserts the mailbox state row
func (s *Store) SaveState(ctx context.Context, st store.MailboxState) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO mailbox_state (scope, provider, state, last_error, last_synced_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(scope) DO UPDATE SET
			provider = excluded.provider,
			state = excluded.state,
			last_error = excluded.last_error,
			last_synced_at = excluded.last_synced_at,
			updated_at = excluded.updated_at
	`, st.Scope, st.Provider, string(st.State), st.LastError, unixOrZero(st.LastSyncedAt), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to save mailbox state: %w", err)
	}
	return nil
}
