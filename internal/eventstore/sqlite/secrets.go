package sqlite

import (
	"context"
	"fmt"
	"time"
)

// PutSecrets upserts every key of values under scope in one transaction
func (s *Store) PutSecrets(ctx context.Context, scope string, values map[string][]byte) error {
	tx, err := s.DB.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().Unix()
	for key, value := range values {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO secrets (scope, key, value, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(scope, key) DO UPDATE SET
				value = excluded.value,
				updated_at = excluded.updated_at
		`, scope, key, value, now)
		if err != nil {
			return fmt.Errorf("failed to upsert secret %s: %w", key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit secrets: %w", err)
	}
	return nil
}

// GetSecret returns the stored value for (scope, key)
func (s *Store) GetSecret(ctx context.Context, scope, key string) ([]byte, bool, error) {
	var value []byte
	err := s.DB.GetContext(ctx, &value, `SELECT value FROM secrets WHERE scope = ? AND key = ?`, scope, key)
	if err != nil {
		if isNoRows(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to load secret: %w", err)
	}
	return value, true, nil
}

// DeleteSecrets removes keys under scope. Missing keys are ignored.
func (s *Store) DeleteSecrets(ctx context.Context, scope string, keys ...string) error {
	for _, key := range keys {
		if _, err := s.DB.ExecContext(ctx, `DELETE FROM secrets WHERE scope = ? AND key = ?`, scope, key); err != nil {
			return fmt.Errorf("failed to delete secret %s: %w", key, err)
		}
	}
	return nil
}
