// ABOUTME: API key persistence for SQLiteStore
// ABOUTME: Keys are looked up by their public prefix and carry only a bcrypt hash

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const apiKeyColumns = `id, user_id, name, prefix, key_hash, created_at, last_used_at, revoked_at`

// CreateAPIKey stores a key and sets its ID.
func (s *SQLiteStore) CreateAPIKey(ctx context.Context, k *APIKey) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO api_keys (user_id, name, prefix, key_hash, created_at, last_used_at, revoked_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		k.UserID,
		k.Name,
		k.Prefix,
		k.Hash,
		formatTime(k.CreatedAt),
		nullTime(k.LastUsedAt),
		nullTime(k.RevokedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateKeyPrefix
		}
		return fmt.Errorf("inserting api key: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading api key id: %w", err)
	}
	k.ID = id
	return nil
}

// GetAPIKeyByPrefix finds a key by its prefix, revoked or not.
func (s *SQLiteStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) (*APIKey, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+apiKeyColumns+` FROM api_keys WHERE prefix = ?`, prefix)
	k, err := scanAPIKey(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying api key: %w", err)
	}
	return k, nil
}

// ListAPIKeys returns a user's keys ordered by ID.
func (s *SQLiteStore) ListAPIKeys(ctx context.Context, userID int64) ([]*APIKey, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+apiKeyColumns+` FROM api_keys WHERE user_id = ? ORDER BY id`, userID)
	if err != nil {
		return nil, fmt.Errorf("querying api keys: %w", err)
	}
	defer rows.Close()

	var keys []*APIKey
	for rows.Next() {
		k, err := scanAPIKey(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning api key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// TouchAPIKey records a successful use of the key.
func (s *SQLiteStore) TouchAPIKey(ctx context.Context, id int64, at time.Time) error {
	return s.setAPIKeyTime(ctx, "last_used_at", id, at)
}

// RevokeAPIKey marks the key as revoked.
func (s *SQLiteStore) RevokeAPIKey(ctx context.Context, id int64, at time.Time) error {
	return s.setAPIKeyTime(ctx, "revoked_at", id, at)
}

func (s *SQLiteStore) setAPIKeyTime(ctx context.Context, column string, id int64, at time.Time) error {
	// column is one of two constants above, never user input
	res, err := s.db.ExecContext(ctx, `UPDATE api_keys SET `+column+` = ? WHERE id = ?`, formatTime(at), id)
	if err != nil {
		return fmt.Errorf("updating api key %s: %w", column, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanAPIKey(row rowScanner) (*APIKey, error) {
	var k APIKey
	var createdAt string
	var lastUsed, revoked sql.NullString

	if err := row.Scan(&k.ID, &k.UserID, &k.Name, &k.Prefix, &k.Hash, &createdAt, &lastUsed, &revoked); err != nil {
		return nil, err
	}

	var err error
	if k.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return nil, err
	}
	if k.LastUsedAt, err = parseNullTime("last_used_at", lastUsed); err != nil {
		return nil, err
	}
	if k.RevokedAt, err = parseNullTime("revoked_at", revoked); err != nil {
		return nil, err
	}
	return &k, nil
}
