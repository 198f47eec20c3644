package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// CreateUser creates a new user
func (s *Store) CreateUser(ctx context.Context, user *User) error {
	if user.ID == "" {
		user.ID = uuid.New().String()
	}
	user.Email = NormalizeEmail(user.Email)
	user.CreatedAt = time.Now()

	query := `INSERT INTO users (id, email, name, created_at) VALUES ($1, $2, $3, $4)`
	_, err := s.db.ExecContext(ctx, query, user.ID, user.Email, user.Name, user.CreatedAt)
	return err
}

// GetUser retrieves a user by ID
func (s *Store) GetUser(ctx context.Context, id string) (*User, error) {
	query := `SELECT id, email, COALESCE(name, ''), created_at FROM users WHERE id = $1`

	user := &User{}
	err := s.db.QueryRowContext(ctx, query, id).Scan(&user.ID, &user.Email, &user.Name, &user.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return user, err
}

// GetUserByEmail retrieves a user by normalized email
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	query := `SELECT id, email, COALESCE(name, ''), created_at FROM users WHERE email = $1`

	user := &User{}
	err := s.db.QueryRowContext(ctx, query, NormalizeEmail(email)).Scan(&user.ID, &user.Email, &user.Name, &user.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return user, err
}

// CountUsers returns the total number of users (used for bootstrap detection)
func (s *Store) CountUsers(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&count)
	return count, err
}

// CreateAPIKey stores a new API key. key.KeyHash must already be set.
func (s *Store) CreateAPIKey(ctx context.Context, key *APIKey) error {
	if key.ID == "" {
		key.ID = uuid.New().String()
	}
	key.CreatedAt = time.Now()

	query := `INSERT INTO api_keys (id, user_id, name, key_hash, key_hint, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := s.db.ExecContext(ctx, query, key.ID, key.UserID, key.Name, key.KeyHash,
		key.KeyHint, key.CreatedAt, key.ExpiresAt)
	return err
}

// GetAPIKeyByHash resolves an API key by its SHA-256 hash. Revoked keys are
// not returned; expiry is checked by the caller so it can distinguish the
// two cases in logs.
func (s *Store) GetAPIKeyByHash(ctx context.Context, hash string) (*APIKey, error) {
	query := `SELECT id, user_id, name, key_hash, key_hint, created_at, last_used_at, expires_at
		FROM api_keys WHERE key_hash = $1 AND revoked_at IS NULL`

	key := &APIKey{}
	err := s.db.QueryRowContext(ctx, query, hash).Scan(&key.ID, &key.UserID, &key.Name,
		&key.KeyHash, &key.KeyHint, &key.CreatedAt, &key.LastUsedAt, &key.ExpiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return key, err
}

// GetAPIKeys lists a user's keys, newest first
func (s *Store) GetAPIKeys(ctx context.Context, userID string) ([]*APIKey, error) {
	query := `SELECT id, user_id, name, key_hint, created_at, last_used_at, expires_at, revoked_at
		FROM api_keys WHERE user_id = $1 ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []*APIKey
	for rows.Next() {
		key := &APIKey{}
		err := rows.Scan(&key.ID, &key.UserID, &key.Name, &key.KeyHint,
			&key.CreatedAt, &key.LastUsedAt, &key.ExpiresAt, &key.RevokedAt)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// RevokeAPIKey marks a key revoked. Returns false if the key does not exist
// or belongs to another user.
func (s *Store) RevokeAPIKey(ctx context.Context, userID, keyID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET revoked_at = NOW() WHERE id = $1 AND user_id = $2 AND revoked_at IS NULL`,
		keyID, userID)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// TouchAPIKey updates last_used_at. Called asynchronously on each request.
func (s *Store) TouchAPIKey(ctx context.Context, keyID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE api_keys SET last_used_at = NOW() WHERE id = $1`, keyID)
	return err
}
