// Package store provides database operations for all inbound entities.
package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"strings"
	"time"
)

const (
	pruneBatchSize  = 10000
	pruneBatchPause = 100 * time.Millisecond
)

// Store provides database operations for inbound entities
type Store struct {
	db *sql.DB
}

// NewStore creates a new store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle for advisory locks and health checks.
func (s *Store) DB() *sql.DB {
	return s.db
}

// batchDelete runs a LIMIT-bounded delete until no matching rows
// remain. Bounded batches keep row locks short so retention passes
// never stall live traffic. Returns the total rows removed; on error
// the count covers the batches that completed.
func (s *Store) batchDelete(ctx context.Context, query string, olderThan time.Time) (int64, error) {
	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		stmtCtx, cancel := context.WithTimeout(ctx, time.Minute)
		res, err := s.db.ExecContext(stmtCtx, query, olderThan, pruneBatchSize)
		cancel()
		if err != nil {
			return total, err
		}

		n, err := res.RowsAffected()
		if err != nil {
			return total, err
		}
		if n == 0 {
			return total, nil
		}
		total += n
		time.Sleep(pruneBatchPause)
	}
}

// HashKey creates a SHA256 hash of an API key or email address
func HashKey(key string) string {
	h := sha256.Sum256([]byte(key))
	return hex.EncodeToString(h[:])
}

// NormalizeEmail lowercases and trims an email address for matching
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
