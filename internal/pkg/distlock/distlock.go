// Package distlock elects a single worker across instances. Redis is
// the preferred backend: SET NX with a TTL means a crashed holder's
// lock expires on its own. Deployments without Redis fall back to
// Postgres advisory locks, which the session releases automatically
// when its connection drops.
package distlock

import (
	"context"
	"database/sql"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Lock is a non-blocking cross-process mutex. Acquire returns false
// without error while another holder has the lock. A Lock instance is
// not safe for concurrent use; share the backend client, not the Lock.
type Lock interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// New picks the best available backend: Redis when a client is
// configured, otherwise advisory locks on db. The ttl only applies to
// the Redis backend.
func New(redisClient *redis.Client, db *sql.DB, key string, ttl time.Duration) Lock {
	if redisClient != nil {
		return newRedisLock(redisClient, key, ttl)
	}
	return newAdvisoryLock(db, key)
}

// The delete must be conditional on still owning the key: a lock that
// expired and was re-acquired elsewhere belongs to the new holder.
const releaseLuaScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`

type redisLock struct {
	client *redis.Client
	key    string
	owner  string
	ttl    time.Duration

	releaseScript *redis.Script
}

func newRedisLock(client *redis.Client, key string, ttl time.Duration) *redisLock {
	return &redisLock{
		client:        client,
		key:           "lock:" + key,
		owner:         uuid.New().String(),
		ttl:           ttl,
		releaseScript: redis.NewScript(releaseLuaScript),
	}
}

func (l *redisLock) Acquire(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.owner, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquiring lock %s: %w", l.key, err)
	}
	return ok, nil
}

func (l *redisLock) Release(ctx context.Context) error {
	return l.releaseScript.Run(ctx, l.client, []string{l.key}, l.owner).Err()
}

// advisoryLock hashes the key into the bigint space pg_advisory_lock
// works with. Advisory locks are session scoped, and database/sql
// hands out pooled connections, so the lock pins the connection it
// acquired on and releases on that same connection.
type advisoryLock struct {
	db   *sql.DB
	id   int64
	conn *sql.Conn
}

func newAdvisoryLock(db *sql.DB, key string) *advisoryLock {
	h := fnv.New64a()
	h.Write([]byte(key))
	return &advisoryLock{db: db, id: int64(h.Sum64())}
}

func (l *advisoryLock) Acquire(ctx context.Context) (bool, error) {
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return false, fmt.Errorf("acquiring advisory lock: %w", err)
	}

	var acquired bool
	err = conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, l.id).Scan(&acquired)
	if err != nil {
		conn.Close()
		return false, fmt.Errorf("acquiring advisory lock: %w", err)
	}
	if !acquired {
		conn.Close()
		return false, nil
	}

	l.conn = conn
	return true, nil
}

func (l *advisoryLock) Release(ctx context.Context) error {
	if l.conn == nil {
		return nil
	}
	_, err := l.conn.ExecContext(ctx, `SELECT pg_advisory_unlock($1)`, l.id)
	closeErr := l.conn.Close()
	l.conn = nil
	if err != nil {
		return fmt.Errorf("releasing advisory lock: %w", err)
	}
	return closeErr
}
