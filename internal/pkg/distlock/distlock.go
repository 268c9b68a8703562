// Package distlock provides named, best-effort mutual exclusion across
// repricer processes. Redis is preferred; a Postgres advisory lock and a
// process-local lock are available when Redis is not configured.
package distlock

import (
	"context"
	"database/sql"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DistLock is a single named lock. An instance tracks its own ownership and
// must not be shared between goroutines.
type DistLock interface {
	// Acquire tries to take the lock without blocking. Returns true if taken.
	Acquire(ctx context.Context) (bool, error)
	// Release gives the lock back if this instance still owns it.
	Release(ctx context.Context) error
	// Extend pushes the expiry out to ttl from now. It returns ErrNotOwner
	// when the hold was lost.
	Extend(ctx context.Context, ttl time.Duration) error
}

// Factory hands out locks by name.
type Factory interface {
	New(key string, ttl time.Duration) DistLock
}

// NewFactory picks the best backend: Redis, then Postgres, then in-process.
func NewFactory(redisClient *redis.Client, db *sql.DB) Factory {
	switch {
	case redisClient != nil:
		return redisFactory{client: redisClient}
	case db != nil:
		return pgFactory{db: db}
	default:
		return NewLocalFactory()
	}
}

type redisFactory struct{ client *redis.Client }

func (f redisFactory) New(key string, ttl time.Duration) DistLock {
	return NewRedisLock(f.client, key, ttl)
}

type pgFactory struct{ db *sql.DB }

func (f pgFactory) New(key string, _ time.Duration) DistLock {
	return NewPGAdvisoryLock(f.db, key)
}

// PGAdvisoryLock uses pg_try_advisory_lock. Advisory locks belong to a
// database session, so the lock pins one pooled connection until Release.
type PGAdvisoryLock struct {
	db     *sql.DB
	lockID int64
	conn   *sql.Conn
}

// NewPGAdvisoryLock derives a stable lock id from key.
func NewPGAdvisoryLock(db *sql.DB, key string) *PGAdvisoryLock {
	h := fnv.New64a()
	h.Write([]byte(key))
	return &PGAdvisoryLock{db: db, lockID: int64(h.Sum64())}
}

func (l *PGAdvisoryLock) Acquire(ctx context.Context) (bool, error) {
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return false, fmt.Errorf("advisory lock conn: %w", err)
	}
	var acquired bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", l.lockID).Scan(&acquired); err != nil {
		conn.Close()
		return false, fmt.Errorf("advisory lock %d: %w", l.lockID, err)
	}
	if !acquired {
		conn.Close()
		return false, nil
	}
	l.conn = conn
	return true, nil
}

func (l *PGAdvisoryLock) Release(ctx context.Context) error {
	if l.conn == nil {
		return nil
	}
	defer func() {
		l.conn.Close()
		l.conn = nil
	}()
	_, err := l.conn.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", l.lockID)
	return err
}

// Extend checks that the session holding the advisory lock is still alive.
// Advisory locks have no expiry, so ttl is ignored.
func (l *PGAdvisoryLock) Extend(ctx context.Context, _ time.Duration) error {
	if l.conn == nil {
		return ErrNotOwner
	}
	if err := l.conn.PingContext(ctx); err != nil {
		return fmt.Errorf("advisory lock %d: %w: %v", l.lockID, ErrNotOwner, err)
	}
	return nil
}

// LocalFactory serializes lock holders inside one process. TTLs are honoured
// so a holder that never releases does not wedge the key forever.
type LocalFactory struct {
	mu    sync.Mutex
	held  map[string]localHold
	nowFn func() time.Time
}

type localHold struct {
	owner   *localLock
	expires time.Time
}

// NewLocalFactory creates an in-process lock table.
func NewLocalFactory() *LocalFactory {
	return &LocalFactory{held: make(map[string]localHold), nowFn: time.Now}
}

func (f *LocalFactory) New(key string, ttl time.Duration) DistLock {
	return &localLock{factory: f, key: key, ttl: ttl}
}

type localLock struct {
	factory *LocalFactory
	key     string
	ttl     time.Duration
}

func (l *localLock) Acquire(_ context.Context) (bool, error) {
	f := l.factory
	f.mu.Lock()
	defer f.mu.Unlock()
	now := f.nowFn()
	if h, ok := f.held[l.key]; ok && h.owner != l && (h.expires.IsZero() || now.Before(h.expires)) {
		return false, nil
	}
	var exp time.Time
	if l.ttl > 0 {
		exp = now.Add(l.ttl)
	}
	f.held[l.key] = localHold{owner: l, expires: exp}
	return true, nil
}

func (l *localLock) Release(_ context.Context) error {
	f := l.factory
	f.mu.Lock()
	defer f.mu.Unlock()
	if h, ok := f.held[l.key]; ok && h.owner == l {
		delete(f.held, l.key)
	}
	return nil
}

func (l *localLock) Extend(_ context.Context, ttl time.Duration) error {
	f := l.factory
	f.mu.Lock()
	defer f.mu.Unlock()
	now := f.nowFn()
	h, ok := f.held[l.key]
	if !ok || h.owner != l || (!h.expires.IsZero() && !now.Before(h.expires)) {
		return ErrNotOwner
	}
	if ttl > 0 {
		h.expires = now.Add(ttl)
	}
	f.held[l.key] = h
	return nil
}
