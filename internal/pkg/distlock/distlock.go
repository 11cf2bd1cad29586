// Package distlock serializes report runs against the same destination table
// across processes, so two hosts never prepare one table at once.
package distlock

import (
	"context"
	"database/sql"
	"errors"
	"hash/fnv"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrHeld is returned when another process owns the lock.
	ErrHeld = errors.New("lock held by another run")
	// ErrLost means a renewal found the lock expired or taken over.
	ErrLost = errors.New("lock lost")
)

// Lock is a single named lock. A Lock is not safe for concurrent use.
type Lock interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// Extender is a Lock that expires unless renewed.
type Extender interface {
	Lock
	TTL() time.Duration
	Extend(ctx context.Context, ttl time.Duration) (bool, error)
}

// Keepalive renews l every third of its TTL until stop is called. The first
// failed renewal calls lost once and ends the loop. Locks that do not expire
// get a no-op stop.
func Keepalive(ctx context.Context, l Lock, lost func(error)) (stop func()) {
	ext, ok := l.(Extender)
	if !ok || ext.TTL() <= 0 {
		return func() {}
	}
	ttl := ext.TTL()

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(ttl / 3)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			ok, err := ext.Extend(ctx, ttl)
			if ctx.Err() != nil {
				return
			}
			if err == nil && !ok {
				err = ErrLost
			}
			if err != nil {
				lost(err)
				return
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

// Locker hands out locks by key.
type Locker interface {
	Lock(key string) Lock
}

// LockerFunc adapts a function to Locker.
type LockerFunc func(key string) Lock

func (f LockerFunc) Lock(key string) Lock { return f(key) }

// NewLocker prefers Redis, then postgres advisory locks, then no locking.
func NewLocker(client *redis.Client, db *sql.DB, dialect string, ttl time.Duration) Locker {
	switch {
	case client != nil:
		return LockerFunc(func(key string) Lock { return NewRedisLock(client, key, ttl) })
	case db != nil && dialect == "postgres":
		return LockerFunc(func(key string) Lock { return NewAdvisoryLock(db, key) })
	default:
		return LockerFunc(func(string) Lock { return Noop{} })
	}
}

// Noop always succeeds. Used for single-process deployments.
type Noop struct{}

func (Noop) Acquire(context.Context) (bool, error) { return true, nil }
func (Noop) Release(context.Context) error         { return nil }

// AdvisoryLock uses postgres session advisory locks. The lock drops with the
// connection, so it is held on a dedicated *sql.Conn.
type AdvisoryLock struct {
	db   *sql.DB
	id   int64
	conn *sql.Conn
}

func NewAdvisoryLock(db *sql.DB, key string) *AdvisoryLock {
	h := fnv.New64a()
	h.Write([]byte(key))
	return &AdvisoryLock{db: db, id: int64(h.Sum64())}
}

func (l *AdvisoryLock) Acquire(ctx context.Context) (bool, error) {
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return false, err
	}
	var ok bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", l.id).Scan(&ok); err != nil {
		conn.Close()
		return false, err
	}
	if !ok {
		conn.Close()
		return false, nil
	}
	l.conn = conn
	return true, nil
}

func (l *AdvisoryLock) Release(ctx context.Context) error {
	if l.conn == nil {
		return nil
	}
	defer func() {
		l.conn.Close()
		l.conn = nil
	}()
	_, err := l.conn.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", l.id)
	return err
}
