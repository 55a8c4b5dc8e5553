// Package leaderlock provides a Redis-backed distributed lock that
// keeps exactly one replica of the scheduler daemon running a cycle at
// a time when more than one instance points at the same cluster.
package leaderlock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrNotHeld is returned by Release and Renew when the lock is not (or
// no longer) held by this instance.
var ErrNotHeld = errors.New("leaderlock: lock not held by this instance")

// Config addresses the Redis instance backing the lock.
type Config struct {
	Addr     string
	Password string
	DB       int
	Key      string
	TTL      time.Duration
}

// Lock is a single-key distributed mutex. A disabled Lock (Enabled
// false at construction) is a permissive no-op, so callers can run a
// single-instance deployment without standing up Redis.
type Lock struct {
	client  *redis.Client
	key     string
	ttl     time.Duration
	token   string
	enabled bool
}

// New builds a Lock from cfg. When enabled is false, TryAcquire/Release/
// Renew always succeed without touching Redis.
func New(cfg Config, enabled bool) *Lock {
	l := &Lock{
		key:     cfg.Key,
		ttl:     cfg.TTL,
		token:   uuid.NewString(),
		enabled: enabled,
	}
	if !enabled {
		return l
	}
	l.client = redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return l
}

// Close releases the underlying Redis client, if any.
func (l *Lock) Close() error {
	if l.client == nil {
		return nil
	}
	return l.client.Close()
}

// TryAcquire attempts to take the lock with SET key token NX EX ttl. It
// returns true if this instance now holds the lock, false if another
// instance already holds it.
func (l *Lock) TryAcquire(ctx context.Context) (bool, error) {
	if !l.enabled {
		return true, nil
	}
	ok, err := l.client.SetNX(ctx, l.key, l.token, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("leaderlock: acquire %s: %w", l.key, err)
	}
	return ok, nil
}

// releaseScript deletes the key only if it still holds this instance's
// token, so an instance never releases a lock another instance has
// since acquired after this one's TTL lapsed.
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end`

// Release gives up the lock, if this instance still holds it.
func (l *Lock) Release(ctx context.Context) error {
	if !l.enabled {
		return nil
	}
	n, err := l.client.Eval(ctx, releaseScript, []string{l.key}, l.token).Int64()
	if err != nil {
		return fmt.Errorf("leaderlock: release %s: %w", l.key, err)
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}

// renewScript extends the key's TTL only if this instance still holds
// it, guarding against renewing a lock that has already been taken
// over by another instance.
const renewScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
	return 0
end`

// Renew extends the lock's TTL, for cycles that run longer than the
// configured TTL.
func (l *Lock) Renew(ctx context.Context) error {
	if !l.enabled {
		return nil
	}
	n, err := l.client.Eval(ctx, renewScript, []string{l.key}, l.token, l.ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("leaderlock: renew %s: %w", l.key, err)
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}

// WithLock runs fn only if the lock is acquired, then releases it.
// Returns false without calling fn if another instance holds the lock.
func WithLock(ctx context.Context, l *Lock, fn func(ctx context.Context) error) (ran bool, err error) {
	ok, err := l.TryAcquire(ctx)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	defer func() {
		if releaseErr := l.Release(ctx); releaseErr != nil && err == nil {
			err = releaseErr
		}
	}()
	return true, fn(ctx)
}
