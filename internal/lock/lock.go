package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"example.com/backstage/plm/domain"
)

// Locker serializes mutations of one entity. Acquire blocks until the lock
// is held or ctx is done; a lock that cannot be obtained is a ConflictError.
type Locker interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}

type localEntry struct {
	ch   chan struct{}
	refs int
}

// LocalLocker is an in-process keyed mutex
type LocalLocker struct {
	mu    sync.Mutex
	locks map[string]*localEntry
}

// NewLocalLocker creates an in-process locker
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{locks: map[string]*localEntry{}}
}

// Acquire takes the lock for key
func (l *LocalLocker) Acquire(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	e, ok := l.locks[key]
	if !ok {
		e = &localEntry{ch: make(chan struct{}, 1)}
		l.locks[key] = e
	}
	e.refs++
	l.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-e.ch
				l.forget(key, e)
			})
		}, nil
	case <-ctx.Done():
		l.forget(key, e)
		return nil, domain.WrapConflict(fmt.Sprintf("%s is busy with another operation", key), ctx.Err())
	}
}

func (l *LocalLocker) forget(key string, e *localEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.locks, key)
	}
}

// RedisLocker holds entity locks in Redis so that several service
// instances serialize on the same entity.
type RedisLocker struct {
	client *redislock.Client
	ttl    time.Duration
	retry  time.Duration
}

// NewRedisLocker creates a distributed locker. ttl bounds how long a crashed
// holder can keep an entity locked.
func NewRedisLocker(rdb redis.UniversalClient, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisLocker{
		client: redislock.New(rdb),
		ttl:    ttl,
		retry:  50 * time.Millisecond,
	}
}

// Acquire takes the lock for key, retrying until ctx is done
func (l *RedisLocker) Acquire(ctx context.Context, key string) (func(), error) {
	lock, err := l.client.Obtain(ctx, "plm:lock:"+key, l.ttl, &redislock.Options{
		RetryStrategy: redislock.LinearBackoff(l.retry),
	})
	if errors.Is(err, redislock.ErrNotObtained) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return nil, domain.WrapConflict(fmt.Sprintf("%s is busy with another operation", key), err)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to obtain lock for %s: %w", key, err)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// the caller's context may already be done
			releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := lock.Release(releaseCtx); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
				log.Warn().Err(err).Str("key", key).Msg("Failed to release lock")
			}
		})
	}, nil
}
