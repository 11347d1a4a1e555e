package cron

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

const defaultLockTTL = time.Hour

// ErrLockLost is returned by Refresh when the lock expired and was taken by
// another worker.
var ErrLockLost = errors.New("cron lock lost")

// Lock keeps cron cycles exclusive across worker replicas.
type Lock interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// refresher is implemented by locks whose lease can be extended while a
// cycle is still running.
type refresher interface {
	Refresh(ctx context.Context) error
}

type lockStore interface {
	SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error)
	DelIfValue(ctx context.Context, key, value string) (bool, error)
	ExpireIfValue(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
}

// RedisLock is a lease on a single Redis key. The key holds an owner token
// so only the holder can extend or release it.
type RedisLock struct {
	store lockStore
	key   string
	lease time.Duration

	mu    sync.Mutex
	token string
	newID func() string
}

// NewRedisLock builds a lease on key. A non-positive lease uses one hour.
func NewRedisLock(store lockStore, key string, lease time.Duration) (*RedisLock, error) {
	switch {
	case store == nil:
		return nil, errors.New("redis client required for lock")
	case key == "":
		return nil, errors.New("lock key is required")
	}
	if lease <= 0 {
		lease = defaultLockTTL
	}
	return &RedisLock{store: store, key: key, lease: lease, newID: ownerToken}, nil
}

// ownerToken identifies the process holding the lease, which makes a stuck
// key traceable to a pod.
func ownerToken() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return fmt.Sprintf("%s:%d:%s", host, os.Getpid(), uuid.NewString())
}

// Acquire takes the lease if no one holds it.
func (l *RedisLock) Acquire(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	token := l.newID()
	ok, err := l.store.SetNX(ctx, l.key, token, l.lease)
	if err != nil {
		return false, fmt.Errorf("acquire %s: %w", l.key, err)
	}
	if ok {
		l.token = token
	}
	return ok, nil
}

// Refresh extends a held lease back to its full length.
func (l *RedisLock) Refresh(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.token == "" {
		return ErrLockLost
	}
	ok, err := l.store.ExpireIfValue(ctx, l.key, l.token, l.lease)
	if err != nil {
		return fmt.Errorf("refresh %s: %w", l.key, err)
	}
	if !ok {
		l.token = ""
		return ErrLockLost
	}
	return nil
}

// Release drops the lease if this instance still holds it. A key that
// expired and was taken by another worker is left in place.
func (l *RedisLock) Release(ctx context.Context) error {
	l.mu.Lock()
	token := l.token
	l.token = ""
	l.mu.Unlock()

	if token == "" {
		return nil
	}
	if _, err := l.store.DelIfValue(ctx, l.key, token); err != nil {
		return fmt.Errorf("release %s: %w", l.key, err)
	}
	return nil
}
