package cron

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

type memoryStore struct {
	values map[string]string
	ttls   map[string]time.Duration
}

func newMemoryStore() *memoryStore {
	return &memoryStore{values: map[string]string{}, ttls: map[string]time.Duration{}}
}

func (m *memoryStore) SetNX(_ context.Context, key string, value any, ttl time.Duration) (bool, error) {
	if _, ok := m.values[key]; ok {
		return false, nil
	}
	m.values[key] = value.(string)
	m.ttls[key] = ttl
	return true, nil
}

func (m *memoryStore) DelIfValue(_ context.Context, key, value string) (bool, error) {
	if m.values[key] != value {
		return false, nil
	}
	delete(m.values, key)
	return true, nil
}

func (m *memoryStore) ExpireIfValue(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	if m.values[key] != value {
		return false, nil
	}
	m.ttls[key] = ttl
	return true, nil
}

func TestRedisLockIsExclusive(t *testing.T) {
	store := newMemoryStore()
	first, err := NewRedisLock(store, "pfl:lock:cron-worker:test", 15*time.Minute)
	if err != nil {
		t.Fatalf("new lock: %v", err)
	}
	second, _ := NewRedisLock(store, "pfl:lock:cron-worker:test", 15*time.Minute)
	ctx := context.Background()

	if ok, err := first.Acquire(ctx); err != nil || !ok {
		t.Fatalf("first acquire: ok=%v err=%v", ok, err)
	}
	if store.ttls["pfl:lock:cron-worker:test"] != 15*time.Minute {
		t.Fatalf("lock ttl not applied")
	}
	if ok, _ := second.Acquire(ctx); ok {
		t.Fatal("second instance must not acquire a held lock")
	}
	// A lock that never acquired must not delete someone else's key.
	if err := second.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, ok := store.values["pfl:lock:cron-worker:test"]; !ok {
		t.Fatal("lock removed by non-owner")
	}

	if err := first.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	if ok, _ := second.Acquire(ctx); !ok {
		t.Fatal("expected lock to be free after owner released")
	}
}

func TestRedisLockDefaultsTTL(t *testing.T) {
	lock, err := NewRedisLock(newMemoryStore(), "k", 0)
	if err != nil {
		t.Fatalf("new lock: %v", err)
	}
	if lock.lease != defaultLockTTL {
		t.Fatalf("expected default lease, got %s", lock.lease)
	}
	if _, err := NewRedisLock(nil, "k", 0); err == nil {
		t.Fatal("expected error without store")
	}
}

func TestRedisLockReleaseKeepsTakenOverKey(t *testing.T) {
	store := newMemoryStore()
	lock, _ := NewRedisLock(store, "k", time.Minute)
	ctx := context.Background()
	if ok, _ := lock.Acquire(ctx); !ok {
		t.Fatal("expected acquire")
	}
	// Simulate expiry followed by another instance taking the lock.
	store.values["k"] = "other-owner"
	if err := lock.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	if store.values["k"] != "other-owner" {
		t.Fatal("release must not remove a lock held by another owner")
	}
}

func TestRedisLockRefresh(t *testing.T) {
	store := newMemoryStore()
	lock, _ := NewRedisLock(store, "k", time.Minute)
	ctx := context.Background()

	if err := lock.Refresh(ctx); !errors.Is(err, ErrLockLost) {
		t.Fatalf("refresh before acquire: %v", err)
	}
	if ok, _ := lock.Acquire(ctx); !ok {
		t.Fatal("expected acquire")
	}
	store.ttls["k"] = time.Second
	if err := lock.Refresh(ctx); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if store.ttls["k"] != time.Minute {
		t.Fatalf("lease not extended, ttl=%s", store.ttls["k"])
	}

	store.values["k"] = "other-owner"
	if err := lock.Refresh(ctx); !errors.Is(err, ErrLockLost) {
		t.Fatalf("expected lost lock, got %v", err)
	}
	if err := lock.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	if store.values["k"] != "other-owner" {
		t.Fatal("lost lease must not delete the new owner's key")
	}
}

func TestOwnerTokenIsUnique(t *testing.T) {
	a, b := ownerToken(), ownerToken()
	if a == b {
		t.Fatal("owner tokens must differ between acquisitions")
	}
	if strings.Count(a, ":") < 2 {
		t.Fatalf("owner token should carry host and pid, got %q", a)
	}
}
