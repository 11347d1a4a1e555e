package idempotency

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/angelmondragon/packfinderz-ledger/pkg/redis"
)

// State is the outcome of claiming an event.
type State int

const (
	// Claimed means the caller owns the event and must Complete or Forget it.
	Claimed State = iota
	// InFlight means another delivery is being handled right now.
	InFlight
	// Processed means the event was already handled.
	Processed
)

func (s State) String() string {
	switch s {
	case Claimed:
		return "claimed"
	case InFlight:
		return "in_flight"
	case Processed:
		return "processed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

const (
	DefaultLease = 5 * time.Minute

	markerInFlight  = "in_flight"
	markerProcessed = "processed"
)

// Manager deduplicates Pub/Sub deliveries per consumer. A claim is a short
// lease so a consumer that dies mid-event does not block redelivery for the
// full retention; Complete replaces it with a long-lived processed marker.
// Keys follow `pfl:idempotency:evt:<consumer>:<event_id>`.
type Manager struct {
	store redis.IdempotencyStore
	ttl   time.Duration
	lease time.Duration
}

// NewManager keeps processed markers for ttl. A non-positive lease uses
// DefaultLease.
func NewManager(store redis.IdempotencyStore, ttl, lease time.Duration) (*Manager, error) {
	if store == nil {
		return nil, errors.New("idempotency store is required")
	}
	if ttl <= 0 {
		return nil, errors.New("ttl must be positive")
	}
	if lease <= 0 {
		lease = DefaultLease
	}
	if lease > ttl {
		lease = ttl
	}
	return &Manager{store: store, ttl: ttl, lease: lease}, nil
}

// Claim takes the lease on eventID for consumer, or reports who has it.
func (m *Manager) Claim(ctx context.Context, consumer, eventID string) (State, error) {
	key, err := m.key(consumer, eventID)
	if err != nil {
		return InFlight, err
	}
	ok, err := m.store.SetNX(ctx, key, markerInFlight, m.lease)
	if err != nil {
		return InFlight, fmt.Errorf("claim %s: %w", key, err)
	}
	if ok {
		return Claimed, nil
	}
	marker, err := m.store.Get(ctx, key)
	switch {
	case errors.Is(err, goredis.Nil):
		// The lease expired between the two calls; let redelivery retry.
		return InFlight, nil
	case err != nil:
		return InFlight, fmt.Errorf("inspect %s: %w", key, err)
	case marker == markerProcessed:
		return Processed, nil
	}
	return InFlight, nil
}

// Complete records eventID as handled for the retention ttl.
func (m *Manager) Complete(ctx context.Context, consumer, eventID string) error {
	key, err := m.key(consumer, eventID)
	if err != nil {
		return err
	}
	if err := m.store.Set(ctx, key, markerProcessed, m.ttl); err != nil {
		return fmt.Errorf("complete %s: %w", key, err)
	}
	return nil
}

// Forget releases a lease so the next delivery is handled again. A
// processed marker is never removed.
func (m *Manager) Forget(ctx context.Context, consumer, eventID string) error {
	key, err := m.key(consumer, eventID)
	if err != nil {
		return err
	}
	if _, err := m.store.DelIfValue(ctx, key, markerInFlight); err != nil {
		return fmt.Errorf("forget %s: %w", key, err)
	}
	return nil
}

func (m *Manager) key(consumer, eventID string) (string, error) {
	consumer, eventID = strings.TrimSpace(consumer), strings.TrimSpace(eventID)
	if consumer == "" {
		return "", errors.New("consumer name is required")
	}
	if eventID == "" {
		return "", errors.New("event id is required")
	}
	return m.store.IdempotencyKey("evt:"+consumer, eventID), nil
}
