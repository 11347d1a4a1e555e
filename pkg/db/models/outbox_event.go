package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/packfinderz-ledger/pkg/enums"
)

// OutboxEvent is one pending notification about a ledger or payout change.
// Rows are inserted in the transaction that made the change; the relay
// publishes them and stamps PublishedAt. At most one row exists per
// (event type, aggregate) pair.
type OutboxEvent struct {
	ID            uuid.UUID                 `gorm:"column:id;type:uuid;primaryKey"`
	EventType     enums.OutboxEventType     `gorm:"column:event_type;type:event_type_enum;not null"`
	AggregateType enums.OutboxAggregateType `gorm:"column:aggregate_type;type:aggregate_type_enum;not null"`
	AggregateID   uuid.UUID                 `gorm:"column:aggregate_id;type:uuid;not null"`
	Payload       json.RawMessage           `gorm:"column:payload;type:jsonb;not null"`
	CreatedAt     time.Time                 `gorm:"column:created_at;autoCreateTime"`
	PublishedAt   *time.Time                `gorm:"column:published_at"`
	AttemptCount  int                       `gorm:"column:attempt_count;not null;default:0"`
	NextAttemptAt *time.Time                `gorm:"column:next_attempt_at"`
	LastError     *string                   `gorm:"column:last_error"`
}

func (OutboxEvent) TableName() string { return "outbox_events" }

// Published reports whether the relay already delivered the event.
func (e OutboxEvent) Published() bool { return e.PublishedAt != nil }

// NextAttempt is the attempt number the relay is about to make.
func (e OutboxEvent) NextAttempt() int { return e.AttemptCount + 1 }
