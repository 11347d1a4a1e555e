package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/packfinderz-ledger/pkg/enums"
)

// LedgerEntry records one applied balance mutation. Entries are append-only;
// (vendor_id, idempotency_key) is unique when the key is present.
type LedgerEntry struct {
	ID              uuid.UUID             `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	VendorID        uuid.UUID             `gorm:"column:vendor_id;type:uuid;not null"`
	Type            enums.LedgerEntryType `gorm:"column:type;type:ledger_entry_type_enum;not null"`
	AmountCents     int64                 `gorm:"column:amount_cents;not null"`
	IdempotencyKey  *string               `gorm:"column:idempotency_key"`
	PayoutRequestID *uuid.UUID            `gorm:"column:payout_request_id;type:uuid"`
	BalanceVersion  int64                 `gorm:"column:balance_version;not null"`
	Metadata        json.RawMessage       `gorm:"column:metadata;type:jsonb"`
	CreatedAt       time.Time             `gorm:"column:created_at;autoCreateTime"`
}

func (LedgerEntry) TableName() string { return "ledger_entries" }
