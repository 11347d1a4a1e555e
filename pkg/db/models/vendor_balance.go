package models

import (
	"time"

	"github.com/google/uuid"
)

// VendorBalance is the single mutable money record per vendor. Every write is
// conditioned on Version, which increases by one per applied mutation.
type VendorBalance struct {
	VendorID            uuid.UUID `gorm:"column:vendor_id;type:uuid;primaryKey"`
	AvailableCents      int64     `gorm:"column:available_cents;not null;default:0"`
	ReservedCents       int64     `gorm:"column:reserved_cents;not null;default:0"`
	PendingOrderCents   int64     `gorm:"column:pending_order_cents;not null;default:0"`
	TotalEarningsCents  int64     `gorm:"column:total_earnings_cents;not null;default:0"`
	TotalWithdrawnCents int64     `gorm:"column:total_withdrawn_cents;not null;default:0"`
	Version             int64     `gorm:"column:version;not null;default:0"`
	CreatedAt           time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt           time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (VendorBalance) TableName() string { return "vendor_balances" }
