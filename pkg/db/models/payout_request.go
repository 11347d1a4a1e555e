package models

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/packfinderz-ledger/pkg/enums"
)

// ErrPayoutImmutableField is returned when an update touches a write-once column.
var ErrPayoutImmutableField = errors.New("payout amount, method and destination are write-once")

var payoutWriteOnceColumns = []string{"AmountCents", "PaymentMethod", "Destination"}

// PayoutRequest is a vendor's request to withdraw reserved funds.
type PayoutRequest struct {
	ID                   uuid.UUID           `gorm:"column:id;type:uuid;primaryKey"`
	VendorID             uuid.UUID           `gorm:"column:vendor_id;type:uuid;not null"`
	AmountCents          int64               `gorm:"column:amount_cents;not null"`
	PaymentMethod        enums.PaymentMethod `gorm:"column:payment_method;type:payment_method_enum;not null"`
	Destination          PaymentDestination  `gorm:"column:destination;type:jsonb;serializer:json;not null"`
	Status               enums.PayoutStatus  `gorm:"column:status;type:payout_status_enum;not null;default:pending"`
	RequestedAt          time.Time           `gorm:"column:requested_at;not null"`
	ProcessedAt          *time.Time          `gorm:"column:processed_at"`
	ProcessedBy          *uuid.UUID          `gorm:"column:processed_by;type:uuid"`
	TransactionReference *string             `gorm:"column:transaction_reference"`
	RejectionReason      *string             `gorm:"column:rejection_reason"`
	Notes                *string             `gorm:"column:notes"`
	Version              int64               `gorm:"column:version;not null;default:1"`
	UpdatedAt            time.Time           `gorm:"column:updated_at;autoUpdateTime"`
}

func (PayoutRequest) TableName() string { return "payout_requests" }

// BeforeUpdate rejects any update statement that names a write-once column.
func (p *PayoutRequest) BeforeUpdate(tx *gorm.DB) error {
	for _, field := range payoutWriteOnceColumns {
		if tx.Statement.Changed(field) {
			return ErrPayoutImmutableField
		}
	}
	return nil
}

// PaymentDestination is a tagged variant: exactly the detail block matching
// Method is populated.
type PaymentDestination struct {
	Method       enums.PaymentMethod      `json:"method" validate:"required"`
	BankTransfer *BankTransferDestination `json:"bank_transfer,omitempty"`
	MobileMoney  *MobileMoneyDestination  `json:"mobile_money,omitempty"`
	PayPal       *PayPalDestination       `json:"paypal,omitempty"`
}

type BankTransferDestination struct {
	AccountName   string `json:"account_name" validate:"required,max=200"`
	AccountNumber string `json:"account_number" validate:"required,max=64"`
	BankName      string `json:"bank_name" validate:"required,max=200"`
}

type MobileMoneyDestination struct {
	Provider    string `json:"provider" validate:"required,max=100"`
	PhoneNumber string `json:"phone_number" validate:"required,e164"`
	AccountName string `json:"account_name" validate:"required,max=200"`
}

type PayPalDestination struct {
	Email string `json:"email" validate:"required,email"`
}
