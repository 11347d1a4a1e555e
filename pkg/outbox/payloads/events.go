package payloads

import (
	"time"

	"github.com/angelmondragon/packfinderz-ledger/pkg/enums"
	"github.com/google/uuid"
)

// PayoutTransitionEvent is emitted for every payout status change, including
// creation.
type PayoutTransitionEvent struct {
	PayoutRequestID      uuid.UUID           `json:"payout_request_id"`
	VendorID             uuid.UUID           `json:"vendor_id"`
	AmountCents          int64               `json:"amount_cents"`
	PaymentMethod        enums.PaymentMethod `json:"payment_method"`
	Status               enums.PayoutStatus  `json:"status"`
	PreviousStatus       enums.PayoutStatus  `json:"previous_status,omitempty"`
	ProcessedBy          *uuid.UUID          `json:"processed_by,omitempty"`
	TransactionReference string              `json:"transaction_reference,omitempty"`
	RejectionReason      string              `json:"rejection_reason,omitempty"`
	Version              int64               `json:"version"`
}

// ReservationReleasedEvent reports a reservation released by reconciliation
// because no payout request was ever persisted for it.
type ReservationReleasedEvent struct {
	VendorID        uuid.UUID `json:"vendor_id"`
	PayoutRequestID uuid.UUID `json:"payout_request_id"`
	AmountCents     int64     `json:"amount_cents"`
	ReservedAt      time.Time `json:"reserved_at"`
}

// OrderCreatedEvent is consumed from the order service when a vendor order is
// placed. Its total is held as pending earnings.
type OrderCreatedEvent struct {
	OrderID       uuid.UUID `json:"order_id"`
	VendorStoreID uuid.UUID `json:"vendor_store_id"`
	TotalCents    int64     `json:"total_cents"`
}

// OrderPaidEvent is consumed when the buyer's payment for a vendor order
// settles. The vendor's share becomes withdrawable.
type OrderPaidEvent struct {
	OrderID       uuid.UUID `json:"order_id"`
	VendorStoreID uuid.UUID `json:"vendor_store_id"`
	TotalCents    int64     `json:"total_cents"`
	PaidAt        time.Time `json:"paid_at"`
}

// OrderCanceledEvent is consumed when a vendor order is canceled before payment.
type OrderCanceledEvent struct {
	OrderID       uuid.UUID `json:"order_id"`
	VendorStoreID uuid.UUID `json:"vendor_store_id"`
	TotalCents    int64     `json:"total_cents"`
	CanceledAt    time.Time `json:"canceled_at"`
	Reason        string    `json:"reason,omitempty"`
}
