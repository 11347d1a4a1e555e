package payouts

import (
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/packfinderz-ledger/pkg/auth"
	"github.com/angelmondragon/packfinderz-ledger/pkg/db/models"
	"github.com/angelmondragon/packfinderz-ledger/pkg/enums"
	"github.com/angelmondragon/packfinderz-ledger/pkg/money"
	"github.com/angelmondragon/packfinderz-ledger/pkg/pagination"
)

// RequestPayoutInput is a vendor's withdrawal request.
type RequestPayoutInput struct {
	VendorID    uuid.UUID
	AmountCents int64
	Destination models.PaymentDestination
	Notes       string
	Actor       auth.Actor
}

// ApproveInput moves a pending request to approved.
type ApproveInput struct {
	RequestID uuid.UUID
	Actor     auth.Actor
	Notes     string
}

// TransitionInput moves an approved request to processing.
type TransitionInput struct {
	RequestID uuid.UUID
	Actor     auth.Actor
	Notes     string
}

// RejectInput rejects a pending or approved request and frees its reservation.
type RejectInput struct {
	RequestID uuid.UUID
	Actor     auth.Actor
	Reason    string
}

// CompleteInput records that the money left the platform.
type CompleteInput struct {
	RequestID            uuid.UUID
	Actor                auth.Actor
	TransactionReference string
	Notes                string
}

// ListParams filters payout listings.
type ListParams struct {
	VendorID *uuid.UUID
	Status   enums.PayoutStatus
	pagination.Params
}

// Payout is the read view of a payout request.
type Payout struct {
	ID                   uuid.UUID                 `json:"id"`
	VendorID             uuid.UUID                 `json:"vendor_id"`
	AmountCents          int64                     `json:"amount_cents"`
	Amount               string                    `json:"amount"`
	PaymentMethod        enums.PaymentMethod       `json:"payment_method"`
	Destination          models.PaymentDestination `json:"destination"`
	Status               enums.PayoutStatus        `json:"status"`
	RequestedAt          time.Time                 `json:"requested_at"`
	ProcessedAt          *time.Time                `json:"processed_at,omitempty"`
	ProcessedBy          *uuid.UUID                `json:"processed_by,omitempty"`
	TransactionReference *string                   `json:"transaction_reference,omitempty"`
	RejectionReason      *string                   `json:"rejection_reason,omitempty"`
	Notes                *string                   `json:"notes,omitempty"`
	Version              int64                     `json:"version"`
	UpdatedAt            time.Time                 `json:"updated_at"`
}

// PayoutList wraps a page of payouts and the cursor for the next page.
type PayoutList struct {
	Items  []Payout `json:"items"`
	Cursor string   `json:"cursor"`
}

func payoutFromModel(m models.PayoutRequest) Payout {
	return Payout{
		ID:                   m.ID,
		VendorID:             m.VendorID,
		AmountCents:          m.AmountCents,
		Amount:               money.Format(m.AmountCents),
		PaymentMethod:        m.PaymentMethod,
		Destination:          m.Destination,
		Status:               m.Status,
		RequestedAt:          m.RequestedAt,
		ProcessedAt:          m.ProcessedAt,
		ProcessedBy:          m.ProcessedBy,
		TransactionReference: m.TransactionReference,
		RejectionReason:      m.RejectionReason,
		Notes:                m.Notes,
		Version:              m.Version,
		UpdatedAt:            m.UpdatedAt,
	}
}
