package ledger

import (
	"fmt"
	"math"
	"time"

	"github.com/angelmondragon/packfinderz-ledger/pkg/db/models"
	"github.com/angelmondragon/packfinderz-ledger/pkg/enums"
	pkgerrors "github.com/angelmondragon/packfinderz-ledger/pkg/errors"
	"github.com/google/uuid"
)

// Balance is the read view of a vendor's money position.
type Balance struct {
	VendorID            uuid.UUID `json:"vendor_id"`
	AvailableCents      int64     `json:"available_cents"`
	PendingCents        int64     `json:"pending_cents"`
	PendingOrderCents   int64     `json:"pending_order_cents"`
	ReservedCents       int64     `json:"reserved_cents"`
	TotalEarningsCents  int64     `json:"total_earnings_cents"`
	TotalWithdrawnCents int64     `json:"total_withdrawn_cents"`
	Version             int64     `json:"version"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// BalanceFromModel builds the read view. PendingCents folds in-flight order
// earnings and reserved payout funds together, matching what vendors see as
// "not yet withdrawable".
func BalanceFromModel(m models.VendorBalance) Balance {
	return Balance{
		VendorID:            m.VendorID,
		AvailableCents:      m.AvailableCents,
		PendingCents:        m.PendingOrderCents + m.ReservedCents,
		PendingOrderCents:   m.PendingOrderCents,
		ReservedCents:       m.ReservedCents,
		TotalEarningsCents:  m.TotalEarningsCents,
		TotalWithdrawnCents: m.TotalWithdrawnCents,
		Version:             m.Version,
		UpdatedAt:           m.UpdatedAt,
	}
}

// createsBalance reports whether op may run against a vendor with no record yet.
func createsBalance(op enums.LedgerEntryType) bool {
	return op == enums.LedgerEntryTypeCredit || op == enums.LedgerEntryTypeHold
}

// requiresKey reports whether op must carry an idempotency key.
func requiresKey(op enums.LedgerEntryType) bool {
	switch op {
	case enums.LedgerEntryTypeCredit, enums.LedgerEntryTypeHold, enums.LedgerEntryTypeFinalize, enums.LedgerEntryTypeVoid:
		return true
	}
	return false
}

// applyMovement computes the balance that results from op without touching
// storage. The returned record keeps the input version; callers bump it.
func applyMovement(op enums.LedgerEntryType, b models.VendorBalance, amount int64) (models.VendorBalance, error) {
	if amount <= 0 {
		return b, invalidAmount(amount)
	}

	next := b
	switch op {
	case enums.LedgerEntryTypeCredit:
		if amount > math.MaxInt64-b.TotalEarningsCents {
			return b, invalidAmount(amount)
		}
		next.TotalEarningsCents += amount
		next.AvailableCents += amount
	case enums.LedgerEntryTypeReserve:
		if b.AvailableCents < amount {
			return b, insufficientFunds(b.AvailableCents, amount)
		}
		next.AvailableCents -= amount
		next.ReservedCents += amount
	case enums.LedgerEntryTypeRelease:
		if b.ReservedCents < amount {
			return b, insufficientReserve(b.ReservedCents, amount)
		}
		next.ReservedCents -= amount
		next.AvailableCents += amount
	case enums.LedgerEntryTypeSettle:
		if b.ReservedCents < amount {
			return b, insufficientReserve(b.ReservedCents, amount)
		}
		next.ReservedCents -= amount
		next.TotalWithdrawnCents += amount
	case enums.LedgerEntryTypeHold:
		if amount > math.MaxInt64-b.PendingOrderCents {
			return b, invalidAmount(amount)
		}
		next.PendingOrderCents += amount
	case enums.LedgerEntryTypeFinalize:
		if b.PendingOrderCents < amount {
			return b, insufficientPending(b.PendingOrderCents, amount)
		}
		if amount > math.MaxInt64-b.TotalEarningsCents {
			return b, invalidAmount(amount)
		}
		next.PendingOrderCents -= amount
		next.AvailableCents += amount
		next.TotalEarningsCents += amount
	case enums.LedgerEntryTypeVoid:
		if b.PendingOrderCents < amount {
			return b, insufficientPending(b.PendingOrderCents, amount)
		}
		next.PendingOrderCents -= amount
	default:
		return b, pkgerrors.New(pkgerrors.CodeInternal, fmt.Sprintf("unsupported ledger operation %q", op))
	}

	if err := checkInvariants(next); err != nil {
		return b, err
	}
	return next, nil
}

// checkInvariants enforces the conservation law on the withdrawal sub-ledger:
// every cent ever earned is available, reserved, or withdrawn.
func checkInvariants(b models.VendorBalance) error {
	var violations []string
	if b.AvailableCents < 0 {
		violations = append(violations, "available_cents < 0")
	}
	if b.ReservedCents < 0 {
		violations = append(violations, "reserved_cents < 0")
	}
	if b.PendingOrderCents < 0 {
		violations = append(violations, "pending_order_cents < 0")
	}
	if b.TotalEarningsCents < 0 {
		violations = append(violations, "total_earnings_cents < 0")
	}
	if b.TotalWithdrawnCents < 0 {
		violations = append(violations, "total_withdrawn_cents < 0")
	}
	if b.TotalWithdrawnCents > b.TotalEarningsCents {
		violations = append(violations, "total_withdrawn_cents > total_earnings_cents")
	}
	if b.AvailableCents+b.ReservedCents > b.TotalEarningsCents {
		violations = append(violations, "available_cents + reserved_cents > total_earnings_cents")
	}
	if b.AvailableCents+b.ReservedCents+b.TotalWithdrawnCents != b.TotalEarningsCents {
		violations = append(violations, "available + reserved + withdrawn != total_earnings")
	}
	if len(violations) == 0 {
		return nil
	}
	return pkgerrors.Wrap(pkgerrors.CodeInternal, ErrInvariantViolation, "balance invariant violated").
		WithDetails(map[string]any{"vendor_id": b.VendorID.String(), "violations": violations})
}
