package ledger

import (
	"errors"
	"fmt"

	pkgerrors "github.com/angelmondragon/packfinderz-ledger/pkg/errors"
	"github.com/angelmondragon/packfinderz-ledger/pkg/money"
)

var (
	ErrInvalidAmount          = errors.New("amount must be positive")
	ErrIdempotencyKeyRequired = errors.New("idempotency key is required")
	ErrInsufficientFunds      = errors.New("insufficient funds")
	ErrInsufficientReserve    = errors.New("insufficient reserved balance")
	ErrInsufficientPending    = errors.New("insufficient pending order balance")
	ErrBalanceNotFound        = errors.New("vendor balance not found")
	ErrConcurrentModification = errors.New("balance modified concurrently")
	ErrIdempotencyConflict    = errors.New("idempotency key already used for a different operation")
	ErrInvariantViolation     = errors.New("balance invariant violated")

	// ErrDuplicateOperation is returned by the repository when the entry's
	// idempotency key was applied by a concurrent writer. The service absorbs it.
	ErrDuplicateOperation = errors.New("operation already applied")

	// ErrStaleVersion is returned by the repository when the conditional write
	// did not match the expected version.
	ErrStaleVersion = errors.New("stale balance version")
)

func invalidAmount(amount int64) error {
	return pkgerrors.Wrap(pkgerrors.CodeValidation, ErrInvalidAmount, "amount must be a positive number of cents").
		WithDetails(map[string]any{"amount_cents": amount})
}

func insufficientFunds(available, requested int64) error {
	msg := fmt.Sprintf("insufficient funds: available balance is %s", money.Format(available))
	return pkgerrors.Wrap(pkgerrors.CodeInsufficientFunds, ErrInsufficientFunds, msg).
		WithDetails(map[string]any{
			"available_cents": available,
			"requested_cents": requested,
		})
}

func insufficientReserve(reserved, requested int64) error {
	msg := fmt.Sprintf("reserved balance %s does not cover %s", money.Format(reserved), money.Format(requested))
	return pkgerrors.Wrap(pkgerrors.CodeConflict, ErrInsufficientReserve, msg)
}

func insufficientPending(pending, requested int64) error {
	msg := fmt.Sprintf("pending order balance %s does not cover %s", money.Format(pending), money.Format(requested))
	return pkgerrors.Wrap(pkgerrors.CodeConflict, ErrInsufficientPending, msg)
}

func balanceNotFound() error {
	return pkgerrors.Wrap(pkgerrors.CodeNotFound, ErrBalanceNotFound, "vendor balance not found")
}

func idempotencyConflict(key string) error {
	return pkgerrors.Wrap(pkgerrors.CodeIdempotency, ErrIdempotencyConflict, "idempotency key reused with different parameters").
		WithDetails(map[string]any{"idempotency_key": key})
}

func concurrentModification(attempts int) error {
	return pkgerrors.Wrap(pkgerrors.CodeConcurrentModification, ErrConcurrentModification,
		fmt.Sprintf("balance update lost %d consecutive races", attempts))
}
