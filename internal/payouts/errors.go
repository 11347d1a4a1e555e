package payouts

import (
	"errors"
	"fmt"

	"github.com/angelmondragon/packfinderz-ledger/pkg/db/models"
	"github.com/angelmondragon/packfinderz-ledger/pkg/enums"
	pkgerrors "github.com/angelmondragon/packfinderz-ledger/pkg/errors"
	"github.com/angelmondragon/packfinderz-ledger/pkg/money"
)

var (
	ErrInvalidRequest    = errors.New("invalid payout request")
	ErrMissingReason     = errors.New("rejection reason is required")
	ErrMissingReference  = errors.New("transaction reference is required")
	ErrInvalidTransition = errors.New("invalid payout status transition")
	ErrNotFound          = errors.New("payout request not found")
	ErrForbidden         = errors.New("actor may not review payouts")
	ErrImmutableField    = models.ErrPayoutImmutableField

	// errStaleRequest is returned by the repository when a conditional status
	// write matched no row.
	errStaleRequest = errors.New("stale payout request")
)

func invalidRequest(msg string, details map[string]any) error {
	err := pkgerrors.Wrap(pkgerrors.CodeValidation, ErrInvalidRequest, msg)
	if len(details) > 0 {
		err = err.WithDetails(details)
	}
	return err
}

func belowMinimum(amount, minimum int64) error {
	msg := fmt.Sprintf("minimum payout amount is %s", money.Format(minimum))
	return invalidRequest(msg, map[string]any{
		"amount_cents":  amount,
		"minimum_cents": minimum,
	})
}

func missingReason() error {
	return pkgerrors.Wrap(pkgerrors.CodeValidation, ErrMissingReason, "a rejection reason is required")
}

func missingReference() error {
	return pkgerrors.Wrap(pkgerrors.CodeValidation, ErrMissingReference, "a transaction reference is required")
}

func invalidTransition(from, to enums.PayoutStatus) error {
	msg := fmt.Sprintf("cannot move payout from %s to %s", from, to)
	return pkgerrors.Wrap(pkgerrors.CodeStateConflict, ErrInvalidTransition, msg).
		WithDetails(map[string]any{
			"current_status": from,
			"target_status":  to,
		})
}

func alreadyResolved(target enums.PayoutStatus) error {
	msg := fmt.Sprintf("payout was already resolved by another reviewer; cannot mark %s", target)
	return pkgerrors.Wrap(pkgerrors.CodeStateConflict, ErrInvalidTransition, msg)
}

func notFound() error {
	return pkgerrors.Wrap(pkgerrors.CodeNotFound, ErrNotFound, "payout request not found")
}

func forbidden() error {
	return pkgerrors.Wrap(pkgerrors.CodeForbidden, ErrForbidden, "approve_payouts capability required")
}
