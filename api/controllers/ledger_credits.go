package controllers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/angelmondragon/packfinderz-ledger/api/responses"
	"github.com/angelmondragon/packfinderz-ledger/api/validators"
	"github.com/angelmondragon/packfinderz-ledger/internal/ledger"
	pkgerrors "github.com/angelmondragon/packfinderz-ledger/pkg/errors"
	"github.com/angelmondragon/packfinderz-ledger/pkg/logger"
)

type ledgerCreditor interface {
	Credit(ctx context.Context, input ledger.MovementInput) (*ledger.Result, error)
}

type ledgerCreditRequest struct {
	VendorID       string          `json:"vendor_id" validate:"required,uuid"`
	AmountCents    int64           `json:"amount_cents" validate:"cents"`
	IdempotencyKey string          `json:"idempotency_key" validate:"idemkey"`
	Metadata       json.RawMessage `json:"metadata"`
}

// InternalLedgerCredit records settled earnings for a vendor. Replays of the
// same idempotency key return the original result with 200 instead of 201.
func InternalLedgerCredit(svc ledgerCreditor, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "ledger service unavailable"))
			return
		}
		var body ledgerCreditRequest
		if err := validators.DecodeJSONBody(r, &body); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		vendorID, err := uuid.Parse(strings.TrimSpace(body.VendorID))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid vendor_id"))
			return
		}

		result, err := svc.Credit(r.Context(), ledger.MovementInput{
			VendorID:       vendorID,
			AmountCents:    body.AmountCents,
			IdempotencyKey: strings.TrimSpace(body.IdempotencyKey),
			Metadata:       body.Metadata,
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		status := http.StatusCreated
		if result.Duplicate {
			status = http.StatusOK
		}
		responses.WriteSuccessStatus(w, status, result)
	}
}
