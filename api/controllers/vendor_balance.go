package controllers

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/angelmondragon/packfinderz-ledger/api/responses"
	"github.com/angelmondragon/packfinderz-ledger/api/validators"
	"github.com/angelmondragon/packfinderz-ledger/internal/ledger"
	"github.com/angelmondragon/packfinderz-ledger/pkg/enums"
	pkgerrors "github.com/angelmondragon/packfinderz-ledger/pkg/errors"
	"github.com/angelmondragon/packfinderz-ledger/pkg/logger"
)

type balanceReader interface {
	GetBalance(ctx context.Context, vendorID uuid.UUID) (*ledger.Balance, error)
}

type entryLister interface {
	ListEntries(ctx context.Context, params ledger.ListEntriesParams) (*ledger.EntryList, error)
}

// VendorBalance returns the caller's own balance.
func VendorBalance(svc balanceReader, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "ledger service unavailable"))
			return
		}
		_, vendorID, err := vendorActor(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		balance, err := svc.GetBalance(r.Context(), vendorID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, balance)
	}
}

// VendorLedgerEntries pages through the caller's journal, newest first.
func VendorLedgerEntries(svc entryLister, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "ledger service unavailable"))
			return
		}
		_, vendorID, err := vendorActor(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		page, err := pageParams(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		entryType, err := validators.ParseQueryEnum(r, "type", enums.ParseLedgerEntryType)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		params := ledger.ListEntriesParams{VendorID: vendorID, Type: entryType, Params: page}

		list, err := svc.ListEntries(r.Context(), params)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, list)
	}
}

// AdminVendorBalance returns any vendor's balance for review.
func AdminVendorBalance(svc balanceReader, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "ledger service unavailable"))
			return
		}
		vendorID, err := uuidParam(r, "vendorId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		balance, err := svc.GetBalance(r.Context(), vendorID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, balance)
	}
}
