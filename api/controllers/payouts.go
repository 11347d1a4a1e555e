package controllers

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/angelmondragon/packfinderz-ledger/api/responses"
	"github.com/angelmondragon/packfinderz-ledger/api/validators"
	"github.com/angelmondragon/packfinderz-ledger/internal/payouts"
	"github.com/angelmondragon/packfinderz-ledger/pkg/auth"
	"github.com/angelmondragon/packfinderz-ledger/pkg/db/models"
	"github.com/angelmondragon/packfinderz-ledger/pkg/enums"
	pkgerrors "github.com/angelmondragon/packfinderz-ledger/pkg/errors"
	"github.com/angelmondragon/packfinderz-ledger/pkg/logger"
)

type payoutWorkflow interface {
	RequestPayout(ctx context.Context, input payouts.RequestPayoutInput) (*payouts.Payout, error)
	Approve(ctx context.Context, input payouts.ApproveInput) (*payouts.Payout, error)
	MarkProcessing(ctx context.Context, input payouts.TransitionInput) (*payouts.Payout, error)
	Reject(ctx context.Context, input payouts.RejectInput) (*payouts.Payout, error)
	Complete(ctx context.Context, input payouts.CompleteInput) (*payouts.Payout, error)
	Get(ctx context.Context, id uuid.UUID) (*payouts.Payout, error)
	List(ctx context.Context, params payouts.ListParams) (*payouts.PayoutList, error)
}

type payoutCreateRequest struct {
	AmountCents int64                     `json:"amount_cents" validate:"cents"`
	Destination models.PaymentDestination `json:"destination"`
	Notes       string                    `json:"notes" validate:"max=1000"`
}

type payoutNotesRequest struct {
	Notes string `json:"notes" validate:"max=1000"`
}

type payoutRejectRequest struct {
	Reason string `json:"reason" validate:"notblank,max=1000"`
}

type payoutCompleteRequest struct {
	TransactionReference string `json:"transaction_reference" validate:"notblank,max=255"`
	Notes                string `json:"notes" validate:"max=1000"`
}

// VendorPayoutCreate reserves funds and opens a pending payout request.
func VendorPayoutCreate(svc payoutWorkflow, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "payout service unavailable"))
			return
		}
		actor, vendorID, err := vendorActor(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		var body payoutCreateRequest
		if err := validators.DecodeJSONBody(r, &body); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		payout, err := svc.RequestPayout(r.Context(), payouts.RequestPayoutInput{
			VendorID:    vendorID,
			AmountCents: body.AmountCents,
			Destination: body.Destination,
			Notes:       validators.SanitizeString(body.Notes, 1000),
			Actor:       actor,
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusCreated, payout)
	}
}

// VendorPayoutList lists the caller's payout requests.
func VendorPayoutList(svc payoutWorkflow, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "payout service unavailable"))
			return
		}
		_, vendorID, err := vendorActor(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		params, err := payoutListParams(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		params.VendorID = &vendorID

		list, err := svc.List(r.Context(), params)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, list)
	}
}

// VendorPayoutDetail returns one of the caller's payout requests. Requests
// owned by other vendors are reported as missing.
func VendorPayoutDetail(svc payoutWorkflow, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "payout service unavailable"))
			return
		}
		_, vendorID, err := vendorActor(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		payoutID, err := uuidParam(r, "payoutId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		payout, err := svc.Get(r.Context(), payoutID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		if payout.VendorID != vendorID {
			responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeNotFound, payouts.ErrNotFound, "payout request not found"))
			return
		}
		responses.WriteSuccess(w, payout)
	}
}

// AdminPayoutList lists payout requests across vendors.
func AdminPayoutList(svc payoutWorkflow, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "payout service unavailable"))
			return
		}
		params, err := payoutListParams(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		params.VendorID, err = validators.ParseQueryUUID(r, "vendor_id")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		list, err := svc.List(r.Context(), params)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, list)
	}
}

func AdminPayoutDetail(svc payoutWorkflow, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "payout service unavailable"))
			return
		}
		payoutID, err := uuidParam(r, "payoutId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		payout, err := svc.Get(r.Context(), payoutID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, payout)
	}
}

func AdminPayoutApprove(svc payoutWorkflow, logg *logger.Logger) http.HandlerFunc {
	return adminTransition(svc, logg, func(ctx context.Context, r *http.Request, input adminTransitionInput) (*payouts.Payout, error) {
		var body payoutNotesRequest
		if err := decodeOptionalBody(r, &body); err != nil {
			return nil, err
		}
		return svc.Approve(ctx, payouts.ApproveInput{
			RequestID: input.payoutID,
			Actor:     input.actor,
			Notes:     validators.SanitizeString(body.Notes, 1000),
		})
	})
}

func AdminPayoutProcessing(svc payoutWorkflow, logg *logger.Logger) http.HandlerFunc {
	return adminTransition(svc, logg, func(ctx context.Context, r *http.Request, input adminTransitionInput) (*payouts.Payout, error) {
		var body payoutNotesRequest
		if err := decodeOptionalBody(r, &body); err != nil {
			return nil, err
		}
		return svc.MarkProcessing(ctx, payouts.TransitionInput{
			RequestID: input.payoutID,
			Actor:     input.actor,
			Notes:     validators.SanitizeString(body.Notes, 1000),
		})
	})
}

func AdminPayoutReject(svc payoutWorkflow, logg *logger.Logger) http.HandlerFunc {
	return adminTransition(svc, logg, func(ctx context.Context, r *http.Request, input adminTransitionInput) (*payouts.Payout, error) {
		var body payoutRejectRequest
		if err := validators.DecodeJSONBody(r, &body); err != nil {
			return nil, err
		}
		return svc.Reject(ctx, payouts.RejectInput{
			RequestID: input.payoutID,
			Actor:     input.actor,
			Reason:    validators.SanitizeString(body.Reason, 1000),
		})
	})
}

func AdminPayoutComplete(svc payoutWorkflow, logg *logger.Logger) http.HandlerFunc {
	return adminTransition(svc, logg, func(ctx context.Context, r *http.Request, input adminTransitionInput) (*payouts.Payout, error) {
		var body payoutCompleteRequest
		if err := validators.DecodeJSONBody(r, &body); err != nil {
			return nil, err
		}
		return svc.Complete(ctx, payouts.CompleteInput{
			RequestID:            input.payoutID,
			Actor:                input.actor,
			TransactionReference: strings.TrimSpace(body.TransactionReference),
			Notes:                validators.SanitizeString(body.Notes, 1000),
		})
	})
}

type adminTransitionInput struct {
	payoutID uuid.UUID
	actor    auth.Actor
}

type transitionFunc func(ctx context.Context, r *http.Request, input adminTransitionInput) (*payouts.Payout, error)

// adminTransition resolves the caller and path id shared by every review step.
// The capability check itself lives in the payout service.
func adminTransition(svc payoutWorkflow, logg *logger.Logger, fn transitionFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "payout service unavailable"))
			return
		}
		actor, err := requestActor(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		payoutID, err := uuidParam(r, "payoutId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		ctx := r.Context()
		if logg != nil {
			ctx = logg.WithField(ctx, "payout_request_id", payoutID.String())
		}

		payout, err := fn(ctx, r, adminTransitionInput{payoutID: payoutID, actor: actor})
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, payout)
	}
}

func payoutListParams(r *http.Request) (payouts.ListParams, error) {
	page, err := pageParams(r)
	if err != nil {
		return payouts.ListParams{}, err
	}
	status, err := validators.ParseQueryEnum(r, "status", enums.ParsePayoutStatus)
	if err != nil {
		return payouts.ListParams{}, err
	}
	return payouts.ListParams{Status: status, Params: page}, nil
}
