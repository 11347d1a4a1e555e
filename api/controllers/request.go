package controllers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/angelmondragon/packfinderz-ledger/api/middleware"
	"github.com/angelmondragon/packfinderz-ledger/api/validators"
	"github.com/angelmondragon/packfinderz-ledger/pkg/auth"
	pkgerrors "github.com/angelmondragon/packfinderz-ledger/pkg/errors"
	"github.com/angelmondragon/packfinderz-ledger/pkg/pagination"
)

func requestActor(r *http.Request) (auth.Actor, error) {
	actor, ok := middleware.ActorFromContext(r.Context())
	if !ok || actor.UserID == uuid.Nil {
		return auth.Actor{}, pkgerrors.New(pkgerrors.CodeUnauthorized, "user context missing")
	}
	return actor, nil
}

// vendorActor returns the caller and the vendor their token is scoped to.
func vendorActor(r *http.Request) (auth.Actor, uuid.UUID, error) {
	actor, err := requestActor(r)
	if err != nil {
		return auth.Actor{}, uuid.Nil, err
	}
	if actor.VendorID == nil || *actor.VendorID == uuid.Nil {
		return auth.Actor{}, uuid.Nil, pkgerrors.New(pkgerrors.CodeForbidden, "vendor context missing")
	}
	return actor, *actor.VendorID, nil
}

func uuidParam(r *http.Request, name string) (uuid.UUID, error) {
	raw := strings.TrimSpace(chi.URLParam(r, name))
	if raw == "" {
		return uuid.Nil, pkgerrors.New(pkgerrors.CodeValidation, name+" is required")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid "+name)
	}
	return id, nil
}

func pageParams(r *http.Request) (pagination.Params, error) {
	limit, err := validators.ParseQueryInt(r, "limit", pagination.DefaultLimit, 1, pagination.MaxLimit)
	if err != nil {
		return pagination.Params{}, err
	}
	return pagination.Params{
		Limit:  limit,
		Cursor: strings.TrimSpace(r.URL.Query().Get("cursor")),
	}, nil
}

// decodeOptionalBody accepts an empty body for endpoints whose fields are all optional.
func decodeOptionalBody(r *http.Request, dest any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	return validators.DecodeJSONBody(r, dest)
}
