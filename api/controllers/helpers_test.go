package controllers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/angelmondragon/packfinderz-ledger/api/middleware"
	"github.com/angelmondragon/packfinderz-ledger/pkg/auth"
	"github.com/angelmondragon/packfinderz-ledger/pkg/enums"
)

func withURLParam(req *http.Request, key, value string) *http.Request {
	rctx := chi.RouteContext(req.Context())
	if rctx == nil {
		rctx = chi.NewRouteContext()
	}
	rctx.URLParams.Add(key, value)
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
}

func asVendor(req *http.Request, vendorID uuid.UUID) *http.Request {
	actor := auth.Actor{UserID: uuid.New(), VendorID: &vendorID, Role: enums.ActorRoleVendor}
	return req.WithContext(middleware.WithActor(req.Context(), actor))
}

func asAdmin(req *http.Request, caps ...enums.Capability) *http.Request {
	actor := auth.Actor{UserID: uuid.New(), Role: enums.ActorRoleAdmin, Capabilities: caps}
	return req.WithContext(middleware.WithActor(req.Context(), actor))
}

func decodeData(t *testing.T, resp *httptest.ResponseRecorder, dest any) {
	t.Helper()
	envelope := struct {
		Data any `json:"data"`
	}{Data: dest}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func errorCode(t *testing.T, resp *httptest.ResponseRecorder) string {
	t.Helper()
	var payload struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode error response: %v", err)
	}
	return payload.Error.Code
}
