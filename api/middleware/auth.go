package middleware

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/angelmondragon/packfinderz-ledger/api/responses"
	pkgAuth "github.com/angelmondragon/packfinderz-ledger/pkg/auth"
	pkgerrors "github.com/angelmondragon/packfinderz-ledger/pkg/errors"
	"github.com/angelmondragon/packfinderz-ledger/pkg/logger"
)

// TokenVerifier turns a raw bearer token into the calling actor.
type TokenVerifier interface {
	Verify(raw string) (pkgAuth.Actor, error)
}

// Auth rejects requests without a valid bearer token and stores the actor
// on the request context.
func Auth(tokens TokenVerifier, logg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, err := pkgAuth.BearerToken(r.Header.Get("Authorization"))
			if err != nil {
				w.Header().Set("WWW-Authenticate", `Bearer realm="packfinderz-ledger"`)
				responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeUnauthorized, err, "missing credentials"))
				return
			}
			actor, err := tokens.Verify(raw)
			if err != nil {
				message := "invalid token"
				if errors.Is(err, pkgAuth.ErrTokenExpired) {
					message = "token expired"
				}
				w.Header().Set("WWW-Authenticate", fmt.Sprintf(`Bearer realm="packfinderz-ledger", error="invalid_token", error_description=%q`, message))
				responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeUnauthorized, err, message))
				return
			}

			ctx := WithActor(r.Context(), actor)
			if logg != nil {
				vendorID := ""
				if actor.VendorID != nil {
					vendorID = actor.VendorID.String()
				}
				ctx = logg.WithActor(ctx, actor.UserID.String(), actor.Role.String(), vendorID)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
