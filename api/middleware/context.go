package middleware

import (
	"context"

	"github.com/google/uuid"

	"github.com/angelmondragon/packfinderz-ledger/pkg/auth"
)

type ctxKey int

const (
	actorKey ctxKey = iota
	requestIDKey
)

// WithActor stores the authenticated caller on ctx.
func WithActor(ctx context.Context, actor auth.Actor) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, actorKey, actor)
}

// ActorFromContext returns the caller stored by Auth.
func ActorFromContext(ctx context.Context) (auth.Actor, bool) {
	if ctx == nil {
		return auth.Actor{}, false
	}
	actor, ok := ctx.Value(actorKey).(auth.Actor)
	return actor, ok
}

func UserIDFromContext(ctx context.Context) string {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.UserID == uuid.Nil {
		return ""
	}
	return actor.UserID.String()
}

func RoleFromContext(ctx context.Context) string {
	actor, _ := ActorFromContext(ctx)
	return string(actor.Role)
}

// VendorIDFromContext returns the vendor the token is scoped to, if any.
func VendorIDFromContext(ctx context.Context) string {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.VendorID == nil {
		return ""
	}
	return actor.VendorID.String()
}

// RequestIDFromContext returns the id assigned by RequestID.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}
