package auth

import (
	"slices"

	"github.com/angelmondragon/packfinderz-ledger/pkg/enums"
	"github.com/google/uuid"
)

// Actor is the authenticated caller of a service operation.
type Actor struct {
	UserID       uuid.UUID
	VendorID     *uuid.UUID
	Role         enums.ActorRole
	Capabilities []enums.Capability
}

// Can reports whether the actor was granted the capability.
func (a Actor) Can(c enums.Capability) bool {
	return slices.Contains(a.Capabilities, c)
}

// SystemActor identifies background jobs acting on their own authority.
func SystemActor(caps ...enums.Capability) Actor {
	return Actor{Role: enums.ActorRoleSystem, Capabilities: caps}
}
