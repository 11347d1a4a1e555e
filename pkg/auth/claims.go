package auth

import (
	"github.com/angelmondragon/packfinderz-ledger/pkg/enums"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// AccessTokenPayload captures the data available when minting a JWT.
type AccessTokenPayload struct {
	UserID       uuid.UUID
	VendorID     *uuid.UUID
	Role         enums.ActorRole
	Capabilities []enums.Capability
	JTI          string
}

// AccessTokenClaims represents the typed JWT issued to clients.
type AccessTokenClaims struct {
	UserID       uuid.UUID          `json:"user_id"`
	VendorID     *uuid.UUID         `json:"active_store_id,omitempty"`
	Role         enums.ActorRole    `json:"role"`
	Capabilities []enums.Capability `json:"capabilities,omitempty"`
	jwt.RegisteredClaims
}

// Actor returns the caller identity carried by the claims.
func (c AccessTokenClaims) Actor() Actor {
	return Actor{
		UserID:       c.UserID,
		VendorID:     c.VendorID,
		Role:         c.Role,
		Capabilities: c.Capabilities,
	}
}
