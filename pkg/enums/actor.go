package enums

import "fmt"

// ActorRole identifies the class of caller carried on an access token.
type ActorRole string

const (
	ActorRoleVendor ActorRole = "vendor"
	ActorRoleAdmin  ActorRole = "admin"
	ActorRoleSystem ActorRole = "system"
)

var validActorRoles = []ActorRole{
	ActorRoleVendor,
	ActorRoleAdmin,
	ActorRoleSystem,
}

// String implements fmt.Stringer.
func (r ActorRole) String() string {
	return string(r)
}

// IsValid reports whether the value is a known ActorRole.
func (r ActorRole) IsValid() bool {
	for _, candidate := range validActorRoles {
		if candidate == r {
			return true
		}
	}
	return false
}

// ParseActorRole converts raw input into an ActorRole.
func ParseActorRole(value string) (ActorRole, error) {
	for _, candidate := range validActorRoles {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid actor role %q", value)
}

// Capability is a fine-grained permission granted to an actor.
type Capability string

const (
	CapabilityApprovePayouts Capability = "approve_payouts"
	CapabilityViewBalances   Capability = "view_balances"
	CapabilityCreditEarnings Capability = "credit_earnings"
)

var validCapabilities = []Capability{
	CapabilityApprovePayouts,
	CapabilityViewBalances,
	CapabilityCreditEarnings,
}

// IsValid reports whether the value is a known Capability.
func (c Capability) IsValid() bool {
	for _, candidate := range validCapabilities {
		if candidate == c {
			return true
		}
	}
	return false
}

// ParseCapability converts raw input into a Capability.
func ParseCapability(value string) (Capability, error) {
	for _, candidate := range validCapabilities {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid capability %q", value)
}
