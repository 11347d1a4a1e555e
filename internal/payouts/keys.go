package payouts

import "github.com/google/uuid"

// ReserveKey is the ledger idempotency key for the reservation backing a request.
func ReserveKey(id uuid.UUID) string {
	return "payout:" + id.String() + ":reserve"
}

// ResolveKey is shared by the release on reject and the settle on complete,
// so at most one of them can ever apply for a request.
func ResolveKey(id uuid.UUID) string {
	return "payout:" + id.String() + ":resolve"
}
