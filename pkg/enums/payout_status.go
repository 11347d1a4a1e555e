package enums

import "fmt"

// PayoutStatus tracks where a payout request sits in the review workflow.
type PayoutStatus string

const (
	PayoutStatusPending    PayoutStatus = "pending"
	PayoutStatusApproved   PayoutStatus = "approved"
	PayoutStatusRejected   PayoutStatus = "rejected"
	PayoutStatusProcessing PayoutStatus = "processing"
	PayoutStatusCompleted  PayoutStatus = "completed"
)

var validPayoutStatuses = []PayoutStatus{
	PayoutStatusPending,
	PayoutStatusApproved,
	PayoutStatusRejected,
	PayoutStatusProcessing,
	PayoutStatusCompleted,
}

var payoutTransitions = map[PayoutStatus][]PayoutStatus{
	PayoutStatusPending:    {PayoutStatusApproved, PayoutStatusRejected},
	PayoutStatusApproved:   {PayoutStatusProcessing, PayoutStatusRejected, PayoutStatusCompleted},
	PayoutStatusProcessing: {PayoutStatusCompleted},
}

// String implements fmt.Stringer.
func (s PayoutStatus) String() string {
	return string(s)
}

// IsValid reports whether the value is a known PayoutStatus.
func (s PayoutStatus) IsValid() bool {
	for _, candidate := range validPayoutStatuses {
		if candidate == s {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition is possible.
func (s PayoutStatus) IsTerminal() bool {
	return s == PayoutStatusRejected || s == PayoutStatusCompleted
}

// HoldsReservation reports whether funds for a request in this status are
// still parked in the vendor's reserved balance.
func (s PayoutStatus) HoldsReservation() bool {
	return s.IsValid() && !s.IsTerminal()
}

// CanTransitionTo reports whether next is reachable from s in one step.
func (s PayoutStatus) CanTransitionTo(next PayoutStatus) bool {
	for _, candidate := range payoutTransitions[s] {
		if candidate == next {
			return true
		}
	}
	return false
}

// ParsePayoutStatus converts raw input into a PayoutStatus.
func ParsePayoutStatus(value string) (PayoutStatus, error) {
	for _, candidate := range validPayoutStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid payout status %q", value)
}
