package enums

import "fmt"

// OutboxAggregateType names the row an outbox event describes. It maps to
// the aggregate_type enum in Postgres.
type OutboxAggregateType string

const (
	AggregatePayoutRequest OutboxAggregateType = "payout_request"
	AggregateVendorBalance OutboxAggregateType = "vendor_balance"
	AggregateVendorOrder   OutboxAggregateType = "vendor_order"
)

func (a OutboxAggregateType) String() string { return string(a) }

func (a OutboxAggregateType) IsValid() bool {
	switch a {
	case AggregatePayoutRequest, AggregateVendorBalance, AggregateVendorOrder:
		return true
	}
	return false
}

func ParseOutboxAggregateType(value string) (OutboxAggregateType, error) {
	if agg := OutboxAggregateType(value); agg.IsValid() {
		return agg, nil
	}
	return "", fmt.Errorf("invalid aggregate type %q", value)
}

// OutboxEventType maps to the event_type enum in Postgres. Payout events are
// produced here; order events arrive from the order service.
type OutboxEventType string

const (
	EventPayoutRequested  OutboxEventType = "payout_requested"
	EventPayoutApproved   OutboxEventType = "payout_approved"
	EventPayoutProcessing OutboxEventType = "payout_processing"
	EventPayoutRejected   OutboxEventType = "payout_rejected"
	EventPayoutCompleted  OutboxEventType = "payout_completed"
	EventReservationFreed OutboxEventType = "reservation_released"

	EventOrderCreated  OutboxEventType = "order_created"
	EventOrderPaid     OutboxEventType = "order_paid"
	EventOrderCanceled OutboxEventType = "order_canceled"
)

func (e OutboxEventType) String() string { return string(e) }

func (e OutboxEventType) IsValid() bool {
	return e.IsPayoutEvent() || e.IsOrderEvent()
}

// IsPayoutEvent reports whether the ledger itself emits e.
func (e OutboxEventType) IsPayoutEvent() bool {
	switch e {
	case EventPayoutRequested, EventPayoutApproved, EventPayoutProcessing,
		EventPayoutRejected, EventPayoutCompleted, EventReservationFreed:
		return true
	}
	return false
}

// IsOrderEvent reports whether e is consumed from the orders topic.
func (e OutboxEventType) IsOrderEvent() bool {
	switch e {
	case EventOrderCreated, EventOrderPaid, EventOrderCanceled:
		return true
	}
	return false
}

func ParseOutboxEventType(value string) (OutboxEventType, error) {
	if event := OutboxEventType(value); event.IsValid() {
		return event, nil
	}
	return "", fmt.Errorf("invalid event type %q", value)
}

// PayoutEventFor returns the event emitted when a payout enters status.
func PayoutEventFor(status PayoutStatus) (OutboxEventType, bool) {
	switch status {
	case PayoutStatusPending:
		return EventPayoutRequested, true
	case PayoutStatusApproved:
		return EventPayoutApproved, true
	case PayoutStatusProcessing:
		return EventPayoutProcessing, true
	case PayoutStatusRejected:
		return EventPayoutRejected, true
	case PayoutStatusCompleted:
		return EventPayoutCompleted, true
	}
	return "", false
}
