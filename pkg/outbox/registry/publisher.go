package registry

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/google/uuid"

	"github.com/angelmondragon/packfinderz-ledger/pkg/config"
	"github.com/angelmondragon/packfinderz-ledger/pkg/db/models"
	"github.com/angelmondragon/packfinderz-ledger/pkg/enums"
	"github.com/angelmondragon/packfinderz-ledger/pkg/outbox"
	"github.com/angelmondragon/packfinderz-ledger/pkg/outbox/payloads"
)

// Route says where an outbox event type is published and what its data block holds.
type Route struct {
	EventType     enums.OutboxEventType
	AggregateType enums.OutboxAggregateType
	Topic         string
	newPayload    func() any
}

// ResolvedEvent is an outbox row that passed validation and is ready to publish.
type ResolvedEvent struct {
	Route    Route
	Envelope outbox.PayloadEnvelope
	Payload  any
}

// EventRegistry holds the routes for every event this service produces.
type EventRegistry struct {
	routes map[enums.OutboxEventType]Route
}

func payloadOf[T any]() func() any {
	return func() any { return new(T) }
}

// NewEventRegistry routes payout lifecycle and reservation events to the
// payouts topic. Order events are consumed here, never produced, so they
// have no route.
func NewEventRegistry(cfg config.PubSubConfig) (*EventRegistry, error) {
	topic := strings.TrimSpace(cfg.PayoutsTopic)
	if topic == "" {
		return nil, fmt.Errorf("payouts topic is required")
	}

	reg := &EventRegistry{routes: map[enums.OutboxEventType]Route{}}
	transitions := []enums.OutboxEventType{
		enums.EventPayoutRequested,
		enums.EventPayoutApproved,
		enums.EventPayoutProcessing,
		enums.EventPayoutRejected,
		enums.EventPayoutCompleted,
	}
	for _, eventType := range transitions {
		reg.add(eventType, enums.AggregatePayoutRequest, topic, payloadOf[payloads.PayoutTransitionEvent]())
	}
	reg.add(enums.EventReservationFreed, enums.AggregatePayoutRequest, topic, payloadOf[payloads.ReservationReleasedEvent]())
	return reg, nil
}

func (r *EventRegistry) add(eventType enums.OutboxEventType, aggregate enums.OutboxAggregateType, topic string, factory func() any) {
	r.routes[eventType] = Route{
		EventType:     eventType,
		AggregateType: aggregate,
		Topic:         topic,
		newPayload:    factory,
	}
}

// Topics lists the distinct topics the registry publishes to, sorted.
func (r *EventRegistry) Topics() []string {
	out := make([]string, 0, 1)
	for _, route := range r.routes {
		out = append(out, route.Topic)
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// Resolve checks the row against its route and decodes the typed payload.
// Every failure is a NonRetryableError: the row will never become valid.
func (r *EventRegistry) Resolve(event models.OutboxEvent) (*ResolvedEvent, error) {
	route, ok := r.routes[event.EventType]
	switch {
	case !ok:
		return nil, NewNonRetryableError(fmt.Errorf("no route for event type %s", event.EventType))
	case route.AggregateType != event.AggregateType:
		return nil, NewNonRetryableError(fmt.Errorf("%s must describe a %s, got %s", event.EventType, route.AggregateType, event.AggregateType))
	case event.AggregateID == uuid.Nil:
		return nil, NewNonRetryableError(fmt.Errorf("%s row has no aggregate id", event.EventType))
	}

	envelope, err := outbox.DecodeEnvelope(event.Payload)
	if err != nil {
		return nil, NewNonRetryableError(err)
	}
	data := bytes.TrimSpace(envelope.Data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil, NewNonRetryableError(fmt.Errorf("%s envelope has no data", event.EventType))
	}

	payload := route.newPayload()
	if err := json.Unmarshal(data, payload); err != nil {
		return nil, NewNonRetryableError(fmt.Errorf("decode %s payload: %w", event.EventType, err))
	}
	return &ResolvedEvent{Route: route, Envelope: *envelope, Payload: payload}, nil
}
