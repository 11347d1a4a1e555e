package outbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// EnvelopeVersion is the envelope layout written by Emit.
const EnvelopeVersion = 1

// ActorRef names who caused the event. System-originated events have no
// actor.
type ActorRef struct {
	UserID   uuid.UUID  `json:"userId"`
	VendorID *uuid.UUID `json:"vendorId,omitempty"`
	Role     string     `json:"role,omitempty"`
}

// PayloadEnvelope is the body stored in outbox_events.payload and published
// verbatim as the Pub/Sub message data.
type PayloadEnvelope struct {
	Version    int             `json:"version"`
	EventID    string          `json:"eventId"`
	OccurredAt time.Time       `json:"occurredAt"`
	Actor      *ActorRef       `json:"actor,omitempty"`
	Data       json.RawMessage `json:"data"`
}

func newEnvelope(eventID uuid.UUID, event DomainEvent) (PayloadEnvelope, error) {
	data, err := json.Marshal(event.Data)
	if err != nil {
		return PayloadEnvelope{}, fmt.Errorf("encode %s data: %w", event.EventType, err)
	}
	version := event.Version
	if version == 0 {
		version = EnvelopeVersion
	}
	return PayloadEnvelope{
		Version:    version,
		EventID:    eventID.String(),
		OccurredAt: event.OccurredAt.UTC(),
		Actor:      event.Actor,
		Data:       data,
	}, nil
}

// DecodeEnvelope parses a message body produced by Emit. Bodies without an
// event id are rejected since consumers dedupe on it.
func DecodeEnvelope(body []byte) (*PayloadEnvelope, error) {
	var envelope PayloadEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if envelope.Version < 0 {
		return nil, fmt.Errorf("decode envelope: invalid version %d", envelope.Version)
	}
	if strings.TrimSpace(envelope.EventID) == "" && len(envelope.Data) == 0 {
		return nil, errors.New("decode envelope: empty envelope")
	}
	return &envelope, nil
}

func encodeEnvelope(envelope PayloadEnvelope) (json.RawMessage, error) {
	body, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return body, nil
}
