package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/angelmondragon/packfinderz-ledger/pkg/enums"
)

// ErrNoDecoder is returned by Decode for an event type and version nobody
// registered.
var ErrNoDecoder = errors.New("no decoder registered")

// DecoderFunc turns an envelope's data block into a typed payload.
type DecoderFunc func(payload json.RawMessage) (any, error)

// DecoderRegistry maps event type and payload version to a decoder. It is
// safe for concurrent use.
type DecoderRegistry struct {
	mu       sync.RWMutex
	decoders map[enums.OutboxEventType]map[int]DecoderFunc
}

func NewDecoderRegistry() *DecoderRegistry {
	return &DecoderRegistry{decoders: map[enums.OutboxEventType]map[int]DecoderFunc{}}
}

// Register installs decoder for eventType at version, replacing any earlier
// registration.
func (r *DecoderRegistry) Register(eventType enums.OutboxEventType, version int, decoder DecoderFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	byVersion, ok := r.decoders[eventType]
	if !ok {
		byVersion = map[int]DecoderFunc{}
		r.decoders[eventType] = byVersion
	}
	byVersion[version] = decoder
}

// RegisterJSON registers a decoder that unmarshals into a fresh *T.
func RegisterJSON[T any](r *DecoderRegistry, eventType enums.OutboxEventType, version int) {
	r.Register(eventType, version, func(payload json.RawMessage) (any, error) {
		out := new(T)
		if err := json.Unmarshal(payload, out); err != nil {
			return nil, fmt.Errorf("decode %s@v%d: %w", eventType, version, err)
		}
		return out, nil
	})
}

// Known reports whether any version of eventType can be decoded.
func (r *DecoderRegistry) Known(eventType enums.OutboxEventType) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.decoders[eventType]) > 0
}

// Versions lists the registered versions of eventType in ascending order.
func (r *DecoderRegistry) Versions(eventType enums.OutboxEventType) []int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	versions := make([]int, 0, len(r.decoders[eventType]))
	for v := range r.decoders[eventType] {
		versions = append(versions, v)
	}
	slices.Sort(versions)
	return versions
}

func (r *DecoderRegistry) Decode(eventType enums.OutboxEventType, version int, payload json.RawMessage) (any, error) {
	r.mu.RLock()
	decoder := r.decoders[eventType][version]
	r.mu.RUnlock()
	if decoder == nil {
		return nil, fmt.Errorf("%s@v%d: %w", eventType, version, ErrNoDecoder)
	}
	return decoder(payload)
}
