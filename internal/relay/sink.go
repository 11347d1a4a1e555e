package relay

import (
	"context"
	"fmt"
	"sync"

	gcppubsub "cloud.google.com/go/pubsub/v2"

	"github.com/angelmondragon/packfinderz-ledger/pkg/outbox/registry"
)

type publisherSource interface {
	Publisher(name string) *gcppubsub.Publisher
}

// PubSubSink publishes through one long-lived Publisher per topic. Publishers
// batch in the background, so they are created once and stopped on Close.
type PubSubSink struct {
	src        publisherSource
	mu         sync.Mutex
	publishers map[string]*gcppubsub.Publisher
}

func NewPubSubSink(src publisherSource) *PubSubSink {
	return &PubSubSink{src: src, publishers: map[string]*gcppubsub.Publisher{}}
}

func (s *PubSubSink) Send(ctx context.Context, topic string, msg *gcppubsub.Message) error {
	pub := s.publisher(topic)
	if pub == nil {
		return registry.NewNonRetryableError(fmt.Errorf("no publisher for topic %q", topic))
	}
	if _, err := pub.Publish(ctx, msg).Get(ctx); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}

func (s *PubSubSink) publisher(topic string) *gcppubsub.Publisher {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pub, ok := s.publishers[topic]; ok {
		return pub
	}
	pub := s.src.Publisher(topic)
	if pub != nil {
		s.publishers[topic] = pub
	}
	return pub
}

// Close flushes and stops every publisher the sink created.
func (s *PubSubSink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for topic, pub := range s.publishers {
		pub.Stop()
		delete(s.publishers, topic)
	}
}
