// Package events carries identity-change events from the authority to its
// replicas. Delivery is at-least-once and ordered per partition key.
package events

import (
	"context"
	"crypto/sha1"
	"encoding/binary"
	"errors"

	"edgeward.io/internal/identity"
)

// TopicIdentity is the logical topic identity events are published on.
const TopicIdentity = "identity-events"

var (
	ErrClosed       = errors.New("events: channel closed")
	ErrInvalidTopic = errors.New("events: topic is required")
)

// Handler consumes one event. A returned error is terminal for that event.
type Handler func(ctx context.Context, ev identity.Event) error

// Publisher hands an event to the channel. Events sharing a partition key are
// delivered in publish order.
type Publisher interface {
	Publish(ctx context.Context, topic string, ev identity.Event) error
}

// Subscriber registers a handler for a topic. Handlers run until the channel
// is closed or ctx ends.
type Subscriber interface {
	Subscribe(ctx context.Context, topic string, h Handler) error
}

// Channel is the full publish/subscribe capability.
type Channel interface {
	Publisher
	Subscriber
	Close() error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, topic string, ev identity.Event) error

func (f PublisherFunc) Publish(ctx context.Context, topic string, ev identity.Event) error {
	return f(ctx, topic, ev)
}

// Partition deterministically maps a partition key onto one of n slots.
func Partition(key string, n int) int {
	if n <= 1 {
		return 0
	}
	hash := sha1.Sum([]byte(key))
	val := binary.BigEndian.Uint32(hash[:4])
	return int(val % uint32(n))
}
