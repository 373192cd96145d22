package events

import (
	"context"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"edgeward.io/internal/identity"
	"edgeward.io/internal/obs"
)

const (
	defaultPartitions = 8
	defaultBuffer     = 64
)

// Bus is an in-process Channel. Each topic fans out to its subscribers; every
// subscriber owns a fixed set of partition workers, so events with the same
// key are handled sequentially and in publish order.
type Bus struct {
	partitions int
	buffer     int
	log        zerolog.Logger

	mu     sync.RWMutex
	subs   map[string][]*subscription
	closed bool
	wg     sync.WaitGroup
}

type subscription struct {
	handler Handler
	queues  []chan identity.Event
	done    chan struct{}
	once    sync.Once
}

// BusOption configures a Bus.
type BusOption func(*Bus)

// WithPartitions sets the number of ordered workers per subscriber.
func WithPartitions(n int) BusOption {
	return func(b *Bus) {
		if n > 0 {
			b.partitions = n
		}
	}
}

// NewBus creates an empty bus.
func NewBus(opts ...BusOption) *Bus {
	b := &Bus{
		partitions: defaultPartitions,
		buffer:     defaultBuffer,
		log:        obs.Component("events.bus"),
		subs:       make(map[string][]*subscription),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe starts partition workers for h. The subscription ends when ctx
// is cancelled or the bus is closed; queued events are drained first.
func (b *Bus) Subscribe(ctx context.Context, topic string, h Handler) error {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return ErrInvalidTopic
	}
	sub := &subscription{
		handler: h,
		queues:  make([]chan identity.Event, b.partitions),
		done:    make(chan struct{}),
	}
	for i := range sub.queues {
		sub.queues[i] = make(chan identity.Event, b.buffer)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	b.subs[topic] = append(b.subs[topic], sub)
	for i := range sub.queues {
		b.wg.Add(1)
		go b.work(sub, sub.queues[i])
	}
	b.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			b.unsubscribe(topic, sub)
		case <-sub.done:
		}
	}()
	return nil
}

// Publish enqueues ev on every subscriber of topic. It blocks while the target
// partition queue is full, until ctx ends.
func (b *Bus) Publish(ctx context.Context, topic string, ev identity.Event) error {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return ErrInvalidTopic
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	key := ev.PartitionKey()
	for _, sub := range b.subs[topic] {
		q := sub.queues[Partition(key, len(sub.queues))]
		select {
		case q <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Close stops accepting events, drains queued ones and waits for workers.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for topic, subs := range b.subs {
		for _, sub := range subs {
			sub.stop()
		}
		delete(b.subs, topic)
	}
	b.mu.Unlock()
	b.wg.Wait()
	return nil
}

func (b *Bus) unsubscribe(topic string, target *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[topic]
	for i, sub := range subs {
		if sub == target {
			b.subs[topic] = append(subs[:i], subs[i+1:]...)
			sub.stop()
			return
		}
	}
}

func (s *subscription) stop() {
	s.once.Do(func() {
		close(s.done)
		for _, q := range s.queues {
			close(q)
		}
	})
}

func (b *Bus) work(sub *subscription, q <-chan identity.Event) {
	defer b.wg.Done()
	for ev := range q {
		if err := sub.handler(context.Background(), ev); err != nil {
			b.log.Warn().Err(err).
				Str("event_type", string(ev.Type)).
				Str("key", ev.PartitionKey()).
				Msg("event handler failed; event dropped")
		}
	}
}
