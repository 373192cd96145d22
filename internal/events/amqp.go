package events

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"edgeward.io/internal/identity"
	"edgeward.io/internal/ids"
	"edgeward.io/internal/obs"
)

const (
	headerPartitionKey = "partition-key"
	defaultGroup       = "replica"
	dialAttempts       = 7
)

// amqpChannel is the subset of *amqp.Channel the adapter relies on.
type amqpChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Close() error
}

// AMQPChannel is a RabbitMQ-backed Channel. Each topic maps to a durable
// direct exchange whose routing keys are "<topic>.<partition>". A subscriber
// group owns one single-active-consumer queue per partition, which keeps
// per-key ordering across competing consumer instances. Publishers declare
// the queues of their configured group too, so events published before the
// first subscriber starts are retained by the broker.
type AMQPChannel struct {
	ch         amqpChannel
	conn       io.Closer
	partitions int
	group      string
	log        zerolog.Logger

	pubMu    sync.Mutex
	mu       sync.Mutex
	declared map[string]bool
	closed   bool
	wg       sync.WaitGroup

	lost     chan struct{}
	lostOnce sync.Once
}

// AMQPOption configures an AMQPChannel.
type AMQPOption func(*AMQPChannel)

// WithAMQPPartitions sets the number of partition queues per topic.
func WithAMQPPartitions(n int) AMQPOption {
	return func(c *AMQPChannel) {
		if n > 0 {
			c.partitions = n
		}
	}
}

// WithGroup names the subscriber group; groups receive independent copies.
func WithGroup(group string) AMQPOption {
	return func(c *AMQPChannel) {
		if group = strings.TrimSpace(group); group != "" {
			c.group = group
		}
	}
}

func withConn(conn io.Closer) AMQPOption {
	return func(c *AMQPChannel) { c.conn = conn }
}

// NewAMQPChannel wraps an open AMQP channel.
func NewAMQPChannel(ch amqpChannel, opts ...AMQPOption) *AMQPChannel {
	c := &AMQPChannel{
		ch:         ch,
		partitions: defaultPartitions,
		group:      defaultGroup,
		log:        obs.Component("events.amqp"),
		declared:   make(map[string]bool),
		lost:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// DialAMQP connects to the broker, retrying with exponential backoff while the
// broker comes up.
func DialAMQP(ctx context.Context, url string, opts ...AMQPOption) (*AMQPChannel, error) {
	log := obs.Component("events.amqp")
	wait := time.Second
	var (
		conn *amqp.Connection
		err  error
	)
	for attempt := 1; attempt <= dialAttempts; attempt++ {
		conn, err = amqp.Dial(url)
		if err == nil {
			break
		}
		if attempt == dialAttempts {
			return nil, fmt.Errorf("dial amqp: %w", err)
		}
		log.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", wait).Msg("amqp dial failed")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
		wait *= 2
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	return NewAMQPChannel(ch, append(opts, withConn(conn))...), nil
}

func routingKey(topic string, partition int) string {
	return fmt.Sprintf("%s.%d", topic, partition)
}

func (c *AMQPChannel) queueName(topic string, partition int) string {
	return fmt.Sprintf("%s.%s.%d", topic, c.group, partition)
}

// declareTopology declares the topic exchange plus the group's partition
// queues and bindings. Declarations are idempotent on the broker and cached
// here per topic.
func (c *AMQPChannel) declareTopology(topic string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.declared[topic] {
		return nil
	}
	if err := c.ch.ExchangeDeclare(topic, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", topic, err)
	}
	args := amqp.Table{"x-single-active-consumer": true}
	for i := 0; i < c.partitions; i++ {
		queue := c.queueName(topic, i)
		if _, err := c.ch.QueueDeclare(queue, true, false, false, false, args); err != nil {
			return fmt.Errorf("declare queue %s: %w", queue, err)
		}
		if err := c.ch.QueueBind(queue, routingKey(topic, i), topic, false, nil); err != nil {
			return fmt.Errorf("bind queue %s: %w", queue, err)
		}
	}
	c.declared[topic] = true
	return nil
}

// Lost is closed when a consumer stops because the broker closed its
// delivery stream. It never fires for a Close call.
func (c *AMQPChannel) Lost() <-chan struct{} { return c.lost }

// Publish sends ev as a persistent JSON message routed by its partition key.
func (c *AMQPChannel) Publish(ctx context.Context, topic string, ev identity.Event) error {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return ErrInvalidTopic
	}
	if err := c.declareTopology(topic); err != nil {
		return err
	}
	body, err := identity.EncodeEvent(ev)
	if err != nil {
		return err
	}
	key := ev.PartitionKey()
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    ids.New(),
		Timestamp:    ev.Timestamp,
		Type:         string(ev.Type),
		Headers:      amqp.Table{headerPartitionKey: key},
		Body:         body,
	}
	c.pubMu.Lock()
	defer c.pubMu.Unlock()
	if err := c.ch.PublishWithContext(ctx, topic, routingKey(topic, Partition(key, c.partitions)), false, false, msg); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe declares the group's partition queues and consumes them with
// manual acknowledgement. Handler errors and undecodable messages are
// rejected without requeue.
func (c *AMQPChannel) Subscribe(ctx context.Context, topic string, h Handler) error {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return ErrInvalidTopic
	}
	if err := c.declareTopology(topic); err != nil {
		return err
	}
	if err := c.ch.Qos(1, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}
	for i := 0; i < c.partitions; i++ {
		queue := c.queueName(topic, i)
		deliveries, err := c.ch.Consume(queue, "", false, false, false, false, nil)
		if err != nil {
			return fmt.Errorf("consume %s: %w", queue, err)
		}
		c.wg.Add(1)
		go c.consume(ctx, queue, deliveries, h)
	}
	c.log.Info().Str("topic", topic).Str("group", c.group).Int("partitions", c.partitions).Msg("subscribed")
	return nil
}

func (c *AMQPChannel) consume(ctx context.Context, queue string, deliveries <-chan amqp.Delivery, h Handler) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				c.consumerStopped(queue)
				return
			}
			c.deliver(context.WithoutCancel(ctx), queue, d, h)
		}
	}
}

func (c *AMQPChannel) consumerStopped(queue string) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}
	c.log.Error().Str("queue", queue).Msg("delivery stream closed by broker")
	c.lostOnce.Do(func() { close(c.lost) })
}

func (c *AMQPChannel) deliver(ctx context.Context, queue string, d amqp.Delivery, h Handler) {
	ev, err := identity.DecodeEvent(d.Body)
	if err == nil {
		err = h(ctx, ev)
	}
	if err != nil {
		c.log.Warn().Err(err).
			Str("queue", queue).
			Str("message_id", d.MessageId).
			Msg("event rejected")
		if nackErr := d.Nack(false, false); nackErr != nil {
			c.log.Error().Err(nackErr).Str("queue", queue).Msg("nack failed")
		}
		return
	}
	if ackErr := d.Ack(false); ackErr != nil {
		c.log.Error().Err(ackErr).Str("queue", queue).Msg("ack failed")
	}
}

// Close closes the channel (ending consumers), waits for in-flight handlers
// and closes the owned connection, if any.
func (c *AMQPChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	err := c.ch.Close()
	c.wg.Wait()
	if c.conn != nil {
		err = errors.Join(err, c.conn.Close())
	}
	return err
}
