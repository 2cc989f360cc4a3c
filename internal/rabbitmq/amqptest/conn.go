package amqptest

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Conn is a connection to the in-memory broker
type Conn struct {
	broker *Broker
	id     int
	chans  []*Chan
	closed bool
}

// Channel opens a channel. It fails with amqp.ErrClosed on a closed
// connection or with the error set by SetChannelError.
func (c *Conn) Channel() (*Chan, error) {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if c.closed {
		return nil, amqp.ErrClosed
	}
	if b.channelErr != nil {
		return nil, b.channelErr
	}

	ch := &Chan{conn: c, id: len(c.chans) + 1, unacked: make(map[uint64]unacked)}
	c.chans = append(c.chans, ch)
	return ch, nil
}

// IsClosed reports whether the connection is closed
func (c *Conn) IsClosed() bool {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	return c.closed
}

// Close closes the connection and every channel on it. Exclusive queues it
// declared are deleted.
func (c *Conn) Close() error {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if c.closed {
		return amqp.ErrClosed
	}
	b.closeConnLocked(c)
	return nil
}

// Chan is a channel on the in-memory broker. Its method set matches the
// parts of *amqp.Channel used by the pool, and it acknowledges its own
// deliveries.
type Chan struct {
	conn      *Conn
	id        int
	closed    bool
	prefetch  int
	nextTag   uint64
	unacked   map[uint64]unacked
	consumers []*consumer
}

// ExchangeDeclare declares an exchange, failing with PRECONDITION_FAILED when
// it exists with different properties.
func (ch *Chan) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	if b.declareErr != nil {
		return b.declareErr
	}

	switch kind {
	case amqp.ExchangeDirect, amqp.ExchangeFanout, amqp.ExchangeTopic, amqp.ExchangeHeaders:
	default:
		b.closeChannelLocked(ch)
		return &amqp.Error{
			Code:   amqp.CommandInvalid,
			Reason: fmt.Sprintf("COMMAND_INVALID - unknown exchange type '%s'", kind),
		}
	}

	if ex, ok := b.exchanges[name]; ok {
		if ex.kind != kind || ex.durable != durable || ex.autoDelete != autoDelete {
			b.closeChannelLocked(ch)
			return preconditionFailed("exchange", name)
		}
		return nil
	}

	b.exchanges[name] = &exchange{name: name, kind: kind, durable: durable, autoDelete: autoDelete}
	return nil
}

// QueueDeclare declares a queue. An empty name gets a server-generated one.
func (ch *Chan) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.Queue{}, amqp.ErrClosed
	}
	if b.declareErr != nil {
		return amqp.Queue{}, b.declareErr
	}

	if name == "" {
		b.nextQueue++
		name = fmt.Sprintf("amq.gen-%d", b.nextQueue)
	}

	if q, ok := b.queues[name]; ok {
		if q.exclusive && q.owner != ch.conn {
			b.closeChannelLocked(ch)
			return amqp.Queue{}, &amqp.Error{
				Code:   amqp.ResourceLocked,
				Reason: fmt.Sprintf("RESOURCE_LOCKED - cannot obtain exclusive access to locked queue '%s' in vhost '/'", name),
			}
		}
		if q.durable != durable || q.autoDelete != autoDelete || q.exclusive != exclusive {
			b.closeChannelLocked(ch)
			return amqp.Queue{}, preconditionFailed("queue", name)
		}
		return amqp.Queue{Name: name, Messages: len(q.messages), Consumers: len(q.consumers)}, nil
	}

	q := &queue{name: name, durable: durable, autoDelete: autoDelete, exclusive: exclusive}
	if exclusive {
		q.owner = ch.conn
	}
	b.queues[name] = q
	return amqp.Queue{Name: name}, nil
}

// QueueBind binds a queue to an exchange. Binding twice with the same key is a no-op.
func (ch *Chan) QueueBind(name, key, exchangeName string, noWait bool, args amqp.Table) error {
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}

	ex, ok := b.exchanges[exchangeName]
	if !ok {
		b.closeChannelLocked(ch)
		return notFound("exchange", exchangeName)
	}
	if _, ok := b.queues[name]; !ok {
		b.closeChannelLocked(ch)
		return notFound("queue", name)
	}

	for _, bd := range ex.bindings {
		if bd.queue == name && bd.key == key {
			return nil
		}
	}
	ex.bindings = append(ex.bindings, binding{queue: name, key: key})
	return nil
}

// Qos sets the prefetch count for consumers on this channel
func (ch *Chan) Qos(prefetchCount, prefetchSize int, global bool) error {
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	ch.prefetch = prefetchCount
	return nil
}

// Prefetch returns the prefetch count set by Qos
func (ch *Chan) Prefetch() int {
	ch.conn.broker.mu.Lock()
	defer ch.conn.broker.mu.Unlock()
	return ch.prefetch
}

// PublishWithContext routes msg. Publishing to a missing exchange closes the
// channel with NOT_FOUND; unlike a real broker the error is returned directly.
func (ch *Chan) PublishWithContext(ctx context.Context, exchangeName, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if ch.IsClosed() {
		return amqp.ErrClosed
	}

	err := ch.conn.broker.route(exchangeName, key, msg)
	if amqpErr, ok := err.(*amqp.Error); ok && amqpErr.Code == amqp.NotFound {
		ch.Close()
	}
	return err
}

// Consume starts delivering messages from a queue. An empty consumer tag gets
// a generated one; reusing a tag on the same channel fails with NOT_ALLOWED.
func (ch *Chan) Consume(queueName, consumerTag string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return nil, amqp.ErrClosed
	}

	q, ok := b.queues[queueName]
	if !ok {
		b.closeChannelLocked(ch)
		return nil, notFound("queue", queueName)
	}

	if consumerTag == "" {
		b.nextTag++
		consumerTag = fmt.Sprintf("ctag-%d", b.nextTag)
	}
	for _, c := range ch.consumers {
		if c.tag == consumerTag {
			b.closeChannelLocked(ch)
			return nil, &amqp.Error{
				Code:   amqp.NotAllowed,
				Reason: fmt.Sprintf("NOT_ALLOWED - attempt to reuse consumer tag '%s'", consumerTag),
			}
		}
	}

	c := &consumer{
		tag:        consumerTag,
		ch:         ch,
		queue:      queueName,
		autoAck:    autoAck,
		deliveries: make(chan amqp.Delivery, 1024),
	}
	ch.consumers = append(ch.consumers, c)
	q.consumers = append(q.consumers, c)
	b.dispatchLocked(q)
	return c.deliveries, nil
}

// IsClosed reports whether the channel is closed
func (ch *Chan) IsClosed() bool {
	ch.conn.broker.mu.Lock()
	defer ch.conn.broker.mu.Unlock()
	return ch.closed
}

// Close closes the channel. Its consumers are cancelled and unacknowledged
// deliveries go back to their queues.
func (ch *Chan) Close() error {
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	b.closeChannelLocked(ch)
	return nil
}

// Ack implements amqp.Acknowledger
func (ch *Chan) Ack(tag uint64, multiple bool) error {
	return ch.conn.broker.settle(ch, tag, multiple, true, false)
}

// Nack implements amqp.Acknowledger
func (ch *Chan) Nack(tag uint64, multiple, requeue bool) error {
	return ch.conn.broker.settle(ch, tag, multiple, false, requeue)
}

// Reject implements amqp.Acknowledger
func (ch *Chan) Reject(tag uint64, requeue bool) error {
	return ch.conn.broker.settle(ch, tag, false, false, requeue)
}

var _ amqp.Acknowledger = (*Chan)(nil)
