// Package amqptest provides an in-memory AMQP broker for tests. It routes
// through the default, direct, fanout and topic exchanges, tracks
// acknowledgements and redelivers nacked messages, and lets tests inject
// dial, channel and declare failures or drop connections.
package amqptest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Broker is an in-memory broker. The zero value is not usable; call NewBroker.
type Broker struct {
	mu        sync.Mutex
	exchanges map[string]*exchange
	queues    map[string]*queue
	conns     []*Conn
	nextQueue int
	nextConn  int
	nextTag   int

	dialErr    error
	channelErr error
	declareErr error
	publishErr error

	published []Published

	acks     int
	nacks    int
	requeues int
}

type exchange struct {
	name       string
	kind       string
	durable    bool
	autoDelete bool
	bindings   []binding
}

type binding struct {
	queue string
	key   string
}

type queue struct {
	name       string
	durable    bool
	autoDelete bool
	exclusive  bool
	owner      *Conn
	messages   []message
	consumers  []*consumer
	next       int
}

type message struct {
	exchange    string
	routingKey  string
	publishing  amqp.Publishing
	redelivered bool
}

type consumer struct {
	tag        string
	ch         *Chan
	queue      string
	autoAck    bool
	deliveries chan amqp.Delivery
}

type unacked struct {
	queue string
	msg   message
}

// NewBroker creates an empty broker
func NewBroker() *Broker {
	return &Broker{
		exchanges: make(map[string]*exchange),
		queues:    make(map[string]*queue),
	}
}

// Dial opens a connection. It fails with the error set by SetDialError.
func (b *Broker) Dial(ctx context.Context, url string) (*Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.dialErr != nil {
		return nil, b.dialErr
	}

	b.nextConn++
	c := &Conn{broker: b, id: b.nextConn}
	b.conns = append(b.conns, c)
	return c, nil
}

// SetDialError makes subsequent dials fail with err (nil restores success)
func (b *Broker) SetDialError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dialErr = err
}

// SetChannelError makes subsequent channel opens fail with err
func (b *Broker) SetChannelError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.channelErr = err
}

// SetDeclareError makes subsequent exchange and queue declarations fail with err
func (b *Broker) SetDeclareError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.declareErr = err
}

// SetPublishError makes subsequent publishes fail with err
func (b *Broker) SetPublishError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.publishErr = err
}

// DropConnections closes every open connection as if the broker restarted.
// Consumers see their delivery channels close.
func (b *Broker) DropConnections() {
	b.mu.Lock()
	conns := append([]*Conn(nil), b.conns...)
	b.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
}

// OpenConnections returns the number of connections not yet closed
func (b *Broker) OpenConnections() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for _, c := range b.conns {
		if !c.closed {
			n++
		}
	}
	return n
}

// OpenChannels returns the number of open channels across all connections
func (b *Broker) OpenChannels() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for _, c := range b.conns {
		for _, ch := range c.chans {
			if !ch.closed {
				n++
			}
		}
	}
	return n
}

// QueueInfo describes a declared queue
type QueueInfo struct {
	Name         string
	Durable      bool
	AutoDelete   bool
	Exclusive    bool
	Messages     int
	Consumers    int
	ConsumerTags []string
}

// Queue returns the queue named name
func (b *Broker) Queue(name string) (QueueInfo, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[name]
	if !ok {
		return QueueInfo{}, false
	}
	info := QueueInfo{
		Name:       q.name,
		Durable:    q.durable,
		AutoDelete: q.autoDelete,
		Exclusive:  q.exclusive,
		Messages:   len(q.messages),
		Consumers:  len(q.consumers),
	}
	for _, c := range q.consumers {
		info.ConsumerTags = append(info.ConsumerTags, c.tag)
	}
	return info, true
}

// DeleteQueue removes a queue. Its consumers are cancelled and see their
// delivery channels close, as when a queue is deleted on a real broker.
func (b *Broker) DeleteQueue(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deleteQueueLocked(name)
}

func (b *Broker) deleteQueueLocked(name string) {
	q, ok := b.queues[name]
	if !ok {
		return
	}
	delete(b.queues, name)

	for _, c := range q.consumers {
		for i, cc := range c.ch.consumers {
			if cc == c {
				c.ch.consumers = append(c.ch.consumers[:i], c.ch.consumers[i+1:]...)
				break
			}
		}
		close(c.deliveries)
	}
	q.consumers = nil

	for _, ex := range b.exchanges {
		kept := ex.bindings[:0]
		for _, bd := range ex.bindings {
			if bd.queue != name {
				kept = append(kept, bd)
			}
		}
		ex.bindings = kept
	}
}

// Published is a message accepted by the broker
type Published struct {
	Exchange   string
	RoutingKey string
	Publishing amqp.Publishing
}

// Published returns every message accepted so far, in order
func (b *Broker) Published() []Published {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Published(nil), b.published...)
}

// ExchangeInfo describes a declared exchange
type ExchangeInfo struct {
	Name       string
	Kind       string
	Durable    bool
	AutoDelete bool
	Bindings   map[string]string // queue -> routing key
}

// Exchange returns the exchange named name
func (b *Broker) Exchange(name string) (ExchangeInfo, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ex, ok := b.exchanges[name]
	if !ok {
		return ExchangeInfo{}, false
	}
	info := ExchangeInfo{
		Name:       ex.name,
		Kind:       ex.kind,
		Durable:    ex.durable,
		AutoDelete: ex.autoDelete,
		Bindings:   make(map[string]string),
	}
	for _, bd := range ex.bindings {
		info.Bindings[bd.queue] = bd.key
	}
	return info, true
}

// Counters reports acknowledgement totals
type Counters struct {
	Acks     int
	Nacks    int
	Requeues int
}

// Counters returns how many deliveries were acked, nacked and requeued
func (b *Broker) Counters() Counters {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Counters{Acks: b.acks, Nacks: b.nacks, Requeues: b.requeues}
}

// Inject places a raw body on a queue, bypassing exchanges.
func (b *Broker) Inject(queueName string, body []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[queueName]
	if !ok {
		return notFound("queue", queueName)
	}
	q.messages = append(q.messages, message{
		routingKey: queueName,
		publishing: amqp.Publishing{Body: body, Timestamp: time.Now()},
	})
	b.dispatchLocked(q)
	return nil
}

func (b *Broker) route(exchangeName, key string, msg amqp.Publishing) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.publishErr != nil {
		return b.publishErr
	}

	m := message{exchange: exchangeName, routingKey: key, publishing: msg}

	if exchangeName == "" {
		b.published = append(b.published, Published{RoutingKey: key, Publishing: msg})
		if q, ok := b.queues[key]; ok {
			q.messages = append(q.messages, m)
			b.dispatchLocked(q)
		}
		return nil
	}

	ex, ok := b.exchanges[exchangeName]
	if !ok {
		return notFound("exchange", exchangeName)
	}
	b.published = append(b.published, Published{Exchange: exchangeName, RoutingKey: key, Publishing: msg})

	for _, bd := range ex.bindings {
		if !matches(ex.kind, bd.key, key) {
			continue
		}
		if q, ok := b.queues[bd.queue]; ok {
			q.messages = append(q.messages, m)
			b.dispatchLocked(q)
		}
	}
	return nil
}

// dispatchLocked hands queued messages to consumers round-robin, skipping
// consumers whose channel has reached its prefetch limit.
func (b *Broker) dispatchLocked(q *queue) {
	for len(q.messages) > 0 {
		c := q.nextConsumer()
		if c == nil {
			return
		}

		m := q.messages[0]
		ch := c.ch
		tag := ch.nextTag + 1

		d := amqp.Delivery{
			Acknowledger: ch,
			ConsumerTag:  c.tag,
			DeliveryTag:  tag,
			Redelivered:  m.redelivered,
			Exchange:     m.exchange,
			RoutingKey:   m.routingKey,
			ContentType:  m.publishing.ContentType,
			DeliveryMode: m.publishing.DeliveryMode,
			MessageId:    m.publishing.MessageId,
			Timestamp:    m.publishing.Timestamp,
			Headers:      m.publishing.Headers,
			Body:         m.publishing.Body,
		}

		select {
		case c.deliveries <- d:
			ch.nextTag = tag
			q.messages = q.messages[1:]
			if c.autoAck {
				b.acks++
			} else {
				ch.unacked[tag] = unacked{queue: q.name, msg: m}
			}
		default:
			return
		}
	}
}

func (q *queue) nextConsumer() *consumer {
	for range q.consumers {
		if q.next >= len(q.consumers) {
			q.next = 0
		}
		c := q.consumers[q.next]
		q.next++
		if c.ch.prefetch == 0 || len(c.ch.unacked) < c.ch.prefetch {
			return c
		}
	}
	return nil
}

func (b *Broker) settle(ch *Chan, tag uint64, multiple, ack, requeue bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}

	tags := []uint64{tag}
	if multiple {
		tags = tags[:0]
		for t := range ch.unacked {
			if t <= tag {
				tags = append(tags, t)
			}
		}
	}

	freed := make(map[string]bool)
	for _, t := range tags {
		u, ok := ch.unacked[t]
		if !ok {
			return &amqp.Error{Code: amqp.PreconditionFailed, Reason: fmt.Sprintf("PRECONDITION_FAILED - unknown delivery tag %d", t)}
		}
		delete(ch.unacked, t)
		freed[u.queue] = true

		if ack {
			b.acks++
			continue
		}
		b.nacks++
		if requeue {
			b.requeueLocked(u)
		}
	}

	for name := range freed {
		if q, ok := b.queues[name]; ok {
			b.dispatchLocked(q)
		}
	}
	return nil
}

func (b *Broker) requeueLocked(u unacked) {
	q, ok := b.queues[u.queue]
	if !ok {
		return
	}
	b.requeues++
	u.msg.redelivered = true
	q.messages = append([]message{u.msg}, q.messages...)
	b.dispatchLocked(q)
}

// closeChannelLocked closes ch, cancels its consumers and requeues what it held.
func (b *Broker) closeChannelLocked(ch *Chan) {
	if ch.closed {
		return
	}
	ch.closed = true

	for _, c := range ch.consumers {
		close(c.deliveries)
		q, ok := b.queues[c.queue]
		if !ok {
			continue
		}
		for i, qc := range q.consumers {
			if qc == c {
				q.consumers = append(q.consumers[:i], q.consumers[i+1:]...)
				break
			}
		}
		if q.autoDelete && len(q.consumers) == 0 {
			b.deleteQueueLocked(q.name)
		}
	}
	ch.consumers = nil

	for _, u := range ch.unacked {
		b.requeueLocked(u)
	}
	ch.unacked = nil
}

func (b *Broker) closeConnLocked(c *Conn) {
	if c.closed {
		return
	}
	c.closed = true
	for _, ch := range c.chans {
		b.closeChannelLocked(ch)
	}
	for name, q := range b.queues {
		if q.exclusive && q.owner == c {
			delete(b.queues, name)
		}
	}
}

// matches reports whether a routing key satisfies a binding key
func matches(kind, bindingKey, routingKey string) bool {
	switch kind {
	case amqp.ExchangeFanout:
		return true
	case amqp.ExchangeTopic:
		return TopicMatch(bindingKey, routingKey)
	default:
		return bindingKey == routingKey
	}
}

// TopicMatch implements topic exchange matching: "*" matches exactly one
// word and "#" matches zero or more words.
func TopicMatch(pattern, key string) bool {
	return matchWords(strings.Split(pattern, "."), strings.Split(key, "."))
}

func matchWords(pattern, key []string) bool {
	if len(pattern) == 0 {
		return len(key) == 0
	}

	switch pattern[0] {
	case "#":
		for i := 0; i <= len(key); i++ {
			if matchWords(pattern[1:], key[i:]) {
				return true
			}
		}
		return false
	case "*":
		return len(key) > 0 && matchWords(pattern[1:], key[1:])
	default:
		return len(key) > 0 && pattern[0] == key[0] && matchWords(pattern[1:], key[1:])
	}
}

func notFound(kind, name string) *amqp.Error {
	return &amqp.Error{
		Code:   amqp.NotFound,
		Reason: fmt.Sprintf("NOT_FOUND - no %s '%s' in vhost '/'", kind, name),
	}
}

func preconditionFailed(kind, name string) *amqp.Error {
	return &amqp.Error{
		Code:   amqp.PreconditionFailed,
		Reason: fmt.Sprintf("PRECONDITION_FAILED - inequivalent arg for %s '%s' in vhost '/'", kind, name),
	}
}
