package mq

import (
	"fmt"
)

// DefaultMaxRetry is the retry limit of consumers that do not set one
const DefaultMaxRetry = 3

// ConsumerSpec describes one consumer. Specs are immutable once built; use
// the New*Consumer constructors.
type ConsumerSpec struct {
	kind        Kind
	route       string
	exchange    string
	pattern     string
	concurrency int
	prefetch    int
	parallel    bool
	maxRetry    int
	handler     Handler
}

// ConsumerOption configures a consumer spec
type ConsumerOption func(*ConsumerSpec)

// WithConcurrency sets how many independent subscriptions a work-queue consumer binds
func WithConcurrency(n int) ConsumerOption {
	return func(s *ConsumerSpec) {
		s.concurrency = n
	}
}

// WithPrefetch sets the QoS prefetch count of a work-queue consumer
func WithPrefetch(n int) ConsumerOption {
	return func(s *ConsumerSpec) {
		s.prefetch = n
	}
}

// WithParallel makes a work-queue consumer handle deliveries concurrently,
// up to its prefetch count per subscription
func WithParallel(parallel bool) ConsumerOption {
	return func(s *ConsumerSpec) {
		s.parallel = parallel
	}
}

// WithMaxRetry sets how many failed attempts a message gets before it is dropped
func WithMaxRetry(n int) ConsumerOption {
	return func(s *ConsumerSpec) {
		s.maxRetry = n
	}
}

// NewWorkQueueConsumer creates a consumer competing for messages on the
// durable queue named route.
func NewWorkQueueConsumer(route string, handler Handler, options ...ConsumerOption) (*ConsumerSpec, error) {
	s := newSpec(WorkQueue, handler, options)
	s.route = route

	if route == "" {
		return nil, fmt.Errorf("%w: work-queue route is empty", ErrInvalidConsumer)
	}
	if s.concurrency < 1 {
		return nil, fmt.Errorf("%w: concurrency must be at least 1, got %d", ErrInvalidConsumer, s.concurrency)
	}
	if s.prefetch < 1 {
		return nil, fmt.Errorf("%w: prefetch must be at least 1, got %d", ErrInvalidConsumer, s.prefetch)
	}
	if err := s.validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// NewBroadcastConsumer creates a consumer receiving every message published
// to the fanout exchange.
func NewBroadcastConsumer(exchange string, handler Handler, options ...ConsumerOption) (*ConsumerSpec, error) {
	s := newSpec(Broadcast, handler, options)
	s.exchange = exchange
	s.single()

	if exchange == "" {
		return nil, fmt.Errorf("%w: broadcast exchange is empty", ErrInvalidConsumer)
	}
	if err := s.validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// NewTopicConsumer creates a consumer receiving messages published to the
// topic exchange whose routing key matches pattern.
func NewTopicConsumer(exchange, pattern string, handler Handler, options ...ConsumerOption) (*ConsumerSpec, error) {
	s := newSpec(Topic, handler, options)
	s.exchange = exchange
	s.pattern = pattern
	s.single()

	if exchange == "" {
		return nil, fmt.Errorf("%w: topic exchange is empty", ErrInvalidConsumer)
	}
	if pattern == "" {
		return nil, fmt.Errorf("%w: topic pattern is empty", ErrInvalidConsumer)
	}
	if err := s.validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func newSpec(kind Kind, handler Handler, options []ConsumerOption) *ConsumerSpec {
	s := &ConsumerSpec{
		kind:        kind,
		concurrency: 1,
		prefetch:    1,
		maxRetry:    DefaultMaxRetry,
		handler:     handler,
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// single pins broadcast and topic consumers to one sequential subscription
func (s *ConsumerSpec) single() {
	s.concurrency = 1
	s.prefetch = 1
	s.parallel = false
}

func (s *ConsumerSpec) validate() error {
	if s.handler == nil {
		return fmt.Errorf("%w: %s has no handler", ErrInvalidConsumer, s)
	}
	if s.maxRetry < 1 {
		return fmt.Errorf("%w: max retry must be at least 1, got %d", ErrInvalidConsumer, s.maxRetry)
	}
	return nil
}

// Kind returns the consumption topology
func (s *ConsumerSpec) Kind() Kind { return s.kind }

// Route returns the work-queue route
func (s *ConsumerSpec) Route() string { return s.route }

// Exchange returns the broadcast or topic exchange
func (s *ConsumerSpec) Exchange() string { return s.exchange }

// Pattern returns the topic binding pattern
func (s *ConsumerSpec) Pattern() string { return s.pattern }

// Concurrency returns the number of subscriptions bound for this spec
func (s *ConsumerSpec) Concurrency() int { return s.concurrency }

// Prefetch returns the QoS prefetch count
func (s *ConsumerSpec) Prefetch() int { return s.prefetch }

// Parallel reports whether deliveries are handled concurrently
func (s *ConsumerSpec) Parallel() bool { return s.parallel }

// MaxRetry returns the retry limit
func (s *ConsumerSpec) MaxRetry() int { return s.maxRetry }

// Handler returns the message handler
func (s *ConsumerSpec) Handler() Handler { return s.handler }

// QueueName returns the queue the consumer reads. Broadcast consumers read a
// server-named queue, so it is empty for them.
func (s *ConsumerSpec) QueueName() string {
	switch s.kind {
	case WorkQueue:
		return s.route
	case Topic:
		return "topic_" + s.exchange + "_" + s.pattern
	default:
		return ""
	}
}

// ConsumerTag returns the tag the consumer subscribes with
func (s *ConsumerSpec) ConsumerTag() string {
	switch s.kind {
	case WorkQueue:
		return "workqueue_" + s.route
	case Broadcast:
		return "broadcast_" + s.exchange
	default:
		return "topic_" + s.exchange + "_" + s.pattern
	}
}

func (s *ConsumerSpec) String() string {
	switch s.kind {
	case WorkQueue:
		return "workqueue:" + s.route
	case Broadcast:
		return "broadcast:" + s.exchange
	default:
		return "topic:" + s.exchange + "/" + s.pattern
	}
}

// Unit is one subscription of a consumer spec. Work-queue specs bind one unit
// per unit of concurrency; the others bind exactly one.
type Unit struct {
	Spec  *ConsumerSpec
	Index int
}

func (u Unit) String() string {
	return fmt.Sprintf("%s#%d", u.Spec, u.Index)
}
