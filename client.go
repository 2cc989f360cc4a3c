// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package mqpool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/mqpool/health"
	"github.com/glimte/mqpool/internal/rabbitmq"
	"github.com/glimte/mqpool/mq"
)

var (
	// ErrClientStarted is returned by a second Start
	ErrClientStarted = errors.New("mqpool: client already started")

	// ErrClientClosed is returned after Close
	ErrClientClosed = errors.New("mqpool: client closed")
)

// PoolStats is a snapshot of the connection pool
type PoolStats = rabbitmq.Stats

// Client is the startup context of a service: it owns the connection pool,
// the consumer registry and the background loops that keep consumers bound.
// Register consumers, then Start once.
type Client struct {
	logger     *slog.Logger
	pool       *rabbitmq.Pool
	registry   *mq.Registry
	publisher  *mq.Publisher
	binder     *mq.Binder
	supervisor *mq.Supervisor

	mu      sync.Mutex
	started bool
	closed  bool
	cancel  context.CancelFunc
}

// NewClient creates a client for the broker at url. No connection is opened
// until the first publish or Start.
func NewClient(url string, options ...ClientOption) (*Client, error) {
	cfg := &clientConfig{
		logger:      slog.Default(),
		backoffUnit: time.Second,
	}
	for _, opt := range options {
		opt(cfg)
	}

	poolOpts := append([]rabbitmq.PoolOption{rabbitmq.WithLogger(cfg.logger)}, cfg.poolOptions...)
	if cfg.dialer != nil {
		poolOpts = append(poolOpts, rabbitmq.WithDialer(cfg.dialer))
	}
	pool, err := rabbitmq.NewPool(url, poolOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}

	binderOpts := []mq.BinderOption{mq.WithBinderLogger(cfg.logger)}
	if cfg.retries != nil {
		binderOpts = append(binderOpts, mq.WithRetryTracker(cfg.retries))
	}
	if cfg.drops != nil {
		binderOpts = append(binderOpts, mq.WithDropRecorder(cfg.drops))
	}
	binder := mq.NewBinder(pool, binderOpts...)

	supervisor := mq.NewSupervisor(binder,
		mq.WithSupervisorLogger(cfg.logger),
		mq.WithBackoffUnit(cfg.backoffUnit))
	binder.OnFailure(supervisor.Submit)

	return &Client{
		logger:     cfg.logger,
		pool:       pool,
		registry:   mq.NewRegistry(),
		publisher:  mq.NewPublisher(pool, mq.WithPublisherLogger(cfg.logger)),
		binder:     binder,
		supervisor: supervisor,
	}, nil
}

// Register adds a consumer. Registration closes when Start runs.
func (c *Client) Register(spec *mq.ConsumerSpec) error {
	return c.registry.Register(spec)
}

// Start launches the pool loops and the supervisor, then binds every
// registered consumer. Consumers that fail to bind are retried in the
// background, so a broker that is down at startup does not fail Start.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClientClosed
	}
	if c.started {
		c.mu.Unlock()
		return ErrClientStarted
	}
	c.started = true
	ctx, c.cancel = context.WithCancel(ctx)
	c.mu.Unlock()

	c.pool.Start(ctx)
	c.supervisor.Start(ctx)

	if err := c.binder.BindAll(ctx, c.registry); err != nil {
		c.logger.Warn("some consumers are not bound yet, retrying in background", "error", err)
	}

	c.logger.Info("client started", "consumers", len(c.registry.Specs()))
	return nil
}

// Publisher returns the publisher
func (c *Client) Publisher() *mq.Publisher {
	return c.publisher
}

// Stats returns a snapshot of the pool
func (c *Client) Stats() PoolStats {
	return c.pool.Stats()
}

// Health probes the broker through the pool and reports pool occupancy and
// consumers waiting to be rebound
func (c *Client) Health(ctx context.Context) health.Report {
	return health.Run(ctx,
		health.NewBrokerChecker(c.pool),
		health.NewPoolChecker(c.pool),
		health.NewConsumerChecker(c.supervisor))
}

// Close stops the background loops, waits for in-flight handlers and closes
// every broker connection.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		// supervisor loops may be mid-Bind; they finish before the delivery
		// loops are waited on
		c.supervisor.Wait()
		c.binder.Wait()
	}
	return c.pool.Close()
}

// clientConfig holds client configuration
type clientConfig struct {
	logger      *slog.Logger
	poolOptions []rabbitmq.PoolOption
	dialer      rabbitmq.Dialer
	retries     mq.RetryTracker
	drops       mq.DropRecorder
	backoffUnit time.Duration
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = logger
	}
}

// WithConnectionName sets the connection name shown in the broker UI
func WithConnectionName(name string) ClientOption {
	return func(cfg *clientConfig) {
		cfg.poolOptions = append(cfg.poolOptions, rabbitmq.WithConnectionName(name))
	}
}

// WithLimits sets the connection limit and the channel limit per connection
func WithLimits(connections, channelsPerConnection int) ClientOption {
	return func(cfg *clientConfig) {
		cfg.poolOptions = append(cfg.poolOptions,
			rabbitmq.WithConnectionLimit(connections),
			rabbitmq.WithChannelLimit(channelsPerConnection))
	}
}

// WithIdleTimeouts sets how long idle channels and connections are kept
func WithIdleTimeouts(channel, connection time.Duration) ClientOption {
	return func(cfg *clientConfig) {
		cfg.poolOptions = append(cfg.poolOptions,
			rabbitmq.WithChannelIdleTimeout(channel),
			rabbitmq.WithConnectionIdleTimeout(connection))
	}
}

// WithRetryTracker shares retry counts through tracker instead of memory
func WithRetryTracker(tracker mq.RetryTracker) ClientOption {
	return func(cfg *clientConfig) {
		cfg.retries = tracker
	}
}

// WithDropRecorder records dropped deliveries
func WithDropRecorder(recorder mq.DropRecorder) ClientOption {
	return func(cfg *clientConfig) {
		cfg.drops = recorder
	}
}

// WithBackoffUnit sets the rebind backoff step
func WithBackoffUnit(unit time.Duration) ClientOption {
	return func(cfg *clientConfig) {
		cfg.backoffUnit = unit
	}
}

func withPoolOptions(opts ...rabbitmq.PoolOption) ClientOption {
	return func(cfg *clientConfig) {
		cfg.poolOptions = append(cfg.poolOptions, opts...)
	}
}

func withDialer(dialer rabbitmq.Dialer) ClientOption {
	return func(cfg *clientConfig) {
		cfg.dialer = dialer
	}
}
