package mq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/mqpool/internal/rabbitmq"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ConsumeChannels is the part of the pool the binder uses. Its records come
// from internal/rabbitmq, so it is a seam for this module's own packages and
// tests; other modules reach the pool through mqpool.Client.
type ConsumeChannels interface {
	GetConsumeChannel(ctx context.Context) (*rabbitmq.ChannelRecord, error)
	ReleaseChannel(rec *rabbitmq.ChannelRecord)
	DiscardChannel(rec *rabbitmq.ChannelRecord)
}

// Binder turns consumer units into live subscriptions and dispatches their
// deliveries to handlers.
type Binder struct {
	pool    ConsumeChannels
	logger  *slog.Logger
	retries RetryTracker
	drops   DropRecorder

	mu        sync.Mutex
	onFailure func(Unit)

	wg sync.WaitGroup
}

// BinderOption configures the binder
type BinderOption func(*Binder)

// WithBinderLogger sets the logger
func WithBinderLogger(logger *slog.Logger) BinderOption {
	return func(b *Binder) {
		b.logger = logger
	}
}

// WithRetryTracker replaces the in-memory retry tracker
func WithRetryTracker(tracker RetryTracker) BinderOption {
	return func(b *Binder) {
		b.retries = tracker
	}
}

// WithDropRecorder records every dropped delivery
func WithDropRecorder(recorder DropRecorder) BinderOption {
	return func(b *Binder) {
		b.drops = recorder
	}
}

// NewBinder creates a binder drawing channels from pool
func NewBinder(pool ConsumeChannels, options ...BinderOption) *Binder {
	b := &Binder{
		pool:    pool,
		logger:  slog.Default(),
		retries: NewMemoryRetryTracker(time.Hour),
	}
	for _, opt := range options {
		opt(b)
	}
	return b
}

// OnFailure sets where units go when their subscription dies. The
// Supervisor's Submit is the usual target.
func (b *Binder) OnFailure(fn func(Unit)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onFailure = fn
}

func (b *Binder) fail(unit Unit) {
	b.mu.Lock()
	fn := b.onFailure
	b.mu.Unlock()

	if fn != nil {
		fn(unit)
	}
}

// BindAll seals the registry and binds every unit of every spec. Units that
// fail to bind are handed to the failure handler; the returned error joins
// their failures.
func (b *Binder) BindAll(ctx context.Context, registry *Registry) error {
	var errs []error
	for _, unit := range Units(registry.Seal()) {
		if err := b.Bind(ctx, unit); err != nil {
			b.logger.Warn("consumer bind failed, scheduling retry",
				"consumer", unit.String(),
				"error", err)
			errs = append(errs, err)
			b.fail(unit)
		}
	}
	return errors.Join(errs...)
}

// Bind subscribes one unit: consume channel, topology, QoS, consume. On any
// failure the channel is discarded and the error returned. A cancelled ctx
// binds nothing. Deliveries are
// handled on a new goroutine until the stream closes or ctx ends.
func (b *Binder) Bind(ctx context.Context, unit Unit) error {
	spec := unit.Spec

	if err := ctx.Err(); err != nil {
		return err
	}

	rec, err := b.pool.GetConsumeChannel(ctx)
	if err != nil {
		return b.consumerError(spec, "", "acquire channel", err)
	}
	ch := rec.Channel()

	queue, err := declareConsumerTopology(ch, spec)
	if err != nil {
		b.pool.DiscardChannel(rec)
		return err
	}

	if err := ch.Qos(spec.prefetch, 0, false); err != nil {
		b.pool.DiscardChannel(rec)
		return b.consumerError(spec, queue, "qos", err)
	}

	deliveries, err := ch.Consume(
		queue,
		spec.ConsumerTag(),
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		b.pool.DiscardChannel(rec)
		return b.consumerError(spec, queue, "consume", err)
	}

	// The context check and wg.Add share b.mu so a Bind racing with
	// cancellation either is counted by Wait or backs out.
	b.mu.Lock()
	if err := ctx.Err(); err != nil {
		b.mu.Unlock()
		b.pool.DiscardChannel(rec)
		return err
	}
	b.wg.Add(1)
	b.mu.Unlock()

	b.logger.Info("consumer bound",
		"consumer", unit.String(),
		"queue", queue,
		"prefetch", spec.prefetch,
		"channel", rec.ID())

	go b.consume(ctx, unit, rec, queue, deliveries)
	return nil
}

// Wait blocks until every delivery loop has exited
func (b *Binder) Wait() {
	b.wg.Wait()
}

func (b *Binder) consume(ctx context.Context, unit Unit, rec *rabbitmq.ChannelRecord, queue string, deliveries <-chan amqp.Delivery) {
	defer b.wg.Done()

	spec := unit.Spec
	var inflight sync.WaitGroup
	var sem chan struct{}
	if spec.parallel {
		sem = make(chan struct{}, spec.prefetch)
	}

	for {
		select {
		case <-ctx.Done():
			inflight.Wait()
			b.pool.DiscardChannel(rec)
			b.logger.Debug("stopping consumer", "consumer", unit.String(), "reason", ctx.Err())
			return

		case d, ok := <-deliveries:
			if !ok {
				inflight.Wait()
				b.pool.DiscardChannel(rec)
				if ctx.Err() != nil {
					return
				}
				b.logger.Warn("delivery stream closed",
					"consumer", unit.String(),
					"queue", queue,
					"error", rabbitmq.ErrDeliveryStreamClosed)
				b.fail(unit)
				return
			}

			if sem == nil {
				b.handleDelivery(ctx, spec, queue, d)
				continue
			}

			sem <- struct{}{}
			inflight.Add(1)
			go func(d amqp.Delivery) {
				defer func() {
					<-sem
					inflight.Done()
				}()
				b.handleDelivery(ctx, spec, queue, d)
			}(d)
		}
	}
}

// handleDelivery applies the delivery policy: malformed messages and
// messages past their retry limit are acked and recorded as dropped, a
// handler returning true is acked, false is nacked with requeue.
func (b *Binder) handleDelivery(ctx context.Context, spec *ConsumerSpec, queue string, d amqp.Delivery) {
	env, err := DecodeEnvelope(d.Body)
	if err != nil {
		b.drop(ctx, spec, queue, d, nil, 0, err)
		return
	}

	retry := b.retryCount(ctx, env)
	if retry >= spec.maxRetry {
		b.drop(ctx, spec, queue, d, env, retry,
			fmt.Errorf("%w: %d of %d attempts failed", ErrRetryExhausted, retry, spec.maxRetry))
		return
	}

	payload, err := env.Payload()
	if err == nil {
		if v, ok := spec.handler.(PayloadValidator); ok {
			err = v.ValidatePayload(payload)
		}
	}
	if err != nil {
		b.drop(ctx, spec, queue, d, env, retry, err)
		return
	}

	if b.invoke(ctx, spec, env, payload) {
		b.ack(d)
		b.forget(ctx, env.GUID)
		return
	}

	if _, err := b.retries.Incr(ctx, env.GUID); err != nil {
		b.logger.Warn("failed to record retry", "guid", env.GUID, "error", err)
	}
	b.nack(d, true)
}

// invoke calls the handler. A panic counts as a failed attempt.
func (b *Binder) invoke(ctx context.Context, spec *ConsumerSpec, env *Envelope, payload json.RawMessage) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("handler panicked",
				"consumer", spec.String(),
				"guid", env.GUID,
				"panic", fmt.Sprint(r))
			ok = false
		}
	}()
	return spec.handler.Handle(ctx, payload)
}

// retryCount is the larger of the envelope's count and the tracked count
func (b *Binder) retryCount(ctx context.Context, env *Envelope) int {
	tracked, err := b.retries.Count(ctx, env.GUID)
	if err != nil {
		b.logger.Warn("failed to read retry count", "guid", env.GUID, "error", err)
		return env.CurrentRetry
	}
	return max(env.CurrentRetry, tracked)
}

func (b *Binder) forget(ctx context.Context, guid string) {
	if err := b.retries.Forget(ctx, guid); err != nil {
		b.logger.Warn("failed to clear retry count", "guid", guid, "error", err)
	}
}

func (b *Binder) drop(ctx context.Context, spec *ConsumerSpec, queue string, d amqp.Delivery, env *Envelope, retry int, reason error) {
	var guid string
	if env != nil {
		guid = env.GUID
	}

	b.logger.Error("dropping message",
		"consumer", spec.String(),
		"queue", queue,
		"guid", guid,
		"retry", retry,
		"error", reason)
	b.ack(d)

	if guid != "" {
		b.forget(ctx, guid)
	}

	if b.drops == nil {
		return
	}
	err := b.drops.Record(ctx, DroppedMessage{
		GUID:       guid,
		Consumer:   spec.String(),
		Queue:      queue,
		Exchange:   d.Exchange,
		RoutingKey: d.RoutingKey,
		Retry:      retry,
		Reason:     reason.Error(),
		Body:       d.Body,
		DroppedAt:  time.Now(),
	})
	if err != nil {
		b.logger.Warn("failed to record dropped message", "guid", guid, "error", err)
	}
}

func (b *Binder) ack(d amqp.Delivery) {
	if err := d.Ack(false); err != nil {
		b.logger.Error("failed to ack message",
			"deliveryTag", d.DeliveryTag,
			"error", err)
	}
}

func (b *Binder) nack(d amqp.Delivery, requeue bool) {
	if err := d.Nack(false, requeue); err != nil {
		b.logger.Error("failed to nack message",
			"deliveryTag", d.DeliveryTag,
			"requeue", requeue,
			"error", err)
	}
}

func (b *Binder) consumerError(spec *ConsumerSpec, queue, op string, err error) error {
	if queue == "" {
		queue = spec.QueueName()
	}
	return &rabbitmq.ConsumerError{
		Queue:       queue,
		ConsumerTag: spec.ConsumerTag(),
		Op:          op,
		Err:         err,
		Timestamp:   time.Now(),
	}
}
