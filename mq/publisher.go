package mq

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/mqpool/internal/rabbitmq"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Target identifies where a message is published
type Target struct {
	Kind Kind
	// Name is the work-queue route or the exchange
	Name string
	// RoutingKey is only used by topic targets
	RoutingKey string
}

// WorkQueueTarget returns a target for the work queue named route
func WorkQueueTarget(route string) Target {
	return Target{Kind: WorkQueue, Name: route}
}

// BroadcastTarget returns a target for a fanout exchange
func BroadcastTarget(exchange string) Target {
	return Target{Kind: Broadcast, Name: exchange}
}

// TopicTarget returns a target for a topic exchange and routing key
func TopicTarget(exchange, routingKey string) Target {
	return Target{Kind: Topic, Name: exchange, RoutingKey: routingKey}
}

func (t Target) String() string {
	if t.Kind == Topic {
		return "topic:" + t.Name + "/" + t.RoutingKey
	}
	return t.Kind.String() + ":" + t.Name
}

func (t Target) validate() error {
	switch t.Kind {
	case WorkQueue, Broadcast, Topic:
	default:
		return fmt.Errorf("%w: unknown kind %d", ErrInvalidTarget, t.Kind)
	}
	if t.Name == "" {
		return fmt.Errorf("%w: %s name is empty", ErrInvalidTarget, t.Kind)
	}
	if t.Kind == Topic && t.RoutingKey == "" {
		return fmt.Errorf("%w: topic routing key is empty", ErrInvalidTarget)
	}
	return nil
}

// deliveryMode returns persistent for the durable kinds
func (t Target) deliveryMode() uint8 {
	if t.Kind == Broadcast {
		return amqp.Transient
	}
	return amqp.Persistent
}

// PublishChannels is the part of the pool the publisher uses. Like
// ConsumeChannels it names internal/rabbitmq records and is only implemented
// inside this module.
type PublishChannels interface {
	GetPublishChannel(ctx context.Context) (*rabbitmq.ChannelRecord, error)
	ReleaseChannel(rec *rabbitmq.ChannelRecord)
	DiscardChannel(rec *rabbitmq.ChannelRecord)
}

// Publisher publishes enveloped messages through pooled channels
type Publisher struct {
	pool   PublishChannels
	logger *slog.Logger
}

// PublisherOption configures the publisher
type PublisherOption func(*Publisher)

// WithPublisherLogger sets the logger
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// NewPublisher creates a publisher drawing channels from pool
func NewPublisher(pool PublishChannels, options ...PublisherOption) *Publisher {
	p := &Publisher{
		pool:   pool,
		logger: slog.Default(),
	}
	for _, opt := range options {
		opt(p)
	}
	return p
}

// Publish sends payload to target. Failures are logged and reported as
// false; nothing is retried.
func (p *Publisher) Publish(ctx context.Context, target Target, payload any) bool {
	if err := p.Send(ctx, target, payload); err != nil {
		p.logger.Error("failed to publish message",
			"kind", target.Kind.String(),
			"target", target.Name,
			"routingKey", target.RoutingKey,
			"error", err)
		return false
	}
	return true
}

// PublishWorkQueue sends payload to the work queue named route
func (p *Publisher) PublishWorkQueue(ctx context.Context, route string, payload any) bool {
	return p.Publish(ctx, WorkQueueTarget(route), payload)
}

// PublishBroadcast sends payload to every consumer of the fanout exchange
func (p *Publisher) PublishBroadcast(ctx context.Context, exchange string, payload any) bool {
	return p.Publish(ctx, BroadcastTarget(exchange), payload)
}

// PublishTopic sends payload to the topic exchange with routingKey
func (p *Publisher) PublishTopic(ctx context.Context, exchange, routingKey string, payload any) bool {
	return p.Publish(ctx, TopicTarget(exchange, routingKey), payload)
}

// Send is Publish for callers that want the error. The channel goes back to
// the pool on success and is discarded on any broker failure.
func (p *Publisher) Send(ctx context.Context, target Target, payload any) error {
	if err := target.validate(); err != nil {
		return err
	}

	env, err := NewEnvelope(payload)
	if err != nil {
		return err
	}
	body, err := env.Marshal()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	rec, err := p.pool.GetPublishChannel(ctx)
	if err != nil {
		return err
	}
	ch := rec.Channel()

	exchange, key, err := declareTargetTopology(ch, target)
	if err != nil {
		p.pool.DiscardChannel(rec)
		return err
	}

	err = ch.PublishWithContext(ctx, exchange, key, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: target.deliveryMode(),
		MessageId:    env.GUID,
		Timestamp:    env.Timespan,
		Body:         body,
	})
	if err != nil {
		p.pool.DiscardChannel(rec)
		return &rabbitmq.PublishError{
			Exchange:   exchange,
			RoutingKey: key,
			Err:        err,
			Timestamp:  time.Now(),
		}
	}

	p.pool.ReleaseChannel(rec)
	p.logger.Debug("message published",
		"guid", env.GUID,
		"kind", target.Kind.String(),
		"exchange", exchange,
		"routingKey", key)
	return nil
}
