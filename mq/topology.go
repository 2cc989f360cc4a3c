package mq

import (
	"fmt"

	"github.com/glimte/mqpool/internal/rabbitmq"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Broadcast exchanges are transient and vanish with their last queue; work
// queues and topic exchanges survive broker restarts.

func workQueueDeclaration(route string) rabbitmq.QueueDeclaration {
	return rabbitmq.QueueDeclaration{Name: route, Durable: true}
}

func broadcastExchange(name string) rabbitmq.ExchangeDeclaration {
	return rabbitmq.ExchangeDeclaration{Name: name, Type: amqp.ExchangeFanout, AutoDelete: true}
}

func topicExchange(name string) rabbitmq.ExchangeDeclaration {
	return rabbitmq.ExchangeDeclaration{Name: name, Type: amqp.ExchangeTopic, Durable: true}
}

// declareConsumerTopology declares what spec consumes from and returns the
// queue to subscribe to.
func declareConsumerTopology(ch rabbitmq.Channel, spec *ConsumerSpec) (string, error) {
	switch spec.kind {
	case WorkQueue:
		q, err := rabbitmq.DeclareQueue(ch, workQueueDeclaration(spec.route))
		if err != nil {
			return "", err
		}
		return q.Name, nil

	case Broadcast:
		if err := rabbitmq.DeclareExchange(ch, broadcastExchange(spec.exchange)); err != nil {
			return "", err
		}
		q, err := rabbitmq.DeclareQueue(ch, rabbitmq.QueueDeclaration{AutoDelete: true, Exclusive: true})
		if err != nil {
			return "", err
		}
		err = rabbitmq.BindQueue(ch, rabbitmq.Binding{Queue: q.Name, Exchange: spec.exchange})
		return q.Name, err

	case Topic:
		if err := rabbitmq.DeclareExchange(ch, topicExchange(spec.exchange)); err != nil {
			return "", err
		}
		q, err := rabbitmq.DeclareQueue(ch, rabbitmq.QueueDeclaration{Name: spec.QueueName(), Durable: true})
		if err != nil {
			return "", err
		}
		err = rabbitmq.BindQueue(ch, rabbitmq.Binding{Queue: q.Name, Exchange: spec.exchange, RoutingKey: spec.pattern})
		return q.Name, err
	}

	return "", fmt.Errorf("%w: unknown kind %d", rabbitmq.ErrInvalidTopology, spec.kind)
}

// declareTargetTopology declares what target publishes to and returns the
// exchange and routing key to publish with.
func declareTargetTopology(ch rabbitmq.Channel, target Target) (exchange, key string, err error) {
	switch target.Kind {
	case WorkQueue:
		_, err = rabbitmq.DeclareQueue(ch, workQueueDeclaration(target.Name))
		return "", target.Name, err
	case Broadcast:
		err = rabbitmq.DeclareExchange(ch, broadcastExchange(target.Name))
		return target.Name, "", err
	case Topic:
		err = rabbitmq.DeclareExchange(ch, topicExchange(target.Name))
		return target.Name, target.RoutingKey, err
	}
	return "", "", fmt.Errorf("%w: unknown kind %d", ErrInvalidTarget, target.Kind)
}
