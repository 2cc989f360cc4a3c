package rabbitmq

import (
	"context"
	"errors"
	"testing"

	"github.com/glimte/mqpool/internal/rabbitmq/amqptest"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestChannel(t *testing.T, broker *amqptest.Broker) *amqptest.Chan {
	t.Helper()
	conn, err := broker.Dial(context.Background(), testURL)
	require.NoError(t, err)
	ch, err := conn.Channel()
	require.NoError(t, err)
	return ch
}

func TestTopologyHelpers(t *testing.T) {
	t.Run("declares and binds", func(t *testing.T) {
		broker := amqptest.NewBroker()
		ch := openTestChannel(t, broker)

		require.NoError(t, DeclareExchange(ch, ExchangeDeclaration{Name: "events", Type: amqp.ExchangeTopic, Durable: true}))
		q, err := DeclareQueue(ch, QueueDeclaration{Exclusive: true, AutoDelete: true})
		require.NoError(t, err)
		assert.NotEmpty(t, q.Name)

		require.NoError(t, BindQueue(ch, Binding{Queue: q.Name, Exchange: "events", RoutingKey: "a.*"}))

		info, ok := broker.Exchange("events")
		require.True(t, ok)
		assert.Equal(t, "a.*", info.Bindings[q.Name])
	})

	t.Run("redeclaring with other properties fails", func(t *testing.T) {
		broker := amqptest.NewBroker()
		ch := openTestChannel(t, broker)

		require.NoError(t, DeclareExchange(ch, ExchangeDeclaration{Name: "events", Type: amqp.ExchangeFanout}))
		err := DeclareExchange(ch, ExchangeDeclaration{Name: "events", Type: amqp.ExchangeDirect})

		var topoErr *TopologyError
		require.True(t, errors.As(err, &topoErr))
		assert.Equal(t, "exchange", topoErr.Component)
		assert.Equal(t, "events", topoErr.Name)

		var amqpErr *amqp.Error
		require.True(t, errors.As(err, &amqpErr))
		assert.Equal(t, amqp.PreconditionFailed, amqpErr.Code)
		assert.True(t, ch.IsClosed())
	})

	t.Run("binding to a missing exchange fails", func(t *testing.T) {
		broker := amqptest.NewBroker()
		ch := openTestChannel(t, broker)

		_, err := DeclareQueue(ch, QueueDeclaration{Name: "jobs", Durable: true})
		require.NoError(t, err)

		err = BindQueue(ch, Binding{Queue: "jobs", Exchange: "missing"})
		var topoErr *TopologyError
		require.True(t, errors.As(err, &topoErr))
		assert.Equal(t, "binding", topoErr.Component)
	})

	t.Run("declare errors are wrapped", func(t *testing.T) {
		broker := amqptest.NewBroker()
		ch := openTestChannel(t, broker)
		broker.SetDeclareError(assert.AnError)

		_, err := DeclareQueue(ch, QueueDeclaration{Name: "jobs"})
		assert.ErrorIs(t, err, assert.AnError)
	})
}
