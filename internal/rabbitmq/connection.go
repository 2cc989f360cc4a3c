package rabbitmq

import (
	"context"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Channel is the subset of *amqp.Channel the pool, publisher and binder rely on.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	IsClosed() bool
	Close() error
}

// Connection is a broker connection able to open channels.
type Connection interface {
	Channel() (Channel, error)
	IsClosed() bool
	Close() error
}

// Dialer opens a new broker connection.
type Dialer interface {
	Dial(ctx context.Context, url string) (Connection, error)
}

// DialerFunc adapts a function to the Dialer interface
type DialerFunc func(ctx context.Context, url string) (Connection, error)

// Dial implements Dialer
func (f DialerFunc) Dial(ctx context.Context, url string) (Connection, error) {
	return f(ctx, url)
}

var _ Channel = (*amqp.Channel)(nil)

// AMQPDialer dials RabbitMQ with amqp091-go.
type AMQPDialer struct {
	ConnectionName string
	Timeout        time.Duration
}

// Dial implements Dialer. The dial runs in its own goroutine so a cancelled
// context returns immediately; a connection that completes afterwards is closed.
func (d AMQPDialer) Dial(ctx context.Context, url string) (Connection, error) {
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	props := amqp.NewConnectionProperties()
	if d.ConnectionName != "" {
		props.SetClientConnectionName(d.ConnectionName)
	}

	type result struct {
		conn *amqp.Connection
		err  error
	}
	done := make(chan result, 1)

	go func() {
		conn, err := amqp.DialConfig(url, amqp.Config{
			Dial:       amqp.DefaultDial(timeout),
			Properties: props,
		})
		done <- result{conn: conn, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, r.err
		}
		return AdaptConnection[*amqp.Channel](r.conn), nil
	case <-ctx.Done():
		go func() {
			if r := <-done; r.conn != nil {
				r.conn.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

// ChannelOpener is a connection whose Channel method returns a concrete
// channel type, such as *amqp.Connection.
type ChannelOpener[C Channel] interface {
	Channel() (C, error)
	IsClosed() bool
	Close() error
}

// AdaptConnection turns a ChannelOpener into a Connection
func AdaptConnection[C Channel](conn ChannelOpener[C]) Connection {
	return adaptedConnection[C]{conn: conn}
}

type adaptedConnection[C Channel] struct {
	conn ChannelOpener[C]
}

func (a adaptedConnection[C]) Channel() (Channel, error) {
	ch, err := a.conn.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func (a adaptedConnection[C]) IsClosed() bool {
	return a.conn.IsClosed()
}

func (a adaptedConnection[C]) Close() error {
	return a.conn.Close()
}
