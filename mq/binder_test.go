package mq

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glimte/mqpool/internal/rabbitmq"
	"github.com/glimte/mqpool/internal/rabbitmq/amqptest"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const (
	timeout = 2 * time.Second
	tick    = 5 * time.Millisecond
)

func envelopeBody(t *testing.T, payload any, retry int) []byte {
	t.Helper()
	env, err := NewEnvelope(payload)
	require.NoError(t, err)
	env.CurrentRetry = retry
	body, err := env.Marshal()
	require.NoError(t, err)
	return body
}

func TestHandleDelivery(t *testing.T) {
	ctx := context.Background()

	newBinder := func(drops DropRecorder) *Binder {
		return NewBinder(nil, WithBinderLogger(discardLogger()), WithDropRecorder(drops))
	}

	delivery := func(ack *mockAcknowledger, body []byte) amqp.Delivery {
		return amqp.Delivery{Acknowledger: ack, DeliveryTag: 7, Body: body, RoutingKey: "orders"}
	}

	t.Run("handler success acks", func(t *testing.T) {
		ack := &mockAcknowledger{}
		ack.On("Ack", uint64(7), false).Return(nil)

		var got orderCreated
		spec, err := NewWorkQueueConsumer("orders", Typed(func(_ context.Context, msg orderCreated) bool {
			got = msg
			return true
		}))
		require.NoError(t, err)

		b := newBinder(nil)
		b.handleDelivery(ctx, spec, "orders", delivery(ack, envelopeBody(t, orderCreated{OrderID: "o-1"}, 0)))

		ack.AssertExpectations(t)
		ack.AssertNotCalled(t, "Nack", mock.Anything, mock.Anything, mock.Anything)
		assert.Equal(t, "o-1", got.OrderID)
	})

	t.Run("handler failure nacks with requeue and counts the attempt", func(t *testing.T) {
		ack := &mockAcknowledger{}
		ack.On("Nack", uint64(7), false, true).Return(nil)

		spec, err := NewWorkQueueConsumer("orders", HandlerFunc(func(context.Context, json.RawMessage) bool { return false }))
		require.NoError(t, err)

		tracker := NewMemoryRetryTracker(time.Hour)
		b := NewBinder(nil, WithBinderLogger(discardLogger()), WithRetryTracker(tracker))

		body := envelopeBody(t, "x", 0)
		env, err := DecodeEnvelope(body)
		require.NoError(t, err)

		b.handleDelivery(ctx, spec, "orders", delivery(ack, body))

		ack.AssertExpectations(t)
		n, _ := tracker.Count(ctx, env.GUID)
		assert.Equal(t, 1, n)
	})

	t.Run("panicking handler is a failed attempt", func(t *testing.T) {
		ack := &mockAcknowledger{}
		ack.On("Nack", uint64(7), false, true).Return(nil)

		spec, err := NewWorkQueueConsumer("orders", HandlerFunc(func(context.Context, json.RawMessage) bool {
			panic("boom")
		}))
		require.NoError(t, err)

		b := newBinder(nil)
		assert.NotPanics(t, func() {
			b.handleDelivery(ctx, spec, "orders", delivery(ack, envelopeBody(t, "x", 0)))
		})
		ack.AssertExpectations(t)
	})

	t.Run("envelope retry at the limit is dropped without calling the handler", func(t *testing.T) {
		ack := &mockAcknowledger{}
		ack.On("Ack", uint64(7), false).Return(nil)

		called := false
		spec, err := NewWorkQueueConsumer("orders", HandlerFunc(func(context.Context, json.RawMessage) bool {
			called = true
			return true
		}), WithMaxRetry(3))
		require.NoError(t, err)

		drops := &dropLog{}
		b := newBinder(drops)
		b.handleDelivery(ctx, spec, "orders", delivery(ack, envelopeBody(t, "x", 3)))

		ack.AssertExpectations(t)
		ack.AssertNotCalled(t, "Nack", mock.Anything, mock.Anything, mock.Anything)
		assert.False(t, called)

		recorded := drops.all()
		require.Len(t, recorded, 1)
		assert.Equal(t, 3, recorded[0].Retry)
		assert.Equal(t, "workqueue:orders", recorded[0].Consumer)
		assert.Contains(t, recorded[0].Reason, ErrRetryExhausted.Error())
	})

	t.Run("tracked retries count toward the limit", func(t *testing.T) {
		ack := &mockAcknowledger{}
		ack.On("Ack", uint64(7), false).Return(nil)

		spec, err := NewWorkQueueConsumer("orders", okHandler, WithMaxRetry(2))
		require.NoError(t, err)

		body := envelopeBody(t, "x", 0)
		env, err := DecodeEnvelope(body)
		require.NoError(t, err)

		tracker := NewMemoryRetryTracker(time.Hour)
		tracker.Incr(ctx, env.GUID)
		tracker.Incr(ctx, env.GUID)

		drops := &dropLog{}
		b := NewBinder(nil, WithBinderLogger(discardLogger()), WithRetryTracker(tracker), WithDropRecorder(drops))
		b.handleDelivery(ctx, spec, "orders", delivery(ack, body))

		ack.AssertExpectations(t)
		require.Len(t, drops.all(), 1)
		assert.Equal(t, 0, tracker.Len(), "dropped guid is forgotten")
	})

	t.Run("malformed messages are acked and recorded", func(t *testing.T) {
		typed := Typed(func(context.Context, orderCreated) bool { return true })

		tests := []struct {
			name    string
			body    []byte
			handler Handler
			want    error
		}{
			{"not an envelope", []byte("garbage"), okHandler, ErrMalformedEnvelope},
			{"payload not json", []byte(`{"guid":"g1","current_retry":0,"json_content":"{oops"}`), okHandler, ErrMalformedPayload},
			{"payload does not fit the handler", envelopeBody(t, []int{1, 2}, 0), typed, ErrMalformedPayload},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				ack := &mockAcknowledger{}
				ack.On("Ack", uint64(7), false).Return(nil)

				spec, err := NewWorkQueueConsumer("orders", tt.handler)
				require.NoError(t, err)

				drops := &dropLog{}
				b := newBinder(drops)
				b.handleDelivery(ctx, spec, "orders", delivery(ack, tt.body))

				ack.AssertExpectations(t)
				recorded := drops.all()
				require.Len(t, recorded, 1)
				assert.Contains(t, recorded[0].Reason, tt.want.Error())
				assert.Equal(t, "orders", recorded[0].RoutingKey)
				assert.Equal(t, tt.body, recorded[0].Body)
			})
		}
	})

	t.Run("ack errors do not stop handling", func(t *testing.T) {
		ack := &mockAcknowledger{}
		ack.On("Ack", uint64(7), false).Return(errors.New("channel closed"))

		spec, err := NewWorkQueueConsumer("orders", okHandler)
		require.NoError(t, err)

		b := newBinder(nil)
		assert.NotPanics(t, func() {
			b.handleDelivery(ctx, spec, "orders", delivery(ack, envelopeBody(t, "x", 0)))
		})
		ack.AssertExpectations(t)
	})
}

// collector records payloads received by a handler
type collector struct {
	mu       sync.Mutex
	payloads []json.RawMessage
	result   bool
}

func (c *collector) Handle(_ context.Context, payload json.RawMessage) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.payloads = append(c.payloads, payload)
	return c.result
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.payloads)
}

func (c *collector) get(i int) json.RawMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.payloads[i]
}

type binderFixture struct {
	broker    *amqptest.Broker
	pool      *rabbitmq.Pool
	publisher *Publisher
	binder    *Binder
	failed    chan Unit
}

func newBinderFixture(t *testing.T, opts ...BinderOption) *binderFixture {
	t.Helper()
	broker := amqptest.NewBroker()
	pool := newTestPool(t, broker)

	opts = append([]BinderOption{WithBinderLogger(discardLogger())}, opts...)
	f := &binderFixture{
		broker:    broker,
		pool:      pool,
		publisher: NewPublisher(pool, WithPublisherLogger(discardLogger())),
		binder:    NewBinder(pool, opts...),
		failed:    make(chan Unit, 16),
	}
	f.binder.OnFailure(func(u Unit) { f.failed <- u })
	return f
}

func TestBinder(t *testing.T) {
	t.Run("work queue round trip delivers the payload unchanged", func(t *testing.T) {
		f := newBinderFixture(t)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		received := make(chan orderCreated, 1)
		spec, err := NewWorkQueueConsumer("orders", Typed(func(_ context.Context, msg orderCreated) bool {
			received <- msg
			return true
		}))
		require.NoError(t, err)

		require.NoError(t, f.binder.Bind(ctx, Unit{Spec: spec}))

		sent := orderCreated{OrderID: "o-42", Amount: 99.95}
		require.True(t, f.publisher.PublishWorkQueue(ctx, "orders", sent))

		select {
		case got := <-received:
			assert.Equal(t, sent, got)
		case <-time.After(timeout):
			t.Fatal("message not delivered")
		}

		assert.Eventually(t, func() bool { return f.broker.Counters().Acks == 1 }, timeout, tick)
	})

	t.Run("topic consumer only receives matching keys", func(t *testing.T) {
		f := newBinderFixture(t)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		c := &collector{result: true}
		spec, err := NewTopicConsumer("E", "a.*", c)
		require.NoError(t, err)
		require.NoError(t, f.binder.Bind(ctx, Unit{Spec: spec}))

		q, ok := f.broker.Queue("topic_E_a.*")
		require.True(t, ok)
		assert.True(t, q.Durable)
		assert.Equal(t, []string{"topic_E_a.*"}, q.ConsumerTags)

		require.True(t, f.publisher.PublishTopic(ctx, "E", "a.b", "first"))
		require.True(t, f.publisher.PublishTopic(ctx, "E", "c.d", "second"))

		assert.Eventually(t, func() bool { return c.count() == 1 }, timeout, tick)
		time.Sleep(50 * time.Millisecond)
		require.Equal(t, 1, c.count())
		assert.JSONEq(t, `"first"`, string(c.get(0)))
	})

	t.Run("broadcast reaches every consumer", func(t *testing.T) {
		f := newBinderFixture(t)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		first, second := &collector{result: true}, &collector{result: true}
		for _, h := range []Handler{first, second} {
			spec, err := NewBroadcastConsumer(ExchangeManualServiceRefresh, h)
			require.NoError(t, err)
			require.NoError(t, f.binder.Bind(ctx, Unit{Spec: spec}))
		}

		ex, ok := f.broker.Exchange(ExchangeManualServiceRefresh)
		require.True(t, ok)
		assert.Len(t, ex.Bindings, 2)

		require.True(t, f.publisher.PublishBroadcast(ctx, ExchangeManualServiceRefresh, "refresh"))

		assert.Eventually(t, func() bool { return first.count() == 1 && second.count() == 1 }, timeout, tick)
	})

	t.Run("failing handler is retried until the limit then dropped", func(t *testing.T) {
		drops := &dropLog{}
		f := newBinderFixture(t, WithDropRecorder(drops))
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		c := &collector{result: false}
		spec, err := NewWorkQueueConsumer("flaky", c, WithMaxRetry(3))
		require.NoError(t, err)
		require.NoError(t, f.binder.Bind(ctx, Unit{Spec: spec}))

		require.True(t, f.publisher.PublishWorkQueue(ctx, "flaky", "poison"))

		assert.Eventually(t, func() bool { return len(drops.all()) == 1 }, timeout, tick)
		assert.Equal(t, 3, c.count())
		assert.Equal(t, amqptest.Counters{Acks: 1, Nacks: 3, Requeues: 3}, f.broker.Counters())

		q, _ := f.broker.Queue("flaky")
		assert.Equal(t, 0, q.Messages)
	})

	t.Run("work queue binds one subscription per unit of concurrency", func(t *testing.T) {
		f := newBinderFixture(t)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		spec, err := NewWorkQueueConsumer("jobs", &collector{result: true}, WithConcurrency(3), WithPrefetch(5))
		require.NoError(t, err)

		registry := NewRegistry()
		require.NoError(t, registry.Register(spec))
		require.NoError(t, f.binder.BindAll(ctx, registry))

		q, _ := f.broker.Queue("jobs")
		assert.Equal(t, 3, q.Consumers)
		assert.Equal(t, 3, f.pool.Stats().ConsumeChannels)
		assert.ErrorIs(t, registry.Register(spec), ErrRegistrySealed)
	})

	t.Run("parallel consumer handles deliveries concurrently", func(t *testing.T) {
		f := newBinderFixture(t)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		var running, peak atomic.Int32
		release := make(chan struct{})
		spec, err := NewWorkQueueConsumer("parallel", HandlerFunc(func(context.Context, json.RawMessage) bool {
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			<-release
			running.Add(-1)
			return true
		}), WithParallel(true), WithPrefetch(2))
		require.NoError(t, err)
		require.NoError(t, f.binder.Bind(ctx, Unit{Spec: spec}))

		require.True(t, f.publisher.PublishWorkQueue(ctx, "parallel", 1))
		require.True(t, f.publisher.PublishWorkQueue(ctx, "parallel", 2))

		assert.Eventually(t, func() bool { return peak.Load() == 2 }, timeout, tick)
		close(release)
		assert.Eventually(t, func() bool { return f.broker.Counters().Acks == 2 }, timeout, tick)
	})

	t.Run("bind failure discards the channel", func(t *testing.T) {
		f := newBinderFixture(t)
		f.broker.SetDeclareError(errors.New("access refused"))

		spec, err := NewWorkQueueConsumer("orders", okHandler)
		require.NoError(t, err)

		err = f.binder.Bind(context.Background(), Unit{Spec: spec})
		var topoErr *rabbitmq.TopologyError
		require.True(t, errors.As(err, &topoErr))
		assert.Equal(t, 0, f.pool.Stats().ConsumeChannels)
	})

	t.Run("channel acquisition failure is a consumer error", func(t *testing.T) {
		f := newBinderFixture(t)
		f.broker.SetDialError(errors.New("connection refused"))

		spec, err := NewTopicConsumer("E", "a.*", okHandler)
		require.NoError(t, err)

		err = f.binder.Bind(context.Background(), Unit{Spec: spec})
		var consErr *rabbitmq.ConsumerError
		require.True(t, errors.As(err, &consErr))
		assert.Equal(t, "acquire channel", consErr.Op)
		assert.Equal(t, "topic_E_a.*", consErr.Queue)
	})

	t.Run("BindAll hands failed units to the failure handler", func(t *testing.T) {
		f := newBinderFixture(t)
		f.broker.SetDialError(errors.New("connection refused"))

		spec, err := NewWorkQueueConsumer("orders", okHandler, WithConcurrency(2))
		require.NoError(t, err)
		registry := NewRegistry()
		require.NoError(t, registry.Register(spec))

		err = f.binder.BindAll(context.Background(), registry)
		assert.Error(t, err)
		assert.Len(t, f.failed, 2)
	})

	t.Run("closed delivery stream hands the unit to the failure handler", func(t *testing.T) {
		f := newBinderFixture(t)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		spec, err := NewWorkQueueConsumer("orders", okHandler)
		require.NoError(t, err)
		require.NoError(t, f.binder.Bind(ctx, Unit{Spec: spec, Index: 0}))

		f.broker.DropConnections()

		select {
		case u := <-f.failed:
			assert.Same(t, spec, u.Spec)
		case <-time.After(timeout):
			t.Fatal("unit not reported")
		}
		assert.Equal(t, 0, f.pool.Stats().ConsumeChannels)
	})

	t.Run("cancellation stops delivery loops without reporting failure", func(t *testing.T) {
		f := newBinderFixture(t)
		ctx, cancel := context.WithCancel(context.Background())

		spec, err := NewWorkQueueConsumer("orders", okHandler)
		require.NoError(t, err)
		require.NoError(t, f.binder.Bind(ctx, Unit{Spec: spec}))

		cancel()
		f.binder.Wait()

		assert.Empty(t, f.failed)
		assert.Equal(t, 0, f.broker.OpenChannels())
	})

	t.Run("bind after cancellation binds nothing", func(t *testing.T) {
		f := newBinderFixture(t)
		live, stop := context.WithCancel(context.Background())
		defer stop()

		// keeps a consume connection open so no dial is needed
		warm, err := NewWorkQueueConsumer("orders", okHandler)
		require.NoError(t, err)
		require.NoError(t, f.binder.Bind(live, Unit{Spec: warm}))

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		spec, err := NewWorkQueueConsumer("payments", okHandler)
		require.NoError(t, err)
		err = f.binder.Bind(ctx, Unit{Spec: spec})
		assert.ErrorIs(t, err, context.Canceled)

		_, declared := f.broker.Queue("payments")
		assert.False(t, declared)
		assert.Equal(t, 1, f.pool.Stats().ConsumeChannels)
		assert.Empty(t, f.failed)

		stop()
		f.binder.Wait()
		assert.Equal(t, 0, f.broker.OpenChannels())
	})
}
