package rabbitmq

import (
	"context"
	"testing"
	"time"

	"github.com/glimte/mqpool/internal/rabbitmq/amqptest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishPipeline(t *testing.T) {
	ctx := context.Background()

	t.Run("refill stages a channel that publishers pick up", func(t *testing.T) {
		broker := amqptest.NewBroker()
		p := newTestPool(t, broker)

		p.refill(ctx)
		require.Equal(t, 1, p.Stats().Staged)
		staged := p.pub.chans[0]

		rec, err := p.GetPublishChannel(ctx)
		require.NoError(t, err)

		assert.Equal(t, staged.ID(), rec.ID())
		assert.Equal(t, StatusBusy, rec.Status())
		assert.Equal(t, 0, p.Stats().Staged)
		assert.Equal(t, 1, broker.OpenChannels())
	})

	t.Run("full slot skips the cycle", func(t *testing.T) {
		broker := amqptest.NewBroker()
		p := newTestPool(t, broker)

		p.refill(ctx)
		p.refill(ctx)
		p.refill(ctx)

		stats := p.Stats()
		assert.Equal(t, 1, stats.Staged)
		assert.Equal(t, 1, stats.PublishChannels)
	})

	t.Run("idle publish channel is staged instead of opening one", func(t *testing.T) {
		broker := amqptest.NewBroker()
		p := newTestPool(t, broker)

		rec, err := p.GetPublishChannel(ctx)
		require.NoError(t, err)
		p.ReleaseChannel(rec)

		p.refill(ctx)

		assert.Equal(t, 1, p.Stats().PublishChannels)
		assert.Equal(t, StatusIdle, rec.Status())

		again, err := p.GetPublishChannel(ctx)
		require.NoError(t, err)
		assert.Equal(t, rec.ID(), again.ID())
		assert.Equal(t, StatusBusy, again.Status())
	})

	t.Run("busy channels are never staged", func(t *testing.T) {
		broker := amqptest.NewBroker()
		p := newTestPool(t, broker)

		busy, err := p.GetPublishChannel(ctx)
		require.NoError(t, err)

		p.refill(ctx)

		assert.Equal(t, 2, p.Stats().PublishChannels)
		staged, err := p.GetPublishChannel(ctx)
		require.NoError(t, err)
		assert.NotEqual(t, busy.ID(), staged.ID())
	})

	t.Run("closed staged channel is discarded on pickup", func(t *testing.T) {
		broker := amqptest.NewBroker()
		p := newTestPool(t, broker)

		p.refill(ctx)
		staged := p.pub.chans[0]
		require.NoError(t, staged.Channel().Close())

		rec, err := p.GetPublishChannel(ctx)
		require.NoError(t, err)

		assert.NotEqual(t, staged.ID(), rec.ID())
		assert.Equal(t, StatusClose, staged.Status())
		assert.Equal(t, 1, p.Stats().PublishChannels)
	})

	t.Run("reaped staged channel is skipped on pickup", func(t *testing.T) {
		broker := amqptest.NewBroker()
		p := newTestPool(t, broker)

		rec, err := p.GetPublishChannel(ctx)
		require.NoError(t, err)
		p.ReleaseChannel(rec)
		p.refill(ctx)

		rec.lastUseMill.Store(time.Now().Add(-time.Hour).UnixMilli())
		p.sweep(ctx)
		require.Equal(t, StatusClose, rec.Status())

		fresh, err := p.GetPublishChannel(ctx)
		require.NoError(t, err)
		assert.NotEqual(t, rec.ID(), fresh.ID())
	})

	t.Run("refill failure leaves the slot empty", func(t *testing.T) {
		broker := amqptest.NewBroker()
		p := newTestPool(t, broker)
		broker.SetChannelError(assert.AnError)

		p.refill(ctx)

		assert.Equal(t, 0, p.Stats().Staged)
	})

	t.Run("refill waits for the sweep lock", func(t *testing.T) {
		broker := amqptest.NewBroker()
		p := newTestPool(t, broker)
		p.refillLockTimeout = 10 * time.Millisecond

		require.True(t, p.lock.acquire(ctx, time.Second))
		p.refill(ctx)
		p.lock.release()

		assert.Equal(t, 0, p.Stats().Staged)
	})

	t.Run("background loop keeps the slot filled", func(t *testing.T) {
		broker := amqptest.NewBroker()
		p := newTestPool(t, broker, WithRefillInterval(5*time.Millisecond))
		p.Start(ctx)

		assert.Eventually(t, func() bool {
			return p.Stats().Staged == 1
		}, time.Second, 5*time.Millisecond)

		_, err := p.GetPublishChannel(ctx)
		require.NoError(t, err)

		assert.Eventually(t, func() bool {
			return p.Stats().Staged == 1
		}, time.Second, 5*time.Millisecond)
		require.NoError(t, p.Close())
	})
}

func TestBoundedLock(t *testing.T) {
	t.Run("second acquire times out", func(t *testing.T) {
		l := newBoundedLock()
		ctx := context.Background()

		require.True(t, l.acquire(ctx, time.Millisecond))
		start := time.Now()
		assert.False(t, l.acquire(ctx, 20*time.Millisecond))
		assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)

		l.release()
		assert.True(t, l.acquire(ctx, time.Millisecond))
	})

	t.Run("cancelled context gives up", func(t *testing.T) {
		l := newBoundedLock()
		require.True(t, l.acquire(context.Background(), time.Millisecond))

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		assert.False(t, l.acquire(ctx, time.Second))
	})

	t.Run("waiter gets the lock on release", func(t *testing.T) {
		l := newBoundedLock()
		ctx := context.Background()
		require.True(t, l.acquire(ctx, time.Millisecond))

		got := make(chan bool)
		go func() { got <- l.acquire(ctx, time.Second) }()

		time.Sleep(10 * time.Millisecond)
		l.release()
		assert.True(t, <-got)
	})

	t.Run("release without holder is harmless", func(t *testing.T) {
		l := newBoundedLock()
		l.release()
		assert.True(t, l.acquire(context.Background(), time.Millisecond))
	})
}
