package health

import (
	"context"
	"fmt"
	"time"

	"github.com/glimte/mqpool/internal/rabbitmq"
	"github.com/glimte/mqpool/mq"
)

// BrokerChecker checks that a publish channel can be obtained from the pool
type BrokerChecker struct {
	pool mq.PublishChannels
}

// NewBrokerChecker creates a new broker health checker
func NewBrokerChecker(pool mq.PublishChannels) *BrokerChecker {
	return &BrokerChecker{pool: pool}
}

func (c *BrokerChecker) Name() string {
	return "rabbitmq"
}

func (c *BrokerChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]any),
	}

	rec, err := c.pool.GetPublishChannel(ctx)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = "Failed to get channel"
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result
	}

	if rec.Channel().IsClosed() {
		c.pool.DiscardChannel(rec)
		result.Status = StatusUnhealthy
		result.Message = "Channel is closed"
		result.Duration = time.Since(start)
		return result
	}
	c.pool.ReleaseChannel(rec)

	result.Status = StatusHealthy
	result.Message = "Connection is healthy"
	result.Duration = time.Since(start)
	result.Details["connection"] = rec.Connection().ID()
	result.Details["response_time_ms"] = result.Duration.Milliseconds()
	return result
}

// StatsSource exposes a pool snapshot
type StatsSource interface {
	Stats() rabbitmq.Stats
}

// PoolChecker reports pool occupancy. It is degraded when the connection
// limit is reached and no publish channel is staged.
type PoolChecker struct {
	pool StatsSource
}

// NewPoolChecker creates a pool checker
func NewPoolChecker(pool StatsSource) *PoolChecker {
	return &PoolChecker{pool: pool}
}

func (c *PoolChecker) Name() string {
	return "channel_pool"
}

func (c *PoolChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	stats := c.pool.Stats()
	conns := stats.PublishConnections + stats.ConsumeConnections

	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Status:    StatusHealthy,
		Message:   "Channel pool is healthy",
		Details: map[string]any{
			"publish_connections": stats.PublishConnections,
			"consume_connections": stats.ConsumeConnections,
			"publish_channels":    stats.PublishChannels,
			"consume_channels":    stats.ConsumeChannels,
			"staged":              stats.Staged,
			"connection_limit":    stats.ConnectionLimit,
			"busy":                stats.ByStatus[rabbitmq.StatusBusy.String()],
			"idle":                stats.ByStatus[rabbitmq.StatusIdle.String()],
		},
	}

	if conns >= stats.ConnectionLimit && stats.Staged == 0 {
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("Connection limit %d reached and no channel staged", stats.ConnectionLimit)
	}
	result.Duration = time.Since(start)
	return result
}

// PendingSource reports consumer units waiting to be rebound
type PendingSource interface {
	Pending(kind mq.Kind) int
}

// ConsumerChecker is degraded while consumers wait for a rebind
type ConsumerChecker struct {
	supervisor PendingSource
}

// NewConsumerChecker creates a consumer checker
func NewConsumerChecker(supervisor PendingSource) *ConsumerChecker {
	return &ConsumerChecker{supervisor: supervisor}
}

func (c *ConsumerChecker) Name() string {
	return "consumers"
}

func (c *ConsumerChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]any),
	}

	pending := 0
	for _, k := range mq.Kinds {
		n := c.supervisor.Pending(k)
		result.Details["pending_"+k.String()] = n
		pending += n
	}

	if pending > 0 {
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("%d consumers waiting to be rebound", pending)
	} else {
		result.Status = StatusHealthy
		result.Message = "All consumers bound"
	}
	result.Duration = time.Since(start)
	return result
}
