package rabbitmq

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ChannelStatus is the lifecycle state of a pooled channel
type ChannelStatus int

const (
	// StatusIdle means the channel can be handed out
	StatusIdle ChannelStatus = iota
	// StatusBusy means the channel is owned by a publisher or consumer
	StatusBusy
	// StatusTimeout means the reaper found the channel idle past its threshold
	StatusTimeout
	// StatusClose means the channel is closed and no longer tracked
	StatusClose
)

func (s ChannelStatus) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusBusy:
		return "busy"
	case StatusTimeout:
		return "timeout"
	case StatusClose:
		return "close"
	default:
		return "unknown"
	}
}

// ConnectionRecord tracks one broker connection and the channels opened on it.
type ConnectionRecord struct {
	id          string
	conn        Connection
	liveCh      atomic.Int32
	lastUseMill atomic.Int64
}

func newConnectionRecord(conn Connection) *ConnectionRecord {
	rec := &ConnectionRecord{
		id:   uuid.New().String(),
		conn: conn,
	}
	rec.touch()
	return rec
}

// ID returns the connection identifier
func (c *ConnectionRecord) ID() string { return c.id }

// LiveChannels returns the number of open channels owned by this connection
func (c *ConnectionRecord) LiveChannels() int { return int(c.liveCh.Load()) }

// Connected reports whether the broker connection is still open
func (c *ConnectionRecord) Connected() bool { return !c.conn.IsClosed() }

func (c *ConnectionRecord) incChan() {
	c.liveCh.Add(1)
	c.touch()
}

func (c *ConnectionRecord) decChan() {
	c.liveCh.Add(-1)
}

func (c *ConnectionRecord) touch() {
	c.lastUseMill.Store(time.Now().UnixMilli())
}

func (c *ConnectionRecord) idleFor(now time.Time) time.Duration {
	return time.Duration(now.UnixMilli()-c.lastUseMill.Load()) * time.Millisecond
}

// ChannelRecord is a pooled channel bound to exactly one ConnectionRecord.
type ChannelRecord struct {
	id          string
	pool        string
	conn        *ConnectionRecord
	ch          Channel
	mu          sync.Mutex
	status      ChannelStatus
	lastUseMill atomic.Int64
}

func newChannelRecord(pool string, conn *ConnectionRecord, ch Channel) *ChannelRecord {
	rec := &ChannelRecord{
		id:     uuid.New().String(),
		pool:   pool,
		conn:   conn,
		ch:     ch,
		status: StatusBusy,
	}
	rec.touch()
	return rec
}

// ID returns the channel identifier
func (c *ChannelRecord) ID() string { return c.id }

// Channel returns the underlying broker channel
func (c *ChannelRecord) Channel() Channel { return c.ch }

// Connection returns the owning connection record
func (c *ChannelRecord) Connection() *ConnectionRecord { return c.conn }

// Status returns the current channel status
func (c *ChannelRecord) Status() ChannelStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *ChannelRecord) setStatus(s ChannelStatus) {
	c.mu.Lock()
	c.status = s
	c.mu.Unlock()
}

// claimIf marks the channel Busy when its current status satisfies ok.
func (c *ChannelRecord) claimIf(ok func(ChannelStatus) bool) (ChannelStatus, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !ok(c.status) {
		return c.status, false
	}
	prev := c.status
	c.status = StatusBusy
	return prev, true
}

// expire marks an Idle channel Timeout. It fails when the channel was
// claimed after the caller last read its status.
func (c *ChannelRecord) expire() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status != StatusIdle {
		return false
	}
	c.status = StatusTimeout
	return true
}

// usable reports whether both the channel and its connection are open
func (c *ChannelRecord) usable() bool {
	return !c.ch.IsClosed() && c.conn.Connected()
}

func (c *ChannelRecord) touch() {
	c.lastUseMill.Store(time.Now().UnixMilli())
}

func (c *ChannelRecord) idleFor(now time.Time) time.Duration {
	return time.Duration(now.UnixMilli()-c.lastUseMill.Load()) * time.Millisecond
}
