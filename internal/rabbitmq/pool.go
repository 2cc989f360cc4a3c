package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const (
	publishPool = "publish"
	consumePool = "consume"
)

// subPool holds the connections and channels dedicated to one direction.
type subPool struct {
	name  string
	conns []*ConnectionRecord
	chans []*ChannelRecord
}

// Pool manages a bounded set of broker connections split into a publish and a
// consume side, and the channels multiplexed over them.
type Pool struct {
	url            string
	dialer         Dialer
	connectionName string
	logger         *slog.Logger

	connectionLimit       int
	channelLimit          int
	channelIdleTimeout    time.Duration
	connectionIdleTimeout time.Duration
	refillInterval        time.Duration
	sweepInterval         time.Duration
	refillLockTimeout     time.Duration
	sweepLockTimeout      time.Duration

	mu     sync.Mutex
	pub    *subPool
	con    *subPool
	closed bool

	slot      chan *ChannelRecord
	lock      *boundedLock
	done      chan struct{}
	startOnce sync.Once
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// PoolOption configures the pool
type PoolOption func(*Pool)

// WithDialer replaces the amqp091 dialer
func WithDialer(dialer Dialer) PoolOption {
	return func(p *Pool) {
		p.dialer = dialer
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) PoolOption {
	return func(p *Pool) {
		p.logger = logger
	}
}

// WithConnectionName sets the connection name shown in the broker UI
func WithConnectionName(name string) PoolOption {
	return func(p *Pool) {
		p.connectionName = name
	}
}

// WithConnectionLimit caps the number of connections across both sides.
// Consume connections count against it, so a consumer-heavy process leaves
// fewer connections for publishing.
func WithConnectionLimit(limit int) PoolOption {
	return func(p *Pool) {
		p.connectionLimit = limit
	}
}

// WithChannelLimit caps the number of channels per connection
func WithChannelLimit(limit int) PoolOption {
	return func(p *Pool) {
		p.channelLimit = limit
	}
}

// WithChannelIdleTimeout sets how long an unused channel survives a sweep
func WithChannelIdleTimeout(timeout time.Duration) PoolOption {
	return func(p *Pool) {
		p.channelIdleTimeout = timeout
	}
}

// WithConnectionIdleTimeout sets how long an unused connection survives a sweep
func WithConnectionIdleTimeout(timeout time.Duration) PoolOption {
	return func(p *Pool) {
		p.connectionIdleTimeout = timeout
	}
}

// WithRefillInterval sets how often the publish pipeline is refilled
func WithRefillInterval(interval time.Duration) PoolOption {
	return func(p *Pool) {
		p.refillInterval = interval
	}
}

// WithSweepInterval sets how often idle channels and connections are reaped
func WithSweepInterval(interval time.Duration) PoolOption {
	return func(p *Pool) {
		p.sweepInterval = interval
	}
}

// NewPool creates a pool for the broker at url. No connection is opened until
// a channel is requested.
func NewPool(url string, options ...PoolOption) (*Pool, error) {
	p := &Pool{
		url:                   url,
		dialer:                AMQPDialer{},
		logger:                slog.Default(),
		connectionLimit:       10,
		channelLimit:          100,
		channelIdleTimeout:    5 * time.Minute,
		connectionIdleTimeout: 10 * time.Minute,
		refillInterval:        100 * time.Millisecond,
		sweepInterval:         time.Minute,
		refillLockTimeout:     300 * time.Millisecond,
		sweepLockTimeout:      3 * time.Second,
		pub:                   &subPool{name: publishPool},
		con:                   &subPool{name: consumePool},
		slot:                  make(chan *ChannelRecord, 1),
		lock:                  newBoundedLock(),
		done:                  make(chan struct{}),
	}

	for _, opt := range options {
		opt(p)
	}

	if d, ok := p.dialer.(AMQPDialer); ok && p.connectionName != "" {
		d.ConnectionName = p.connectionName
		p.dialer = d
	}

	if url == "" {
		return nil, fmt.Errorf("%w: broker url is empty", ErrInvalidConfiguration)
	}
	if p.connectionLimit < 1 {
		return nil, fmt.Errorf("%w: connection limit must be at least 1", ErrInvalidConfiguration)
	}
	if p.channelLimit < 1 {
		return nil, fmt.Errorf("%w: channel limit must be at least 1", ErrInvalidConfiguration)
	}
	if p.dialer == nil {
		return nil, fmt.Errorf("%w: dialer is nil", ErrInvalidConfiguration)
	}

	return p, nil
}

// Start launches the publish pipeline and the idle reaper. They stop when ctx
// is cancelled or the pool is closed.
func (p *Pool) Start(ctx context.Context) {
	p.startOnce.Do(func() {
		p.wg.Add(2)
		go p.refillLoop(ctx)
		go p.sweepLoop(ctx)
		p.logger.Info("connection pool started",
			"url", SanitizeURL(p.url),
			"connectionLimit", p.connectionLimit,
			"channelLimit", p.channelLimit)
	})
}

// GetPublishChannel returns a Busy publish channel, preferring the one staged
// by the pipeline.
func (p *Pool) GetPublishChannel(ctx context.Context) (*ChannelRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	select {
	case rec := <-p.slot:
		if _, ok := rec.claimIf(claimable); ok {
			if rec.usable() {
				rec.touch()
				rec.conn.touch()
				return rec, nil
			}
			p.DiscardChannel(rec)
		}
	default:
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrPoolClosed
	}
	return p.openChannelLocked(ctx, p.pub)
}

// GetConsumeChannel returns an Idle consume channel marked Busy, or a new one.
func (p *Pool) GetConsumeChannel(ctx context.Context) (*ChannelRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrPoolClosed
	}

	for _, rec := range p.con.chans {
		if !rec.usable() {
			continue
		}
		if _, ok := rec.claimIf(isIdle); ok {
			rec.touch()
			rec.conn.touch()
			return rec, nil
		}
	}

	return p.openChannelLocked(ctx, p.con)
}

// ReleaseChannel marks the channel Idle. The channel stays open.
func (p *Pool) ReleaseChannel(rec *ChannelRecord) {
	if rec == nil {
		return
	}
	rec.mu.Lock()
	if rec.status != StatusClose {
		rec.status = StatusIdle
	}
	rec.mu.Unlock()
	rec.touch()
}

// DiscardChannel removes the channel from the pool and closes it.
func (p *Pool) DiscardChannel(rec *ChannelRecord) {
	if rec == nil {
		return
	}

	p.mu.Lock()
	p.removeChannelLocked(p.subPoolFor(rec), rec)
	p.mu.Unlock()

	rec.setStatus(StatusClose)
	if !rec.ch.IsClosed() {
		if err := rec.ch.Close(); err != nil {
			p.logger.Debug("failed to close discarded channel", "channel", rec.id, "error", err)
		}
	}
}

// Close closes every channel and connection and rejects further requests.
func (p *Pool) Close() error {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		var chans []*ChannelRecord
		var conns []*ConnectionRecord
		for _, sp := range []*subPool{p.pub, p.con} {
			chans = append(chans, sp.chans...)
			conns = append(conns, sp.conns...)
			sp.chans = nil
			sp.conns = nil
		}
		p.mu.Unlock()

		close(p.done)
		p.wg.Wait()

		for _, rec := range chans {
			rec.setStatus(StatusClose)
			if !rec.ch.IsClosed() {
				rec.ch.Close()
			}
		}
		for _, c := range conns {
			if c.Connected() {
				c.conn.Close()
			}
		}

		p.logger.Info("connection pool closed",
			"channels", len(chans),
			"connections", len(conns))
	})
	return nil
}

// openChannelLocked opens a channel on a connection picked by connectionFor.
// Caller holds p.mu.
func (p *Pool) openChannelLocked(ctx context.Context, sp *subPool) (*ChannelRecord, error) {
	conn, err := p.connectionFor(ctx, sp)
	if err != nil {
		return nil, err
	}

	ch, err := conn.conn.Channel()
	if err != nil {
		return nil, &ChannelError{
			Op:           "open channel",
			ConnectionID: conn.id,
			Err:          fmt.Errorf("%w: %v", ErrChannelCreationFailed, err),
			Timestamp:    time.Now(),
		}
	}

	rec := newChannelRecord(sp.name, conn, ch)
	conn.incChan()
	sp.chans = append(sp.chans, rec)
	return rec, nil
}

// connectionFor picks the open connection with the most channels that still
// has room, so channels are packed onto as few connections as possible. When
// none has room a new connection is dialled, unless the limit is reached.
// Caller holds p.mu.
func (p *Pool) connectionFor(ctx context.Context, sp *subPool) (*ConnectionRecord, error) {
	p.pruneClosedLocked(sp)

	var best *ConnectionRecord
	for _, c := range sp.conns {
		if !c.Connected() || c.LiveChannels() >= p.channelLimit {
			continue
		}
		if best == nil || c.LiveChannels() > best.LiveChannels() {
			best = c
		}
	}
	if best != nil {
		return best, nil
	}

	if total := len(p.pub.conns) + len(p.con.conns); total >= p.connectionLimit {
		return nil, fmt.Errorf("%w: %d of %d connections in use", ErrPoolExhausted, total, p.connectionLimit)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	conn, err := p.dialer.Dial(ctx, p.url)
	if err != nil {
		return nil, &ConnectionError{
			Op:        "dial",
			URL:       SanitizeURL(p.url),
			Err:       err,
			Timestamp: time.Now(),
		}
	}

	rec := newConnectionRecord(conn)
	sp.conns = append(sp.conns, rec)
	p.logger.Info("opened broker connection",
		"pool", sp.name,
		"connection", rec.id,
		"connections", len(p.pub.conns)+len(p.con.conns))
	return rec, nil
}

// pruneClosedLocked drops connections the broker has closed together with
// their channels, so they stop counting against the connection limit.
func (p *Pool) pruneClosedLocked(sp *subPool) {
	for i := len(sp.chans) - 1; i >= 0; i-- {
		if !sp.chans[i].conn.Connected() {
			p.removeChannelAt(sp, i)
		}
	}
	for i := len(sp.conns) - 1; i >= 0; i-- {
		if !sp.conns[i].Connected() {
			p.logger.Warn("dropping closed broker connection", "pool", sp.name, "connection", sp.conns[i].id)
			sp.conns = append(sp.conns[:i], sp.conns[i+1:]...)
		}
	}
}

func (p *Pool) subPoolFor(rec *ChannelRecord) *subPool {
	if rec.pool == consumePool {
		return p.con
	}
	return p.pub
}

// removeChannelLocked removes rec if it is still tracked
func (p *Pool) removeChannelLocked(sp *subPool, rec *ChannelRecord) bool {
	for i, c := range sp.chans {
		if c == rec {
			p.removeChannelAt(sp, i)
			return true
		}
	}
	return false
}

func (p *Pool) removeChannelAt(sp *subPool, i int) {
	rec := sp.chans[i]
	sp.chans = append(sp.chans[:i], sp.chans[i+1:]...)
	rec.setStatus(StatusClose)
	rec.conn.decChan()
}

func (p *Pool) removeConnectionLocked(sp *subPool, conn *ConnectionRecord) {
	for i, c := range sp.conns {
		if c == conn {
			sp.conns = append(sp.conns[:i], sp.conns[i+1:]...)
			return
		}
	}
}

func isIdle(s ChannelStatus) bool { return s == StatusIdle }

// claimable accepts staged channels, which are Idle or freshly opened and
// Busy, but not ones the reaper is expiring
func claimable(s ChannelStatus) bool { return s == StatusIdle || s == StatusBusy }

// Stats is a point-in-time snapshot of the pool
type Stats struct {
	PublishConnections int
	ConsumeConnections int
	PublishChannels    int
	ConsumeChannels    int
	Staged             int
	ConnectionLimit    int
	ByStatus           map[string]int
}

// Stats returns a snapshot of connection and channel counts
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := Stats{
		PublishConnections: len(p.pub.conns),
		ConsumeConnections: len(p.con.conns),
		PublishChannels:    len(p.pub.chans),
		ConsumeChannels:    len(p.con.chans),
		Staged:             len(p.slot),
		ConnectionLimit:    p.connectionLimit,
		ByStatus:           make(map[string]int),
	}
	for _, sp := range []*subPool{p.pub, p.con} {
		for _, rec := range sp.chans {
			s.ByStatus[rec.Status().String()]++
		}
	}
	return s
}
