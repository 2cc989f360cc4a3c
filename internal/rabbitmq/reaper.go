package rabbitmq

import (
	"context"
	"time"
)

type closer interface {
	Close() error
}

func (p *Pool) sweepLoop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.done:
			return
		case <-ticker.C:
			p.sweep(ctx)
		}
	}
}

// sweep reclaims idle channels and connections on both sides of the pool.
// Broker calls are made after the pool lock is released.
func (p *Pool) sweep(ctx context.Context) {
	if !p.lock.acquire(ctx, p.sweepLockTimeout) {
		p.logger.Debug("idle sweep skipped, pipeline holds the lock")
		return
	}
	defer p.lock.release()

	now := time.Now()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	var toClose []closer
	for _, sp := range []*subPool{p.pub, p.con} {
		toClose = append(toClose, p.sweepSubPoolLocked(sp, now)...)
	}
	p.mu.Unlock()

	for _, c := range toClose {
		if err := c.Close(); err != nil {
			p.logger.Debug("failed to close idle resource", "error", err)
		}
	}
}

// sweepSubPoolLocked walks the channels in reverse so removal keeps indexes
// valid. Caller holds p.mu.
func (p *Pool) sweepSubPoolLocked(sp *subPool, now time.Time) []closer {
	var toClose []closer
	reaped := 0

	for i := len(sp.chans) - 1; i >= 0; i-- {
		rec := sp.chans[i]
		status := rec.Status()
		connected := rec.conn.Connected()

		if status == StatusBusy && connected && !rec.ch.IsClosed() {
			continue
		}

		if !connected {
			p.removeChannelAt(sp, i)
			p.removeConnectionLocked(sp, rec.conn)
			reaped++
			continue
		}

		if status == StatusClose || rec.ch.IsClosed() {
			p.removeChannelAt(sp, i)
			reaped++
			continue
		}

		if rec.idleFor(now) < p.channelIdleTimeout {
			continue
		}

		// a publisher may take the staged channel without p.mu
		if !rec.expire() {
			continue
		}
		live := rec.conn.LiveChannels()
		p.removeChannelAt(sp, i)
		toClose = append(toClose, rec.ch)
		reaped++

		if live <= 1 && rec.conn.idleFor(now) >= p.connectionIdleTimeout {
			p.removeConnectionLocked(sp, rec.conn)
			toClose = append(toClose, rec.conn.conn)
			p.logger.Info("closing idle connection", "pool", sp.name, "connection", rec.conn.id)
		}
	}

	for i := len(sp.conns) - 1; i >= 0; i-- {
		c := sp.conns[i]
		switch {
		case !c.Connected():
			sp.conns = append(sp.conns[:i], sp.conns[i+1:]...)
		case c.LiveChannels() == 0 && c.idleFor(now) >= p.connectionIdleTimeout:
			sp.conns = append(sp.conns[:i], sp.conns[i+1:]...)
			toClose = append(toClose, c.conn)
			p.logger.Info("closing idle connection", "pool", sp.name, "connection", c.id)
		}
	}

	if reaped > 0 {
		p.logger.Debug("reaped channels", "pool", sp.name, "count", reaped)
	}
	return toClose
}
