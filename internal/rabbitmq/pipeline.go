package rabbitmq

import (
	"context"
	"time"
)

// refillLoop keeps one publish channel staged in p.slot so publishers rarely
// pay for opening a channel.
func (p *Pool) refillLoop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.refillInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.done:
			return
		case <-ticker.C:
			p.refill(ctx)
		}
	}
}

// refill stages a publish channel if the slot is empty. An existing open
// channel that nobody holds is preferred over opening a new one. A full slot
// means the previous staged channel has not been taken yet; the cycle is
// skipped rather than queueing a second one.
func (p *Pool) refill(ctx context.Context) {
	if !p.lock.acquire(ctx, p.refillLockTimeout) {
		return
	}
	defer p.lock.release()

	if len(p.slot) == cap(p.slot) {
		return
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}

	var staged *ChannelRecord
	var prev ChannelStatus
	for _, rec := range p.pub.chans {
		if !rec.usable() {
			continue
		}
		if s, ok := rec.claimIf(stageable); ok {
			staged, prev = rec, s
			break
		}
	}

	if staged != nil {
		p.mu.Unlock()
		staged.touch()
		// The slot is only drained by publishers, so the status is restored
		// before the handoff to avoid overwriting a publisher's claim.
		staged.setStatus(prev)
		select {
		case p.slot <- staged:
		default:
		}
		return
	}

	rec, err := p.openChannelLocked(ctx, p.pub)
	p.mu.Unlock()
	if err != nil {
		p.logger.Error("failed to stage publish channel", "error", err)
		return
	}

	select {
	case p.slot <- rec:
	default:
		p.ReleaseChannel(rec)
	}
}

func stageable(s ChannelStatus) bool {
	return s != StatusBusy && s != StatusClose
}
