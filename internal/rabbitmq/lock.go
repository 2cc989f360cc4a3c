package rabbitmq

import (
	"context"
	"time"
)

// boundedLock is a mutex whose acquisition gives up after a timeout.
// The pipeline refill and the idle sweep share one so they never run
// concurrently, and neither waits long for the other.
type boundedLock struct {
	sem chan struct{}
}

func newBoundedLock() *boundedLock {
	return &boundedLock{sem: make(chan struct{}, 1)}
}

// acquire returns true when the lock was taken within timeout.
func (l *boundedLock) acquire(ctx context.Context, timeout time.Duration) bool {
	select {
	case l.sem <- struct{}{}:
		return true
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case l.sem <- struct{}{}:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

func (l *boundedLock) release() {
	select {
	case <-l.sem:
	default:
	}
}
