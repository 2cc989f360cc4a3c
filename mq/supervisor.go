package mq

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/mqpool/internal/rabbitmq"
)

const (
	// MaxBindFailures caps the failure counter, and with it the backoff
	MaxBindFailures = 10

	defaultQueueCapacity = 64
)

// Rebinder binds a consumer unit
type Rebinder interface {
	Bind(ctx context.Context, unit Unit) error
}

// Supervisor rebinds failed consumer units. Each consumer kind has its own
// queue and loop, so a broker problem on one topology does not delay the
// others. Loops retry until their context ends; a unit whose bind error is
// not retryable is dropped.
type Supervisor struct {
	binder   Rebinder
	logger   *slog.Logger
	unit     time.Duration
	capacity int

	queues map[Kind]chan Unit
	done   chan struct{}

	startOnce sync.Once
	doneOnce  sync.Once
	wg        sync.WaitGroup
}

// SupervisorOption configures the supervisor
type SupervisorOption func(*Supervisor)

// WithSupervisorLogger sets the logger
func WithSupervisorLogger(logger *slog.Logger) SupervisorOption {
	return func(s *Supervisor) {
		s.logger = logger
	}
}

// WithBackoffUnit sets the backoff step; a loop that failed n times in a row
// waits n steps before its next attempt
func WithBackoffUnit(unit time.Duration) SupervisorOption {
	return func(s *Supervisor) {
		s.unit = unit
	}
}

// WithQueueCapacity sets the size of each per-kind retry queue
func WithQueueCapacity(capacity int) SupervisorOption {
	return func(s *Supervisor) {
		s.capacity = capacity
	}
}

// NewSupervisor creates a supervisor that rebinds through binder
func NewSupervisor(binder Rebinder, options ...SupervisorOption) *Supervisor {
	s := &Supervisor{
		binder:   binder,
		logger:   slog.Default(),
		unit:     time.Second,
		capacity: defaultQueueCapacity,
		done:     make(chan struct{}),
	}
	for _, opt := range options {
		opt(s)
	}
	if s.capacity < 1 {
		s.capacity = 1
	}

	s.queues = make(map[Kind]chan Unit, len(Kinds))
	for _, k := range Kinds {
		s.queues[k] = make(chan Unit, s.capacity)
	}
	return s
}

// Start launches one loop per kind. Units submitted before Start wait in
// their queue.
func (s *Supervisor) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		for _, k := range Kinds {
			s.wg.Add(1)
			go s.loop(ctx, k, s.queues[k])
		}
		go func() {
			<-ctx.Done()
			s.doneOnce.Do(func() { close(s.done) })
		}()
	})
}

// Submit queues a unit for rebinding. It never blocks the caller: when the
// queue is full the unit is handed over from a goroutine.
func (s *Supervisor) Submit(unit Unit) {
	q, ok := s.queues[unit.Spec.kind]
	if !ok {
		s.logger.Error("unknown consumer kind", "consumer", unit.String())
		return
	}

	select {
	case q <- unit:
		return
	default:
	}

	s.logger.Warn("retry queue full", "kind", unit.Spec.kind.String(), "consumer", unit.String())
	go func() {
		select {
		case q <- unit:
		case <-s.done:
		}
	}()
}

// Pending returns the number of units waiting in kind's queue
func (s *Supervisor) Pending(kind Kind) int {
	return len(s.queues[kind])
}

// Wait blocks until the loops exit
func (s *Supervisor) Wait() {
	s.wg.Wait()
}

// Backoff returns the wait before the next attempt of a loop that has
// failed failures times in a row
func (s *Supervisor) Backoff(failures int) time.Duration {
	if failures <= 0 {
		return 0
	}
	return time.Duration(max(min(failures, MaxBindFailures), 1)) * s.unit
}

func (s *Supervisor) loop(ctx context.Context, kind Kind, queue chan Unit) {
	defer s.wg.Done()

	failures := 0
	for {
		var unit Unit
		select {
		case <-ctx.Done():
			return
		case unit = <-queue:
		}

		if delay := s.Backoff(failures); delay > 0 {
			s.logger.Debug("waiting before rebind",
				"kind", kind.String(),
				"consumer", unit.String(),
				"failures", failures,
				"delay", delay)

			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}

		if err := s.binder.Bind(ctx, unit); err != nil {
			if ctx.Err() != nil {
				return
			}
			if !rabbitmq.IsRetryable(err) {
				s.logger.Error("giving up on consumer",
					"kind", kind.String(),
					"consumer", unit.String(),
					"error", err)
				continue
			}
			failures = min(failures+1, MaxBindFailures)
			s.logger.Warn("rebind failed",
				"kind", kind.String(),
				"consumer", unit.String(),
				"failures", failures,
				"error", err)
			s.Submit(unit)
			continue
		}

		failures = 0
		s.logger.Info("consumer rebound", "kind", kind.String(), "consumer", unit.String())
	}
}
