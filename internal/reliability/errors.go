package reliability

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrCircuitOpen is returned while a backend is cut off
	ErrCircuitOpen = errors.New("circuit breaker: circuit is open")

	// ErrInvalidLimit is returned for a non-positive query limit
	ErrInvalidLimit = errors.New("drop journal: limit must be positive")
)

// CircuitBreakerError carries the state of the breaker that rejected a call
type CircuitBreakerError struct {
	Name     string
	Failures int
	RetryAt  time.Time
}

func (e *CircuitBreakerError) Error() string {
	return fmt.Sprintf("circuit breaker %s open: %d consecutive failures, retry at %s",
		e.Name, e.Failures, e.RetryAt.Format(time.RFC3339))
}

func (e *CircuitBreakerError) Unwrap() error {
	return ErrCircuitOpen
}

// StoreError wraps a failed backend operation
type StoreError struct {
	Store string
	Op    string
	Key   string
	Err   error
}

func (e *StoreError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("%s: %s failed: %v", e.Store, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s %s failed: %v", e.Store, e.Op, e.Key, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}
