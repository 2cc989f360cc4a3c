// Package health reports on the broker connection, the pool and the
// consumer bindings of an mqpool client.
package health

import (
	"context"
	"time"
)

// Status represents the health status
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

func (s Status) rank() int {
	switch s {
	case StatusHealthy:
		return 0
	case StatusDegraded:
		return 1
	default:
		return 2
	}
}

// CheckResult represents the result of a health check
type CheckResult struct {
	Name      string         `json:"name"`
	Status    Status         `json:"status"`
	Message   string         `json:"message,omitempty"`
	Duration  time.Duration  `json:"duration"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Error     string         `json:"error,omitempty"`
}

// Checker is a single health check
type Checker interface {
	Name() string
	Check(ctx context.Context) CheckResult
}

// Report is the outcome of a set of checks; its status is the worst one
type Report struct {
	Status    Status        `json:"status"`
	Checks    []CheckResult `json:"checks"`
	Timestamp time.Time     `json:"timestamp"`
}

// Run runs the checkers in order
func Run(ctx context.Context, checkers ...Checker) Report {
	report := Report{Status: StatusHealthy, Timestamp: time.Now()}
	for _, c := range checkers {
		res := c.Check(ctx)
		if res.Status.rank() > report.Status.rank() {
			report.Status = res.Status
		}
		report.Checks = append(report.Checks, res)
	}
	return report
}
