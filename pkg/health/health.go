package health

import (
	"context"
	"time"

	"github.com/cuemby/startd/pkg/types"
)

// CheckType represents the type of health check
type CheckType string

const (
	CheckTypeHTTP CheckType = "http"
	CheckTypeTCP  CheckType = "tcp"
	CheckTypeExec CheckType = "exec"
)

// Result represents the outcome of a health check
type Result struct {
	Healthy   bool
	Message   string
	CheckedAt time.Time
	Duration  time.Duration
}

// Checker is the interface that all health checkers must implement
type Checker interface {
	// Check performs the health check and returns the result
	Check(ctx context.Context) Result

	// Type returns the type of health check
	Type() CheckType
}

// Config contains common configuration for all health checks
type Config struct {
	// Interval is the time between health checks
	Interval time.Duration

	// Timeout is the maximum time to wait for a health check to complete
	Timeout time.Duration

	// Retries is the number of consecutive failures before reporting failing
	Retries int

	// StartPeriod is the grace period before failures count, so slow
	// services can come up reporting starting rather than failing
	StartPeriod time.Duration
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		Interval:    30 * time.Second,
		Timeout:     10 * time.Second,
		Retries:     3,
		StartPeriod: 0,
	}
}

// Status tracks one health check's history and rolls it up into the
// guest-visible result kind.
type Status struct {
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	LastCheck            time.Time
	LastResult           Result
	StartedAt            time.Time
}

// NewStatus creates a new Status
func NewStatus() *Status {
	return &Status{StartedAt: time.Now()}
}

// Update folds a new result into the status.
func (s *Status) Update(result Result) {
	s.LastCheck = result.CheckedAt
	s.LastResult = result
	if result.Healthy {
		s.ConsecutiveSuccesses++
		s.ConsecutiveFailures = 0
	} else {
		s.ConsecutiveFailures++
		s.ConsecutiveSuccesses = 0
	}
}

// Kind reduces the status to the wire-visible health result.
func (s *Status) Kind(cfg Config) types.HealthResultKind {
	if s.LastCheck.IsZero() || time.Since(s.StartedAt) < cfg.StartPeriod {
		return types.HealthStarting
	}
	if s.LastResult.Healthy {
		return types.HealthPassing
	}
	if s.ConsecutiveFailures < cfg.Retries {
		return types.HealthLoading
	}
	return types.HealthFailing
}
