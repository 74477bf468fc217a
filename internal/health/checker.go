// Package health provides liveness and readiness checks for the dispatcher.
package health

import (
	"context"
	"sort"
	"sync"
	"time"
)

// ReadinessChecker reports whether a dependency can serve.
type ReadinessChecker interface {
	Ready(ctx context.Context) error
}

// CheckFunc adapts a function to ReadinessChecker.
type CheckFunc func(ctx context.Context) error

// Ready calls f.
func (f CheckFunc) Ready(ctx context.Context) error { return f(ctx) }

// Status represents the health status of a component.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
)

// CheckResult contains the result of a health check.
type CheckResult struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// Response is the health check response.
type Response struct {
	Status Status                 `json:"status"`
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

type check struct {
	name     string
	checker  ReadinessChecker
	optional bool
}

// Checker runs named readiness checks. A failing required check makes the
// service unhealthy; a failing optional one only degrades it.
type Checker struct {
	timeout time.Duration

	mu           sync.RWMutex
	checks       []check
	lastCheck    time.Time
	cachedReady  *Response
	shuttingDown bool
}

// NewChecker creates a checker with no checks.
func NewChecker() *Checker {
	return &Checker{timeout: 5 * time.Second}
}

// Require registers a check that must pass for the service to be ready.
func (c *Checker) Require(name string, checker ReadinessChecker) {
	c.add(check{name: name, checker: checker})
}

// Optional registers a check whose failure only degrades readiness.
func (c *Checker) Optional(name string, checker ReadinessChecker) {
	c.add(check{name: name, checker: checker, optional: true})
}

func (c *Checker) add(ch check) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks = append(c.checks, ch)
	sort.Slice(c.checks, func(i, j int) bool { return c.checks[i].name < c.checks[j].name })
	c.cachedReady = nil
}

// Liveness reports the process as alive. It never consults dependencies.
func (c *Checker) Liveness(ctx context.Context) *Response {
	return &Response{Status: StatusHealthy}
}

// Readiness runs every check. Results are cached for a second.
func (c *Checker) Readiness(ctx context.Context) *Response {
	c.mu.RLock()
	if c.shuttingDown {
		c.mu.RUnlock()
		return &Response{
			Status: StatusUnhealthy,
			Checks: map[string]CheckResult{
				"shutdown": {Status: StatusUnhealthy, Message: "service is shutting down"},
			},
		}
	}
	if c.cachedReady != nil && time.Since(c.lastCheck) < time.Second {
		cached := c.cachedReady
		c.mu.RUnlock()
		return cached
	}
	checks := append([]check(nil), c.checks...)
	c.mu.RUnlock()

	response := &Response{Status: StatusHealthy, Checks: make(map[string]CheckResult, len(checks))}
	if len(checks) == 0 {
		response.Status = StatusUnhealthy
		response.Checks["checks"] = CheckResult{Status: StatusUnhealthy, Message: "no checks configured"}
	}
	for _, ch := range checks {
		result := c.run(ctx, ch.checker)
		response.Checks[ch.name] = result
		switch {
		case result.Status == StatusHealthy:
		case ch.optional:
			if response.Status == StatusHealthy {
				response.Status = StatusDegraded
			}
		default:
			response.Status = StatusUnhealthy
		}
	}

	c.mu.Lock()
	c.cachedReady = response
	c.lastCheck = time.Now()
	c.mu.Unlock()

	return response
}

func (c *Checker) run(ctx context.Context, checker ReadinessChecker) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := checker.Ready(ctx); err != nil {
		return CheckResult{Status: StatusUnhealthy, Message: err.Error()}
	}
	return CheckResult{Status: StatusHealthy}
}

// IsHealthy returns true if the overall status is healthy.
func (r *Response) IsHealthy() bool {
	return r.Status == StatusHealthy
}

// IsReady returns true unless a required check failed.
func (r *Response) IsReady() bool {
	return r.Status != StatusUnhealthy
}

// SetShuttingDown makes readiness fail immediately so traffic drains
// before engines stop.
func (c *Checker) SetShuttingDown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shuttingDown = true
	c.cachedReady = nil
}
