// Package health reports whether the daemon's components are working.
//
// Components register a Check. The Checker runs them concurrently with a
// per-check timeout and aggregates the results: a failing critical
// component makes the daemon unhealthy, a failing optional one only
// degrades it.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"
)

// Status represents the health status of a component.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
	StatusUnknown   Status = "unknown"
)

// DefaultTimeout bounds a single check.
const DefaultTimeout = 2 * time.Second

// CheckResult represents the result of a health check.
type CheckResult struct {
	Status      Status         `json:"status"`
	Message     string         `json:"message,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
	LastChecked time.Time      `json:"last_checked"`
	Duration    time.Duration  `json:"duration_ns"`
	Error       string         `json:"error,omitempty"`
}

// Check is a function that performs a health check.
type Check func(ctx context.Context) CheckResult

type component struct {
	name     string
	critical bool
	check    Check
	timeout  time.Duration
}

// Checker manages health checks.
type Checker struct {
	mu         sync.RWMutex
	components map[string]*component
	results    map[string]CheckResult
	startTime  time.Time
	ready      bool
}

// NewChecker creates a new Checker.
func NewChecker() *Checker {
	return &Checker{
		components: make(map[string]*component),
		results:    make(map[string]CheckResult),
		startTime:  time.Now(),
	}
}

// Register adds a check. Registering a name again replaces it.
func (c *Checker) Register(name string, critical bool, check Check) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.components[name] = &component{name: name, critical: critical, check: check, timeout: DefaultTimeout}
	c.results[name] = CheckResult{Status: StatusUnknown}
}

// SetReady sets the readiness state.
func (c *Checker) SetReady(ready bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ready = ready
}

// IsReady returns the readiness state.
func (c *Checker) IsReady() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ready
}

// Names returns the registered component names in order.
func (c *Checker) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.components))
	for n := range c.components {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Check runs all registered checks and returns their results.
func (c *Checker) Check(ctx context.Context) map[string]CheckResult {
	c.mu.RLock()
	components := make([]*component, 0, len(c.components))
	for _, comp := range c.components {
		components = append(components, comp)
	}
	c.mu.RUnlock()

	results := make(map[string]CheckResult, len(components))
	var (
		wg  sync.WaitGroup
		rmu sync.Mutex
	)
	for _, comp := range components {
		wg.Add(1)
		go func(comp *component) {
			defer wg.Done()
			result := run(ctx, comp)
			rmu.Lock()
			results[comp.name] = result
			rmu.Unlock()
		}(comp)
	}
	wg.Wait()

	c.mu.Lock()
	for name, r := range results {
		if _, ok := c.components[name]; ok {
			c.results[name] = r
		}
	}
	c.mu.Unlock()
	return results
}

func run(ctx context.Context, comp *component) CheckResult {
	checkCtx, cancel := context.WithTimeout(ctx, comp.timeout)
	defer cancel()

	start := time.Now()
	done := make(chan CheckResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- CheckResult{Status: StatusUnhealthy, Message: "check panicked", Error: fmt.Sprint(r)}
			}
		}()
		done <- comp.check(checkCtx)
	}()

	var result CheckResult
	select {
	case result = <-done:
	case <-checkCtx.Done():
		result = CheckResult{Status: StatusUnhealthy, Message: "check timed out", Error: checkCtx.Err().Error()}
	}
	result.LastChecked = start
	result.Duration = time.Since(start)
	return result
}

// OverallStatus aggregates the last results.
func (c *Checker) OverallStatus() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	hasUnknown, hasDegraded := false, false
	for name, result := range c.results {
		comp := c.components[name]
		switch result.Status {
		case StatusUnhealthy:
			if comp.critical {
				return StatusUnhealthy
			}
			hasDegraded = true
		case StatusDegraded:
			hasDegraded = true
		case StatusUnknown:
			if comp.critical {
				hasUnknown = true
			}
		}
	}
	switch {
	case hasUnknown:
		return StatusUnknown
	case hasDegraded:
		return StatusDegraded
	default:
		return StatusHealthy
	}
}

// Response is the body served by Handler.
type Response struct {
	Status     Status                 `json:"status"`
	Ready      bool                   `json:"ready"`
	Uptime     string                 `json:"uptime"`
	Components map[string]CheckResult `json:"components"`
	Timestamp  time.Time              `json:"timestamp"`
}

// Evaluate runs the checks and builds a Response.
func (c *Checker) Evaluate(ctx context.Context) Response {
	components := c.Check(ctx)

	c.mu.RLock()
	ready := c.ready
	uptime := time.Since(c.startTime)
	c.mu.RUnlock()

	return Response{
		Status:     c.OverallStatus(),
		Ready:      ready,
		Uptime:     uptime.Round(time.Second).String(),
		Components: components,
		Timestamp:  time.Now(),
	}
}

// Handler serves the health response. It answers 503 when the daemon is
// not ready or a critical component is unhealthy.
func (c *Checker) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := c.Evaluate(r.Context())
		w.Header().Set("Content-Type", "application/json")
		switch {
		case !resp.Ready, resp.Status == StatusUnhealthy, resp.Status == StatusUnknown:
			w.WriteHeader(http.StatusServiceUnavailable)
		default:
			w.WriteHeader(http.StatusOK)
		}
		json.NewEncoder(w).Encode(resp)
	})
}

// PingCheck reports a component unhealthy when ping fails.
func PingCheck(what string, ping func(ctx context.Context) error) Check {
	return func(ctx context.Context) CheckResult {
		if err := ping(ctx); err != nil {
			return CheckResult{Status: StatusUnhealthy, Message: what + " unreachable", Error: err.Error()}
		}
		return CheckResult{Status: StatusHealthy, Message: what + " ok"}
	}
}

// CapacityCheck degrades when used reaches warnFraction of limit.
func CapacityCheck(what string, warnFraction float64, usage func() (used, limit int)) Check {
	return func(context.Context) CheckResult {
		used, limit := usage()
		details := map[string]any{"used": used, "limit": limit}
		if limit > 0 && float64(used) >= warnFraction*float64(limit) {
			return CheckResult{
				Status:  StatusDegraded,
				Message: fmt.Sprintf("%s near capacity", what),
				Details: details,
			}
		}
		return CheckResult{Status: StatusHealthy, Details: details}
	}
}

// CounterCheck degrades while a monotonic counter keeps growing between
// checks, such as records dropped by a full queue.
func CounterCheck(what string, counter func() uint64) Check {
	var (
		mu   sync.Mutex
		last uint64
		seen bool
	)
	return func(context.Context) CheckResult {
		v := counter()
		mu.Lock()
		grew := seen && v > last
		last, seen = v, true
		mu.Unlock()

		details := map[string]any{what: v}
		if grew {
			return CheckResult{Status: StatusDegraded, Message: what + " increasing", Details: details}
		}
		return CheckResult{Status: StatusHealthy, Details: details}
	}
}
