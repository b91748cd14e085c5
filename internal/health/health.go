// Package health aggregates component checks, such as the supervised
// receiver session and the pairing store, into liveness, readiness and
// detailed health reports served over HTTP.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// Status represents the health status of a component.
type Status string

const (
	// StatusHealthy indicates the component is healthy.
	StatusHealthy Status = "healthy"
	// StatusDegraded indicates the component is degraded but functional.
	StatusDegraded Status = "degraded"
	// StatusUnhealthy indicates the component is unhealthy.
	StatusUnhealthy Status = "unhealthy"
	// StatusUnknown indicates the component status is unknown.
	StatusUnknown Status = "unknown"
)

// CheckResult represents the result of a health check.
type CheckResult struct {
	Status      Status                 `json:"status"`
	Message     string                 `json:"message,omitempty"`
	Details     map[string]interface{} `json:"details,omitempty"`
	LastChecked time.Time              `json:"last_checked"`
	Duration    time.Duration          `json:"duration_ns"`
	Error       string                 `json:"error,omitempty"`
}

// Check is a function that performs a health check.
type Check func(ctx context.Context) CheckResult

// Component represents a health-checkable component.
type Component struct {
	Name     string
	Critical bool // If true, failure makes overall status unhealthy
	Check    Check
	Timeout  time.Duration
}

// Checker manages health checks.
type Checker struct {
	mu         sync.RWMutex
	components map[string]*Component
	results    map[string]CheckResult
	startTime  time.Time
	ready      bool
}

// NewChecker creates a new Checker.
func NewChecker() *Checker {
	return &Checker{
		components: make(map[string]*Component),
		results:    make(map[string]CheckResult),
		startTime:  time.Now(),
		ready:      false,
	}
}

// Register registers a health check component.
func (c *Checker) Register(component *Component) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if component.Timeout == 0 {
		component.Timeout = 5 * time.Second
	}

	c.components[component.Name] = component
	c.results[component.Name] = CheckResult{
		Status:      StatusUnknown,
		LastChecked: time.Time{},
	}
}

// RegisterFunc registers a simple health check function.
func (c *Checker) RegisterFunc(name string, critical bool, check Check) {
	c.Register(&Component{
		Name:     name,
		Critical: critical,
		Check:    check,
		Timeout:  5 * time.Second,
	})
}

// Unregister removes a health check component.
func (c *Checker) Unregister(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.components, name)
	delete(c.results, name)
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

// Check runs all registered health checks.
func (c *Checker) Check(ctx context.Context) map[string]CheckResult {
	c.mu.Lock()
	components := make([]*Component, 0, len(c.components))
	for _, comp := range c.components {
		components = append(components, comp)
	}
	c.mu.Unlock()

	results := make(map[string]CheckResult)
	var wg sync.WaitGroup

	for _, comp := range components {
		wg.Add(1)
		go func(comp *Component) {
			defer wg.Done()

			checkCtx, cancel := context.WithTimeout(ctx, comp.Timeout)
			defer cancel()

			start := time.Now()
			result := runCheck(checkCtx, comp.Check)

			result.LastChecked = start
			result.Duration = time.Since(start)

			c.mu.Lock()
			c.results[comp.Name] = result
			results[comp.Name] = result
			c.mu.Unlock()
		}(comp)
	}

	wg.Wait()
	return results
}

// runCheck runs check with panic recovery, abandoning it once ctx is done.
func runCheck(ctx context.Context, check Check) CheckResult {
	done := make(chan CheckResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- CheckResult{
					Status:  StatusUnhealthy,
					Message: "check panicked",
					Error:   fmt.Sprintf("%v", r),
				}
			}
		}()
		done <- check(ctx)
	}()

	select {
	case result := <-done:
		return result
	case <-ctx.Done():
		return CheckResult{
			Status:  StatusUnhealthy,
			Message: "check timed out",
			Error:   ctx.Err().Error(),
		}
	}
}

// OverallStatus returns the aggregated health status.
func (c *Checker) OverallStatus() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	hasUnknown := false
	hasDegraded := false

	for name, result := range c.results {
		comp := c.components[name]
		if comp == nil {
			continue
		}

		switch result.Status {
		case StatusUnhealthy:
			if comp.Critical {
				return StatusUnhealthy
			}
			hasDegraded = true
		case StatusDegraded:
			hasDegraded = true
		case StatusUnknown:
			if comp.Critical {
				hasUnknown = true
			}
		}
	}

	if hasUnknown {
		return StatusUnknown
	}
	if hasDegraded {
		return StatusDegraded
	}
	return StatusHealthy
}

// HealthResponse is the response format for health endpoints.
type HealthResponse struct {
	Status     Status                 `json:"status"`
	Ready      bool                   `json:"ready"`
	Uptime     string                 `json:"uptime"`
	Components map[string]CheckResult `json:"components,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
}

// HealthResponse returns the full health response.
func (c *Checker) HealthResponse(ctx context.Context, includeComponents bool) HealthResponse {
	var components map[string]CheckResult
	if includeComponents {
		components = c.Check(ctx)
	}

	c.mu.RLock()
	ready := c.ready
	uptime := time.Since(c.startTime)
	c.mu.RUnlock()

	return HealthResponse{
		Status:     c.OverallStatus(),
		Ready:      ready,
		Uptime:     uptime.String(),
		Components: components,
		Timestamp:  time.Now(),
	}
}

// LivenessHandler returns an HTTP handler for liveness checks.
func (c *Checker) LivenessHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Liveness just checks if the process is running
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status":    "alive",
			"timestamp": time.Now(),
		})
	})
}

// ReadinessHandler returns an HTTP handler for readiness checks.
func (c *Checker) ReadinessHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		if !c.IsReady() {
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(map[string]interface{}{
				"status":    "not ready",
				"timestamp": time.Now(),
			})
			return
		}

		status := c.OverallStatus()
		if status == StatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}

		json.NewEncoder(w).Encode(map[string]interface{}{
			"status":    status,
			"ready":     true,
			"timestamp": time.Now(),
		})
	})
}

// HealthHandler returns an HTTP handler for detailed health checks.
func (c *Checker) HealthHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		includeComponents := r.URL.Query().Get("full") == "true"
		response := c.HealthResponse(r.Context(), includeComponents)

		switch response.Status {
		case StatusHealthy:
			w.WriteHeader(http.StatusOK)
		case StatusDegraded:
			w.WriteHeader(http.StatusOK) // Still OK, just degraded
		default:
			w.WriteHeader(http.StatusServiceUnavailable)
		}

		json.NewEncoder(w).Encode(response)
	})
}

// Common health checks.

// ComponentSession is the name the supervised receiver session registers under.
const ComponentSession = "receiver_session"

// ComponentStore is the name the pairing store registers under.
const ComponentStore = "pairing_store"

// SessionCheck reports healthy when a live, ready session exists, degraded
// when the session is live but the receiver is unready, and unhealthy when
// there is no live session.
func SessionCheck(state func() (alive, ready bool)) Check {
	return func(ctx context.Context) CheckResult {
		alive, ready := state()
		details := map[string]interface{}{"alive": alive, "ready": ready}
		switch {
		case alive && ready:
			return CheckResult{Status: StatusHealthy, Message: "session ready", Details: details}
		case alive:
			return CheckResult{Status: StatusDegraded, Message: "receiver unready", Details: details}
		default:
			return CheckResult{Status: StatusUnhealthy, Message: "no live session", Details: details}
		}
	}
}

// DatabaseCheck returns a health check for database connectivity.
func DatabaseCheck(pingFunc func(ctx context.Context) error) Check {
	return func(ctx context.Context) CheckResult {
		err := pingFunc(ctx)
		if err != nil {
			return CheckResult{
				Status:  StatusUnhealthy,
				Message: "database connection failed",
				Error:   err.Error(),
			}
		}
		return CheckResult{
			Status:  StatusHealthy,
			Message: "database connection ok",
		}
	}
}

// Mux returns a ServeMux with /healthz, /livez and /readyz.
func (c *Checker) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/healthz", c.HealthHandler())
	mux.Handle("/livez", c.LivenessHandler())
	mux.Handle("/readyz", c.ReadinessHandler())
	return mux
}
