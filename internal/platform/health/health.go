// Package health exposes the server's liveness and readiness probes.
// Checks are registered as critical (readiness fails when they do) or
// non-critical (they only degrade the detailed report), so a busy host
// can report degraded without being pulled from rotation.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// Status represents the health status
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
)

// checkTimeout bounds a single checker; a hung dependency reports as
// unhealthy instead of hanging the probe.
const checkTimeout = 5 * time.Second

// Check represents a single health check
type Check struct {
	Name     string `json:"name"`
	Status   Status `json:"status"`
	Critical bool   `json:"critical"`
	Message  string `json:"message,omitempty"`
	Latency  int64  `json:"latencyMs"`
}

// Response is the health check response
type Response struct {
	Status    Status            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Version   string            `json:"version,omitempty"`
	Service   string            `json:"service,omitempty"`
	Checks    map[string]*Check `json:"checks,omitempty"`
	UptimeSec int64             `json:"uptimeSeconds"`
}

// Checker is a function that performs a health check
type Checker func(ctx context.Context) error

type registeredCheck struct {
	checker  Checker
	critical bool
}

// Handler manages health checks for a service
type Handler struct {
	mu        sync.RWMutex
	checks    map[string]registeredCheck
	service   string
	version   string
	startTime time.Time
}

// NewHandler creates a new health handler
func NewHandler(service, version string) *Handler {
	return &Handler{
		checks:    make(map[string]registeredCheck),
		service:   service,
		version:   version,
		startTime: time.Now(),
	}
}

// AddCheck registers a critical health check: readiness fails while it
// does.
func (h *Handler) AddCheck(name string, checker Checker) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = registeredCheck{checker: checker, critical: true}
}

// AddNonCriticalCheck registers a check that degrades the detailed
// report without failing readiness (e.g. host resource pressure).
func (h *Handler) AddNonCriticalCheck(name string, checker Checker) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = registeredCheck{checker: checker, critical: false}
}

// RemoveCheck removes a health check
func (h *Handler) RemoveCheck(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.checks, name)
}

// Check runs all health checks concurrently and aggregates: any failed
// critical check makes the whole response unhealthy, a failed
// non-critical one degrades it.
func (h *Handler) Check(ctx context.Context) *Response {
	h.mu.RLock()
	snapshot := make(map[string]registeredCheck, len(h.checks))
	for name, rc := range h.checks {
		snapshot[name] = rc
	}
	h.mu.RUnlock()

	resp := &Response{
		Status:    StatusHealthy,
		Timestamp: time.Now(),
		Version:   h.version,
		Service:   h.service,
		Checks:    make(map[string]*Check, len(snapshot)),
		UptimeSec: int64(time.Since(h.startTime).Seconds()),
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	for name, rc := range snapshot {
		wg.Add(1)
		go func(name string, rc registeredCheck) {
			defer wg.Done()

			checkCtx, cancel := context.WithTimeout(ctx, checkTimeout)
			defer cancel()

			start := time.Now()
			err := runChecker(checkCtx, rc.checker)

			check := &Check{
				Name:     name,
				Status:   StatusHealthy,
				Critical: rc.critical,
				Latency:  time.Since(start).Milliseconds(),
			}
			if err != nil {
				check.Status = StatusUnhealthy
				check.Message = err.Error()
			}

			mu.Lock()
			resp.Checks[name] = check
			if err != nil {
				if rc.critical {
					resp.Status = StatusUnhealthy
				} else if resp.Status == StatusHealthy {
					resp.Status = StatusDegraded
				}
			}
			mu.Unlock()
		}(name, rc)
	}
	wg.Wait()
	return resp
}

// runChecker enforces the per-check timeout even against a checker
// that ignores its context.
func runChecker(ctx context.Context, checker Checker) error {
	done := make(chan error, 1)
	go func() { done <- checker(ctx) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("health check timed out after %s", checkTimeout)
	}
}

// LivenessHandler returns an HTTP handler for liveness probe
func (h *Handler) LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]string{
			"status":  "alive",
			"service": h.service,
		})
	}
}

// ReadinessHandler returns an HTTP handler for readiness probe. A
// degraded service still reports ready.
func (h *Handler) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := h.Check(r.Context())

		w.Header().Set("Content-Type", "application/json")
		if resp.Status == StatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}
		json.NewEncoder(w).Encode(resp)
	}
}

// HealthHandler returns an HTTP handler for the detailed report,
// including degraded non-critical checks.
func (h *Handler) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := h.Check(r.Context())

		w.Header().Set("Content-Type", "application/json")
		if resp.Status == StatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}
		json.NewEncoder(w).Encode(resp)
	}
}

// Common health checkers

// DatabaseChecker wraps the execution store's ping.
func DatabaseChecker(pingFunc func(ctx context.Context) error) Checker {
	return func(ctx context.Context) error {
		return pingFunc(ctx)
	}
}

// JournalChecker verifies the execution journal answers reads, using a
// probe id that never has entries: an empty page is healthy, an error
// is not.
func JournalChecker(list func(ctx context.Context, executionID string) error) Checker {
	return func(ctx context.Context) error {
		return list(ctx, "health-probe")
	}
}

// QueueDepthChecker degrades when the admission queue backs up past
// maxDepth, signaling that executions are starting slower than they
// arrive.
func QueueDepthChecker(depth func(ctx context.Context) (int64, error), maxDepth int64) Checker {
	return func(ctx context.Context) error {
		n, err := depth(ctx)
		if err != nil {
			return err
		}
		if n > maxDepth {
			return fmt.Errorf("admission queue depth %d exceeds %d", n, maxDepth)
		}
		return nil
	}
}
