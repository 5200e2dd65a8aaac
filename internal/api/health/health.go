// Package health provides health check functionality for API components.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"
)

// Status represents the health status of a component.
type Status string

const (
	// StatusHealthy indicates the component is fully operational.
	StatusHealthy Status = "healthy"
	// StatusDegraded indicates the component is operational but with issues.
	StatusDegraded Status = "degraded"
	// StatusUnhealthy indicates the component is not operational.
	StatusUnhealthy Status = "unhealthy"
)

// ComponentStatus represents the health status of a single component.
type ComponentStatus struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// Response represents the health check response.
type Response struct {
	Status     Status                     `json:"status"`
	Components map[string]ComponentStatus `json:"components"`
	Version    string                     `json:"version"`
	Uptime     string                     `json:"uptime"`
}

// Pinger is an interface for components that can be pinged.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ProbeFunc checks one component.
type ProbeFunc func(ctx context.Context) error

type probe struct {
	check    ProbeFunc
	critical bool
}

// Checker aggregates component probes. A failing critical probe makes the whole service
// unhealthy; any other failure only degrades it.
type Checker struct {
	startTime time.Time
	version   string
	timeout   time.Duration
	mu        sync.RWMutex
	probes    map[string]probe
}

// NewChecker creates a health checker whose "store" component pings pinger.
func NewChecker(pinger Pinger, version string) *Checker {
	c := &Checker{
		startTime: time.Now(),
		version:   version,
		timeout:   5 * time.Second,
		probes:    make(map[string]probe),
	}
	c.AddProbe("store", func(ctx context.Context) error {
		if pinger == nil {
			return errNotConfigured
		}
		return pinger.Ping(ctx)
	}, true)
	return c
}

var errNotConfigured = errors.New("not configured")

// AddProbe registers a named component check.
func (c *Checker) AddProbe(name string, check ProbeFunc, critical bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.probes[name] = probe{check: check, critical: critical}
}

// SetTimeout sets the timeout for health checks.
func (c *Checker) SetTimeout(timeout time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timeout = timeout
}

// Check runs every probe and returns the aggregated response.
func (c *Checker) Check(ctx context.Context) *Response {
	c.mu.RLock()
	timeout := c.timeout
	probes := make(map[string]probe, len(c.probes))
	for name, p := range c.probes {
		probes[name] = p
	}
	c.mu.RUnlock()

	checkCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	components := make(map[string]ComponentStatus, len(probes))
	overall := StatusHealthy
	for name, p := range probes {
		err := p.check(checkCtx)
		switch {
		case err == nil:
			components[name] = ComponentStatus{Status: StatusHealthy}
		case p.critical:
			components[name] = ComponentStatus{Status: StatusUnhealthy, Message: err.Error()}
			overall = StatusUnhealthy
		default:
			components[name] = ComponentStatus{Status: StatusDegraded, Message: err.Error()}
			if overall == StatusHealthy {
				overall = StatusDegraded
			}
		}
	}

	return &Response{
		Status:     overall,
		Components: components,
		Version:    c.version,
		Uptime:     time.Since(c.startTime).Round(time.Second).String(),
	}
}

// Handler returns an HTTP handler for health checks.
func (c *Checker) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		response := c.Check(r.Context())

		w.Header().Set("Content-Type", "application/json")
		if response.Status == StatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}
		json.NewEncoder(w).Encode(response)
	}
}
