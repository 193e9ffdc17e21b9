// Copyright (c) The Registry Proxy Authors
// SPDX-License-Identifier: Apache-2.0

// Package health provides the admin health and readiness endpoints. This is
// the operator-facing HTTP surface, distinct from the TCP health-check
// protocol the load balancer probes on a proxied port.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// Status represents the health status.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Check is the result of a single registered health check.
type Check struct {
	Name        string    `json:"name"`
	Status      Status    `json:"status"`
	Message     string    `json:"message,omitempty"`
	LastChecked time.Time `json:"last_checked"`
	Duration    int64     `json:"duration_ms"`
}

// CheckFunc performs a health check.
type CheckFunc func(ctx context.Context) error

// Checker runs registered checks and caches their results briefly so the
// admin endpoints stay cheap under frequent scraping.
type Checker struct {
	mu     sync.Mutex
	checks map[string]CheckFunc
	cache  map[string]*Check
	ttl    time.Duration
}

// NewChecker creates a health checker with the given cache TTL.
func NewChecker(cacheTTL time.Duration) *Checker {
	if cacheTTL == 0 {
		cacheTTL = 10 * time.Second
	}
	return &Checker{
		checks: make(map[string]CheckFunc),
		cache:  make(map[string]*Check),
		ttl:    cacheTTL,
	}
}

// Register adds a named health check.
func (c *Checker) Register(name string, check CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = check
}

// Health runs all checks (or serves cached results) and returns the
// overall status.
func (c *Checker) Health(ctx context.Context) (Status, []Check) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var checks []Check
	overall := StatusHealthy

	for name, fn := range c.checks {
		if cached, ok := c.cache[name]; ok && time.Since(cached.LastChecked) < c.ttl {
			checks = append(checks, *cached)
			if cached.Status != StatusHealthy {
				overall = StatusDegraded
			}
			continue
		}

		start := time.Now()
		err := fn(ctx)

		check := &Check{
			Name:        name,
			LastChecked: time.Now(),
			Duration:    time.Since(start).Milliseconds(),
		}
		if err != nil {
			check.Status = StatusUnhealthy
			check.Message = err.Error()
			overall = StatusDegraded
		} else {
			check.Status = StatusHealthy
		}

		c.cache[name] = check
		checks = append(checks, *check)
	}

	return overall, checks
}

// Handler returns an HTTP handler reporting overall health. Degraded still
// returns 200; the proxy keeps serving while individual checks flap.
func (c *Checker) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status, checks := c.Health(ctx)
		writeJSON(w, status, checks, status == StatusUnhealthy)
	}
}

// ReadinessHandler returns an HTTP handler that fails on any degradation,
// for load balancers that should stop routing early.
func (c *Checker) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status, checks := c.Health(ctx)
		writeJSON(w, status, checks, status != StatusHealthy)
	}
}

// LivenessHandler reports that the process is up.
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]string{"status": "alive"})
	}
}

func writeJSON(w http.ResponseWriter, status Status, checks []Check, unavailable bool) {
	w.Header().Set("Content-Type", "application/json")
	if unavailable {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	json.NewEncoder(w).Encode(map[string]any{
		"status": status,
		"checks": checks,
	})
}

// TokenCheck reports unhealthy while no valid backend access token is held.
func TokenCheck(tokens interface{ Token() (string, error) }) CheckFunc {
	return func(ctx context.Context) error {
		_, err := tokens.Token()
		return err
	}
}

// CertificateCheck reports unhealthy when the serving certificate expires
// within the margin.
func CertificateCheck(notAfter time.Time, margin time.Duration) CheckFunc {
	return func(ctx context.Context) error {
		if remaining := time.Until(notAfter); remaining < margin {
			return fmt.Errorf("serving certificate expires in %s", remaining)
		}
		return nil
	}
}
