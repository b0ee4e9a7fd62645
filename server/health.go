package server

import (
	"context"
	"net/http"
	"time"

	"dairylab/auth"
)

// Pinger is the database handle as seen by readiness checks.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// HealthChecker backs the liveness and readiness probes.
type HealthChecker struct {
	db   Pinger
	keys auth.KeySource
}

// NewHealthChecker creates a health checker. Nil dependencies are skipped. A key source that has
// not cached its key is asked to fetch it, subject to its own retry throttle.
func NewHealthChecker(db Pinger, keys auth.KeySource) *HealthChecker {
	return &HealthChecker{db: db, keys: keys}
}

// HealthStatus is the readiness report.
type HealthStatus struct {
	Status       string                      `json:"status"`
	Timestamp    time.Time                   `json:"timestamp"`
	Dependencies map[string]DependencyStatus `json:"dependencies,omitempty"`
}

// DependencyStatus is the health of one dependency.
type DependencyStatus struct {
	Status    string `json:"status"`
	Message   string `json:"message,omitempty"`
	LatencyMS int64  `json:"latency_ms"`
}

const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

// Liveness always answers 200 while the process serves requests.
func (h *HealthChecker) Liveness(w http.ResponseWriter, _ *http.Request) {
	writeJSONStatus(w, http.StatusOK, map[string]any{
		"status":    StatusHealthy,
		"timestamp": time.Now().UTC(),
	})
}

// Readiness answers 503 until the database answers and the signing key is cached.
func (h *HealthChecker) Readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := h.Check(ctx)
	code := http.StatusOK
	if status.Status != StatusHealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSONStatus(w, code, status)
}

// Check evaluates every dependency.
func (h *HealthChecker) Check(ctx context.Context) HealthStatus {
	status := HealthStatus{
		Status:       StatusHealthy,
		Timestamp:    time.Now().UTC(),
		Dependencies: make(map[string]DependencyStatus),
	}

	if h.db != nil {
		start := time.Now()
		dep := DependencyStatus{Status: StatusHealthy}
		if err := h.db.PingContext(ctx); err != nil {
			dep.Status = StatusUnhealthy
			dep.Message = "database unreachable"
		}
		dep.LatencyMS = time.Since(start).Milliseconds()
		status.Dependencies["database"] = dep
	}

	if h.keys != nil {
		start := time.Now()
		dep := DependencyStatus{Status: StatusHealthy}
		if _, err := h.keys.Key(ctx); err != nil {
			dep.Status = StatusUnhealthy
			dep.Message = "signing key not cached"
		}
		dep.LatencyMS = time.Since(start).Milliseconds()
		status.Dependencies["signing_key"] = dep
	}

	for _, dep := range status.Dependencies {
		if dep.Status != StatusHealthy {
			status.Status = StatusUnhealthy
		}
	}
	return status
}
