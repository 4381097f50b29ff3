package warden

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"
)

// HealthChecker provides liveness and readiness probes on the admin
// listener. Liveness flips when the engine starts; readiness can carry
// extra checks (rules loaded, diverter running).
type HealthChecker struct {
	alive atomic.Bool
	ready atomic.Bool

	startTime time.Time

	// ReadinessChecks must all return nil for the readiness probe to
	// pass. When empty, readiness follows liveness.
	ReadinessChecks []ReadinessCheck
}

// ReadinessCheck returns nil when a component is ready or an error
// describing why it is not.
type ReadinessCheck func() error

// HealthResponse is the JSON body of the health endpoints.
type HealthResponse struct {
	Status  string   `json:"status"`
	Uptime  string   `json:"uptime,omitempty"`
	Details []string `json:"details,omitempty"`
}

// NewHealthChecker creates a HealthChecker.
func NewHealthChecker() *HealthChecker {
	return &HealthChecker{startTime: time.Now()}
}

// SetAlive marks the engine as started (or stopped).
func (hc *HealthChecker) SetAlive(alive bool) {
	hc.alive.Store(alive)
	if alive {
		hc.ready.Store(true)
	} else {
		hc.ready.Store(false)
	}
}

// HandleHealthz serves the liveness probe.
func (hc *HealthChecker) HandleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if !hc.alive.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(HealthResponse{Status: "down"})
		return
	}
	_ = json.NewEncoder(w).Encode(HealthResponse{
		Status: "ok",
		Uptime: time.Since(hc.startTime).Round(time.Second).String(),
	})
}

// HandleReadyz serves the readiness probe.
func (hc *HealthChecker) HandleReadyz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	var failures []string
	if !hc.ready.Load() {
		failures = append(failures, "engine not started")
	}
	for _, check := range hc.ReadinessChecks {
		if err := check(); err != nil {
			failures = append(failures, err.Error())
		}
	}

	if len(failures) > 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(HealthResponse{Status: "not ready", Details: failures})
		return
	}
	_ = json.NewEncoder(w).Encode(HealthResponse{Status: "ready"})
}
