// Package handlers implements the agent HTTP endpoints.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	apperrors "github.com/galadon/pushdeploy/internal/errors"
)

// checkTimeout bounds a single health check.
const checkTimeout = 2 * time.Second

// HealthChecker reports the health of one subsystem.
type HealthChecker interface {
	CheckHealth(ctx context.Context) error
}

// HealthCheckerFunc adapts a function to HealthChecker.
type HealthCheckerFunc func(ctx context.Context) error

func (f HealthCheckerFunc) CheckHealth(ctx context.Context) error { return f(ctx) }

// HealthResponse is the health endpoint payload.
type HealthResponse struct {
	Status  string            `json:"status"`
	Version string            `json:"version"`
	Checks  map[string]string `json:"checks,omitempty"`
}

// HealthManager aggregates registered health checks.
type HealthManager struct {
	version string

	mu       sync.RWMutex
	checkers map[string]HealthChecker
}

// NewHealthManager builds a manager that reports the given version.
func NewHealthManager(version string) *HealthManager {
	return &HealthManager{
		version:  version,
		checkers: make(map[string]HealthChecker),
	}
}

// RegisterChecker adds a named health check.
func (m *HealthManager) RegisterChecker(name string, checker HealthChecker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkers[name] = checker
}

// runChecks executes every registered check with a per-check timeout.
func (m *HealthManager) runChecks(ctx context.Context) map[string]string {
	m.mu.RLock()
	checkers := make(map[string]HealthChecker, len(m.checkers))
	for name, c := range m.checkers {
		checkers[name] = c
	}
	m.mu.RUnlock()

	results := make(map[string]string, len(checkers))
	for name, checker := range checkers {
		checkCtx, cancel := context.WithTimeout(ctx, checkTimeout)

		done := make(chan error, 1)
		go func(c HealthChecker) {
			done <- c.CheckHealth(checkCtx)
		}(checker)

		select {
		case err := <-done:
			if err != nil {
				results[name] = "unhealthy"
			} else {
				results[name] = "healthy"
			}
		case <-checkCtx.Done():
			results[name] = "timeout"
		}
		cancel()
	}
	return results
}

// determineOverallStatus folds per-check results into one status.
// Any unhealthy check is unhealthy; timeouts degrade without failing.
func (m *HealthManager) determineOverallStatus(checks map[string]string) string {
	status := "healthy"
	for _, s := range checks {
		switch s {
		case "unhealthy":
			return "unhealthy"
		case "timeout":
			status = "degraded"
		}
	}
	return status
}

// HealthHandler runs all checks and reports aggregate health.
func (m *HealthManager) HealthHandler(w http.ResponseWriter, r *http.Request) {
	checks := m.runChecks(r.Context())
	status := m.determineOverallStatus(checks)

	if status == "unhealthy" {
		details := make(map[string]interface{}, 1)
		checkDetails := make(map[string]interface{}, len(checks))
		for name, s := range checks {
			checkDetails[name] = s
		}
		details["checks"] = checkDetails
		writeServiceUnavailable(w, "one or more health checks failed", details)
		return
	}

	writeJSON(w, http.StatusOK, HealthResponse{
		Status:  status,
		Version: m.version,
		Checks:  checks,
	})
}

// LivenessHandler reports process liveness without running checks.
func (m *HealthManager) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "alive", Version: m.version})
}

// ReadinessHandler reports whether the agent can accept deploy triggers.
func (m *HealthManager) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	checks := m.runChecks(r.Context())
	if m.determineOverallStatus(checks) == "unhealthy" {
		details := map[string]interface{}{"checks": checks}
		writeServiceUnavailable(w, "not ready", details)
		return
	}
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ready", Version: m.version, Checks: checks})
}

// StartupHandler reports whether initialization completed.
func (m *HealthManager) StartupHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "started", Version: m.version})
}

var globalHealthManager *HealthManager

// InitHealthManager installs the process-wide health manager.
func InitHealthManager(version string) *HealthManager {
	globalHealthManager = NewHealthManager(version)
	return globalHealthManager
}

// GetHealthManager returns the process-wide manager, or nil before init.
func GetHealthManager() *HealthManager {
	return globalHealthManager
}

// HealthHandler serves /health through the global manager.
func HealthHandler(w http.ResponseWriter, r *http.Request) {
	if globalHealthManager == nil {
		writeServiceUnavailable(w, "health manager not initialized", nil)
		return
	}
	globalHealthManager.HealthHandler(w, r)
}

// LivenessHandler serves /health/live through the global manager.
func LivenessHandler(w http.ResponseWriter, r *http.Request) {
	if globalHealthManager == nil {
		writeServiceUnavailable(w, "health manager not initialized", nil)
		return
	}
	globalHealthManager.LivenessHandler(w, r)
}

// ReadinessHandler serves /health/ready through the global manager.
func ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	if globalHealthManager == nil {
		writeServiceUnavailable(w, "health manager not initialized", nil)
		return
	}
	globalHealthManager.ReadinessHandler(w, r)
}

// StartupHandler serves /health/startup through the global manager.
func StartupHandler(w http.ResponseWriter, r *http.Request) {
	if globalHealthManager == nil {
		writeServiceUnavailable(w, "health manager not initialized", nil)
		return
	}
	globalHealthManager.StartupHandler(w, r)
}

func writeServiceUnavailable(w http.ResponseWriter, message string, details map[string]interface{}) {
	resp := apperrors.HTTPErrorResponse{}
	resp.Error.Code = apperrors.CodeServiceUnavailable
	resp.Error.Message = message
	resp.Error.Details = details
	writeJSON(w, http.StatusServiceUnavailable, resp)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
