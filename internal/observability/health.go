package observability

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"
)

// HealthChecker manages liveness and per-subsystem readiness state.
// Readiness requires every registered subsystem (db, nats, chain, ingestor)
// to have reported ready; a halted ingestor flips the service unready so
// orchestrators stop routing commands to it.
type HealthChecker struct {
	mu         sync.RWMutex
	subsystems map[string]bool
	startTime  time.Time
}

// NewHealthChecker creates a new health checker.
func NewHealthChecker() *HealthChecker {
	return &HealthChecker{
		subsystems: make(map[string]bool),
		startTime:  time.Now(),
	}
}

// SetReady records the readiness of one subsystem.
func (h *HealthChecker) SetReady(subsystem string, ready bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subsystems[subsystem] = ready
}

// IsReady reports whether every registered subsystem is ready.
func (h *HealthChecker) IsReady() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.subsystems) == 0 {
		return false
	}
	for _, ok := range h.subsystems {
		if !ok {
			return false
		}
	}
	return true
}

// LivenessHandler returns HTTP 200 if the process is alive.
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": "alive",
		"uptime": time.Since(h.startTime).String(),
	})
}

// ReadinessHandler returns HTTP 200 when all subsystems are ready, 503
// otherwise, listing the subsystems that are not.
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	h.mu.RLock()
	var notReady []string
	for name, ok := range h.subsystems {
		if !ok {
			notReady = append(notReady, name)
		}
	}
	registered := len(h.subsystems)
	h.mu.RUnlock()
	sort.Strings(notReady)

	if registered > 0 && len(notReady) == 0 {
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status": "ready",
		})
		return
	}

	w.WriteHeader(http.StatusServiceUnavailable)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":    "not_ready",
		"not_ready": notReady,
	})
}
