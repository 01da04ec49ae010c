package observability

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"
)

// HealthChecker backs the /healthz (liveness) and /readyz (readiness)
// probes. Liveness holds whenever the process runs; readiness flips on once
// recovery completes and off again when shutdown begins, so orchestrators
// stop routing before the drain.
type HealthChecker struct {
	ready   atomic.Bool
	started time.Time
}

func NewHealthChecker() *HealthChecker {
	return &HealthChecker{started: time.Now()}
}

// SetReady marks the service as ready to accept traffic.
func (h *HealthChecker) SetReady(ready bool) {
	h.ready.Store(ready)
}

// IsReady returns whether the service is ready.
func (h *HealthChecker) IsReady() bool {
	return h.ready.Load()
}

// LivenessHandler answers 200 for a running process.
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	h.respond(w, http.StatusOK, "alive")
}

// ReadinessHandler answers 200 once recovery is complete (database
// connected, streams subscribed, replay done) and 503 otherwise.
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	if h.ready.Load() {
		h.respond(w, http.StatusOK, "ready")
		return
	}
	h.respond(w, http.StatusServiceUnavailable, "recovering")
}

func (h *HealthChecker) respond(w http.ResponseWriter, code int, status string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{
		"status": status,
		"uptime": time.Since(h.started).Round(time.Millisecond).String(),
	})
}
