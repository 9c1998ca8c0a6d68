package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"agentrouter/pkg/logger"
)

// Check probes one dependency. Critical checks gate readiness; the rest only degrade /health.
type Check struct {
	Name     string
	Critical bool
	Probe    func(ctx context.Context) error
}

// Handler provides health check endpoints
type Handler struct {
	log         *logger.Logger
	checks      []Check
	details     func() map[string]any
	startTime   time.Time
	serviceName string
	version     string
}

// New creates a new health check handler
func New(log *logger.Logger, serviceName, version string, checks ...Check) *Handler {
	return &Handler{
		log:         log,
		checks:      checks,
		startTime:   time.Now(),
		serviceName: serviceName,
		version:     version,
	}
}

// WithDetails attaches extra runtime state (breakers, buffered writers) to /health
func (h *Handler) WithDetails(fn func() map[string]any) *Handler {
	h.details = fn
	return h
}

// HealthStatus represents the overall health status
type HealthStatus struct {
	Status    string                     `json:"status"` // "healthy", "degraded", "unhealthy"
	Service   string                     `json:"service"`
	Version   string                     `json:"version"`
	Uptime    string                     `json:"uptime"`
	Timestamp string                     `json:"timestamp"`
	Checks    map[string]ComponentHealth `json:"checks"`
	Details   map[string]any             `json:"details,omitempty"`
}

// ComponentHealth represents health of a single component
type ComponentHealth struct {
	Status       string `json:"status"`
	Critical     bool   `json:"critical"`
	ResponseTime string `json:"response_time,omitempty"`
	Error        string `json:"error,omitempty"`
}

// HandleLiveness returns 200 OK if service is running
// Used by Kubernetes liveness probe
func (h *Handler) HandleLiveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

// HandleReadiness fails when any critical dependency is down
// Used by Kubernetes readiness probe
func (h *Handler) HandleReadiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := h.run(ctx)
	code := http.StatusOK
	for _, c := range status.Checks {
		if c.Critical && c.Status != "healthy" {
			status.Status = "unhealthy"
			code = http.StatusServiceUnavailable
		}
	}
	if code != http.StatusOK {
		h.log.Warnw("Readiness check failed", "checks", status.Checks)
	}
	writeJSON(w, code, status)
}

// HandleHealth returns detailed health status (includes all checks)
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	status := h.run(ctx)
	code := http.StatusOK
	healthy := 0
	for _, c := range status.Checks {
		if c.Status == "healthy" {
			healthy++
			continue
		}
		if c.Critical {
			status.Status = "unhealthy"
			code = http.StatusServiceUnavailable
		}
	}
	if status.Status == "healthy" && healthy < len(status.Checks) {
		status.Status = "degraded"
	}
	if h.details != nil {
		status.Details = h.details()
	}
	writeJSON(w, code, status)
}

func (h *Handler) run(ctx context.Context) HealthStatus {
	checks := make(map[string]ComponentHealth, len(h.checks))
	for _, c := range h.checks {
		start := time.Now()
		err := c.Probe(ctx)
		ch := ComponentHealth{
			Status:       "healthy",
			Critical:     c.Critical,
			ResponseTime: time.Since(start).String(),
		}
		if err != nil {
			ch.Status = "unhealthy"
			ch.Error = err.Error()
		}
		checks[c.Name] = ch
	}

	return HealthStatus{
		Status:    "healthy",
		Service:   h.serviceName,
		Version:   h.version,
		Uptime:    time.Since(h.startTime).String(),
		Timestamp: time.Now().Format(time.RFC3339),
		Checks:    checks,
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
