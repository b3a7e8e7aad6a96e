package handlers

import (
	"net/http"
	"time"

	domain "github.com/craftmarket/api/internal/domain"
	"github.com/craftmarket/api/internal/services"
)

// HealthHandlers serves the liveness and readiness probes.
type HealthHandlers struct {
	system    services.SystemService
	startTime time.Time
}

// NewHealthHandlers constructs the probe handlers. The system service may be
// nil, in which case readiness degrades to the liveness answer.
func NewHealthHandlers(system services.SystemService) *HealthHandlers {
	return &HealthHandlers{
		system:    system,
		startTime: time.Now(),
	}
}

// Healthz answers the liveness probe without touching any dependency.
func (h *HealthHandlers) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, map[string]any{
		"status":    domain.HealthStatusOK,
		"uptime":    time.Since(h.startTime).String(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// Readyz probes the critical dependencies and reports per-check detail.
func (h *HealthHandlers) Readyz(w http.ResponseWriter, r *http.Request) {
	if h.system == nil {
		h.Healthz(w, r)
		return
	}

	report, err := h.system.Health(r.Context())
	if err != nil {
		writeJSONResponse(w, http.StatusServiceUnavailable, map[string]any{
			"status": domain.HealthStatusError,
			"error":  "health collection failed",
		})
		return
	}

	checks := make(map[string]any, len(report.Checks))
	for name, check := range report.Checks {
		entry := map[string]any{
			"status": check.Status,
		}
		if check.Detail != "" {
			entry["detail"] = check.Detail
		}
		if check.Error != "" {
			entry["error"] = check.Error
		}
		if check.Latency > 0 {
			entry["latency_ms"] = check.Latency.Milliseconds()
		}
		checks[name] = entry
	}

	payload := map[string]any{
		"status":    report.Status,
		"checks":    checks,
		"timestamp": formatTime(report.GeneratedAt),
	}
	if report.Version != "" {
		payload["version"] = report.Version
	}
	if report.Environment != "" {
		payload["environment"] = report.Environment
	}

	status := http.StatusOK
	if report.Status == domain.HealthStatusError {
		status = http.StatusServiceUnavailable
	}
	writeJSONResponse(w, status, payload)
}
