package handlers

import (
	"net/http"
	"time"

	"github.com/dodji-app/core/internal/services"
)

// BuildInfo describes the running binary.
type BuildInfo struct {
	Version     string
	CommitSHA   string
	Environment string
	StartedAt   time.Time
}

// HealthHandlers serve liveness and readiness probes. Readiness follows the startup preload.
type HealthHandlers struct {
	preload services.PreloadOrchestrator
	build   BuildInfo
	clock   func() time.Time
}

// HealthOption customises HealthHandlers.
type HealthOption func(*HealthHandlers)

// WithHealthPreload ties readiness to the preload orchestrator.
func WithHealthPreload(preload services.PreloadOrchestrator) HealthOption {
	return func(h *HealthHandlers) {
		h.preload = preload
	}
}

// WithHealthBuildInfo sets the build metadata reported by /healthz.
func WithHealthBuildInfo(info BuildInfo) HealthOption {
	return func(h *HealthHandlers) {
		h.build = info
	}
}

// WithHealthClock overrides the clock used for uptime.
func WithHealthClock(clock func() time.Time) HealthOption {
	return func(h *HealthHandlers) {
		if clock != nil {
			h.clock = clock
		}
	}
}

// NewHealthHandlers constructs probe handlers.
func NewHealthHandlers(opts ...HealthOption) *HealthHandlers {
	h := &HealthHandlers{clock: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	if h.build.StartedAt.IsZero() {
		h.build.StartedAt = h.clock()
	}
	return h
}

// Healthz reports liveness.
func (h *HealthHandlers) Healthz(w http.ResponseWriter, r *http.Request) {
	now := h.clock()
	payload := map[string]any{
		"status":    "ok",
		"uptime":    now.Sub(h.build.StartedAt).Round(time.Second).String(),
		"timestamp": now.UTC().Format(time.RFC3339),
	}
	if h.build.Version != "" {
		payload["version"] = h.build.Version
	}
	if h.build.CommitSHA != "" {
		payload["commitSha"] = h.build.CommitSHA
	}
	if h.build.Environment != "" {
		payload["environment"] = h.build.Environment
	}
	writeJSONResponse(w, http.StatusOK, payload)
}

// Readyz reports ready once every content key has been preloaded.
func (h *HealthHandlers) Readyz(w http.ResponseWriter, r *http.Request) {
	if h.preload == nil {
		writeJSONResponse(w, http.StatusOK, map[string]any{"status": "ok"})
		return
	}
	status := http.StatusOK
	label := "ok"
	if !h.preload.IsComplete() {
		status = http.StatusServiceUnavailable
		label = "preloading"
	}
	writeJSONResponse(w, status, map[string]any{
		"status":   label,
		"progress": h.preload.Progress(),
	})
}
