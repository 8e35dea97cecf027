package handlers

import (
	"context"
	"net/http"
	"sort"
	"time"

	domain "github.com/hanko-field/settlement/internal/domain"
	"github.com/hanko-field/settlement/internal/platform/httpx"
)

// BuildInfo describes the running binary.
type BuildInfo struct {
	Version     string
	CommitSHA   string
	Environment string
	StartedAt   time.Time
}

type healthCollector interface {
	Collect(ctx context.Context) domain.HealthReport
}

// HealthHandlers serves liveness and readiness probes.
type HealthHandlers struct {
	build   BuildInfo
	checker healthCollector
	now     func() time.Time
}

// HealthOption customises HealthHandlers.
type HealthOption func(*HealthHandlers)

// WithHealthBuildInfo sets the build metadata echoed by /healthz.
func WithHealthBuildInfo(info BuildInfo) HealthOption {
	return func(h *HealthHandlers) { h.build = info }
}

// WithHealthChecker sets the dependency prober used by /readyz.
func WithHealthChecker(checker healthCollector) HealthOption {
	return func(h *HealthHandlers) { h.checker = checker }
}

// WithHealthClock overrides the clock, mainly for tests.
func WithHealthClock(now func() time.Time) HealthOption {
	return func(h *HealthHandlers) {
		if now != nil {
			h.now = now
		}
	}
}

// NewHealthHandlers constructs HealthHandlers.
func NewHealthHandlers(opts ...HealthOption) *HealthHandlers {
	h := &HealthHandlers{now: time.Now}
	for _, opt := range opts {
		opt(h)
	}
	if h.build.StartedAt.IsZero() {
		h.build.StartedAt = h.now()
	}
	return h
}

// Healthz reports liveness and build metadata. It never probes dependencies.
func (h *HealthHandlers) Healthz(w http.ResponseWriter, r *http.Request) {
	now := h.now().UTC()
	payload := map[string]any{
		"status":    domain.HealthStatusOK,
		"uptime":    now.Sub(h.build.StartedAt).Round(time.Second).String(),
		"timestamp": now.Format(time.RFC3339),
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
	httpx.WriteJSON(w, http.StatusOK, payload)
}

type readinessCheck struct {
	Status    domain.HealthStatus `json:"status"`
	Detail    string              `json:"detail,omitempty"`
	LatencyMS int64               `json:"latencyMs"`
	CheckedAt string              `json:"checkedAt,omitempty"`
}

type readinessResponse struct {
	Status      domain.HealthStatus       `json:"status"`
	GeneratedAt string                    `json:"generatedAt"`
	Checks      map[string]readinessCheck `json:"checks"`
	Details     []string                  `json:"details,omitempty"`
}

// Readyz probes every dependency and answers 503 unless all are ok.
func (h *HealthHandlers) Readyz(w http.ResponseWriter, r *http.Request) {
	if h.checker == nil {
		httpx.WriteJSON(w, http.StatusOK, readinessResponse{
			Status:      domain.HealthStatusOK,
			GeneratedAt: h.now().UTC().Format(time.RFC3339),
			Checks:      map[string]readinessCheck{},
		})
		return
	}

	report := h.checker.Collect(r.Context())
	generated := report.GeneratedAt
	if generated.IsZero() {
		generated = h.now()
	}
	resp := readinessResponse{
		Status:      report.Status,
		GeneratedAt: generated.UTC().Format(time.RFC3339),
		Checks:      make(map[string]readinessCheck, len(report.Dependencies)),
	}
	names := make([]string, 0, len(report.Dependencies))
	for name := range report.Dependencies {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		dep := report.Dependencies[name]
		check := readinessCheck{Status: dep.Status, Detail: dep.Detail, LatencyMS: dep.Latency.Milliseconds()}
		if !dep.CheckedAt.IsZero() {
			check.CheckedAt = dep.CheckedAt.UTC().Format(time.RFC3339)
		}
		resp.Checks[name] = check
		if dep.Status != domain.HealthStatusOK {
			resp.Details = append(resp.Details, name+": "+dep.Detail)
		}
	}

	status := http.StatusOK
	if report.Status != domain.HealthStatusOK {
		status = http.StatusServiceUnavailable
	}
	httpx.WriteJSON(w, status, resp)
}
