package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	domain "github.com/hanko-field/settlement/internal/domain"
)

type stubCollector struct {
	report domain.HealthReport
}

func (s stubCollector) Collect(context.Context) domain.HealthReport {
	return s.report
}

func TestHealthHandlersHealthz(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	now := start.Add(30 * time.Second)
	handlers := NewHealthHandlers(
		WithHealthBuildInfo(BuildInfo{Version: "1.0.0", CommitSHA: "abc123", Environment: "prod", StartedAt: start}),
		WithHealthClock(func() time.Time { return now }),
	)

	rr := httptest.NewRecorder()
	handlers.Healthz(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if body["status"] != string(domain.HealthStatusOK) || body["uptime"] != "30s" {
		t.Fatalf("unexpected body %v", body)
	}
	if body["version"] != "1.0.0" || body["commitSha"] != "abc123" || body["environment"] != "prod" {
		t.Fatalf("unexpected build info %v", body)
	}
}

func TestHealthHandlersReadyz(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 1, 0, 0, time.UTC)
	tests := []struct {
		name    string
		report  domain.HealthReport
		status  int
		details int
	}{
		{
			name: "all ok",
			report: domain.HealthReport{
				Status:      domain.HealthStatusOK,
				GeneratedAt: now,
				Dependencies: map[string]domain.DependencyHealth{
					"firestore": {Status: domain.HealthStatusOK, Detail: "ok", Latency: 10 * time.Millisecond, CheckedAt: now},
				},
			},
			status: http.StatusOK,
		},
		{
			name: "degraded",
			report: domain.HealthReport{
				Status: domain.HealthStatusDegraded,
				Dependencies: map[string]domain.DependencyHealth{
					"firestore": {Status: domain.HealthStatusOK, Detail: "ok"},
					"pubsub":    {Status: domain.HealthStatusDegraded, Detail: "publish failed"},
				},
			},
			status:  http.StatusServiceUnavailable,
			details: 1,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			router := NewRouter(WithHealthHandlers(NewHealthHandlers(
				WithHealthChecker(stubCollector{report: tc.report}),
				WithHealthClock(func() time.Time { return now }),
			)))
			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
			if rr.Code != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, rr.Code)
			}
			var body readinessResponse
			if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
				t.Fatalf("failed to parse response: %v", err)
			}
			if body.Status != tc.report.Status || len(body.Details) != tc.details {
				t.Fatalf("unexpected body %+v", body)
			}
			if body.Checks["firestore"].Status != domain.HealthStatusOK {
				t.Fatalf("expected firestore ok, got %+v", body.Checks)
			}
		})
	}
}
