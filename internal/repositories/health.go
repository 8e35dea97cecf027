package repositories

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	domain "github.com/hanko-field/settlement/internal/domain"
)

const defaultProbeTimeout = 1500 * time.Millisecond

// DependencyProbe checks that one backing dependency is reachable.
type DependencyProbe struct {
	Name    string
	Timeout time.Duration
	Check   func(context.Context) error
}

// HealthChecker runs dependency probes concurrently.
type HealthChecker struct {
	probes []DependencyProbe
	now    func() time.Time
}

// NewHealthChecker validates and stores the probe set. A nil clock defaults to time.Now.
func NewHealthChecker(probes []DependencyProbe, clock func() time.Time) (*HealthChecker, error) {
	for _, probe := range probes {
		if strings.TrimSpace(probe.Name) == "" {
			return nil, errors.New("health checker: probe name is required")
		}
		if probe.Check == nil {
			return nil, errors.New("health checker: probe " + probe.Name + " has no check")
		}
	}
	if clock == nil {
		clock = time.Now
	}
	copied := make([]DependencyProbe, len(probes))
	copy(copied, probes)
	return &HealthChecker{probes: copied, now: clock}, nil
}

// Collect probes every dependency. A timed out or cancelled probe marks the
// report down; any other failure marks it degraded.
func (h *HealthChecker) Collect(ctx context.Context) domain.HealthReport {
	report := domain.HealthReport{
		Status:       domain.HealthStatusOK,
		Dependencies: make(map[string]domain.DependencyHealth, len(h.probes)),
	}

	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for _, probe := range h.probes {
		probe := probe
		wg.Add(1)
		go func() {
			defer wg.Done()
			timeout := probe.Timeout
			if timeout <= 0 {
				timeout = defaultProbeTimeout
			}
			probeCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			start := h.now()
			err := probe.Check(probeCtx)
			end := h.now()

			result := domain.DependencyHealth{Status: domain.HealthStatusOK, Detail: "ok", Latency: end.Sub(start), CheckedAt: end}
			switch {
			case err == nil && probeCtx.Err() == nil:
			case errors.Is(err, context.DeadlineExceeded) || errors.Is(probeCtx.Err(), context.DeadlineExceeded):
				result.Status, result.Detail = domain.HealthStatusDown, "timeout"
			case errors.Is(err, context.Canceled) || err == nil:
				result.Status, result.Detail = domain.HealthStatusDown, "cancelled"
			default:
				result.Status, result.Detail = domain.HealthStatusDegraded, err.Error()
			}

			mu.Lock()
			report.Dependencies[probe.Name] = result
			mu.Unlock()
		}()
	}
	wg.Wait()

	for _, dep := range report.Dependencies {
		if dep.Status == domain.HealthStatusDown {
			report.Status = domain.HealthStatusDown
			break
		}
		if dep.Status == domain.HealthStatusDegraded {
			report.Status = domain.HealthStatusDegraded
		}
	}
	report.GeneratedAt = h.now()
	return report
}
