package api

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/ignite/repricer/internal/pkg/httputil"
)

// HealthStatus is the body of GET /health.
type HealthStatus struct {
	Status string                    `json:"status"` // healthy, degraded, unhealthy
	Uptime string                    `json:"uptime"`
	Checks map[string]ComponentCheck `json:"checks"`
}

// ComponentCheck is the health of one dependency.
type ComponentCheck struct {
	Status  string `json:"status"` // up, down, degraded
	Latency string `json:"latency,omitempty"`
	Message string `json:"message,omitempty"`
}

// CheckFunc probes one dependency.
type CheckFunc func(ctx context.Context) error

type check struct {
	fn       CheckFunc
	critical bool
	slow     time.Duration
}

// HealthChecker runs the registered dependency probes concurrently.
type HealthChecker struct {
	mu        sync.RWMutex
	checks    map[string]check
	startTime time.Time
}

func NewHealthChecker() *HealthChecker {
	return &HealthChecker{checks: make(map[string]check), startTime: time.Now()}
}

// Add registers a probe. A failing critical probe makes the service
// unhealthy; other failures only degrade it. Probes slower than slow are
// reported as degraded.
func (hc *HealthChecker) Add(name string, critical bool, slow time.Duration, fn CheckFunc) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.checks[name] = check{fn: fn, critical: critical, slow: slow}
}

// HandleHealth always answers 200; the body carries the status.
func (hc *HealthChecker) HandleHealth(w http.ResponseWriter, r *http.Request) {
	checks, overall := hc.run(r.Context())
	httputil.OK(w, HealthStatus{
		Status: overall,
		Uptime: time.Since(hc.startTime).Truncate(time.Second).String(),
		Checks: checks,
	})
}

func (hc *HealthChecker) HandleLiveness(w http.ResponseWriter, r *http.Request) {
	httputil.OK(w, map[string]interface{}{
		"status": "alive",
		"uptime": time.Since(hc.startTime).Truncate(time.Second).String(),
	})
}

// HandleReadiness answers 503 while any critical dependency is down.
func (hc *HealthChecker) HandleReadiness(w http.ResponseWriter, r *http.Request) {
	checks, overall := hc.run(r.Context())
	ready := overall != "unhealthy"
	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	httputil.JSON(w, status, map[string]interface{}{
		"ready":  ready,
		"status": overall,
		"checks": checks,
	})
}

func (hc *HealthChecker) run(ctx context.Context) (map[string]ComponentCheck, string) {
	hc.mu.RLock()
	names := make([]string, 0, len(hc.checks))
	for name := range hc.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	probes := make([]check, len(names))
	for i, name := range names {
		probes[i] = hc.checks[name]
	}
	hc.mu.RUnlock()

	results := make([]ComponentCheck, len(names))
	var wg sync.WaitGroup
	for i := range probes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = probe(ctx, probes[i])
		}(i)
	}
	wg.Wait()

	out := make(map[string]ComponentCheck, len(names))
	overall := "healthy"
	for i, name := range names {
		out[name] = results[i]
		switch {
		case results[i].Status == "down" && probes[i].critical:
			overall = "unhealthy"
		case results[i].Status != "up" && overall == "healthy":
			overall = "degraded"
		}
	}
	return out, overall
}

func probe(ctx context.Context, c check) ComponentCheck {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	start := time.Now()
	err := c.fn(ctx)
	latency := time.Since(start)
	if err != nil {
		return ComponentCheck{Status: "down", Latency: latency.String(), Message: fmt.Sprintf("check failed: %v", err)}
	}
	if c.slow > 0 && latency > c.slow {
		return ComponentCheck{Status: "degraded", Latency: latency.String(), Message: fmt.Sprintf("slow response (%s)", latency)}
	}
	return ComponentCheck{Status: "up", Latency: latency.String(), Message: "connected"}
}
