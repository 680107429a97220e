package api

import (
	"context"
	"fmt"
	"net/http"
	"runtime"
	"sync"
	"time"
)

// readinessTimeout is the per-dependency timeout for readiness checks.
const readinessTimeout = 2 * time.Second

// Build-time version information, set via -ldflags at build time:
//
//	go build -ldflags "-X api.GitCommit=abc1234 -X api.BuildTime=2026-08-01T12:00:00Z"
var (
	GitCommit = "unknown" // Git commit SHA
	BuildTime = "unknown" // ISO 8601 build timestamp
)

// startTime anchors the uptime reported by the liveness probe.
var startTime = time.Now()

// HealthChecker verifies that a dependency is reachable and healthy.
// Implementations should be lightweight (e.g. Ping, BucketExists).
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// CheckResult holds the outcome of a single dependency health check.
type CheckResult struct {
	Status string `json:"status"`          // "ok" or "error"
	Error  string `json:"error,omitempty"` // human-readable error when status is "error"
}

// ReadinessResponse is the structured JSON returned by GET /healthz/ready.
type ReadinessResponse struct {
	Status string                 `json:"status"` // "ready" or "not_ready"
	Checks map[string]CheckResult `json:"checks"`
}

// HandleHealthLive is a lightweight liveness probe — confirms the process is alive.
// Always returns 200. Used by orchestrators (Docker, Kubernetes) for liveness checks.
func (s *Server) HandleHealthLive(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"version":        s.Version,
		"git_commit":     GitCommit,
		"build_time":     BuildTime,
		"go_version":     runtime.Version(),
		"uptime_seconds": int64(time.Since(startTime).Seconds()),
	})
}

// HandleHealthReady checks the configured optional dependencies (audit
// Postgres, shared-storage S3) and returns 200 if all are healthy, or 503
// if any is down. The task store and registry are in-process and need no
// check — if the process answers at all, they are loaded.
func (s *Server) HandleHealthReady(w http.ResponseWriter, r *http.Request) {
	checkers := s.healthCheckers()

	// No dependencies configured — still ready (file-backed store only).
	if len(checkers) == 0 {
		writeJSON(w, http.StatusOK, ReadinessResponse{
			Status: "ready",
			Checks: map[string]CheckResult{},
		})
		return
	}

	// Run all checks concurrently, each with its own timeout.
	type result struct {
		name string
		res  CheckResult
	}
	results := make([]result, len(checkers))

	var wg sync.WaitGroup
	i := 0
	for name, checker := range checkers {
		wg.Add(1)
		go func(idx int, n string, c HealthChecker) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
			defer cancel()

			if err := c.HealthCheck(ctx); err != nil {
				results[idx] = result{name: n, res: CheckResult{Status: "error", Error: err.Error()}}
			} else {
				results[idx] = result{name: n, res: CheckResult{Status: "ok"}}
			}
		}(i, name, checker)
		i++
	}
	wg.Wait()

	checks := make(map[string]CheckResult, len(results))
	allOK := true
	for _, r := range results {
		checks[r.name] = r.res
		if r.res.Status != "ok" {
			allOK = false
		}
	}

	resp := ReadinessResponse{Checks: checks}
	if allOK {
		resp.Status = "ready"
		writeJSON(w, http.StatusOK, resp)
	} else {
		resp.Status = "not_ready"
		writeJSON(w, http.StatusServiceUnavailable, resp)
	}
}

// healthCheckers returns the map of dependency name → checker based on
// which dependencies are configured on the Server. Only non-nil checkers
// are included, so dev/test servers with no dependencies return an empty map.
func (s *Server) healthCheckers() map[string]HealthChecker {
	checkers := make(map[string]HealthChecker)
	if s.DBHealth != nil {
		checkers["postgres"] = s.DBHealth
	}
	if s.S3Health != nil {
		checkers["s3"] = s.S3Health
	}
	return checkers
}

// HandleMetrics returns basic application metrics in Prometheus text exposition format.
// This is a lightweight implementation suitable for scraping by Prometheus.
func (s *Server) HandleMetrics(w http.ResponseWriter, _ *http.Request) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

	fmt.Fprintf(w, "# HELP managerd_info Build information about managerd.\n")
	fmt.Fprintf(w, "# TYPE managerd_info gauge\n")
	fmt.Fprintf(w, "managerd_info{version=%q,git_commit=%q,go_version=%q} 1\n", s.Version, GitCommit, runtime.Version())

	fmt.Fprintf(w, "# HELP managerd_goroutines Number of goroutines.\n")
	fmt.Fprintf(w, "# TYPE managerd_goroutines gauge\n")
	fmt.Fprintf(w, "managerd_goroutines %d\n", runtime.NumGoroutine())

	fmt.Fprintf(w, "# HELP managerd_memory_alloc_bytes Current memory allocation in bytes.\n")
	fmt.Fprintf(w, "# TYPE managerd_memory_alloc_bytes gauge\n")
	fmt.Fprintf(w, "managerd_memory_alloc_bytes %d\n", memStats.Alloc)

	fmt.Fprintf(w, "# HELP managerd_gc_completed_total Total number of completed GC cycles.\n")
	fmt.Fprintf(w, "# TYPE managerd_gc_completed_total counter\n")
	fmt.Fprintf(w, "managerd_gc_completed_total %d\n", memStats.NumGC)

	if s.Registry != nil {
		fmt.Fprintf(w, "# HELP managerd_runners_known Number of runners in the registry, by status.\n")
		fmt.Fprintf(w, "# TYPE managerd_runners_known gauge\n")
		byStatus := map[string]int{}
		for _, runner := range s.Registry.List() {
			byStatus[string(runner.Status)]++
		}
		for status, n := range byStatus {
			fmt.Fprintf(w, "managerd_runners_known{status=%q} %d\n", status, n)
		}
	}
}
