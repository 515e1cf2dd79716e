package http

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime"
	"sort"
	"time"

	"github.com/sawpanic/sentinel/internal/metrics"
)

// Check tests one collaborator. A nil error passes.
type Check func(ctx context.Context) error

// Report describes one collaborator in more detail than pass/fail.
type Report func(ctx context.Context) map[string]interface{}

// HealthHandler provides system health status endpoint
type HealthHandler struct {
	checks    map[string]Check
	reports   map[string]Report
	metrics   *metrics.Registry
	startTime time.Time
	version   string
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(checks map[string]Check, m *metrics.Registry, version string) *HealthHandler {
	if checks == nil {
		checks = map[string]Check{}
	}
	return &HealthHandler{checks: checks, metrics: m, startTime: time.Now(), version: version}
}

// WithReports attaches detail reports, keyed by collaborator.
func (h *HealthHandler) WithReports(reports map[string]Report) *HealthHandler {
	h.reports = reports
	return h
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string                 `json:"status"` // "healthy", "unhealthy"
	Timestamp time.Time              `json:"timestamp"`
	Uptime    string                 `json:"uptime"`
	Version   string                 `json:"version"`
	System    SystemInfo             `json:"system"`
	Checks    map[string]CheckResult `json:"checks"`
	Counters  map[string]float64     `json:"counters,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// SystemInfo provides system-level information
type SystemInfo struct {
	GoVersion     string `json:"go_version"`
	NumGoroutines int    `json:"num_goroutines"`
	MemAlloc      uint64 `json:"mem_alloc_bytes"`
	NumGC         uint32 `json:"num_gc"`
}

// CheckResult represents individual health check results
type CheckResult struct {
	Status   string        `json:"status"` // "pass", "fail"
	Message  string        `json:"message,omitempty"`
	Duration time.Duration `json:"duration"`
}

// ServeHTTP implements the health check endpoint
func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	resp := h.gather(r.Context())

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	if resp.Status == "healthy" {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}

func (h *HealthHandler) gather(ctx context.Context) HealthResponse {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	resp := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC(),
		Uptime:    time.Since(h.startTime).Round(time.Second).String(),
		Version:   h.version,
		System: SystemInfo{
			GoVersion:     runtime.Version(),
			NumGoroutines: runtime.NumGoroutine(),
			MemAlloc:      mem.Alloc,
			NumGC:         mem.NumGC,
		},
		Checks: make(map[string]CheckResult, len(h.checks)),
	}

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		start := time.Now()
		err := h.checks[name](ctx)
		res := CheckResult{Status: "pass", Duration: time.Since(start)}
		if err != nil {
			res.Status = "fail"
			res.Message = err.Error()
			resp.Status = "unhealthy"
		}
		resp.Checks[name] = res
	}

	if len(h.reports) > 0 {
		resp.Details = make(map[string]interface{}, len(h.reports))
		for name, report := range h.reports {
			resp.Details[name] = report(ctx)
		}
	}

	if snap, err := h.metrics.Snapshot(); err == nil && len(snap) > 0 {
		resp.Counters = snap
	}
	return resp
}
