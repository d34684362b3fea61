// Package metrics records generation, job and GPU telemetry, both as
// Prometheus collectors and as in-process snapshots served by /health and
// /benchmark.
package metrics

import "time"

// GPUMetrics is one GPU sample.
type GPUMetrics struct {
	Name        string  `json:"name,omitempty"`
	Utilization float64 `json:"utilization"`  // percent, 0-100
	Temperature float64 `json:"temperature"`  // Celsius
	MemoryTotal int64   `json:"memory_total"` // bytes
	MemoryUsed  int64   `json:"memory_used"`  // bytes
	MemoryFree  int64   `json:"memory_free"`  // bytes
}

// Generation outcomes
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// GenerationRecord is one finished generation.
type GenerationRecord struct {
	Model    string        `json:"model"`
	Device   string        `json:"device"`
	Steps    int           `json:"steps"`
	Outcome  string        `json:"outcome"`
	Fallback string        `json:"fallback,omitempty"`
	Duration time.Duration `json:"duration"`
	At       time.Time     `json:"at"`
}

// DeviceStats aggregates generations that ran on one device.
type DeviceStats struct {
	Count           int64   `json:"count"`
	Failures        int64   `json:"failures"`
	AvgSeconds      float64 `json:"avg_seconds"`
	AvgSecondsStep  float64 `json:"avg_seconds_per_step"`
	LastGeneratedAt string  `json:"last_generated_at,omitempty"`
}

// GenerationStats is the aggregate view returned by GenerationStore.Stats.
type GenerationStats struct {
	Total     int64                  `json:"total"`
	Succeeded int64                  `json:"succeeded"`
	Failed    int64                  `json:"failed"`
	Fallbacks int64                  `json:"fallbacks"`
	ByDevice  map[string]DeviceStats `json:"by_device"`
	Uptime    string                 `json:"uptime"`
}
