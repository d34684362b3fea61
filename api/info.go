package api

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"imagegen_backend/core"
	"imagegen_backend/device"
	"imagegen_backend/imagegen"
	"imagegen_backend/metrics"
	"imagegen_backend/sdruntime"
)

// Component health values.
const (
	componentOK       = "ok"
	componentError    = "error"
	componentDisabled = "disabled"
)

// SystemUsage is the process and GPU snapshot in /health.
type SystemUsage struct {
	Goroutines     int                 `json:"goroutines"`
	HeapAllocBytes uint64              `json:"heap_alloc_bytes"`
	SysBytes       uint64              `json:"sys_bytes"`
	NumCPU         int                 `json:"num_cpu"`
	GPU            *metrics.GPUMetrics `json:"gpu,omitempty"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status       string                  `json:"status"`
	Service      string                  `json:"service"`
	Version      string                  `json:"version"`
	Device       device.Device           `json:"device"`
	DeviceReason string                  `json:"device_reason"`
	Capabilities []device.Capability     `json:"capabilities"`
	LoadedModels []sdruntime.EntryInfo   `json:"loaded_models"`
	InFlight     int                     `json:"in_flight"`
	SystemUsage  SystemUsage             `json:"system_usage"`
	Components   map[string]string       `json:"components"`
	Generations  metrics.GenerationStats `json:"generations"`
	Uptime       string                  `json:"uptime"`
	Timestamp    string                  `json:"timestamp"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	exec := s.cfg.Executor
	sel := exec.Selector().Select(ctx)

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	usage := SystemUsage{
		Goroutines:     runtime.NumGoroutine(),
		HeapAllocBytes: mem.HeapAlloc,
		SysBytes:       mem.Sys,
		NumCPU:         runtime.NumCPU(),
	}
	if s.cfg.GPU != nil {
		if g, ok := s.cfg.GPU.Snapshot(); ok {
			usage.GPU = &g
		}
	}

	components := map[string]string{
		"database": componentDisabled,
		"broker":   componentDisabled,
		"jobs":     componentDisabled,
	}
	status := "healthy"
	if s.cfg.Database != nil {
		components["database"] = componentOK
		if err := s.cfg.Database.Ping(ctx); err != nil {
			components["database"] = componentError
			status = "degraded"
		}
	}
	if s.cfg.Broker != nil {
		components["broker"] = componentOK
		if !s.cfg.Broker.Healthy() {
			components["broker"] = componentError
			status = "degraded"
		}
	}
	if s.cfg.Jobs != nil {
		components["jobs"] = componentOK
	}

	resp := HealthResponse{
		Status:       status,
		Service:      core.ServiceName,
		Version:      core.Version,
		Device:       sel.Device,
		DeviceReason: sel.Reason,
		Capabilities: sel.Capabilities,
		LoadedModels: exec.Cache().Entries(),
		InFlight:     exec.InFlight(),
		SystemUsage:  usage,
		Components:   components,
		Uptime:       time.Since(s.cfg.StartTime).Round(time.Second).String(),
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
	}
	if s.cfg.History != nil {
		resp.Generations = s.cfg.History.Stats()
	}
	code := http.StatusOK
	if status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

// ModelInfo is one catalog entry in GET /models.
type ModelInfo struct {
	Name                 string   `json:"name"`
	Aliases              []string `json:"alias"`
	Description          string   `json:"description"`
	RecommendedSteps     int      `json:"recommended_steps"`
	RecommendedScheduler string   `json:"recommended_scheduler"`
	RecommendedSize      string   `json:"recommended_size"`
	GuidanceScale        float64  `json:"guidance_scale"`
	Performance          string   `json:"performance_512x512"`
	Note                 string   `json:"note,omitempty"`
	Loaded               bool     `json:"loaded"`
}

// DeviceInfo describes the current device in GET /models.
type DeviceInfo struct {
	CurrentDevice device.Device `json:"current_device"`
	Reason        string        `json:"device_note"`
	NumCPU        int           `json:"cpu_threads"`
}

// ModelsResponse is the body of GET /models.
type ModelsResponse struct {
	Models     map[string]ModelInfo `json:"models"`
	Schedulers map[string]string    `json:"schedulers"`
	DeviceInfo DeviceInfo           `json:"device_info"`
	Default    string               `json:"default_model"`
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	exec := s.cfg.Executor
	sel := exec.Selector().Select(r.Context())
	catalog := exec.Catalog()

	models := make(map[string]ModelInfo)
	for _, m := range catalog.Models() {
		_, loaded := exec.Cache().Get(m.ID)
		models[m.ID] = ModelInfo{
			Name:                 m.Name,
			Aliases:              m.Aliases,
			Description:          m.Description,
			RecommendedSteps:     m.StepsFor(sel.Device),
			RecommendedScheduler: string(catalog.SchedulerFor(m.ID)),
			RecommendedSize:      m.Size,
			GuidanceScale:        m.Guidance,
			Performance:          catalog.PerformanceNote(m.ID, sel.Device),
			Note:                 m.Note,
			Loaded:               loaded,
		}
	}
	schedulers := make(map[string]string, len(sdruntime.Schedulers))
	for _, info := range sdruntime.Schedulers {
		schedulers[string(info.Name)] = info.DisplayName + " (" + info.Description + ")"
	}
	writeJSON(w, http.StatusOK, ModelsResponse{
		Models:     models,
		Schedulers: schedulers,
		DeviceInfo: DeviceInfo{CurrentDevice: sel.Device, Reason: sel.Reason, NumCPU: runtime.NumCPU()},
		Default:    imagegen.DefaultModel,
	})
}

// DeviceEstimate is the expected cost of a generation on one device.
type DeviceEstimate struct {
	SecondsPerStep float64 `json:"seconds_per_step"`
	MaxDimension   int     `json:"max_dimension"`
	Estimate15     float64 `json:"estimated_512x512_15steps"`
	Estimate30     float64 `json:"estimated_512x512_30steps"`
}

// BenchmarkResponse is the body of GET /benchmark.
type BenchmarkResponse struct {
	CurrentDevice device.Device              `json:"current_device"`
	Estimates     map[string]DeviceEstimate  `json:"estimated_performance"`
	Observed      metrics.GenerationStats    `json:"observed"`
	Recent        []metrics.GenerationRecord `json:"recent"`
	NumCPU        int                        `json:"cpu_threads"`
}

func (s *Server) handleBenchmark(w http.ResponseWriter, r *http.Request) {
	sel := s.cfg.Executor.Selector().Select(r.Context())
	estimates := make(map[string]DeviceEstimate, len(device.All))
	for _, d := range device.All {
		estimates[string(d)] = DeviceEstimate{
			SecondsPerStep: imagegen.SecondsPerStep(d),
			MaxDimension:   imagegen.MaxDimension(d),
			Estimate15:     imagegen.EstimateSeconds(15, d),
			Estimate30:     imagegen.EstimateSeconds(30, d),
		}
	}
	resp := BenchmarkResponse{
		CurrentDevice: sel.Device,
		Estimates:     estimates,
		NumCPU:        runtime.NumCPU(),
		Recent:        []metrics.GenerationRecord{},
	}
	if s.cfg.History != nil {
		resp.Observed = s.cfg.History.Stats()
		resp.Recent = s.cfg.History.Recent(10)
	}
	writeJSON(w, http.StatusOK, resp)
}
