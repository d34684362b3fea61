package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "imagegen"

// Recorder owns the service's Prometheus collectors.
type Recorder struct {
	registry *prometheus.Registry

	Generations        *prometheus.CounterVec
	GenerationDuration *prometheus.HistogramVec
	Fallbacks          *prometheus.CounterVec
	Attempts           *prometheus.CounterVec
	PipelinesLoaded    prometheus.Gauge
	PipelineLoads      *prometheus.CounterVec
	PipelineLoadTime   *prometheus.HistogramVec
	InFlight           prometheus.Gauge

	JobsSubmitted *prometheus.CounterVec
	JobsFinished  *prometheus.CounterVec
	JobRetries    prometheus.Counter
	Webhooks      *prometheus.CounterVec

	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec

	GPUUtilization prometheus.Gauge
	GPUMemoryUsed  prometheus.Gauge
	GPUMemoryTotal prometheus.Gauge
	GPUTemperature prometheus.Gauge
}

// NewRecorder registers every collector on a fresh registry, together with
// the Go runtime and process collectors.
func NewRecorder() *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Recorder{
		registry: reg,

		Generations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "generation", Name: "total",
			Help: "Finished generations by model, device and outcome.",
		}, []string{"model", "device", "outcome"}),
		GenerationDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "generation", Name: "duration_seconds",
			Help:    "Wall time of successful generations.",
			Buckets: []float64{1, 2.5, 5, 10, 20, 30, 45, 60, 120, 300},
		}, []string{"device"}),
		Fallbacks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "generation", Name: "fallbacks_total",
			Help: "Fallback steps taken, by kind (resize, cpu).",
		}, []string{"kind"}),
		Attempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "generation", Name: "attempts_total",
			Help: "Pipeline invocations by failure class (none for success).",
		}, []string{"class"}),
		PipelinesLoaded: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "pipeline", Name: "loaded",
			Help: "Pipelines resident in the cache.",
		}),
		PipelineLoads: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "pipeline", Name: "loads_total",
			Help: "Pipeline constructions by result.",
		}, []string{"result"}),
		PipelineLoadTime: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "pipeline", Name: "load_seconds",
			Help:    "Time to construct and place a pipeline.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"device"}),
		InFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "generation", Name: "in_flight",
			Help: "Generations currently holding the concurrency gate.",
		}),

		JobsSubmitted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "jobs", Name: "submitted_total",
			Help: "Jobs accepted by priority.",
		}, []string{"priority"}),
		JobsFinished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "jobs", Name: "finished_total",
			Help: "Jobs reaching a terminal status.",
		}, []string{"status"}),
		JobRetries: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "jobs", Name: "retries_total",
			Help: "Automatic job retries scheduled.",
		}),
		Webhooks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "jobs", Name: "webhooks_total",
			Help: "Webhook deliveries by result.",
		}, []string{"result"}),

		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "http", Name: "requests_total",
			Help: "HTTP requests by route pattern, method and status.",
		}, []string{"route", "method", "status"}),
		HTTPDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "http", Name: "request_duration_seconds",
			Help:    "HTTP request latency by route pattern.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),

		GPUUtilization: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "gpu", Name: "utilization_percent",
			Help: "Last sampled GPU utilisation.",
		}),
		GPUMemoryUsed: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "gpu", Name: "memory_used_bytes",
			Help: "Last sampled GPU memory in use.",
		}),
		GPUMemoryTotal: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "gpu", Name: "memory_total_bytes",
			Help: "GPU memory capacity.",
		}),
		GPUTemperature: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "gpu", Name: "temperature_celsius",
			Help: "Last sampled GPU temperature.",
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// Gatherer exposes the registry for tests and custom exporters.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	return r.registry
}

// ObserveGeneration records a finished generation.
func (r *Recorder) ObserveGeneration(rec GenerationRecord) {
	r.Generations.WithLabelValues(rec.Model, rec.Device, rec.Outcome).Inc()
	if rec.Outcome == OutcomeSuccess {
		r.GenerationDuration.WithLabelValues(rec.Device).Observe(rec.Duration.Seconds())
	}
}

// ObservePipelineLoad records a cache miss that constructed (or failed to construct) a pipeline.
func (r *Recorder) ObservePipelineLoad(device string, d time.Duration, err error) {
	if err != nil {
		r.PipelineLoads.WithLabelValues("error").Inc()
		return
	}
	r.PipelineLoads.WithLabelValues("ok").Inc()
	r.PipelineLoadTime.WithLabelValues(device).Observe(d.Seconds())
}

// ObserveHTTP records one request against its route pattern.
func (r *Recorder) ObserveHTTP(route, method string, status int, d time.Duration) {
	if route == "" {
		route = "unmatched"
	}
	r.HTTPRequests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	r.HTTPDuration.WithLabelValues(route).Observe(d.Seconds())
}

// SetGPU publishes a GPU sample.
func (r *Recorder) SetGPU(m GPUMetrics) {
	r.GPUUtilization.Set(m.Utilization)
	r.GPUMemoryUsed.Set(float64(m.MemoryUsed))
	r.GPUMemoryTotal.Set(float64(m.MemoryTotal))
	r.GPUTemperature.Set(m.Temperature)
}
