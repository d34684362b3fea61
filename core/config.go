package core

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"
)

// Pipeline backends
const (
	BackendStub   = "stub"
	BackendWorker = "worker"
)

// Config holds all configuration values.
//
// Values are resolved in three layers: built-in defaults, then the optional
// TOML file named by CONFIG_FILE, then environment variables (including those
// loaded from .env). Later layers win.
type Config struct {
	// HTTP server
	Host          string
	Port          int
	PublicBaseURL string // Base for image_url in responses
	OutputDir     string // Where generated PNGs are written

	// Device selection
	ForceCPU       bool
	PreferCPU      bool
	DeviceProbeTTL time.Duration

	// Pipelines
	PipelineBackend   string // "stub" or "worker"
	WorkerURL         string
	WorkerTimeout     time.Duration
	HFToken           string
	CatalogPath       string // Optional YAML model catalog override
	MaxConcurrent     int
	CPUFallbackSticky bool // Leave a pipeline on CPU after a fallback

	// Access control
	APIKeys         []string // Plain keys or bcrypt hashes ("$2...")
	RateLimitMax    int
	RateLimitWindow time.Duration

	// Persistence and jobs
	DatabasePath   string
	JobsEnabled    bool
	NATSURL        string // Empty runs an embedded server
	JobWorkers     int
	JobMaxRetries  int
	JobRetention   time.Duration
	WebhookTimeout time.Duration

	// Process
	ShutdownTimeout time.Duration
	LogLevel        string
	LogFile         string
	DevMode         bool
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Host:            "0.0.0.0",
		Port:            5001,
		PublicBaseURL:   "http://localhost:5001",
		OutputDir:       "generated_images",
		DeviceProbeTTL:  5 * time.Minute,
		PipelineBackend: BackendStub,
		WorkerTimeout:   10 * time.Minute,
		MaxConcurrent:   1,
		RateLimitMax:    100,
		RateLimitWindow: 15 * time.Minute,
		DatabasePath:    "data/imagegen.db",
		JobsEnabled:     true,
		JobWorkers:      1,
		JobMaxRetries:   3,
		JobRetention:    24 * time.Hour,
		WebhookTimeout:  10 * time.Second,
		ShutdownTimeout: 60 * time.Second,
		LogLevel:        "info",
		LogFile:         "imagegen.log",
	}
}

// LoadConfig resolves configuration from defaults, CONFIG_FILE and the environment,
// then validates it. Validation failures are returned as *ConfigError.
func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := ApplyConfigFile(cfg, path); err != nil {
			return nil, err
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.Host = GetEnvOrDefault("HOST", cfg.Host)
	cfg.Port = ParseIntEnv("PORT", cfg.Port)
	cfg.PublicBaseURL = strings.TrimRight(GetEnvOrDefault("PUBLIC_BASE_URL", cfg.PublicBaseURL), "/")
	cfg.OutputDir = GetEnvOrDefault("OUTPUT_DIR", cfg.OutputDir)

	cfg.ForceCPU = ParseBoolEnv("FORCE_CPU", cfg.ForceCPU)
	cfg.PreferCPU = ParseBoolEnv("PREFER_CPU", cfg.PreferCPU)
	cfg.DeviceProbeTTL = ParseDurationEnv("DEVICE_PROBE_TTL", cfg.DeviceProbeTTL)

	cfg.PipelineBackend = strings.ToLower(GetEnvOrDefault("PIPELINE_BACKEND", cfg.PipelineBackend))
	cfg.WorkerURL = strings.TrimRight(GetEnvOrDefault("WORKER_URL", cfg.WorkerURL), "/")
	cfg.WorkerTimeout = ParseDurationEnv("WORKER_TIMEOUT", cfg.WorkerTimeout)
	cfg.HFToken = GetEnvOrDefault("HUGGINGFACE_HUB_TOKEN", GetEnvOrDefault("HF_TOKEN", cfg.HFToken))
	cfg.CatalogPath = GetEnvOrDefault("MODEL_CATALOG_PATH", cfg.CatalogPath)
	cfg.MaxConcurrent = ParseIntEnv("MAX_CONCURRENT_GENERATIONS", cfg.MaxConcurrent)
	cfg.CPUFallbackSticky = ParseBoolEnv("CPU_FALLBACK_STICKY", cfg.CPUFallbackSticky)

	if keys := ParseListEnv("API_KEYS"); len(keys) > 0 {
		cfg.APIKeys = keys
	}
	cfg.RateLimitMax = ParseIntEnv("RATE_LIMIT_MAX", cfg.RateLimitMax)
	cfg.RateLimitWindow = ParseDurationEnv("RATE_LIMIT_WINDOW", cfg.RateLimitWindow)

	cfg.DatabasePath = GetEnvOrDefault("DATABASE_PATH", cfg.DatabasePath)
	cfg.JobsEnabled = ParseBoolEnv("JOBS_ENABLED", cfg.JobsEnabled)
	cfg.NATSURL = GetEnvOrDefault("NATS_URL", cfg.NATSURL)
	cfg.JobWorkers = ParseIntEnv("JOB_WORKERS", cfg.JobWorkers)
	cfg.JobMaxRetries = ParseIntEnv("JOB_MAX_RETRIES", cfg.JobMaxRetries)
	cfg.JobRetention = ParseDurationEnv("JOB_RETENTION", cfg.JobRetention)
	cfg.WebhookTimeout = ParseDurationEnv("WEBHOOK_TIMEOUT", cfg.WebhookTimeout)

	cfg.ShutdownTimeout = ParseDurationEnv("SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	cfg.LogLevel = GetEnvOrDefault("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFile = GetEnvOrDefault("LOG_FILE", cfg.LogFile)
	cfg.DevMode = ParseBoolEnv("DEV_MODE", cfg.DevMode)
}

// Validate checks cross-field constraints and value ranges.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return ErrInvalidValue("PORT", fmt.Sprint(c.Port), "must be between 1 and 65535")
	}
	if _, err := url.ParseRequestURI(c.PublicBaseURL); err != nil {
		return ErrInvalidValue("PUBLIC_BASE_URL", c.PublicBaseURL, "must be an absolute URL")
	}
	if c.OutputDir == "" {
		return ErrMissingConfig("OUTPUT_DIR")
	}

	switch c.PipelineBackend {
	case BackendStub:
	case BackendWorker:
		if c.WorkerURL == "" {
			return ErrMissingConfig("WORKER_URL")
		}
		if _, err := url.ParseRequestURI(c.WorkerURL); err != nil {
			return ErrInvalidValue("WORKER_URL", c.WorkerURL, "must be an absolute URL")
		}
	default:
		return ErrInvalidBackend(c.PipelineBackend)
	}

	if c.MaxConcurrent < 1 {
		return ErrInvalidValue("MAX_CONCURRENT_GENERATIONS", fmt.Sprint(c.MaxConcurrent), "must be at least 1")
	}
	if c.RateLimitMax < 0 {
		return ErrInvalidValue("RATE_LIMIT_MAX", fmt.Sprint(c.RateLimitMax), "must not be negative")
	}
	if c.JobsEnabled {
		if c.DatabasePath == "" {
			return ErrMissingConfig("DATABASE_PATH")
		}
		if c.JobWorkers < 1 {
			return ErrInvalidValue("JOB_WORKERS", fmt.Sprint(c.JobWorkers), "must be at least 1")
		}
		if c.JobMaxRetries < 0 {
			return ErrInvalidValue("JOB_MAX_RETRIES", fmt.Sprint(c.JobMaxRetries), "must not be negative")
		}
	}
	return nil
}

// ListenAddr returns the host:port the HTTP server binds to.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// AuthEnabled reports whether API key checks are active.
func (c *Config) AuthEnabled() bool {
	return len(c.APIKeys) > 0
}
