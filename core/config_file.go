package core

import (
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// fileConfig mirrors Config for TOML decoding. Pointer and string fields let
// an absent key keep the default instead of zeroing it.
type fileConfig struct {
	Server struct {
		Host          string `toml:"host"`
		Port          int    `toml:"port"`
		PublicBaseURL string `toml:"public_base_url"`
		OutputDir     string `toml:"output_dir"`
	} `toml:"server"`

	Device struct {
		ForceCPU  *bool  `toml:"force_cpu"`
		PreferCPU *bool  `toml:"prefer_cpu"`
		ProbeTTL  string `toml:"probe_ttl"`
	} `toml:"device"`

	Pipeline struct {
		Backend           string `toml:"backend"`
		WorkerURL         string `toml:"worker_url"`
		WorkerTimeout     string `toml:"worker_timeout"`
		CatalogPath       string `toml:"catalog_path"`
		MaxConcurrent     int    `toml:"max_concurrent"`
		CPUFallbackSticky *bool  `toml:"cpu_fallback_sticky"`
	} `toml:"pipeline"`

	Security struct {
		APIKeys         []string `toml:"api_keys"`
		RateLimitMax    *int     `toml:"rate_limit_max"`
		RateLimitWindow string   `toml:"rate_limit_window"`
	} `toml:"security"`

	Jobs struct {
		Enabled        *bool  `toml:"enabled"`
		DatabasePath   string `toml:"database_path"`
		NATSURL        string `toml:"nats_url"`
		Workers        int    `toml:"workers"`
		MaxRetries     *int   `toml:"max_retries"`
		Retention      string `toml:"retention"`
		WebhookTimeout string `toml:"webhook_timeout"`
	} `toml:"jobs"`

	Logging struct {
		Level string `toml:"level"`
		File  string `toml:"file"`
		Dev   *bool  `toml:"dev"`
	} `toml:"logging"`

	ShutdownTimeout string `toml:"shutdown_timeout"`
}

// ApplyConfigFile decodes the TOML file at path over cfg.
// Unknown keys are rejected so typos surface at startup.
func ApplyConfigFile(cfg *Config, path string) error {
	var fc fileConfig
	meta, err := toml.DecodeFile(path, &fc)
	if err != nil {
		return ErrConfigFile(path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return ErrInvalidValue("CONFIG_FILE", path, "unknown keys: "+strings.Join(keys, ", "))
	}

	setString(&cfg.Host, fc.Server.Host)
	if fc.Server.Port != 0 {
		cfg.Port = fc.Server.Port
	}
	setString(&cfg.PublicBaseURL, strings.TrimRight(fc.Server.PublicBaseURL, "/"))
	setString(&cfg.OutputDir, fc.Server.OutputDir)

	setBool(&cfg.ForceCPU, fc.Device.ForceCPU)
	setBool(&cfg.PreferCPU, fc.Device.PreferCPU)
	if err := setDuration(&cfg.DeviceProbeTTL, "device.probe_ttl", fc.Device.ProbeTTL); err != nil {
		return err
	}

	setString(&cfg.PipelineBackend, strings.ToLower(fc.Pipeline.Backend))
	setString(&cfg.WorkerURL, strings.TrimRight(fc.Pipeline.WorkerURL, "/"))
	if err := setDuration(&cfg.WorkerTimeout, "pipeline.worker_timeout", fc.Pipeline.WorkerTimeout); err != nil {
		return err
	}
	setString(&cfg.CatalogPath, fc.Pipeline.CatalogPath)
	if fc.Pipeline.MaxConcurrent != 0 {
		cfg.MaxConcurrent = fc.Pipeline.MaxConcurrent
	}
	setBool(&cfg.CPUFallbackSticky, fc.Pipeline.CPUFallbackSticky)

	if len(fc.Security.APIKeys) > 0 {
		cfg.APIKeys = fc.Security.APIKeys
	}
	if fc.Security.RateLimitMax != nil {
		cfg.RateLimitMax = *fc.Security.RateLimitMax
	}
	if err := setDuration(&cfg.RateLimitWindow, "security.rate_limit_window", fc.Security.RateLimitWindow); err != nil {
		return err
	}

	setBool(&cfg.JobsEnabled, fc.Jobs.Enabled)
	setString(&cfg.DatabasePath, fc.Jobs.DatabasePath)
	setString(&cfg.NATSURL, fc.Jobs.NATSURL)
	if fc.Jobs.Workers != 0 {
		cfg.JobWorkers = fc.Jobs.Workers
	}
	if fc.Jobs.MaxRetries != nil {
		cfg.JobMaxRetries = *fc.Jobs.MaxRetries
	}
	if err := setDuration(&cfg.JobRetention, "jobs.retention", fc.Jobs.Retention); err != nil {
		return err
	}
	if err := setDuration(&cfg.WebhookTimeout, "jobs.webhook_timeout", fc.Jobs.WebhookTimeout); err != nil {
		return err
	}

	setString(&cfg.LogLevel, fc.Logging.Level)
	setString(&cfg.LogFile, fc.Logging.File)
	setBool(&cfg.DevMode, fc.Logging.Dev)

	return setDuration(&cfg.ShutdownTimeout, "shutdown_timeout", fc.ShutdownTimeout)
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}

func setDuration(dst *time.Duration, key, v string) error {
	if v == "" {
		return nil
	}
	d, ok := parseDuration(v)
	if !ok {
		return ErrInvalidValue(key, v, "not a duration")
	}
	*dst = d
	return nil
}
