package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads and parses the configuration file.
// Files ending in .yaml or .yml are parsed as YAML, everything else as JSON.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := Parse(data, filepath.Ext(path))
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes, defaults and validates configuration bytes.
// ext selects the format (".json", ".yaml" or ".yml").
func Parse(data []byte, ext string) (*Config, error) {
	cfg := &Config{}
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	applyDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyDefaults sets default values for unset fields
func applyDefaults(cfg *Config) {
	if cfg.Host == "" {
		cfg.Host = DefaultHost
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = DefaultLogLevel
	}
	if cfg.MaxBodySize == 0 {
		cfg.MaxBodySize = DefaultMaxBodySize
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.StatsLogInterval == 0 {
		cfg.StatsLogInterval = DefaultStatsLogInterval
	}

	// "-" means the API is mounted at the server root
	if cfg.Upstream.PathPrefix == "" {
		cfg.Upstream.PathPrefix = DefaultPathPrefix
	} else if cfg.Upstream.PathPrefix == "-" {
		cfg.Upstream.PathPrefix = ""
	}
	if cfg.Upstream.BatchEndpoint == "" {
		cfg.Upstream.BatchEndpoint = DefaultBatchEndpoint
	}

	if cfg.Batching.MaxSize == 0 {
		cfg.Batching.MaxSize = DefaultBatchMaxSize
	}
	if cfg.Batching.MaxWait == 0 {
		cfg.Batching.MaxWait = DefaultBatchMaxWait
	}

	if cb := cfg.CircuitBreaker; cb != nil {
		if cb.FailureThreshold == 0 {
			cb.FailureThreshold = DefaultFailureThreshold
		}
		if cb.RecoveryTimeout == 0 {
			cb.RecoveryTimeout = DefaultRecoveryTimeout
		}
		if cb.HalfOpenMaxRequests == 0 {
			cb.HalfOpenMaxRequests = DefaultHalfOpenMaxRequests
		}
	}

	if rl := cfg.RateLimit; rl != nil && rl.Burst == 0 {
		rl.Burst = DefaultRateLimitBurst
	}

	if m := cfg.Metrics; m != nil {
		if m.Port == 0 {
			m.Port = DefaultMetricsPort
		}
		if m.Path == "" {
			m.Path = DefaultMetricsPath
		}
	}
}

// validate checks the configuration for errors
func validate(cfg *Config) error {
	if cfg.Upstream.URL == "" {
		return errors.New("upstream.url is required")
	}
	u, err := url.Parse(cfg.Upstream.URL)
	if err != nil {
		return fmt.Errorf("upstream.url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("upstream.url must use http or https, got '%s'", u.Scheme)
	}

	if cfg.Port < 1 || cfg.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535")
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[cfg.LogLevel] {
		return fmt.Errorf("logLevel must be one of: debug, info, warn, error")
	}

	if cfg.MaxBodySize < 0 {
		return fmt.Errorf("maxBodySize must be non-negative")
	}
	if cfg.RequestTimeout < 0 {
		return fmt.Errorf("requestTimeout must be non-negative")
	}
	if cfg.ShutdownTimeout < 0 {
		return fmt.Errorf("shutdownTimeout must be non-negative")
	}
	if cfg.StatsLogInterval < 0 {
		return fmt.Errorf("statsLogInterval must be non-negative")
	}

	if cfg.Batching.MaxSize < 1 {
		return fmt.Errorf("batching.maxSize must be positive")
	}
	if cfg.Batching.MaxWait < 0 {
		return fmt.Errorf("batching.maxWait must be non-negative")
	}

	if cfg.IsCircuitBreakerEnabled() {
		if cfg.CircuitBreaker.FailureThreshold < 1 {
			return fmt.Errorf("circuitBreaker.failureThreshold must be positive")
		}
		if cfg.CircuitBreaker.RecoveryTimeout < 0 {
			return fmt.Errorf("circuitBreaker.recoveryTimeout must be non-negative")
		}
	}

	if cfg.IsRateLimitEnabled() {
		if cfg.RateLimit.RPS <= 0 {
			return fmt.Errorf("rateLimit.rps must be positive when rate limiting is enabled")
		}
		if cfg.RateLimit.Burst < 1 {
			return fmt.Errorf("rateLimit.burst must be positive")
		}
	}

	if cfg.IsMetricsEnabled() {
		if cfg.Metrics.Port < 1 || cfg.Metrics.Port > 65535 {
			return fmt.Errorf("metrics.port must be between 1 and 65535")
		}
		if cfg.Metrics.Port == cfg.Port {
			return fmt.Errorf("metrics.port must differ from port")
		}
		if !strings.HasPrefix(cfg.Metrics.Path, "/") {
			return fmt.Errorf("metrics.path must start with '/'")
		}
	}

	return nil
}
