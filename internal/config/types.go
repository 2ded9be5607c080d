package config

import "time"

// Config represents the main configuration structure
type Config struct {
	Host             string                `json:"host" yaml:"host"`
	Port             int                   `json:"port" yaml:"port"`
	LogLevel         string                `json:"logLevel" yaml:"logLevel"`
	MaxBodySize      int64                 `json:"maxBodySize" yaml:"maxBodySize"`
	RequestTimeout   int                   `json:"requestTimeout" yaml:"requestTimeout"`     // ms - upstream HTTP timeout
	ShutdownTimeout  int                   `json:"shutdownTimeout" yaml:"shutdownTimeout"`   // ms - graceful shutdown deadline
	StatsLogInterval int                   `json:"statsLogInterval" yaml:"statsLogInterval"` // ms - interval for logging upstream statistics
	Upstream         UpstreamConfig        `json:"upstream" yaml:"upstream"`
	Batching         BatchingConfig        `json:"batching" yaml:"batching"`
	CircuitBreaker   *CircuitBreakerConfig `json:"circuitBreaker,omitempty" yaml:"circuitBreaker,omitempty"`
	RateLimit        *RateLimitConfig      `json:"rateLimit,omitempty" yaml:"rateLimit,omitempty"`
	Metrics          *MetricsConfig        `json:"metrics,omitempty" yaml:"metrics,omitempty"`
}

// UpstreamConfig describes the REST API that receives batches
type UpstreamConfig struct {
	URL           string            `json:"url" yaml:"url"`                     // server root, e.g. https://api.example.com
	PathPrefix    string            `json:"pathPrefix" yaml:"pathPrefix"`       // mount point prepended to every batched path
	BatchEndpoint string            `json:"batchEndpoint" yaml:"batchEndpoint"` // relative to URL + PathPrefix
	ApplicationID string            `json:"applicationId" yaml:"applicationId"`
	RESTAPIKey    string            `json:"restApiKey" yaml:"restApiKey"`
	MasterKey     string            `json:"masterKey" yaml:"masterKey"`
	Headers       map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
}

// BatchingConfig controls how mutations are grouped
type BatchingConfig struct {
	MaxSize int `json:"maxSize" yaml:"maxSize"` // entries per batch
	MaxWait int `json:"maxWait" yaml:"maxWait"` // ms - how long the first entry waits for company
}

// CircuitBreakerConfig represents upstream circuit breaker configuration
type CircuitBreakerConfig struct {
	Enabled             bool `json:"enabled" yaml:"enabled"`
	FailureThreshold    int  `json:"failureThreshold" yaml:"failureThreshold"`
	RecoveryTimeout     int  `json:"recoveryTimeout" yaml:"recoveryTimeout"` // ms
	HalfOpenMaxRequests int  `json:"halfOpenMaxRequests" yaml:"halfOpenMaxRequests"`
}

// RateLimitConfig limits outgoing batch calls
type RateLimitConfig struct {
	Enabled bool    `json:"enabled" yaml:"enabled"`
	RPS     float64 `json:"rps" yaml:"rps"`
	Burst   int     `json:"burst" yaml:"burst"`
}

// MetricsConfig represents Prometheus endpoint configuration
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Port    int    `json:"port" yaml:"port"`
	Path    string `json:"path" yaml:"path"`
}

// Default values
const (
	DefaultHost                = "localhost"
	DefaultPort                = 1337
	DefaultLogLevel            = "info"
	DefaultMaxBodySize         = int64(0) // 0 means no limit
	DefaultRequestTimeout      = 10000    // ms
	DefaultShutdownTimeout     = 30000    // ms
	DefaultStatsLogInterval    = 60000    // ms
	DefaultPathPrefix          = "parse"
	DefaultBatchEndpoint       = "batch"
	DefaultBatchMaxSize        = 50
	DefaultBatchMaxWait        = 20 // ms
	DefaultFailureThreshold    = 5
	DefaultRecoveryTimeout     = 30000 // ms
	DefaultHalfOpenMaxRequests = 2
	DefaultRateLimitBurst      = 1
	DefaultMetricsPort         = 9090
	DefaultMetricsPath         = "/metrics"
)

// GetRequestTimeoutDuration returns request timeout as time.Duration
func (c *Config) GetRequestTimeoutDuration() time.Duration {
	return time.Duration(c.RequestTimeout) * time.Millisecond
}

// GetShutdownTimeoutDuration returns shutdown timeout as time.Duration
func (c *Config) GetShutdownTimeoutDuration() time.Duration {
	return time.Duration(c.ShutdownTimeout) * time.Millisecond
}

// GetStatsLogIntervalDuration returns stats log interval as time.Duration
func (c *Config) GetStatsLogIntervalDuration() time.Duration {
	return time.Duration(c.StatsLogInterval) * time.Millisecond
}

// IsCircuitBreakerEnabled returns true if circuit breaker is configured and enabled
func (c *Config) IsCircuitBreakerEnabled() bool {
	return c.CircuitBreaker != nil && c.CircuitBreaker.Enabled
}

// IsRateLimitEnabled returns true if rate limiting is configured and enabled
func (c *Config) IsRateLimitEnabled() bool {
	return c.RateLimit != nil && c.RateLimit.Enabled
}

// IsMetricsEnabled returns true if the metrics endpoint is configured and enabled
func (c *Config) IsMetricsEnabled() bool {
	return c.Metrics != nil && c.Metrics.Enabled
}

// GetMaxWaitDuration returns max wait as time.Duration
func (c *BatchingConfig) GetMaxWaitDuration() time.Duration {
	return time.Duration(c.MaxWait) * time.Millisecond
}

// GetRecoveryTimeoutDuration returns recovery timeout as time.Duration
func (c *CircuitBreakerConfig) GetRecoveryTimeoutDuration() time.Duration {
	return time.Duration(c.RecoveryTimeout) * time.Millisecond
}
