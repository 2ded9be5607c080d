package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"batchgofer/internal/config"
	"batchgofer/internal/wire"
)

// ErrCircuitOpen is returned when the circuit breaker rejects a call
var ErrCircuitOpen = errors.New("upstream circuit breaker is open")

// Parse REST API headers
const (
	HeaderApplicationID = "X-Parse-Application-Id"
	HeaderRESTAPIKey    = "X-Parse-REST-API-Key"
	HeaderMasterKey     = "X-Parse-Master-Key"
)

// HTTPError is returned for non-200 responses from the batch endpoint
type HTTPError struct {
	StatusCode int
	Remote     *wire.RemoteError
	Body       string
}

// Error implements the error interface
func (e *HTTPError) Error() string {
	if e.Remote != nil {
		return fmt.Sprintf("HTTP error %d: %s", e.StatusCode, e.Remote.Error())
	}
	return fmt.Sprintf("HTTP error %d: %s", e.StatusCode, e.Body)
}

// Unwrap exposes the decoded remote error, if any
func (e *HTTPError) Unwrap() error {
	if e.Remote == nil {
		return nil
	}
	return e.Remote
}

// Upstream sends combined mutation batches to a REST API over HTTP
type Upstream struct {
	baseURL    string
	pathPrefix string
	headers    map[string]string

	httpClient *http.Client
	breaker    *CircuitBreaker
	limiter    *rate.Limiter
	status     *Status
	logger     zerolog.Logger
}

// Config for creating a new Upstream
type Config struct {
	URL            string
	PathPrefix     string
	Headers        map[string]string
	RequestTimeout time.Duration
	CircuitBreaker CircuitBreakerConfig
	RateLimit      rate.Limit // 0 disables rate limiting
	RateBurst      int
	Logger         zerolog.Logger
}

// NewUpstream creates a new Upstream instance
func NewUpstream(cfg Config) *Upstream {
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 100,
		IdleConnTimeout:     90 * time.Second,
	}

	httpClient := &http.Client{
		Transport: transport,
		Timeout:   cfg.RequestTimeout,
	}

	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(cfg.RateLimit, burst)
	}

	headers := make(map[string]string, len(cfg.Headers))
	for k, v := range cfg.Headers {
		headers[k] = v
	}

	return &Upstream{
		baseURL:    strings.TrimRight(cfg.URL, "/"),
		pathPrefix: cfg.PathPrefix,
		headers:    headers,
		httpClient: httpClient,
		breaker:    NewCircuitBreaker(cfg.CircuitBreaker),
		limiter:    limiter,
		status:     NewStatus(),
		logger:     cfg.Logger.With().Str("component", "upstream").Logger(),
	}
}

// NewUpstreamFromConfig creates an Upstream from config
func NewUpstreamFromConfig(cfg *config.Config, logger zerolog.Logger) *Upstream {
	headers := make(map[string]string)
	for k, v := range cfg.Upstream.Headers {
		headers[k] = v
	}
	if cfg.Upstream.ApplicationID != "" {
		headers[HeaderApplicationID] = cfg.Upstream.ApplicationID
	}
	if cfg.Upstream.RESTAPIKey != "" {
		headers[HeaderRESTAPIKey] = cfg.Upstream.RESTAPIKey
	}
	if cfg.Upstream.MasterKey != "" {
		headers[HeaderMasterKey] = cfg.Upstream.MasterKey
	}

	upCfg := Config{
		URL:            cfg.Upstream.URL,
		PathPrefix:     cfg.Upstream.PathPrefix,
		Headers:        headers,
		RequestTimeout: cfg.GetRequestTimeoutDuration(),
		Logger:         logger,
	}
	if cfg.IsCircuitBreakerEnabled() {
		upCfg.CircuitBreaker = CircuitBreakerConfig{
			Enabled:             true,
			FailureThreshold:    cfg.CircuitBreaker.FailureThreshold,
			RecoveryTimeout:     cfg.CircuitBreaker.GetRecoveryTimeoutDuration(),
			HalfOpenMaxRequests: cfg.CircuitBreaker.HalfOpenMaxRequests,
		}
	}
	if cfg.IsRateLimitEnabled() {
		upCfg.RateLimit = rate.Limit(cfg.RateLimit.RPS)
		upCfg.RateBurst = cfg.RateLimit.Burst
	}

	return NewUpstream(upCfg)
}

// URL returns the server root URL
func (u *Upstream) URL() string {
	return u.baseURL
}

// Status returns the upstream counters
func (u *Upstream) Status() *Status {
	return u.status
}

// CircuitState returns the circuit breaker state name
func (u *Upstream) CircuitState() string {
	return u.breaker.State()
}

// IssueBatch posts the combined request to the batch endpoint and returns the
// ordered outcomes. Transport-level failures are returned as errors; per-entry
// failures are left in the outcomes.
func (u *Upstream) IssueBatch(ctx context.Context, endpoint string, req *wire.BatchRequest) ([]wire.Outcome, error) {
	if !u.breaker.AllowRequest() {
		u.status.IncrementFailureCount()
		return nil, ErrCircuitOpen
	}

	if u.limiter != nil {
		if err := u.limiter.Wait(ctx); err != nil {
			u.status.IncrementFailureCount()
			return nil, fmt.Errorf("rate limit wait: %w", err)
		}
	}

	outcomes, err := u.post(ctx, endpoint, req)
	if err != nil {
		var httpErr *HTTPError
		if errors.As(err, &httpErr) && httpErr.StatusCode < http.StatusInternalServerError {
			// the server answered; the request itself was rejected
			u.breaker.RecordSuccess()
		} else {
			u.breaker.RecordFailure()
		}
		u.status.IncrementFailureCount()
		return nil, err
	}

	u.breaker.RecordSuccess()
	u.status.IncrementEntryCountBy(uint64(len(req.Requests)))
	return outcomes, nil
}

func (u *Upstream) post(ctx context.Context, endpoint string, req *wire.BatchRequest) ([]wire.Outcome, error) {
	reqBytes, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal batch request: %w", err)
	}

	target := u.baseURL + wire.NormalizePath(u.pathPrefix, endpoint)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(reqBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range u.headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := u.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	// One HTTP call is one request to the upstream regardless of batch size
	u.status.IncrementRequestCount()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		u.logger.Debug().
			Int("status", resp.StatusCode).
			Int("requests", len(req.Requests)).
			Msg("batch endpoint returned error status")
		return nil, &HTTPError{
			StatusCode: resp.StatusCode,
			Remote:     wire.ParseRemoteError(body),
			Body:       string(body),
		}
	}

	return wire.ParseBatchResponse(body)
}

// Close releases idle connections
func (u *Upstream) Close() {
	u.httpClient.CloseIdleConnections()
}
