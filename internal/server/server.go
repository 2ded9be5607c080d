package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"batchgofer/internal/batch"
	"batchgofer/internal/batcher"
	"batchgofer/internal/config"
	"batchgofer/internal/metrics"
	"batchgofer/internal/proxy"
	"batchgofer/internal/upstream"
)

// Server represents the main server
type Server struct {
	cfg           *config.Config
	upstream      *upstream.Upstream
	collector     *metrics.Collector
	aggregator    *batcher.Aggregator
	handler       *proxy.Handler
	rpcServer     *http.Server
	metricsServer *http.Server
	listeners     errgroup.Group
	stopStats     chan struct{}
	logger        zerolog.Logger
}

// New creates a new Server
func New(cfg *config.Config, logger zerolog.Logger) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}

	up := upstream.NewUpstreamFromConfig(cfg, logger)

	var observer batch.Observer
	var collector *metrics.Collector
	if cfg.IsMetricsEnabled() {
		collector = metrics.NewCollector()
		observer = collector
		logger.Info().
			Int("port", cfg.Metrics.Port).
			Str("path", cfg.Metrics.Path).
			Msg("metrics enabled")
	} else {
		logger.Info().Msg("metrics disabled")
	}

	if cfg.IsCircuitBreakerEnabled() {
		logger.Info().
			Int("failureThreshold", cfg.CircuitBreaker.FailureThreshold).
			Int("recoveryTimeout", cfg.CircuitBreaker.RecoveryTimeout).
			Msg("circuit breaker enabled")
	}
	if cfg.IsRateLimitEnabled() {
		logger.Info().
			Float64("rps", cfg.RateLimit.RPS).
			Int("burst", cfg.RateLimit.Burst).
			Msg("upstream rate limit enabled")
	}

	agg := batcher.NewAggregator(batcher.ConfigFromConfig(cfg, up, observer, logger))
	logger.Info().
		Int("maxSize", cfg.Batching.MaxSize).
		Int("maxWait", cfg.Batching.MaxWait).
		Msg("batching enabled")

	return &Server{
		cfg:        cfg,
		upstream:   up,
		collector:  collector,
		aggregator: agg,
		handler:    proxy.NewHandler(agg, cfg, logger),
		stopStats:  make(chan struct{}),
		logger:     logger,
	}, nil
}

// Handler returns the HTTP handler accepting mutations
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start starts the listeners and the stats logger
func (s *Server) Start() error {
	rpcAddr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.rpcServer = &http.Server{
		Addr:         rpcAddr,
		Handler:      s.handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	s.listeners.Go(func() error {
		s.logger.Info().
			Str("addr", rpcAddr).
			Str("upstream", s.upstream.URL()).
			Msg("starting batch proxy")
		if err := s.rpcServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("batch proxy server error")
			return fmt.Errorf("batch proxy server: %w", err)
		}
		return nil
	})

	if s.collector != nil {
		metricsAddr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Metrics.Port)
		mux := http.NewServeMux()
		mux.Handle(s.cfg.Metrics.Path, s.collector.Handler())
		s.metricsServer = &http.Server{
			Addr:         metricsAddr,
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}

		s.listeners.Go(func() error {
			s.logger.Info().
				Str("addr", metricsAddr).
				Str("path", s.cfg.Metrics.Path).
				Msg("starting metrics server")
			if err := s.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error().Err(err).Msg("metrics server error")
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}

	if interval := s.cfg.GetStatsLogIntervalDuration(); interval > 0 {
		go s.logStats(interval)
	}

	return nil
}

// Stop gracefully stops the server. Pending mutations are flushed and
// in-flight batches awaited until ctx expires. If ctx is already done once the
// listeners are closed, pending mutations are aborted instead of sent.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info().Msg("shutting down server...")
	close(s.stopStats)

	// Stop accepting new mutations before draining the aggregator
	var shutdown errgroup.Group
	for _, srv := range []*http.Server{s.rpcServer, s.metricsServer} {
		if srv == nil {
			continue
		}
		srv := srv
		shutdown.Go(func() error {
			return srv.Shutdown(ctx)
		})
	}
	shutdownErr := shutdown.Wait()

	if ctx.Err() != nil {
		s.logger.Warn().Err(ctx.Err()).Msg("shutdown deadline reached, discarding pending mutations")
		s.aggregator.Discard()
	} else if err := s.aggregator.Close(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("in-flight batches did not finish before shutdown deadline")
	}

	s.upstream.Close()

	listenErr := s.listeners.Wait()

	if shutdownErr != nil {
		return fmt.Errorf("server shutdown error: %w", shutdownErr)
	}
	if listenErr != nil {
		return listenErr
	}

	s.logger.Info().Msg("server stopped")
	return nil
}

// logStats periodically logs upstream traffic counters
func (s *Server) logStats(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopStats:
			return
		case <-ticker.C:
			status := s.upstream.Status()
			s.logger.Info().
				Uint64("batches", status.SwapRequestCount()).
				Uint64("entries", status.SwapEntryCount()).
				Uint64("failures", status.SwapFailureCount()).
				Int("pending", s.aggregator.Pending()).
				Str("circuit", s.upstream.CircuitState()).
				Msg("upstream stats")
		}
	}
}
