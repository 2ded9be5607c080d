package batcher

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"batchgofer/internal/batch"
	"batchgofer/internal/config"
	"batchgofer/internal/deferred"
	"batchgofer/internal/wire"
)

// ErrClosed is returned by Add after Close or Discard
var ErrClosed = errors.New("batch aggregator closed")

// Config for creating a new Aggregator
type Config struct {
	MaxSize    int
	MaxWait    time.Duration
	PathPrefix string
	Endpoint   string
	Transport  batch.Transport
	Observer   batch.Observer
	Logger     zerolog.Logger
}

// ConfigFromConfig builds aggregator settings from the service config
func ConfigFromConfig(cfg *config.Config, transport batch.Transport, observer batch.Observer, logger zerolog.Logger) Config {
	prefix := cfg.Upstream.PathPrefix
	if prefix == "" {
		prefix = wire.NoPathPrefix
	}
	return Config{
		MaxSize:    cfg.Batching.MaxSize,
		MaxWait:    cfg.Batching.GetMaxWaitDuration(),
		PathPrefix: prefix,
		Endpoint:   cfg.Upstream.BatchEndpoint,
		Transport:  transport,
		Observer:   observer,
		Logger:     logger,
	}
}

// Aggregator collects mutations from concurrent callers into batches.
// A batch is dispatched when it reaches MaxSize or MaxWait after its first
// entry, whichever comes first. Full batches are replaced before dispatch, so
// callers never see batch.ErrCapacityExceeded.
type Aggregator struct {
	cfg      Config
	current  *batch.Batch
	timer    *time.Timer
	closed   bool
	inflight sync.WaitGroup
	logger   zerolog.Logger
	mu       sync.Mutex
}

// NewAggregator creates a new batch aggregator
func NewAggregator(cfg Config) *Aggregator {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = batch.DefaultMaxSize
	}
	return &Aggregator{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "batcher").Logger(),
	}
}

// Add queues a mutation and returns the result its caller should wait on
func (a *Aggregator) Add(m wire.Mutation) (*deferred.Result[json.RawMessage], error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil, ErrClosed
	}

	if a.current == nil {
		a.current = batch.New(batch.Config{
			MaxSize:    a.cfg.MaxSize,
			PathPrefix: a.cfg.PathPrefix,
			Endpoint:   a.cfg.Endpoint,
			Transport:  a.cfg.Transport,
			Observer:   a.cfg.Observer,
			Logger:     a.cfg.Logger,
		})
	}

	b := a.current
	result, err := b.Add(m)
	if err != nil {
		return nil, err
	}

	if b.IsFull() {
		a.dispatchLocked(a.takeLocked())
		return result, nil
	}

	// Start timer for first item
	if a.timer == nil {
		a.timer = time.AfterFunc(a.cfg.MaxWait, func() {
			a.flushIfCurrent(b)
		})
	}

	return result, nil
}

// Pending returns the number of entries waiting in the accumulating batch
func (a *Aggregator) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.current == nil {
		return 0
	}
	return a.current.Count()
}

// Flush dispatches the accumulating batch without waiting for MaxWait
func (a *Aggregator) Flush() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.dispatchLocked(a.takeLocked())
}

// Close stops accepting mutations, dispatches the pending batch and waits
// for in-flight batches until ctx is done
func (a *Aggregator) Close(ctx context.Context) error {
	a.mu.Lock()
	a.closed = true
	a.dispatchLocked(a.takeLocked())
	a.mu.Unlock()

	done := make(chan struct{})
	go func() {
		a.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		a.logger.Info().Msg("batch aggregator closed")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Discard stops accepting mutations and aborts the pending batch.
// Batches already in flight are not affected.
func (a *Aggregator) Discard() {
	a.mu.Lock()
	a.closed = true
	b := a.takeLocked()
	a.mu.Unlock()

	if b == nil {
		return
	}
	if err := b.Abort(); err != nil {
		a.logger.Error().Err(err).Str("batch", b.ID()).Msg("failed to abort batch")
		return
	}
	a.logger.Warn().Int("requests", b.Count()).Msg("pending batch discarded")
}

func (a *Aggregator) flushIfCurrent(b *batch.Batch) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.current != b {
		return
	}
	a.dispatchLocked(a.takeLocked())
}

// takeLocked detaches the accumulating batch and stops its timer
func (a *Aggregator) takeLocked() *batch.Batch {
	b := a.current
	a.current = nil
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	return b
}

func (a *Aggregator) dispatchLocked(b *batch.Batch) {
	if b == nil || b.Count() == 0 {
		return
	}
	a.inflight.Add(1)
	go func() {
		defer a.inflight.Done()
		// in-flight batches are never cancelled; the transport owns the timeout
		if err := b.Dispatch(context.Background()); err != nil {
			a.logger.Warn().
				Err(err).
				Str("batch", b.ID()).
				Int("requests", b.Count()).
				Msg("batch dispatch failed")
		}
	}()
}
