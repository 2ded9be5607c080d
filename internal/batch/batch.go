package batch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"batchgofer/internal/deferred"
	"batchgofer/internal/wire"
)

// Config for creating a new Batch
type Config struct {
	MaxSize    int
	PathPrefix string
	Endpoint   string
	Transport  Transport
	Observer   Observer
	Logger     zerolog.Logger
}

// entry pairs a mutation with the result handed back to its caller
type entry struct {
	mutation wire.Mutation
	result   *deferred.Result[json.RawMessage]
}

// Batch accumulates mutations and dispatches them in a single transport call
type Batch struct {
	id         string
	maxSize    int
	pathPrefix string
	endpoint   string
	transport  Transport
	observer   Observer
	logger     zerolog.Logger

	state   State
	entries []entry
	mu      sync.Mutex
}

// New creates a new accumulating Batch
func New(cfg Config) *Batch {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultMaxSize
	}
	switch cfg.PathPrefix {
	case "":
		cfg.PathPrefix = wire.DefaultPathPrefix
	case wire.NoPathPrefix:
		cfg.PathPrefix = ""
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = wire.DefaultBatchEndpoint
	}
	if cfg.Observer == nil {
		cfg.Observer = nopObserver{}
	}

	id := ulid.Make().String()
	return &Batch{
		id:         id,
		maxSize:    cfg.MaxSize,
		pathPrefix: cfg.PathPrefix,
		endpoint:   cfg.Endpoint,
		transport:  cfg.Transport,
		observer:   cfg.Observer,
		logger:     cfg.Logger.With().Str("batch", id).Logger(),
		entries:    make([]entry, 0, cfg.MaxSize),
	}
}

// ID returns the batch identifier used in logs
func (b *Batch) ID() string {
	return b.id
}

// MaxSize returns the capacity of the batch
func (b *Batch) MaxSize() int {
	return b.maxSize
}

// State returns the current lifecycle state
func (b *Batch) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Count returns the number of entries added so far
func (b *Batch) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// IsFull returns true if no more entries fit
func (b *Batch) IsFull() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries) >= b.maxSize
}

// Add appends a mutation and returns the result its caller should wait on
func (b *Batch) Add(m wire.Mutation) (*deferred.Result[json.RawMessage], error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateAccumulating {
		return nil, fmt.Errorf("%w: cannot add a request to a %s batch", ErrInvalidState, b.state)
	}
	if len(b.entries) >= b.maxSize {
		return nil, fmt.Errorf("%w: cannot batch more than %d requests at a time", ErrCapacityExceeded, b.maxSize)
	}

	if m.Data != nil {
		data := make(json.RawMessage, len(m.Data))
		copy(data, m.Data)
		m.Data = data
	}

	result := deferred.New[json.RawMessage]()
	b.entries = append(b.entries, entry{mutation: m, result: result})
	return result, nil
}

// Dispatch sends all entries in one transport call and settles every result.
// The state check happens before any network activity; once it passes no
// further Add or Dispatch succeeds. Returns the transport error (after
// rejecting every entry with it) or nil once all entries are settled.
func (b *Batch) Dispatch(ctx context.Context) error {
	b.mu.Lock()
	if b.state != StateAccumulating {
		state := b.state
		b.mu.Unlock()
		return fmt.Errorf("%w: cannot dispatch a %s batch", ErrInvalidState, state)
	}
	b.state = StateDispatched
	entries := b.entries
	b.mu.Unlock()

	if b.transport == nil {
		b.rejectAll(entries, ErrNoTransport, OutcomeTransportError)
		b.observer.ObserveDispatch(len(entries), 0, ErrNoTransport)
		return ErrNoTransport
	}

	requests := make([]wire.Request, len(entries))
	for i, e := range entries {
		requests[i] = wire.NewRequest(b.pathPrefix, e.mutation)
	}

	b.logger.Debug().
		Int("requests", len(requests)).
		Str("endpoint", b.endpoint).
		Msg("dispatching batch")

	start := time.Now()
	outcomes, err := b.transport.IssueBatch(ctx, b.endpoint, &wire.BatchRequest{Requests: requests})
	elapsed := time.Since(start)

	if err != nil {
		b.logger.Warn().
			Err(err).
			Int("requests", len(requests)).
			Msg("batch transport failed")
		b.rejectAll(entries, err, OutcomeTransportError)
		b.observer.ObserveDispatch(len(entries), elapsed, err)
		return err
	}

	if len(outcomes) != len(entries) {
		mismatch := fmt.Errorf("%w: expected %d, got %d", ErrResponseMismatch, len(entries), len(outcomes))
		b.logger.Error().
			Int("expected", len(entries)).
			Int("got", len(outcomes)).
			Msg("batch response size mismatch")
		b.rejectAll(entries, mismatch, OutcomeMismatch)
		b.observer.ObserveDispatch(len(entries), elapsed, mismatch)
		return mismatch
	}

	for i, e := range entries {
		outcome := outcomes[i]
		switch {
		case outcome.IsSuccess():
			if e.result.Resolve(outcome.Success) {
				b.observer.ObserveOutcome(OutcomeSuccess)
			}
		case outcome.IsError():
			if e.result.Reject(outcome.RemoteError()) {
				b.observer.ObserveOutcome(OutcomeRemoteError)
			}
		default:
			b.logger.Warn().
				Int("index", i).
				Str("method", e.mutation.Method).
				Str("path", e.mutation.Path).
				Msg("batch outcome has neither success nor error")
			if e.result.Reject(ErrUnknownOutcome) {
				b.observer.ObserveOutcome(OutcomeUnknown)
			}
		}
	}

	b.observer.ObserveDispatch(len(entries), elapsed, nil)
	b.logger.Debug().
		Int("requests", len(requests)).
		Dur("elapsed", elapsed).
		Msg("batch completed")
	return nil
}

// Abort rejects every pending entry with ErrBatchAborted. Calling it again is
// a no-op; calling it on a dispatched batch returns ErrInvalidState and leaves
// the in-flight entries alone.
func (b *Batch) Abort() error {
	b.mu.Lock()
	switch b.state {
	case StateAborted:
		b.mu.Unlock()
		return nil
	case StateDispatched:
		b.mu.Unlock()
		return fmt.Errorf("%w: cannot abort a dispatched batch", ErrInvalidState)
	}
	b.state = StateAborted
	entries := b.entries
	b.mu.Unlock()

	if len(entries) > 0 {
		b.logger.Debug().Int("requests", len(entries)).Msg("batch aborted")
	}
	b.rejectAll(entries, ErrBatchAborted, OutcomeAborted)
	return nil
}

func (b *Batch) rejectAll(entries []entry, err error, outcome Outcome) {
	for _, e := range entries {
		if e.result.Reject(err) {
			b.observer.ObserveOutcome(outcome)
		}
	}
}
