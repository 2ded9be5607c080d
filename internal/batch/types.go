// Package batch groups independent mutations into one call to the upstream
// batch endpoint and settles each caller's result from the combined response.
//
// A Batch moves from accumulating to either dispatched or aborted, never back.
// Entries are correlated with the response strictly by position: outcome i
// belongs to the i-th successful Add.
package batch

import (
	"context"
	"errors"
	"time"

	"batchgofer/internal/wire"
)

// DefaultMaxSize is the maximum number of entries per batch
const DefaultMaxSize = 50

var (
	// ErrInvalidState is returned by Add, Dispatch and Abort on a batch that
	// already left the accumulating state
	ErrInvalidState = errors.New("invalid batch state")

	// ErrCapacityExceeded is returned by Add when the batch is full
	ErrCapacityExceeded = errors.New("batch capacity exceeded")

	// ErrBatchAborted rejects every pending entry of an aborted batch
	ErrBatchAborted = errors.New("batch was aborted")

	// ErrUnknownOutcome rejects an entry whose outcome has neither success nor error
	ErrUnknownOutcome = errors.New("batch outcome has neither success nor error")

	// ErrResponseMismatch rejects every entry when the response length differs from the request count
	ErrResponseMismatch = errors.New("batch response size mismatch")

	// ErrNoTransport rejects every entry when the batch was built without a transport
	ErrNoTransport = errors.New("batch transport not set")
)

// State is the lifecycle state of a Batch
type State int

const (
	StateAccumulating State = iota
	StateDispatched
	StateAborted
)

// String returns the state name
func (s State) String() string {
	switch s {
	case StateAccumulating:
		return "accumulating"
	case StateDispatched:
		return "dispatched"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Transport sends the combined request to the upstream API.
// The returned outcomes must be index-aligned with req.Requests.
type Transport interface {
	IssueBatch(ctx context.Context, endpoint string, req *wire.BatchRequest) ([]wire.Outcome, error)
}

// Outcome classifies how a single entry was settled
type Outcome string

const (
	OutcomeSuccess        Outcome = "success"
	OutcomeRemoteError    Outcome = "remote_error"
	OutcomeUnknown        Outcome = "unknown"
	OutcomeTransportError Outcome = "transport_error"
	OutcomeMismatch       Outcome = "mismatch"
	OutcomeAborted        Outcome = "aborted"
)

// Observer receives batch lifecycle events, e.g. for metrics
type Observer interface {
	ObserveDispatch(size int, duration time.Duration, err error)
	ObserveOutcome(outcome Outcome)
}

type nopObserver struct{}

func (nopObserver) ObserveDispatch(int, time.Duration, error) {}
func (nopObserver) ObserveOutcome(Outcome)                    {}
