// Package deferred provides a one-shot result cell that a producer settles
// exactly once and any number of consumers can wait on.
package deferred

import (
	"context"
	"sync"
)

// State is the settlement state of a Result
type State int

const (
	StatePending State = iota
	StateFulfilled
	StateRejected
)

// String returns the state name
func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateFulfilled:
		return "fulfilled"
	case StateRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Result is a single-settlement future. The first call to Resolve or Reject
// wins; later calls are ignored and report false.
type Result[T any] struct {
	mu    sync.Mutex
	state State
	value T
	err   error
	done  chan struct{}
}

// New creates a pending Result
func New[T any]() *Result[T] {
	return &Result[T]{done: make(chan struct{})}
}

// Resolve fulfills the result with value. Returns false if already settled.
func (r *Result[T]) Resolve(value T) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != StatePending {
		return false
	}
	r.state = StateFulfilled
	r.value = value
	close(r.done)
	return true
}

// Reject fails the result with err. Returns false if already settled.
func (r *Result[T]) Reject(err error) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != StatePending {
		return false
	}
	r.state = StateRejected
	r.err = err
	close(r.done)
	return true
}

// Done returns a channel that is closed once the result is settled
func (r *Result[T]) Done() <-chan struct{} {
	return r.done
}

// State returns the current settlement state
func (r *Result[T]) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Wait blocks until the result is settled or ctx is done
func (r *Result[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-r.done:
		return r.Get()
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Get returns the settled value and error without blocking.
// A pending result returns the zero value and a nil error.
func (r *Result[T]) Get() (T, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.value, r.err
}

// Then registers callbacks invoked from a new goroutine once the result settles.
// Either callback may be nil.
func (r *Result[T]) Then(onFulfilled func(T), onRejected func(error)) {
	go func() {
		<-r.done
		value, err := r.Get()
		if err != nil {
			if onRejected != nil {
				onRejected(err)
			}
			return
		}
		if onFulfilled != nil {
			onFulfilled(value)
		}
	}()
}
