package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"batchgofer/internal/deferred"
	"batchgofer/internal/wire"
)

type fakeTransport struct {
	mu       sync.Mutex
	calls    []*wire.BatchRequest
	endpoint string
	outcomes []wire.Outcome
	err      error
	release  chan struct{}
	started  chan struct{}
}

func (f *fakeTransport) IssueBatch(ctx context.Context, endpoint string, req *wire.BatchRequest) ([]wire.Outcome, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.endpoint = endpoint
	f.mu.Unlock()

	if f.started != nil {
		close(f.started)
	}
	if f.release != nil {
		<-f.release
	}
	return f.outcomes, f.err
}

func (f *fakeTransport) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type countingObserver struct {
	mu         sync.Mutex
	outcomes   map[Outcome]int
	dispatches int
	lastErr    error
}

func (o *countingObserver) ObserveDispatch(size int, d time.Duration, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.dispatches++
	o.lastErr = err
}

func (o *countingObserver) ObserveOutcome(outcome Outcome) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.outcomes == nil {
		o.outcomes = make(map[Outcome]int)
	}
	o.outcomes[outcome]++
}

func newTestBatch(t *testing.T, tr Transport, maxSize int) *Batch {
	t.Helper()
	return New(Config{
		MaxSize:    maxSize,
		PathPrefix: "parse",
		Transport:  tr,
		Logger:     zerolog.Nop(),
	})
}

func success(v string) wire.Outcome {
	return wire.Outcome{Success: json.RawMessage(fmt.Sprintf("%q", v))}
}

func failure(msg string) wire.Outcome {
	return wire.NewErrorOutcome(wire.NewRemoteError(101, msg))
}

func mutation(path string) wire.Mutation {
	return wire.Mutation{Method: wire.MethodPost, Path: path}
}

func waitSettled(t *testing.T, r *deferred.Result[json.RawMessage]) (json.RawMessage, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	v, err := r.Wait(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded, "result was never settled")
	return v, err
}

func TestBatch_CountTracksAdds(t *testing.T) {
	b := newTestBatch(t, &fakeTransport{}, 10)
	assert.Equal(t, 0, b.Count())

	for i := 1; i <= 10; i++ {
		_, err := b.Add(mutation(fmt.Sprintf("classes/Foo/%d", i)))
		require.NoError(t, err)
		assert.Equal(t, i, b.Count())
	}
	assert.True(t, b.IsFull())
}

func TestBatch_DefaultMaxSize(t *testing.T) {
	b := New(Config{Logger: zerolog.Nop()})
	assert.Equal(t, DefaultMaxSize, b.MaxSize())
}

func TestBatch_AddAtCapacity(t *testing.T) {
	b := newTestBatch(t, &fakeTransport{}, 3)
	for i := 0; i < 3; i++ {
		_, err := b.Add(mutation("classes/Foo"))
		require.NoError(t, err)
	}

	for i := 0; i < 2; i++ {
		r, err := b.Add(mutation("classes/Foo"))
		assert.ErrorIs(t, err, ErrCapacityExceeded)
		assert.Nil(t, r)
		assert.Equal(t, 3, b.Count())
		assert.Equal(t, StateAccumulating, b.State())
	}
}

func TestBatch_AddAndDispatchAfterDispatch(t *testing.T) {
	tr := &fakeTransport{outcomes: []wire.Outcome{success("A")}}
	b := newTestBatch(t, tr, 50)
	_, err := b.Add(mutation("classes/Foo"))
	require.NoError(t, err)

	require.NoError(t, b.Dispatch(context.Background()))

	_, err = b.Add(mutation("classes/Foo"))
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.ErrorIs(t, b.Dispatch(context.Background()), ErrInvalidState)
	assert.Equal(t, 1, tr.callCount())
	assert.Equal(t, 1, b.Count())
}

func TestBatch_AddDuringInFlightDispatch(t *testing.T) {
	tr := &fakeTransport{
		outcomes: []wire.Outcome{success("A")},
		release:  make(chan struct{}),
		started:  make(chan struct{}),
	}
	b := newTestBatch(t, tr, 50)
	r, err := b.Add(mutation("classes/Foo"))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- b.Dispatch(context.Background()) }()
	<-tr.started

	_, err = b.Add(mutation("classes/Bar"))
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.ErrorIs(t, b.Dispatch(context.Background()), ErrInvalidState)
	assert.Equal(t, StateDispatched, b.State())

	close(tr.release)
	require.NoError(t, <-done)

	v, err := waitSettled(t, r)
	require.NoError(t, err)
	assert.JSONEq(t, `"A"`, string(v))
	assert.Equal(t, 1, tr.callCount())
}

func TestBatch_AbortRejectsPending(t *testing.T) {
	tr := &fakeTransport{}
	obs := &countingObserver{}
	b := New(Config{Transport: tr, Observer: obs, Logger: zerolog.Nop()})

	results := make([]*deferred.Result[json.RawMessage], 3)
	for i := range results {
		r, err := b.Add(mutation("classes/Foo"))
		require.NoError(t, err)
		results[i] = r
	}

	require.NoError(t, b.Abort())
	assert.Equal(t, StateAborted, b.State())

	for _, r := range results {
		_, err := waitSettled(t, r)
		assert.ErrorIs(t, err, ErrBatchAborted)
	}

	_, err := b.Add(mutation("classes/Foo"))
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.ErrorIs(t, b.Dispatch(context.Background()), ErrInvalidState)
	assert.Equal(t, 0, tr.callCount())
	assert.Equal(t, 3, obs.outcomes[OutcomeAborted])
}

func TestBatch_AbortTwice(t *testing.T) {
	obs := &countingObserver{}
	b := New(Config{Transport: &fakeTransport{}, Observer: obs, Logger: zerolog.Nop()})
	r, err := b.Add(mutation("classes/Foo"))
	require.NoError(t, err)

	require.NoError(t, b.Abort())
	require.NoError(t, b.Abort())

	_, err = waitSettled(t, r)
	assert.ErrorIs(t, err, ErrBatchAborted)
	assert.False(t, r.Reject(errors.New("again")))
	assert.Equal(t, 1, obs.outcomes[OutcomeAborted])
}

func TestBatch_AbortEmpty(t *testing.T) {
	b := newTestBatch(t, &fakeTransport{}, 50)
	require.NoError(t, b.Abort())
	assert.Equal(t, StateAborted, b.State())
}

func TestBatch_AbortAfterDispatch(t *testing.T) {
	tr := &fakeTransport{
		outcomes: []wire.Outcome{success("A")},
		release:  make(chan struct{}),
		started:  make(chan struct{}),
	}
	b := newTestBatch(t, tr, 50)
	r, err := b.Add(mutation("classes/Foo"))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- b.Dispatch(context.Background()) }()
	<-tr.started

	assert.ErrorIs(t, b.Abort(), ErrInvalidState)
	assert.Equal(t, StateDispatched, b.State())

	close(tr.release)
	require.NoError(t, <-done)

	v, err := waitSettled(t, r)
	require.NoError(t, err)
	assert.JSONEq(t, `"A"`, string(v))
}

func TestBatch_DispatchCorrelatesByIndex(t *testing.T) {
	obs := &countingObserver{}
	tr := &fakeTransport{outcomes: []wire.Outcome{success("A"), failure("B"), success("C")}}
	b := New(Config{PathPrefix: "parse", Transport: tr, Observer: obs, Logger: zerolog.Nop()})

	var results []*deferred.Result[json.RawMessage]
	for _, p := range []string{"classes/A", "classes/B", "classes/C"} {
		r, err := b.Add(mutation(p))
		require.NoError(t, err)
		results = append(results, r)
	}

	require.NoError(t, b.Dispatch(context.Background()))

	v, err := waitSettled(t, results[0])
	require.NoError(t, err)
	assert.JSONEq(t, `"A"`, string(v))

	_, err = waitSettled(t, results[1])
	var remote *wire.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "B", remote.Message)

	v, err = waitSettled(t, results[2])
	require.NoError(t, err)
	assert.JSONEq(t, `"C"`, string(v))

	assert.Equal(t, 2, obs.outcomes[OutcomeSuccess])
	assert.Equal(t, 1, obs.outcomes[OutcomeRemoteError])
	assert.Equal(t, 1, obs.dispatches)
	assert.NoError(t, obs.lastErr)
}

func TestBatch_DispatchCorrelationPermutations(t *testing.T) {
	labels := []string{"A", "B", "C", "D"}
	permutations := [][]int{
		{0, 1, 2, 3},
		{3, 2, 1, 0},
		{1, 3, 0, 2},
		{2, 0, 3, 1},
	}

	for _, perm := range permutations {
		t.Run(fmt.Sprint(perm), func(t *testing.T) {
			outcomes := make([]wire.Outcome, len(perm))
			b := newTestBatch(t, nil, 50)
			results := make([]*deferred.Result[json.RawMessage], len(perm))
			for pos, idx := range perm {
				label := labels[idx]
				if idx%2 == 0 {
					outcomes[pos] = success(label)
				} else {
					outcomes[pos] = failure(label)
				}
				r, err := b.Add(mutation("classes/" + label))
				require.NoError(t, err)
				results[pos] = r
			}
			b.transport = &fakeTransport{outcomes: outcomes}

			require.NoError(t, b.Dispatch(context.Background()))

			for pos, idx := range perm {
				label := labels[idx]
				v, err := waitSettled(t, results[pos])
				if idx%2 == 0 {
					require.NoError(t, err)
					assert.JSONEq(t, fmt.Sprintf("%q", label), string(v))
				} else {
					var remote *wire.RemoteError
					require.ErrorAs(t, err, &remote)
					assert.Equal(t, label, remote.Message)
				}
			}
		})
	}
}

func TestBatch_DispatchTransportFailure(t *testing.T) {
	transportErr := errors.New("connection refused")
	obs := &countingObserver{}
	tr := &fakeTransport{err: transportErr}
	b := New(Config{Transport: tr, Observer: obs, Logger: zerolog.Nop()})

	var results []*deferred.Result[json.RawMessage]
	for i := 0; i < 3; i++ {
		r, err := b.Add(mutation("classes/Foo"))
		require.NoError(t, err)
		results = append(results, r)
	}

	err := b.Dispatch(context.Background())
	assert.Same(t, transportErr, err)

	for _, r := range results {
		_, err := waitSettled(t, r)
		assert.Same(t, transportErr, err)
	}
	assert.Equal(t, 3, obs.outcomes[OutcomeTransportError])
	assert.Same(t, transportErr, obs.lastErr)

	_, err = b.Add(mutation("classes/Foo"))
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestBatch_DispatchUnknownOutcome(t *testing.T) {
	tr := &fakeTransport{outcomes: []wire.Outcome{success("A"), {}}}
	b := newTestBatch(t, tr, 50)
	first, err := b.Add(mutation("classes/Foo"))
	require.NoError(t, err)
	second, err := b.Add(mutation("classes/Bar"))
	require.NoError(t, err)

	require.NoError(t, b.Dispatch(context.Background()))

	_, err = waitSettled(t, first)
	assert.NoError(t, err)
	_, err = waitSettled(t, second)
	assert.ErrorIs(t, err, ErrUnknownOutcome)
}

func TestBatch_DispatchSizeMismatch(t *testing.T) {
	tr := &fakeTransport{outcomes: []wire.Outcome{success("A")}}
	b := newTestBatch(t, tr, 50)
	first, err := b.Add(mutation("classes/Foo"))
	require.NoError(t, err)
	second, err := b.Add(mutation("classes/Bar"))
	require.NoError(t, err)

	err = b.Dispatch(context.Background())
	assert.ErrorIs(t, err, ErrResponseMismatch)

	for _, r := range []*deferred.Result[json.RawMessage]{first, second} {
		_, err := waitSettled(t, r)
		assert.ErrorIs(t, err, ErrResponseMismatch)
	}
}

func TestBatch_DispatchWithoutTransport(t *testing.T) {
	b := newTestBatch(t, nil, 50)
	r, err := b.Add(mutation("classes/Foo"))
	require.NoError(t, err)

	assert.ErrorIs(t, b.Dispatch(context.Background()), ErrNoTransport)
	_, err = waitSettled(t, r)
	assert.ErrorIs(t, err, ErrNoTransport)
}

func TestBatch_MalformedEntryErrorOnlyFailsItsEntry(t *testing.T) {
	outcomes, err := wire.ParseBatchResponse([]byte(`[{"success":{"a":1}},{"error":123},{"success":"C"}]`))
	require.NoError(t, err)
	obs := &countingObserver{}
	tr := &fakeTransport{outcomes: outcomes}
	b := New(Config{Transport: tr, Observer: obs, Logger: zerolog.Nop()})

	var results []*deferred.Result[json.RawMessage]
	for _, p := range []string{"classes/A", "classes/B", "classes/C"} {
		r, err := b.Add(mutation(p))
		require.NoError(t, err)
		results = append(results, r)
	}

	require.NoError(t, b.Dispatch(context.Background()))

	v, err := waitSettled(t, results[0])
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(v))

	_, err = waitSettled(t, results[1])
	var remote *wire.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "123", remote.Message)

	v, err = waitSettled(t, results[2])
	require.NoError(t, err)
	assert.JSONEq(t, `"C"`, string(v))

	assert.Equal(t, 2, obs.outcomes[OutcomeSuccess])
	assert.Equal(t, 1, obs.outcomes[OutcomeRemoteError])
	assert.NoError(t, obs.lastErr)
}

func TestBatch_PathPrefix(t *testing.T) {
	tests := []struct {
		name     string
		prefix   string
		wantPath string
	}{
		{name: "default", prefix: "", wantPath: "/parse/users/5"},
		{name: "custom", prefix: "api", wantPath: "/api/users/5"},
		{name: "none", prefix: wire.NoPathPrefix, wantPath: "/users/5"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := &fakeTransport{outcomes: []wire.Outcome{success("ok")}}
			b := New(Config{PathPrefix: tt.prefix, Transport: tr, Logger: zerolog.Nop()})

			_, err := b.Add(wire.Mutation{Method: wire.MethodPost, Path: "users/5"})
			require.NoError(t, err)
			require.NoError(t, b.Dispatch(context.Background()))

			require.Equal(t, 1, tr.callCount())
			assert.Equal(t, tt.wantPath, tr.calls[0].Requests[0].Path)
		})
	}
}

func TestBatch_WireRequests(t *testing.T) {
	outcomes := make([]wire.Outcome, 5)
	for i := range outcomes {
		outcomes[i] = success("ok")
	}
	tr := &fakeTransport{outcomes: outcomes}
	b := newTestBatch(t, tr, 50)

	_, err := b.Add(wire.Mutation{Method: wire.MethodPut, Path: "users/5", Data: json.RawMessage(`{"name":"x"}`)})
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		_, err := b.Add(wire.Mutation{Method: wire.MethodDelete, Path: "users/5"})
		require.NoError(t, err)
	}

	require.NoError(t, b.Dispatch(context.Background()))
	require.Equal(t, 1, tr.callCount())
	assert.Equal(t, "batch", tr.endpoint)

	sent := tr.calls[0].Requests
	require.Len(t, sent, 5)
	assert.Equal(t, "PUT", sent[0].Method)
	assert.JSONEq(t, `{"name":"x"}`, string(sent[0].Body))
	for _, req := range sent {
		assert.Equal(t, "/parse/users/5", req.Path)
	}
	for _, req := range sent[1:] {
		assert.Equal(t, "DELETE", req.Method)
		assert.Nil(t, req.Body)
	}
}

func TestBatch_AddCopiesPayload(t *testing.T) {
	tr := &fakeTransport{outcomes: []wire.Outcome{success("ok")}}
	b := newTestBatch(t, tr, 50)

	data := json.RawMessage(`{"a":1}`)
	_, err := b.Add(wire.Mutation{Method: wire.MethodPost, Path: "classes/Foo", Data: data})
	require.NoError(t, err)
	copy(data, `{"b":2}`)

	require.NoError(t, b.Dispatch(context.Background()))
	assert.JSONEq(t, `{"a":1}`, string(tr.calls[0].Requests[0].Body))
}

func TestBatch_ConcurrentAdd(t *testing.T) {
	b := newTestBatch(t, &fakeTransport{}, 20)

	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted, rejected := 0, 0
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := b.Add(mutation("classes/Foo"))
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				accepted++
			} else {
				assert.ErrorIs(t, err, ErrCapacityExceeded)
				rejected++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 20, accepted)
	assert.Equal(t, 20, rejected)
	assert.Equal(t, 20, b.Count())
}

func TestBatch_IDsAreUnique(t *testing.T) {
	a := newTestBatch(t, nil, 1)
	b := newTestBatch(t, nil, 1)
	assert.NotEmpty(t, a.ID())
	assert.NotEqual(t, a.ID(), b.ID())
}
