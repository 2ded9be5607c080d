package upstream

import "sync/atomic"

// Status holds the traffic counters of an upstream
type Status struct {
	requestCount atomic.Uint64
	failureCount atomic.Uint64
	entryCount   atomic.Uint64
}

// NewStatus creates a new Status
func NewStatus() *Status {
	return &Status{}
}

// IncrementRequestCount increments the HTTP call counter
func (s *Status) IncrementRequestCount() {
	s.requestCount.Add(1)
}

// SwapRequestCount returns the current request count and resets it to zero
func (s *Status) SwapRequestCount() uint64 {
	return s.requestCount.Swap(0)
}

// IncrementFailureCount increments the failed batch counter
func (s *Status) IncrementFailureCount() {
	s.failureCount.Add(1)
}

// SwapFailureCount returns the current failure count and resets it to zero
func (s *Status) SwapFailureCount() uint64 {
	return s.failureCount.Swap(0)
}

// IncrementEntryCountBy adds the number of mutations carried by a delivered batch
func (s *Status) IncrementEntryCountBy(count uint64) {
	s.entryCount.Add(count)
}

// SwapEntryCount returns the current entry count and resets it to zero
func (s *Status) SwapEntryCount() uint64 {
	return s.entryCount.Swap(0)
}
