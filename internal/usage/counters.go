package usage

import "sync/atomic"

// LiveCounters are lock-free aggregates updated on every request so the
// admin surfaces never wait on the event-log database. Historical detail
// comes from Backend queries.
type LiveCounters struct {
	totalRequests atomic.Int64
	successCount  atomic.Int64
	failureCount  atomic.Int64
	totalTokens   atomic.Int64
}

// NewLiveCounters creates a counter set initialized to zero.
func NewLiveCounters() *LiveCounters {
	return &LiveCounters{}
}

// Record increments counters based on request outcome.
func (c *LiveCounters) Record(failed bool, tokens int64) {
	if c == nil {
		return
	}
	c.totalRequests.Add(1)
	if failed {
		c.failureCount.Add(1)
	} else {
		c.successCount.Add(1)
	}
	c.totalTokens.Add(tokens)
}

// Snapshot returns current counter values as an immutable snapshot.
func (c *LiveCounters) Snapshot() CounterSnapshot {
	if c == nil {
		return CounterSnapshot{}
	}
	return CounterSnapshot{
		TotalRequests: c.totalRequests.Load(),
		SuccessCount:  c.successCount.Load(),
		FailureCount:  c.failureCount.Load(),
		TotalTokens:   c.totalTokens.Load(),
	}
}

// Reset zeroes all counters.
func (c *LiveCounters) Reset() {
	if c == nil {
		return
	}
	c.totalRequests.Store(0)
	c.successCount.Store(0)
	c.failureCount.Store(0)
	c.totalTokens.Store(0)
}

// Bootstrap seeds counters with aggregated history from the event log.
// Called once at startup.
func (c *LiveCounters) Bootstrap(total, success, failure, tokens int64) {
	if c == nil {
		return
	}
	c.totalRequests.Store(total)
	c.successCount.Store(success)
	c.failureCount.Store(failure)
	c.totalTokens.Store(tokens)
}

// CounterSnapshot holds an immutable point-in-time view of counter values.
type CounterSnapshot struct {
	TotalRequests int64 `json:"total_requests"`
	SuccessCount  int64 `json:"success_count"`
	FailureCount  int64 `json:"failure_count"`
	TotalTokens   int64 `json:"total_tokens"`
}
