package usage

import (
	"context"
	"sync/atomic"
	"time"

	log "github.com/nghyane/llm-rotor/internal/logging"
	"github.com/nghyane/llm-rotor/internal/provider"
)

// Event is one finished request as written to the event log. The rolling
// JSON state answers "what can this credential do right now"; events answer
// "what happened when" for dashboards and retention queries.
type Event struct {
	Provider string
	Model    string
	StableID string
	Group    string

	RequestedAt time.Time
	Failed      bool
	Estimated   bool

	PromptTokens     int64
	CompletionTokens int64
	ThinkingTokens   int64
	CacheReadTokens  int64
	CacheWriteTokens int64
	TotalTokens      int64
	ApproxCost       float64
}

func newEvent(providerName, model, stableID, group string, at time.Time, failed bool, u provider.Usage, cost float64) Event {
	total := u.TotalTokens
	if total < u.PromptTokens+u.CompletionTokens {
		total = u.PromptTokens + u.CompletionTokens
	}
	return Event{
		Provider:         providerName,
		Model:            model,
		StableID:         stableID,
		Group:            group,
		RequestedAt:      at,
		Failed:           failed,
		Estimated:        u.Estimated,
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		ThinkingTokens:   u.ThinkingTokens,
		CacheReadTokens:  u.CacheReadTokens,
		CacheWriteTokens: u.CacheWriteTokens,
		TotalTokens:      total,
		ApproxCost:       cost,
	}
}

// Recorder feeds the event log: lock-free counters for instant reads plus
// a Backend for durable history. All methods are nil-safe so the log stays
// strictly optional.
type Recorder struct {
	counters *LiveCounters
	backend  Backend
	enabled  atomic.Bool
}

// NewRecorder constructs a recorder over the given backend and bootstraps
// the live counters from stored history.
func NewRecorder(backend Backend) *Recorder {
	r := &Recorder{
		counters: NewLiveCounters(),
		backend:  backend,
	}
	r.enabled.Store(true)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	stats, err := backend.QueryGlobalStats(ctx, time.Time{})
	if err != nil {
		log.Warnf("usage: cannot bootstrap counters from event history: %v", err)
	} else if stats != nil {
		r.counters.Bootstrap(stats.TotalRequests, stats.SuccessCount, stats.FailureCount, stats.TotalTokens)
		log.Infof("usage: bootstrapped counters from %d historical requests", stats.TotalRequests)
	}
	return r
}

// Record books one finished request into the counters and the backend queue.
func (r *Recorder) Record(ev Event) {
	if r == nil || !r.enabled.Load() {
		return
	}
	if ev.RequestedAt.IsZero() {
		ev.RequestedAt = time.Now()
	}
	if ev.Model == "" {
		ev.Model = "unknown"
	}
	r.counters.Record(ev.Failed, ev.TotalTokens)
	if r.backend != nil {
		r.backend.Enqueue(ev)
	}
}

// Counters returns the current counter snapshot.
func (r *Recorder) Counters() CounterSnapshot {
	if r == nil {
		return CounterSnapshot{}
	}
	return r.counters.Snapshot()
}

// Backend exposes the backend for query operations. Nil when recording is
// memory-only.
func (r *Recorder) Backend() Backend {
	if r == nil {
		return nil
	}
	return r.backend
}

// SetEnabled toggles whether new events are recorded.
func (r *Recorder) SetEnabled(enabled bool) {
	if r != nil {
		r.enabled.Store(enabled)
	}
}

// Start launches the backend's background workers.
func (r *Recorder) Start() error {
	if r == nil || r.backend == nil {
		return nil
	}
	return r.backend.Start()
}

// Stop shuts the backend down, flushing pending writes.
func (r *Recorder) Stop() error {
	if r == nil || r.backend == nil {
		return nil
	}
	return r.backend.Stop()
}
