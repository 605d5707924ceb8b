// Package usage tracks per-credential request and token accounting: rolling
// windows, per-model and per-quota-group stats, lifetime totals, fair-cycle
// exhaustion flags, and the live in-flight counter the rotor schedules by.
// State is persisted per provider to a schema-versioned JSON file and
// supplemented by an optional request-event log backend.
package usage

import (
	"time"

	"github.com/nghyane/llm-rotor/internal/provider"
)

// Counters is the additive block shared by windows and lifetime totals.
// OutputTokens is completion plus thinking; TotalTokens never drops below
// prompt+completion even when a provider under-reports.
type Counters struct {
	Requests   int64
	Successes  int64
	Failures   int64
	Prompt     int64
	Completion int64
	Thinking   int64
	Output     int64
	CacheRead  int64
	CacheWrite int64
	Total      int64
	Cost       float64
}

func (c *Counters) add(success bool, u provider.Usage, cost float64) {
	c.Requests++
	if success {
		c.Successes++
	} else {
		c.Failures++
	}
	c.Prompt += u.PromptTokens
	c.Completion += u.CompletionTokens
	c.Thinking += u.ThinkingTokens
	c.Output += u.CompletionTokens + u.ThinkingTokens
	c.CacheRead += u.CacheReadTokens
	c.CacheWrite += u.CacheWriteTokens

	total := u.TotalTokens
	if total < u.PromptTokens+u.CompletionTokens {
		total = u.PromptTokens + u.CompletionTokens
	}
	c.Total += total
	c.Cost += cost
}

// Window is one rolling interval of counters. Counters reset when the
// interval elapses; MaxRecordedRequests and FirstUsedAt span the
// credential's lifetime and survive rolls.
type Window struct {
	Name     string
	Duration time.Duration
	Limit    int64 // informational, 0 = unlimited

	StartedAt time.Time
	ResetAt   time.Time

	Counters Counters

	MaxRecordedRequests int64
	MaxRecordedAt       time.Time
	FirstUsedAt         time.Time
	LastUsedAt          time.Time
}

// rollIfDue zeroes the counters in place once now has reached ResetAt.
// Reports whether a roll happened.
func (w *Window) rollIfDue(now time.Time) bool {
	if w.Duration <= 0 {
		return false
	}
	if w.ResetAt.IsZero() {
		w.StartedAt = now
		w.ResetAt = now.Add(w.Duration)
		return false
	}
	if now.Before(w.ResetAt) {
		return false
	}
	w.Counters = Counters{}
	w.StartedAt = now
	w.ResetAt = now.Add(w.Duration)
	return true
}

func (w *Window) observe(now time.Time, success bool, u provider.Usage, cost float64) {
	w.rollIfDue(now)
	w.Counters.add(success, u, cost)
	if w.Counters.Requests > w.MaxRecordedRequests {
		w.MaxRecordedRequests = w.Counters.Requests
		w.MaxRecordedAt = now
	}
	if w.FirstUsedAt.IsZero() {
		w.FirstUsedAt = now
	}
	w.LastUsedAt = now
}

// Totals is the lifetime counter block of a credential or scope.
type Totals struct {
	Counters    Counters
	FirstUsedAt time.Time
	LastUsedAt  time.Time
}

func (t *Totals) observe(now time.Time, success bool, u provider.Usage, cost float64) {
	t.Counters.add(success, u, cost)
	if t.FirstUsedAt.IsZero() {
		t.FirstUsedAt = now
	}
	t.LastUsedAt = now
}

// ScopeStats bundles the rolling windows and lifetime totals for one model
// or one quota group.
type ScopeStats struct {
	Windows map[string]*Window
	Totals  Totals
}

func newScopeStats() *ScopeStats {
	return &ScopeStats{Windows: make(map[string]*Window)}
}

// ensureWindows instantiates any configured window that is not tracked yet
// and re-binds duration and limit on windows restored from disk, which carry
// counters and boundaries but not the live definition.
func (s *ScopeStats) ensureWindows(configs []provider.WindowConfig) {
	for _, cfg := range configs {
		w, ok := s.Windows[cfg.Name]
		if !ok {
			s.Windows[cfg.Name] = &Window{
				Name:     cfg.Name,
				Duration: cfg.Duration,
				Limit:    cfg.Limit,
			}
			continue
		}
		w.Duration = cfg.Duration
		if cfg.Limit > 0 {
			w.Limit = cfg.Limit
		}
	}
}

func (s *ScopeStats) observe(now time.Time, configs []provider.WindowConfig, success bool, u provider.Usage, cost float64) {
	s.ensureWindows(configs)
	for _, w := range s.Windows {
		w.observe(now, success, u, cost)
	}
	s.Totals.observe(now, success, u, cost)
}

// rollAll rolls every due window, typically before reads.
func (s *ScopeStats) rollAll(now time.Time) {
	for _, w := range s.Windows {
		w.rollIfDue(now)
	}
}
