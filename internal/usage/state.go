package usage

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/nghyane/llm-rotor/internal/provider"
)

// FairCycleState marks one (credential, scope) as exhausted for the current
// rotation cycle. Once every credential of a provider is exhausted for a
// scope, all flags clear together so ordering starts fresh.
type FairCycleState struct {
	Exhausted       bool
	ExhaustedAt     time.Time
	ExhaustedReason string
	CycleRequests   int64
}

// CredentialState is the mutable accounting for one credential. The mutex
// guards the maps and totals; the in-flight counter is atomic so the hot
// path never takes the lock.
type CredentialState struct {
	mu sync.RWMutex

	StableID    string
	Provider    string
	Accessor    string
	DisplayName string
	Tier        string
	Priority    int

	Models map[string]*ScopeStats
	Groups map[string]*ScopeStats
	Totals Totals

	FairCycle map[string]*FairCycleState

	MaxConcurrent int
	CreatedAt     time.Time
	LastUpdated   time.Time

	active atomic.Int64
}

func newCredentialState(stableID, providerName string, now time.Time) *CredentialState {
	return &CredentialState{
		StableID:  stableID,
		Provider:  providerName,
		Models:    make(map[string]*ScopeStats),
		Groups:    make(map[string]*ScopeStats),
		FairCycle: make(map[string]*FairCycleState),
		CreatedAt: now,
	}
}

// Active returns the current in-flight request count.
func (s *CredentialState) Active() int64 {
	if s == nil {
		return 0
	}
	return s.active.Load()
}

func (s *CredentialState) model(name string) *ScopeStats {
	stats, ok := s.Models[name]
	if !ok {
		stats = newScopeStats()
		s.Models[name] = stats
	}
	return stats
}

func (s *CredentialState) group(name string) *ScopeStats {
	stats, ok := s.Groups[name]
	if !ok {
		stats = newScopeStats()
		s.Groups[name] = stats
	}
	return stats
}

func (s *CredentialState) fairCycle(scope string) *FairCycleState {
	fc, ok := s.FairCycle[scope]
	if !ok {
		fc = &FairCycleState{}
		s.FairCycle[scope] = fc
	}
	return fc
}

// record applies one finished request under the write lock. group may be
// empty when the model has no quota group.
func (s *CredentialState) record(now time.Time, configs []provider.WindowConfig, model, group string, success bool, u provider.Usage, cost float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.model(model).observe(now, configs, success, u, cost)
	if group != "" {
		s.group(group).observe(now, configs, success, u, cost)
	}
	s.Totals.observe(now, success, u, cost)

	scope := group
	if scope == "" {
		scope = model
	}
	s.fairCycle(scope).CycleRequests++
	s.LastUpdated = now
}

// primaryRequests returns the request count of the primary window for the
// selector's balanced ordering. A per-credential primary window sums across
// every model; otherwise the scope's own window counts.
func (s *CredentialState) primaryRequests(now time.Time, configs []provider.WindowConfig, scope string) int64 {
	if len(configs) == 0 {
		s.mu.RLock()
		defer s.mu.RUnlock()
		return s.Totals.Counters.Requests
	}
	primary := configs[0]

	s.mu.Lock()
	defer s.mu.Unlock()

	if primary.PerCredential {
		var sum int64
		for _, stats := range s.Models {
			if w, ok := stats.Windows[primary.Name]; ok {
				w.rollIfDue(now)
				sum += w.Counters.Requests
			}
		}
		return sum
	}

	stats, ok := s.Groups[scope]
	if !ok {
		stats, ok = s.Models[scope]
	}
	if !ok {
		return 0
	}
	w, ok := stats.Windows[primary.Name]
	if !ok {
		return 0
	}
	w.rollIfDue(now)
	return w.Counters.Requests
}

// Slot is the live handle for one in-flight request. End is idempotent and
// must run on every exit path; a leaked decrement would starve the
// credential.
type Slot struct {
	state *CredentialState
	done  atomic.Bool
}

// End releases the concurrency slot. Safe to call more than once.
func (s *Slot) End() {
	if s == nil || s.state == nil {
		return
	}
	if !s.done.CompareAndSwap(false, true) {
		return
	}
	// CAS loop so a double release elsewhere can never push below zero.
	for {
		cur := s.state.active.Load()
		if cur <= 0 {
			return
		}
		if s.state.active.CompareAndSwap(cur, cur-1) {
			return
		}
	}
}
