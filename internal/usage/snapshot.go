package usage

import (
	"sort"
	"time"

	"github.com/nghyane/llm-rotor/internal/cooldown"
)

// CredentialSnapshot is the admin view of one credential: the persisted
// shape plus the live in-flight count, which is never written to disk.
type CredentialSnapshot struct {
	credentialJSON
	ActiveRequests int64 `json:"active_requests"`
}

// ProviderSnapshot is the admin view of one provider's usage state.
type ProviderSnapshot struct {
	Provider        string                         `json:"provider"`
	UpdatedAt       string                         `json:"updated_at"`
	Credentials     map[string]*CredentialSnapshot `json:"credentials"`
	AccessorIndex   map[string]string              `json:"accessor_index"`
	FairCycleGlobal map[string]*cycleGlobalJSON    `json:"fair_cycle_global,omitempty"`
}

// Snapshot renders the current usage state of every registered provider,
// sorted by provider name.
func (m *Manager) Snapshot() []*ProviderSnapshot {
	m.pmu.RLock()
	names := make([]string, 0, len(m.providers))
	for name := range m.providers {
		names = append(names, name)
	}
	m.pmu.RUnlock()
	sort.Strings(names)

	out := make([]*ProviderSnapshot, 0, len(names))
	for _, name := range names {
		if ps, ok := m.ProviderSnapshot(name); ok {
			out = append(out, ps)
		}
	}
	return out
}

// ProviderSnapshot renders one provider's usage state. The bool is false
// when the provider was never registered.
func (m *Manager) ProviderSnapshot(name string) (*ProviderSnapshot, bool) {
	e := m.entry(name)
	if e == nil {
		return nil, false
	}
	now := m.now()

	ps := &ProviderSnapshot{
		Provider:      name,
		UpdatedAt:     now.UTC().Format(time.RFC3339),
		Credentials:   make(map[string]*CredentialSnapshot),
		AccessorIndex: make(map[string]string),
	}
	for _, st := range m.statesFor(name) {
		var windows []cooldown.Window
		if m.cooldowns != nil {
			windows = m.cooldowns.Windows(st.StableID)
		}
		cj := serializeState(st, now, windows)
		ps.Credentials[st.StableID] = &CredentialSnapshot{
			credentialJSON: *cj,
			ActiveRequests: st.Active(),
		}
		ps.AccessorIndex[cj.Accessor] = st.StableID
	}

	e.mu.Lock()
	if len(e.global) > 0 {
		ps.FairCycleGlobal = make(map[string]*cycleGlobalJSON, len(e.global))
		for scope, g := range e.global {
			ps.FairCycleGlobal[scope] = &cycleGlobalJSON{
				CycleCount:       g.CycleCount,
				LastResetAt:      tsFloat(g.LastResetAt),
				LastResetAtHuman: tsHuman(g.LastResetAt),
			}
		}
	}
	e.mu.Unlock()
	return ps, true
}
