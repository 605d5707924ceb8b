// Package cooldown tracks per-credential cooldown windows keyed by scope.
// Scopes form a hierarchy: the wildcard "*" blocks the whole credential,
// "model:<name>" blocks one model, "group:<name>" blocks a quota group.
// State is in-memory only; a snapshot of active windows is exported for the
// usage file so operators can see why a credential is idle.
package cooldown

import (
	"sort"
	"sync"
	"time"
)

type entry struct {
	until   time.Time
	started time.Time
	reason  string
	// level counts supersedes while the scope was already cooling down;
	// drives the transient backoff ladder.
	level int
}

// Window is an exported view of one active cooldown, carried into the usage
// snapshot so operators can see why a credential is idle.
type Window struct {
	Scope   string
	Reason  string
	Until   time.Time
	Started time.Time
	Level   int
}

type Manager struct {
	mu   sync.RWMutex
	byID map[string]map[string]entry
	now  func() time.Time
}

func NewManager() *Manager {
	return &Manager{
		byID: make(map[string]map[string]entry),
		now:  time.Now,
	}
}

// Set places a cooldown on (stableID, scope). An earlier until never
// shortens an active window; repeat sets climb the backoff level until
// ResetBackoff or Clear.
func (m *Manager) Set(stableID, scope string, until time.Time) {
	m.SetCause(stableID, scope, until, "")
}

// SetCause is Set with an attached reason recorded for observability.
func (m *Manager) SetCause(stableID, scope string, until time.Time, reason string) {
	if stableID == "" || scope == "" {
		return
	}
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()

	scopes := m.byID[stableID]
	if scopes == nil {
		scopes = make(map[string]entry)
		m.byID[stableID] = scopes
	}

	prev, exists := scopes[scope]
	if exists {
		if prev.until.After(now) && prev.until.After(until) {
			until = prev.until
		}
		started := prev.started
		if !prev.until.After(now) {
			started = now
		}
		if reason == "" {
			reason = prev.reason
		}
		scopes[scope] = entry{until: until, started: started, reason: reason, level: prev.level + 1}
		return
	}
	scopes[scope] = entry{until: until, started: now, reason: reason}
}

// SetFor is Set with a duration relative to the manager clock.
func (m *Manager) SetFor(stableID, scope string, d time.Duration) {
	m.Set(stableID, scope, m.now().Add(d))
}

// Level returns the current backoff level for (stableID, scope); expired
// windows report their stored level until cleared, so repeat failures keep
// climbing the ladder.
func (m *Manager) Level(stableID, scope string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if scopes, ok := m.byID[stableID]; ok {
		if e, ok := scopes[scope]; ok {
			return e.level
		}
	}
	return 0
}

// UsableAt reports whether the credential is blocked for (model, group) and,
// if so, when every applicable window has expired. Checks wildcard, model,
// then group scope.
func (m *Manager) UsableAt(stableID, model, group string) (time.Time, bool) {
	now := m.now()
	m.mu.RLock()
	defer m.mu.RUnlock()

	scopes, ok := m.byID[stableID]
	if !ok {
		return time.Time{}, false
	}

	keys := [3]string{"*", "", ""}
	if model != "" {
		keys[1] = "model:" + model
	}
	if group != "" {
		keys[2] = "group:" + group
	}

	var latest time.Time
	blocked := false
	for _, key := range keys {
		if key == "" {
			continue
		}
		if e, ok := scopes[key]; ok && e.until.After(now) {
			blocked = true
			if e.until.After(latest) {
				latest = e.until
			}
		}
	}
	if !blocked {
		return time.Time{}, false
	}
	return latest, true
}

// ResetBackoff zeroes the backoff level for (stableID, scope) without
// touching any active window. Called after a successful request.
func (m *Manager) ResetBackoff(stableID, scope string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if scopes, ok := m.byID[stableID]; ok {
		if e, ok := scopes[scope]; ok {
			e.level = 0
			scopes[scope] = e
		}
	}
}

// Clear removes every cooldown for the credential.
func (m *Manager) Clear(stableID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.byID, stableID)
}

// ClearScope removes one scope's cooldown.
func (m *Manager) ClearScope(stableID, scope string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if scopes, ok := m.byID[stableID]; ok {
		delete(scopes, scope)
		if len(scopes) == 0 {
			delete(m.byID, stableID)
		}
	}
}

// Active returns the credential's active windows as scope → until.
func (m *Manager) Active(stableID string) map[string]time.Time {
	now := m.now()
	m.mu.RLock()
	defer m.mu.RUnlock()

	scopes, ok := m.byID[stableID]
	if !ok || len(scopes) == 0 {
		return nil
	}
	out := make(map[string]time.Time, len(scopes))
	for scope, e := range scopes {
		if e.until.After(now) {
			out[scope] = e.until
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// Windows returns the credential's active cooldowns with their causes,
// sorted by scope. Used by the usage snapshot.
func (m *Manager) Windows(stableID string) []Window {
	now := m.now()
	m.mu.RLock()
	defer m.mu.RUnlock()

	scopes, ok := m.byID[stableID]
	if !ok || len(scopes) == 0 {
		return nil
	}
	out := make([]Window, 0, len(scopes))
	for scope, e := range scopes {
		if !e.until.After(now) {
			continue
		}
		out = append(out, Window{
			Scope:   scope,
			Reason:  e.reason,
			Until:   e.until,
			Started: e.started,
			Level:   e.level,
		})
	}
	if len(out) == 0 {
		return nil
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Scope < out[j].Scope })
	return out
}

// Purge drops expired entries. Expiry is otherwise lazy at query time; the
// engine janitor calls this periodically to bound memory.
func (m *Manager) Purge() {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, scopes := range m.byID {
		for scope, e := range scopes {
			// Keep recently expired entries whose level still matters.
			if !e.until.After(now) && e.level == 0 {
				delete(scopes, scope)
			}
		}
		if len(scopes) == 0 {
			delete(m.byID, id)
		}
	}
}
