package usage

import (
	"hash"
	"hash/fnv"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/nghyane/llm-rotor/internal/cooldown"
	"github.com/nghyane/llm-rotor/internal/credential"
	log "github.com/nghyane/llm-rotor/internal/logging"
	"github.com/nghyane/llm-rotor/internal/provider"
)

const numStateShards = 32

type stateShard struct {
	mu     sync.RWMutex
	states map[string]*CredentialState
}

var stateHasherPool = sync.Pool{
	New: func() any { return fnv.New64a() },
}

func stateHashKey(key string) uint64 {
	h := stateHasherPool.Get().(hash.Hash64)
	h.Reset()
	h.Write([]byte(key))
	sum := h.Sum64()
	stateHasherPool.Put(h)
	return sum
}

// CycleGlobal records per-scope fair-cycle history for a provider.
type CycleGlobal struct {
	CycleCount  int64
	LastResetAt time.Time
}

type providerEntry struct {
	name    string
	windows []provider.WindowConfig

	mu         sync.Mutex
	members    map[string]struct{}
	scopeLocks map[string]*sync.Mutex
	global     map[string]*CycleGlobal

	store *fileStore
}

func (p *providerEntry) scopeLock(scope string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.scopeLocks[scope]
	if !ok {
		l = &sync.Mutex{}
		p.scopeLocks[scope] = l
	}
	return l
}

func (p *providerEntry) memberIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.members))
	for id := range p.members {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// CooldownSource supplies the active cooldowns included in usage snapshots.
// *cooldown.Manager satisfies it.
type CooldownSource interface {
	Windows(stableID string) []cooldown.Window
}

// Manager owns every credential's usage state, sharded by stable id so hot
// recording paths contend only within a shard.
type Manager struct {
	shards [numStateShards]*stateShard

	pmu       sync.RWMutex
	providers map[string]*providerEntry

	dataDir   string
	cooldowns CooldownSource
	events    *Recorder
	now       func() time.Time

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewManager(dataDir string, cooldowns CooldownSource) *Manager {
	m := &Manager{
		providers: make(map[string]*providerEntry),
		dataDir:   dataDir,
		cooldowns: cooldowns,
		now:       time.Now,
		stopChan:  make(chan struct{}),
	}
	for i := range m.shards {
		m.shards[i] = &stateShard{states: make(map[string]*CredentialState)}
	}
	return m
}

func (m *Manager) shard(stableID string) *stateShard {
	return m.shards[stateHashKey(stableID)%numStateShards]
}

func (m *Manager) state(stableID string) *CredentialState {
	s := m.shard(stableID)
	s.mu.RLock()
	st := s.states[stableID]
	s.mu.RUnlock()
	return st
}

func (m *Manager) getOrCreate(stableID, providerName string) *CredentialState {
	s := m.shard(stableID)

	s.mu.RLock()
	st, ok := s.states[stableID]
	s.mu.RUnlock()
	if ok {
		return st
	}

	s.mu.Lock()
	st, ok = s.states[stableID]
	if !ok {
		st = newCredentialState(stableID, providerName, m.now())
		s.states[stableID] = st
	}
	s.mu.Unlock()
	return st
}

func (m *Manager) adopt(st *CredentialState) {
	s := m.shard(st.StableID)
	s.mu.Lock()
	if _, ok := s.states[st.StableID]; !ok {
		s.states[st.StableID] = st
	}
	s.mu.Unlock()
}

func (m *Manager) entry(providerName string) *providerEntry {
	m.pmu.RLock()
	e := m.providers[providerName]
	m.pmu.RUnlock()
	return e
}

// RegisterProvider declares a provider's rolling windows and loads its
// persisted usage file. Must run before the provider's credentials register.
func (m *Manager) RegisterProvider(name string, windows []provider.WindowConfig) error {
	m.pmu.Lock()
	e, ok := m.providers[name]
	if !ok {
		e = &providerEntry{
			name:       name,
			members:    make(map[string]struct{}),
			scopeLocks: make(map[string]*sync.Mutex),
			global:     make(map[string]*CycleGlobal),
		}
		m.providers[name] = e
	}
	e.windows = windows
	m.pmu.Unlock()

	if m.dataDir == "" {
		return nil
	}
	if e.store == nil {
		e.store = newFileStore(filepath.Join(m.dataDir, "usage_"+name+".json"))
	}

	states, global, err := e.store.load()
	if err != nil {
		return err
	}
	now := m.now()
	for _, st := range states {
		st.Provider = name
		// Restored windows carry only counters and boundaries; re-bind
		// the live definitions and roll anything that expired offline.
		st.mu.Lock()
		for _, sc := range st.Models {
			sc.ensureWindows(windows)
			sc.rollAll(now)
		}
		for _, sc := range st.Groups {
			sc.ensureWindows(windows)
			sc.rollAll(now)
		}
		st.mu.Unlock()
		m.adopt(st)
	}
	if len(global) > 0 {
		e.mu.Lock()
		for scope, g := range global {
			e.global[scope] = g
		}
		e.mu.Unlock()
	}
	if len(states) > 0 {
		log.Debugf("usage: loaded %d credential snapshots for %s", len(states), name)
	}
	return nil
}

// Register binds a discovered credential to its (possibly persisted) state
// and refreshes the identity metadata carried in snapshots.
func (m *Manager) Register(cred *credential.Credential) {
	st := m.getOrCreate(cred.StableID, cred.Provider)

	st.mu.Lock()
	st.Provider = cred.Provider
	st.Accessor = cred.Accessor
	st.DisplayName = cred.DisplayName()
	st.Tier = cred.Tier
	st.Priority = cred.Priority
	st.MaxConcurrent = cred.MaxConcurrent
	st.mu.Unlock()

	if e := m.entry(cred.Provider); e != nil {
		e.mu.Lock()
		e.members[cred.StableID] = struct{}{}
		e.mu.Unlock()
	}
}

// StartRequest claims a concurrency slot. limit <= 0 means unlimited.
// Returns false without side effects when the credential is at capacity.
func (m *Manager) StartRequest(cred *credential.Credential, limit int64) (*Slot, bool) {
	st := m.getOrCreate(cred.StableID, cred.Provider)
	for {
		cur := st.active.Load()
		if limit > 0 && cur >= limit {
			return nil, false
		}
		if st.active.CompareAndSwap(cur, cur+1) {
			return &Slot{state: st}, true
		}
	}
}

// ActiveRequests returns the live in-flight count for a credential.
func (m *Manager) ActiveRequests(stableID string) int64 {
	return m.state(stableID).Active()
}

// RecordSuccess books one successful request against the credential's
// windows, model stats, group stats (when group is non-empty), and totals.
func (m *Manager) RecordSuccess(cred *credential.Credential, model, group string, u provider.Usage) {
	m.recordOutcome(cred, model, group, true, u)
}

// RecordFailure books one failed request. No token or cost counters move.
func (m *Manager) RecordFailure(cred *credential.Credential, model, group string) {
	m.recordOutcome(cred, model, group, false, provider.Usage{})
}

func (m *Manager) recordOutcome(cred *credential.Credential, model, group string, success bool, u provider.Usage) {
	e := m.entry(cred.Provider)
	var windows []provider.WindowConfig
	if e != nil {
		windows = e.windows
	}

	var cost float64
	if success {
		cost = Cost(model, u)
	}

	now := m.now()
	st := m.getOrCreate(cred.StableID, cred.Provider)
	st.record(now, windows, model, group, success, u, cost)
	m.markDirty(cred.Provider)

	if m.events != nil {
		m.events.Record(newEvent(cred.Provider, model, cred.StableID, group, now, !success, u, cost))
	}
}

// AttachEvents mirrors every recorded outcome into the optional event log.
func (m *Manager) AttachEvents(r *Recorder) { m.events = r }

// OrderingKey is what the selector sorts same-priority credentials by.
type OrderingKey struct {
	PrimaryRequests int64
	LastUsed        time.Time
}

// OrderingKey reads the primary-window request count and last-use time for
// (credential, scope). scope is the quota group when defined, else the model.
func (m *Manager) OrderingKey(cred *credential.Credential, scope string) OrderingKey {
	st := m.state(cred.StableID)
	if st == nil {
		return OrderingKey{}
	}
	e := m.entry(cred.Provider)
	var windows []provider.WindowConfig
	if e != nil {
		windows = e.windows
	}
	requests := st.primaryRequests(m.now(), windows, scope)

	st.mu.RLock()
	last := st.Totals.LastUsedAt
	st.mu.RUnlock()

	return OrderingKey{PrimaryRequests: requests, LastUsed: last}
}

// SetExhausted flags (credential, scope) as done for the current fair
// cycle. When that makes every registered credential of the provider
// exhausted for the scope, all flags clear atomically and the reset is
// reported, so the next cycle starts fresh.
func (m *Manager) SetExhausted(providerName, stableID, scope, reason string) (cycleReset bool) {
	e := m.entry(providerName)
	if e == nil {
		return false
	}
	lock := e.scopeLock(scope)
	lock.Lock()
	defer lock.Unlock()

	st := m.getOrCreate(stableID, providerName)
	now := m.now()
	st.mu.Lock()
	fc := st.fairCycle(scope)
	fc.Exhausted = true
	fc.ExhaustedAt = now
	fc.ExhaustedReason = reason
	st.mu.Unlock()

	members := e.memberIDs()
	for _, id := range members {
		s := m.state(id)
		if s == nil {
			continue
		}
		s.mu.RLock()
		fc, ok := s.FairCycle[scope]
		exhausted := ok && fc.Exhausted
		s.mu.RUnlock()
		if !exhausted {
			m.markDirty(providerName)
			return false
		}
	}

	for _, id := range members {
		s := m.state(id)
		if s == nil {
			continue
		}
		s.mu.Lock()
		if fc, ok := s.FairCycle[scope]; ok {
			fc.Exhausted = false
			fc.ExhaustedAt = time.Time{}
			fc.ExhaustedReason = ""
			fc.CycleRequests = 0
		}
		s.mu.Unlock()
	}

	e.mu.Lock()
	g, ok := e.global[scope]
	if !ok {
		g = &CycleGlobal{}
		e.global[scope] = g
	}
	g.CycleCount++
	g.LastResetAt = now
	e.mu.Unlock()

	log.Debugf("usage: fair cycle for %s scope %q reset after %d credentials exhausted", providerName, scope, len(members))
	m.markDirty(providerName)
	return true
}

// Exhausted reports whether (credential, scope) is flagged for this cycle.
func (m *Manager) Exhausted(stableID, scope string) bool {
	st := m.state(stableID)
	if st == nil {
		return false
	}
	st.mu.RLock()
	defer st.mu.RUnlock()
	fc, ok := st.FairCycle[scope]
	return ok && fc.Exhausted
}

// ClearExhausted drops every fair-cycle flag for one credential, typically
// after a successful token refresh restored it.
func (m *Manager) ClearExhausted(stableID string) {
	st := m.state(stableID)
	if st == nil {
		return
	}
	st.mu.Lock()
	providerName := st.Provider
	for _, fc := range st.FairCycle {
		fc.Exhausted = false
		fc.ExhaustedAt = time.Time{}
		fc.ExhaustedReason = ""
		fc.CycleRequests = 0
	}
	st.mu.Unlock()
	m.markDirty(providerName)
}

func (m *Manager) markDirty(providerName string) {
	if e := m.entry(providerName); e != nil && e.store != nil {
		e.store.markDirty()
	}
}

// Flush persists every dirty provider file; force bypasses the debounce.
func (m *Manager) Flush(force bool) {
	m.pmu.RLock()
	entries := make([]*providerEntry, 0, len(m.providers))
	for _, e := range m.providers {
		entries = append(entries, e)
	}
	m.pmu.RUnlock()

	for _, e := range entries {
		if e.store == nil || !e.store.claim(force) {
			continue
		}
		if err := e.store.save(m.snapshotDoc(e)); err != nil {
			e.store.markDirty()
			log.Errorf("usage: saving %s failed: %v", e.store.path, err)
		}
	}
}

// Start launches the debounced background writer.
func (m *Manager) Start() {
	m.wg.Add(1)
	go m.flushLoop()
}

// Stop halts the writer and forces a final save.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopChan)
	})
	m.wg.Wait()
	m.Flush(true)
}

func (m *Manager) flushLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.Flush(false)
		case <-m.stopChan:
			return
		}
	}
}
