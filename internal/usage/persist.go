package usage

import (
	"bytes"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nghyane/llm-rotor/internal/cooldown"
	"github.com/nghyane/llm-rotor/internal/json"
	log "github.com/nghyane/llm-rotor/internal/logging"
	"github.com/nghyane/llm-rotor/internal/resilience"
)

const (
	schemaVersion = 2
	saveDebounce  = 5 * time.Second
	humanLayout   = "2006-01-02 15:04:05"
)

// Timestamps persist as epoch-second floats with a local-time mirror so the
// file stays greppable. Null means never.

func tsFloat(t time.Time) *float64 {
	if t.IsZero() {
		return nil
	}
	v := float64(t.UnixNano()) / float64(time.Second)
	return &v
}

func tsHuman(t time.Time) *string {
	if t.IsZero() {
		return nil
	}
	s := t.Local().Format(humanLayout)
	return &s
}

func fromTS(v *float64) time.Time {
	if v == nil || *v == 0 {
		return time.Time{}
	}
	sec := int64(*v)
	nsec := int64((*v - float64(sec)) * float64(time.Second))
	return time.Unix(sec, nsec)
}

type windowJSON struct {
	RequestCount     int64   `json:"request_count"`
	SuccessCount     int64   `json:"success_count"`
	FailureCount     int64   `json:"failure_count"`
	PromptTokens     int64   `json:"prompt_tokens"`
	CompletionTokens int64   `json:"completion_tokens"`
	ThinkingTokens   int64   `json:"thinking_tokens"`
	OutputTokens     int64   `json:"output_tokens"`
	CacheReadTokens  int64   `json:"prompt_tokens_cache_read"`
	CacheWriteTokens int64   `json:"prompt_tokens_cache_write"`
	TotalTokens      int64   `json:"total_tokens"`
	ApproxCost       float64 `json:"approx_cost"`

	StartedAt      *float64 `json:"started_at"`
	StartedAtHuman *string  `json:"started_at_human"`
	ResetAt        *float64 `json:"reset_at"`
	ResetAtHuman   *string  `json:"reset_at_human"`
	Limit          *int64   `json:"limit"`

	MaxRecordedRequests *int64   `json:"max_recorded_requests"`
	MaxRecordedAt       *float64 `json:"max_recorded_at"`
	MaxRecordedAtHuman  *string  `json:"max_recorded_at_human"`
	FirstUsedAt         *float64 `json:"first_used_at"`
	FirstUsedAtHuman    *string  `json:"first_used_at_human"`
	LastUsedAt          *float64 `json:"last_used_at"`
	LastUsedAtHuman     *string  `json:"last_used_at_human"`
}

type totalsJSON struct {
	RequestCount     int64   `json:"request_count"`
	SuccessCount     int64   `json:"success_count"`
	FailureCount     int64   `json:"failure_count"`
	PromptTokens     int64   `json:"prompt_tokens"`
	CompletionTokens int64   `json:"completion_tokens"`
	ThinkingTokens   int64   `json:"thinking_tokens"`
	OutputTokens     int64   `json:"output_tokens"`
	CacheReadTokens  int64   `json:"prompt_tokens_cache_read"`
	CacheWriteTokens int64   `json:"prompt_tokens_cache_write"`
	TotalTokens      int64   `json:"total_tokens"`
	ApproxCost       float64 `json:"approx_cost"`

	FirstUsedAt      *float64 `json:"first_used_at"`
	FirstUsedAtHuman *string  `json:"first_used_at_human"`
	LastUsedAt       *float64 `json:"last_used_at"`
	LastUsedAtHuman  *string  `json:"last_used_at_human"`
}

type scopeJSON struct {
	Windows map[string]*windowJSON `json:"windows"`
	Totals  *totalsJSON            `json:"totals"`
}

type cooldownJSON struct {
	Reason         string   `json:"reason"`
	Until          float64  `json:"until"`
	UntilHuman     *string  `json:"until_human"`
	StartedAt      float64  `json:"started_at"`
	StartedAtHuman *string  `json:"started_at_human"`
	Source         string   `json:"source"`
	ModelOrGroup   *string  `json:"model_or_group"`
	BackoffCount   int      `json:"backoff_count"`
}

type fairCycleJSON struct {
	Exhausted         bool     `json:"exhausted"`
	ExhaustedAt       *float64 `json:"exhausted_at"`
	ExhaustedAtHuman  *string  `json:"exhausted_at_human"`
	ExhaustedReason   *string  `json:"exhausted_reason"`
	CycleRequestCount int64    `json:"cycle_request_count"`
}

type credentialJSON struct {
	// StableID only appears in legacy v1 files, where entries were keyed
	// by accessor.
	StableID string `json:"stable_id,omitempty"`

	Provider    string  `json:"provider"`
	Accessor    string  `json:"accessor"`
	DisplayName *string `json:"display_name"`
	Tier        *string `json:"tier"`
	Priority    *int    `json:"priority"`

	ModelUsage map[string]*scopeJSON     `json:"model_usage"`
	GroupUsage map[string]*scopeJSON     `json:"group_usage"`
	Totals     *totalsJSON               `json:"totals"`
	Cooldowns  map[string]*cooldownJSON  `json:"cooldowns"`
	FairCycle  map[string]*fairCycleJSON `json:"fair_cycle"`

	MaxConcurrent    *int     `json:"max_concurrent"`
	CreatedAt        *float64 `json:"created_at"`
	CreatedAtHuman   *string  `json:"created_at_human"`
	LastUpdated      *float64 `json:"last_updated"`
	LastUpdatedHuman *string  `json:"last_updated_human"`
}

type cycleGlobalJSON struct {
	CycleCount       int64    `json:"cycle_count"`
	LastResetAt      *float64 `json:"last_reset_at"`
	LastResetAtHuman *string  `json:"last_reset_at_human"`
}

type usageDoc struct {
	SchemaVersion   int                         `json:"schema_version"`
	UpdatedAt       string                      `json:"updated_at"`
	Credentials     map[string]*credentialJSON  `json:"credentials"`
	AccessorIndex   map[string]string           `json:"accessor_index"`
	FairCycleGlobal map[string]*cycleGlobalJSON `json:"fair_cycle_global"`
}

// fileStore owns one provider's usage file. Saves are debounced behind a
// dirty flag; shutdown forces a final write.
type fileStore struct {
	path     string
	mu       sync.Mutex
	dirty    atomic.Bool
	lastSave time.Time
}

func newFileStore(path string) *fileStore {
	if dir := filepath.Dir(path); dir != "" {
		_ = os.MkdirAll(dir, 0o755)
	}
	return &fileStore{path: path}
}

func (fs *fileStore) markDirty() { fs.dirty.Store(true) }

// claim takes the dirty flag when a save is due. Taking it before the
// snapshot is built means changes landing mid-save re-dirty the store
// instead of vanishing; callers re-mark on write failure.
func (fs *fileStore) claim(force bool) bool {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if !fs.dirty.Load() {
		return false
	}
	if !force && time.Since(fs.lastSave) < saveDebounce {
		return false
	}
	fs.dirty.Store(false)
	return true
}

func (fs *fileStore) save(doc *usageDoc) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	if err := resilience.WriteFileAtomic(fs.path, data, 0o600); err != nil {
		return err
	}
	fs.mu.Lock()
	fs.lastSave = time.Now()
	fs.mu.Unlock()
	return nil
}

// load reads and parses the usage file. A missing file is not an error; a
// corrupt file is logged and treated as empty rather than aborting startup.
func (fs *fileStore) load() (map[string]*CredentialState, map[string]*CycleGlobal, error) {
	data, err := os.ReadFile(fs.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, nil
		}
		return nil, nil, err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil, nil
	}

	var doc usageDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		log.Errorf("usage: cannot parse %s, starting fresh: %v", fs.path, err)
		return nil, nil, nil
	}
	if doc.SchemaVersion < schemaVersion {
		log.Infof("usage: migrating %s from schema v%d to v%d", fs.path, doc.SchemaVersion, schemaVersion)
		migrateV1(&doc, data)
	}

	states := make(map[string]*CredentialState, len(doc.Credentials))
	for id, cj := range doc.Credentials {
		if cj == nil {
			continue
		}
		states[id] = cj.toState(id)
	}

	var global map[string]*CycleGlobal
	if len(doc.FairCycleGlobal) > 0 {
		global = make(map[string]*CycleGlobal, len(doc.FairCycleGlobal))
		for scope, gj := range doc.FairCycleGlobal {
			if gj == nil {
				continue
			}
			global[scope] = &CycleGlobal{
				CycleCount:  gj.CycleCount,
				LastResetAt: fromTS(gj.LastResetAt),
			}
		}
	}
	return states, global, nil
}

type docV1 struct {
	Credentials map[string]*credentialJSON `json:"credentials"`
	KeyStates   map[string]*credentialJSON `json:"key_states"`
}

// migrateV1 rekeys a v1 document (accessor-keyed) by stable id, carrying the
// old key into the accessor field and accessor_index.
func migrateV1(doc *usageDoc, raw []byte) {
	var v1 docV1
	if err := json.Unmarshal(raw, &v1); err != nil {
		return
	}
	old := v1.Credentials
	if len(old) == 0 {
		old = v1.KeyStates
	}

	doc.Credentials = make(map[string]*credentialJSON, len(old))
	if doc.AccessorIndex == nil {
		doc.AccessorIndex = make(map[string]string, len(old))
	}
	for key, cj := range old {
		if cj == nil {
			continue
		}
		id := cj.StableID
		if id == "" {
			id = key
		}
		cj.Accessor = key
		doc.Credentials[id] = cj
		doc.AccessorIndex[key] = id
	}
	doc.SchemaVersion = schemaVersion
}

func (w *windowJSON) toWindow(name string) *Window {
	win := &Window{
		Name:      name,
		StartedAt: fromTS(w.StartedAt),
		ResetAt:   fromTS(w.ResetAt),
		Counters: Counters{
			Requests:   w.RequestCount,
			Successes:  w.SuccessCount,
			Failures:   w.FailureCount,
			Prompt:     w.PromptTokens,
			Completion: w.CompletionTokens,
			Thinking:   w.ThinkingTokens,
			Output:     w.OutputTokens,
			CacheRead:  w.CacheReadTokens,
			CacheWrite: w.CacheWriteTokens,
			Total:      w.TotalTokens,
			Cost:       w.ApproxCost,
		},
		MaxRecordedAt: fromTS(w.MaxRecordedAt),
		FirstUsedAt:   fromTS(w.FirstUsedAt),
		LastUsedAt:    fromTS(w.LastUsedAt),
	}
	if w.Limit != nil {
		win.Limit = *w.Limit
	}
	if w.MaxRecordedRequests != nil {
		win.MaxRecordedRequests = *w.MaxRecordedRequests
	}
	return win
}

func windowToJSON(w *Window) *windowJSON {
	wj := &windowJSON{
		RequestCount:     w.Counters.Requests,
		SuccessCount:     w.Counters.Successes,
		FailureCount:     w.Counters.Failures,
		PromptTokens:     w.Counters.Prompt,
		CompletionTokens: w.Counters.Completion,
		ThinkingTokens:   w.Counters.Thinking,
		OutputTokens:     w.Counters.Output,
		CacheReadTokens:  w.Counters.CacheRead,
		CacheWriteTokens: w.Counters.CacheWrite,
		TotalTokens:      w.Counters.Total,
		ApproxCost:       w.Counters.Cost,

		StartedAt:      tsFloat(w.StartedAt),
		StartedAtHuman: tsHuman(w.StartedAt),
		ResetAt:        tsFloat(w.ResetAt),
		ResetAtHuman:   tsHuman(w.ResetAt),

		MaxRecordedAt:      tsFloat(w.MaxRecordedAt),
		MaxRecordedAtHuman: tsHuman(w.MaxRecordedAt),
		FirstUsedAt:        tsFloat(w.FirstUsedAt),
		FirstUsedAtHuman:   tsHuman(w.FirstUsedAt),
		LastUsedAt:         tsFloat(w.LastUsedAt),
		LastUsedAtHuman:    tsHuman(w.LastUsedAt),
	}
	if w.Limit > 0 {
		v := w.Limit
		wj.Limit = &v
	}
	if w.MaxRecordedRequests > 0 {
		v := w.MaxRecordedRequests
		wj.MaxRecordedRequests = &v
	}
	return wj
}

func (t *totalsJSON) toTotals() Totals {
	return Totals{
		Counters: Counters{
			Requests:   t.RequestCount,
			Successes:  t.SuccessCount,
			Failures:   t.FailureCount,
			Prompt:     t.PromptTokens,
			Completion: t.CompletionTokens,
			Thinking:   t.ThinkingTokens,
			Output:     t.OutputTokens,
			CacheRead:  t.CacheReadTokens,
			CacheWrite: t.CacheWriteTokens,
			Total:      t.TotalTokens,
			Cost:       t.ApproxCost,
		},
		FirstUsedAt: fromTS(t.FirstUsedAt),
		LastUsedAt:  fromTS(t.LastUsedAt),
	}
}

func totalsToJSON(t Totals) *totalsJSON {
	return &totalsJSON{
		RequestCount:     t.Counters.Requests,
		SuccessCount:     t.Counters.Successes,
		FailureCount:     t.Counters.Failures,
		PromptTokens:     t.Counters.Prompt,
		CompletionTokens: t.Counters.Completion,
		ThinkingTokens:   t.Counters.Thinking,
		OutputTokens:     t.Counters.Output,
		CacheReadTokens:  t.Counters.CacheRead,
		CacheWriteTokens: t.Counters.CacheWrite,
		TotalTokens:      t.Counters.Total,
		ApproxCost:       t.Counters.Cost,

		FirstUsedAt:      tsFloat(t.FirstUsedAt),
		FirstUsedAtHuman: tsHuman(t.FirstUsedAt),
		LastUsedAt:       tsFloat(t.LastUsedAt),
		LastUsedAtHuman:  tsHuman(t.LastUsedAt),
	}
}

func (s *scopeJSON) toScope() *ScopeStats {
	stats := newScopeStats()
	for name, wj := range s.Windows {
		// "total" was a pseudo-window before lifetime totals existed.
		if name == "total" || wj == nil {
			continue
		}
		stats.Windows[name] = wj.toWindow(name)
	}
	if s.Totals != nil {
		stats.Totals = s.Totals.toTotals()
	}
	return stats
}

func scopeToJSON(s *ScopeStats) *scopeJSON {
	sj := &scopeJSON{
		Windows: make(map[string]*windowJSON, len(s.Windows)),
		Totals:  totalsToJSON(s.Totals),
	}
	for name, w := range s.Windows {
		sj.Windows[name] = windowToJSON(w)
	}
	return sj
}

func (cj *credentialJSON) toState(stableID string) *CredentialState {
	st := &CredentialState{
		StableID:  stableID,
		Provider:  cj.Provider,
		Accessor:  cj.Accessor,
		Priority:  999,
		Models:    make(map[string]*ScopeStats, len(cj.ModelUsage)),
		Groups:    make(map[string]*ScopeStats, len(cj.GroupUsage)),
		FairCycle: make(map[string]*FairCycleState, len(cj.FairCycle)),

		CreatedAt:   fromTS(cj.CreatedAt),
		LastUpdated: fromTS(cj.LastUpdated),
	}
	if cj.Priority != nil {
		st.Priority = *cj.Priority
	}
	if st.Accessor == "" {
		st.Accessor = stableID
	}
	if cj.DisplayName != nil {
		st.DisplayName = *cj.DisplayName
	}
	if cj.Tier != nil {
		st.Tier = *cj.Tier
	}
	if cj.MaxConcurrent != nil {
		st.MaxConcurrent = *cj.MaxConcurrent
	}
	for model, sj := range cj.ModelUsage {
		if sj != nil {
			st.Models[model] = sj.toScope()
		}
	}
	for group, sj := range cj.GroupUsage {
		if sj != nil {
			st.Groups[group] = sj.toScope()
		}
	}
	if cj.Totals != nil {
		st.Totals = cj.Totals.toTotals()
	}
	for scope, fj := range cj.FairCycle {
		if fj == nil {
			continue
		}
		fc := &FairCycleState{
			Exhausted:     fj.Exhausted,
			ExhaustedAt:   fromTS(fj.ExhaustedAt),
			CycleRequests: fj.CycleRequestCount,
		}
		if fj.ExhaustedReason != nil {
			fc.ExhaustedReason = *fj.ExhaustedReason
		}
		st.FairCycle[scope] = fc
	}
	// Persisted cooldowns are observability copies; live cooldown state
	// is rebuilt from provider responses, and active_requests always
	// restarts at zero.
	return st
}

// cooldownSource derives the persisted source tag from the reason: provider
// responses report rate and quota limits, everything else is synthetic.
func cooldownSourceFor(reason string) string {
	switch reason {
	case "rate_limit", "quota_exhausted":
		return "provider"
	default:
		return "system"
	}
}

func cooldownToJSON(w cooldown.Window) *cooldownJSON {
	reason := w.Reason
	if reason == "" {
		reason = "unknown"
	}
	cj := &cooldownJSON{
		Reason:         reason,
		Until:          float64(w.Until.UnixNano()) / float64(time.Second),
		UntilHuman:     tsHuman(w.Until),
		StartedAt:      float64(w.Started.UnixNano()) / float64(time.Second),
		StartedAtHuman: tsHuman(w.Started),
		Source:         cooldownSourceFor(w.Reason),
		BackoffCount:   w.Level,
	}
	if target, ok := strings.CutPrefix(w.Scope, "model:"); ok {
		cj.ModelOrGroup = &target
	} else if target, ok := strings.CutPrefix(w.Scope, "group:"); ok {
		cj.ModelOrGroup = &target
	}
	return cj
}

// serializeState snapshots one credential under its lock, rolling due
// windows first so the file never shows a stale interval.
func serializeState(st *CredentialState, now time.Time, cooldowns []cooldown.Window) *credentialJSON {
	st.mu.Lock()
	defer st.mu.Unlock()

	for _, sc := range st.Models {
		sc.rollAll(now)
	}
	for _, sc := range st.Groups {
		sc.rollAll(now)
	}

	prio := st.Priority
	cj := &credentialJSON{
		Provider:   st.Provider,
		Accessor:   st.Accessor,
		Priority:   &prio,
		ModelUsage: make(map[string]*scopeJSON, len(st.Models)),
		GroupUsage: make(map[string]*scopeJSON, len(st.Groups)),
		Totals:     totalsToJSON(st.Totals),
		Cooldowns:  make(map[string]*cooldownJSON, len(cooldowns)),
		FairCycle:  make(map[string]*fairCycleJSON, len(st.FairCycle)),

		CreatedAt:        tsFloat(st.CreatedAt),
		CreatedAtHuman:   tsHuman(st.CreatedAt),
		LastUpdated:      tsFloat(st.LastUpdated),
		LastUpdatedHuman: tsHuman(st.LastUpdated),
	}
	if st.DisplayName != "" {
		v := st.DisplayName
		cj.DisplayName = &v
	}
	if st.Tier != "" {
		v := st.Tier
		cj.Tier = &v
	}
	if st.MaxConcurrent > 0 {
		v := st.MaxConcurrent
		cj.MaxConcurrent = &v
	}
	for model, sc := range st.Models {
		cj.ModelUsage[model] = scopeToJSON(sc)
	}
	for group, sc := range st.Groups {
		cj.GroupUsage[group] = scopeToJSON(sc)
	}
	for _, w := range cooldowns {
		if w.Until.After(now) {
			cj.Cooldowns[w.Scope] = cooldownToJSON(w)
		}
	}
	for scope, fc := range st.FairCycle {
		fj := &fairCycleJSON{
			Exhausted:         fc.Exhausted,
			ExhaustedAt:       tsFloat(fc.ExhaustedAt),
			ExhaustedAtHuman:  tsHuman(fc.ExhaustedAt),
			CycleRequestCount: fc.CycleRequests,
		}
		if fc.ExhaustedReason != "" {
			v := fc.ExhaustedReason
			fj.ExhaustedReason = &v
		}
		cj.FairCycle[scope] = fj
	}
	return cj
}

// statesFor collects every tracked state for a provider, including history
// loaded for credentials that are not currently registered.
func (m *Manager) statesFor(providerName string) []*CredentialState {
	var out []*CredentialState
	for _, sh := range m.shards {
		sh.mu.RLock()
		for _, st := range sh.states {
			if st.Provider == providerName {
				out = append(out, st)
			}
		}
		sh.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StableID < out[j].StableID })
	return out
}

func (m *Manager) snapshotDoc(e *providerEntry) *usageDoc {
	now := m.now()
	doc := &usageDoc{
		SchemaVersion:   schemaVersion,
		UpdatedAt:       now.UTC().Format(time.RFC3339),
		Credentials:     make(map[string]*credentialJSON),
		AccessorIndex:   make(map[string]string),
		FairCycleGlobal: make(map[string]*cycleGlobalJSON),
	}
	for _, st := range m.statesFor(e.name) {
		var windows []cooldown.Window
		if m.cooldowns != nil {
			windows = m.cooldowns.Windows(st.StableID)
		}
		cj := serializeState(st, now, windows)
		doc.Credentials[st.StableID] = cj
		doc.AccessorIndex[cj.Accessor] = st.StableID
	}

	e.mu.Lock()
	for scope, g := range e.global {
		doc.FairCycleGlobal[scope] = &cycleGlobalJSON{
			CycleCount:       g.CycleCount,
			LastResetAt:      tsFloat(g.LastResetAt),
			LastResetAtHuman: tsHuman(g.LastResetAt),
		}
	}
	e.mu.Unlock()
	return doc
}
