package usage

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tidwall/gjson"

	"github.com/nghyane/llm-rotor/internal/cooldown"
	"github.com/nghyane/llm-rotor/internal/credential"
	"github.com/nghyane/llm-rotor/internal/provider"
)

func TestPersistRoundTrip(t *testing.T) {
	dir := t.TempDir()
	windows := []provider.WindowConfig{{Name: "5h", Duration: 5 * time.Hour}}

	m1, _ := newTestManager(t, dir)
	if err := m1.RegisterProvider("codex", windows); err != nil {
		t.Fatal(err)
	}
	cred := credential.NewAPIKey("codex", "sk-round", "env:CODEX_1")
	m1.Register(cred)
	m1.RecordSuccess(cred, "gpt-5-codex", "codex", provider.Usage{PromptTokens: 100, CompletionTokens: 50, TotalTokens: 150})
	m1.RecordFailure(cred, "gpt-5-codex", "codex")
	m1.Flush(true)

	data, err := os.ReadFile(filepath.Join(dir, "usage_codex.json"))
	if err != nil {
		t.Fatalf("usage file not written: %v", err)
	}
	if v := gjson.GetBytes(data, "schema_version").Int(); v != 2 {
		t.Errorf("schema_version = %d, want 2", v)
	}
	base := "credentials." + cred.StableID
	if got := gjson.GetBytes(data, base+".model_usage.gpt-5-codex.windows.5h.request_count").Int(); got != 2 {
		t.Errorf("persisted window request_count = %d, want 2", got)
	}
	if got := gjson.GetBytes(data, base+".group_usage.codex.totals.failure_count").Int(); got != 1 {
		t.Errorf("persisted group failure_count = %d, want 1", got)
	}
	if got := gjson.GetBytes(data, base+".totals.prompt_tokens").Int(); got != 100 {
		t.Errorf("persisted totals prompt_tokens = %d, want 100", got)
	}
	if got := gjson.GetBytes(data, "accessor_index.env:CODEX_1").String(); got != cred.StableID {
		t.Errorf("accessor_index = %q, want stable id", got)
	}

	m2, _ := newTestManager(t, dir)
	if err := m2.RegisterProvider("codex", windows); err != nil {
		t.Fatal(err)
	}
	st := m2.state(cred.StableID)
	if st == nil {
		t.Fatal("state not restored")
	}
	if st.Totals.Counters.Requests != 2 || st.Totals.Counters.Successes != 1 {
		t.Errorf("restored totals = %+v", st.Totals.Counters)
	}
	win := st.Models["gpt-5-codex"].Windows["5h"]
	if win == nil {
		t.Fatal("restored model window missing")
	}
	if win.Counters.Requests != 2 {
		t.Errorf("restored window requests = %d, want 2", win.Counters.Requests)
	}
	// Duration is not serialized; loading must re-bind it from the
	// provider's window definitions.
	if win.Duration != 5*time.Hour {
		t.Errorf("restored window duration = %v, want 5h", win.Duration)
	}
	if st.Active() != 0 {
		t.Error("active requests must restart at zero")
	}
}

func TestLoadRollsExpiredWindows(t *testing.T) {
	dir := t.TempDir()
	windows := []provider.WindowConfig{{Name: "5h", Duration: 5 * time.Hour}}

	m1, _ := newTestManager(t, dir)
	if err := m1.RegisterProvider("codex", windows); err != nil {
		t.Fatal(err)
	}
	cred := credential.NewAPIKey("codex", "sk-expire", "env:CODEX_1")
	m1.Register(cred)
	m1.RecordSuccess(cred, "gpt-5-codex", "", provider.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15})
	m1.Flush(true)

	// Reopen well past the window boundary.
	m2, now2 := newTestManager(t, dir)
	*now2 = now2.Add(7 * time.Hour)
	if err := m2.RegisterProvider("codex", windows); err != nil {
		t.Fatal(err)
	}
	win := m2.state(cred.StableID).Models["gpt-5-codex"].Windows["5h"]
	if win.Counters.Requests != 0 {
		t.Errorf("expired window requests = %d, want 0 after load", win.Counters.Requests)
	}
	if win.MaxRecordedRequests != 1 {
		t.Errorf("MaxRecordedRequests = %d, must survive the roll", win.MaxRecordedRequests)
	}
}

func TestV1FileMigratesToStableIDs(t *testing.T) {
	dir := t.TempDir()
	v1 := `{
		"schema_version": 1,
		"key_states": {
			"env:OPENAI_KEY_1": {
				"provider": "legacy",
				"stable_id": "abc123",
				"totals": {"request_count": 7, "success_count": 6, "failure_count": 1, "total_tokens": 900}
			},
			"env:OPENAI_KEY_2": {
				"provider": "legacy",
				"totals": {"request_count": 2, "success_count": 2, "failure_count": 0, "total_tokens": 40}
			}
		}
	}`
	if err := os.WriteFile(filepath.Join(dir, "usage_legacy.json"), []byte(v1), 0o600); err != nil {
		t.Fatal(err)
	}

	m, _ := newTestManager(t, dir)
	if err := m.RegisterProvider("legacy", nil); err != nil {
		t.Fatal(err)
	}

	st := m.state("abc123")
	if st == nil {
		t.Fatal("migrated state not found under its stable id")
	}
	if st.Accessor != "env:OPENAI_KEY_1" {
		t.Errorf("accessor = %q, want the old map key", st.Accessor)
	}
	if st.Totals.Counters.Requests != 7 {
		t.Errorf("requests = %d, want 7", st.Totals.Counters.Requests)
	}
	if st.Priority != 999 {
		t.Errorf("priority = %d, want parse default 999", st.Priority)
	}

	// An entry without a stable_id keeps its old key as the id.
	if st2 := m.state("env:OPENAI_KEY_2"); st2 == nil {
		t.Error("entry without stable_id must keep the old key")
	}
}

func TestCorruptFileStartsFresh(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "usage_codex.json"), []byte("{broken"), 0o600); err != nil {
		t.Fatal(err)
	}

	m, _ := newTestManager(t, dir)
	if err := m.RegisterProvider("codex", nil); err != nil {
		t.Fatalf("corrupt file must not abort startup: %v", err)
	}
	if states := m.statesFor("codex"); len(states) != 0 {
		t.Errorf("states = %d, want none", len(states))
	}
}

func TestCooldownsSerializedWithSource(t *testing.T) {
	dir := t.TempDir()
	cm := cooldown.NewManager()
	m := NewManager(dir, cm)
	if err := m.RegisterProvider("codex", nil); err != nil {
		t.Fatal(err)
	}
	cred := credential.NewAPIKey("codex", "sk-cool", "env:CODEX_1")
	m.Register(cred)
	m.RecordSuccess(cred, "gpt-5-codex", "", provider.Usage{TotalTokens: 1})

	cm.SetCause(cred.StableID, "model:gpt-5-codex", time.Now().Add(time.Minute), "rate_limit")
	cm.SetCause(cred.StableID, "*", time.Now().Add(time.Minute), "auth_failure")
	m.Flush(true)

	data, err := os.ReadFile(filepath.Join(dir, "usage_codex.json"))
	if err != nil {
		t.Fatal(err)
	}
	base := "credentials." + cred.StableID + ".cooldowns"
	if got := gjson.GetBytes(data, base+".model:gpt-5-codex.source").String(); got != "provider" {
		t.Errorf("rate_limit source = %q, want provider", got)
	}
	if got := gjson.GetBytes(data, base+".model:gpt-5-codex.model_or_group").String(); got != "gpt-5-codex" {
		t.Errorf("model_or_group = %q, want bare model name", got)
	}
	// The wildcard scope key needs escaping in the query path.
	if got := gjson.GetBytes(data, base+`.\*.source`).String(); got != "system" {
		t.Errorf("auth_failure source = %q, want system", got)
	}
	mog := gjson.GetBytes(data, base+`.\*.model_or_group`)
	if !mog.Exists() || mog.Type != gjson.Null {
		t.Error("wildcard scope must serialize model_or_group as null")
	}
}

func TestFileStoreDebounce(t *testing.T) {
	fs := newFileStore(filepath.Join(t.TempDir(), "usage_x.json"))

	if fs.claim(false) {
		t.Error("clean store must not claim")
	}
	fs.markDirty()
	fs.mu.Lock()
	fs.lastSave = time.Now()
	fs.mu.Unlock()
	if fs.claim(false) {
		t.Error("dirty store inside the debounce must not claim")
	}
	if !fs.claim(true) {
		t.Error("force must claim a dirty store")
	}
	if fs.claim(true) {
		t.Error("claim must consume the dirty flag")
	}
}
