package usage

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/nghyane/llm-rotor/internal/credential"
	"github.com/nghyane/llm-rotor/internal/provider"
)

func newTestManager(t *testing.T, dir string) (*Manager, *time.Time) {
	t.Helper()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	m := NewManager(dir, nil)
	m.now = func() time.Time { return now }
	return m, &now
}

var testWindows = []provider.WindowConfig{
	{Name: "5h", Duration: 5 * time.Hour},
	{Name: "daily", Duration: 24 * time.Hour},
}

func TestRecordWalksModelGroupAndTotals(t *testing.T) {
	m, _ := newTestManager(t, "")
	if err := m.RegisterProvider("codex", testWindows); err != nil {
		t.Fatal(err)
	}
	cred := credential.NewAPIKey("codex", "sk-walk", "env:CODEX_1")
	m.Register(cred)

	u := provider.Usage{PromptTokens: 1000, CompletionTokens: 500, ThinkingTokens: 100, TotalTokens: 1600}
	m.RecordSuccess(cred, "gpt-5-codex", "codex", u)
	m.RecordFailure(cred, "gpt-5-codex", "codex")

	st := m.state(cred.StableID)
	if st == nil {
		t.Fatal("no state after record")
	}

	win := st.Models["gpt-5-codex"].Windows["5h"]
	if win.Counters.Requests != 2 || win.Counters.Successes != 1 || win.Counters.Failures != 1 {
		t.Errorf("model window counters = %+v, want 2/1/1", win.Counters)
	}
	// Failures must not move token counters.
	if win.Counters.Prompt != 1000 || win.Counters.Completion != 500 {
		t.Errorf("token counters = %d/%d, want 1000/500", win.Counters.Prompt, win.Counters.Completion)
	}
	if win.Counters.Output != 600 {
		t.Errorf("output = %d, want completion+thinking = 600", win.Counters.Output)
	}

	gwin := st.Groups["codex"].Windows["5h"]
	if gwin.Counters.Requests != 2 {
		t.Errorf("group window requests = %d, want 2", gwin.Counters.Requests)
	}
	if st.Totals.Counters.Requests != 2 || st.Totals.Counters.Total != 1600 {
		t.Errorf("totals = %+v, want 2 requests / 1600 tokens", st.Totals.Counters)
	}

	// gpt-5-codex is priced, so the success must book a nonzero cost.
	wantCost := 1000*1.25/1e6 + 500*10.0/1e6
	if math.Abs(st.Totals.Counters.Cost-wantCost) > 1e-9 {
		t.Errorf("cost = %v, want %v", st.Totals.Counters.Cost, wantCost)
	}
}

func TestWindowRollsInPlace(t *testing.T) {
	m, now := newTestManager(t, "")
	if err := m.RegisterProvider("codex", testWindows); err != nil {
		t.Fatal(err)
	}
	cred := credential.NewAPIKey("codex", "sk-roll", "env:CODEX_1")
	m.Register(cred)
	start := *now

	u := provider.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}
	m.RecordSuccess(cred, "gpt-5-codex", "", u)
	m.RecordSuccess(cred, "gpt-5-codex", "", u)

	st := m.state(cred.StableID)
	win := st.Models["gpt-5-codex"].Windows["5h"]
	if win.Counters.Requests != 2 {
		t.Fatalf("requests = %d, want 2", win.Counters.Requests)
	}

	// Crossing the 5h boundary rolls that window but not the daily one.
	*now = start.Add(6 * time.Hour)
	m.RecordSuccess(cred, "gpt-5-codex", "", u)

	if win.Counters.Requests != 1 {
		t.Errorf("5h window after roll = %d requests, want 1", win.Counters.Requests)
	}
	if !win.StartedAt.Equal(start.Add(6 * time.Hour)) {
		t.Errorf("5h window StartedAt = %v, want roll time", win.StartedAt)
	}
	if win.MaxRecordedRequests != 2 {
		t.Errorf("MaxRecordedRequests = %d, must survive the roll", win.MaxRecordedRequests)
	}
	if !win.FirstUsedAt.Equal(start) {
		t.Errorf("FirstUsedAt = %v, must survive the roll", win.FirstUsedAt)
	}

	daily := st.Models["gpt-5-codex"].Windows["daily"]
	if daily.Counters.Requests != 3 {
		t.Errorf("daily window = %d requests, want 3", daily.Counters.Requests)
	}
}

func TestConcurrencySlots(t *testing.T) {
	m, _ := newTestManager(t, "")
	cred := credential.NewAPIKey("codex", "sk-slots", "env:CODEX_1")

	s1, ok := m.StartRequest(cred, 2)
	if !ok {
		t.Fatal("first slot refused")
	}
	if _, ok := m.StartRequest(cred, 2); !ok {
		t.Fatal("second slot refused")
	}
	if _, ok := m.StartRequest(cred, 2); ok {
		t.Fatal("third slot granted over the cap")
	}

	s1.End()
	if got := m.ActiveRequests(cred.StableID); got != 1 {
		t.Errorf("active = %d after End, want 1", got)
	}
	// End is idempotent.
	s1.End()
	if got := m.ActiveRequests(cred.StableID); got != 1 {
		t.Errorf("active = %d after double End, want 1", got)
	}

	// limit <= 0 means unlimited.
	for i := 0; i < 10; i++ {
		if _, ok := m.StartRequest(cred, 0); !ok {
			t.Fatal("unlimited slot refused")
		}
	}
}

func TestFairCycleResetWhenAllExhausted(t *testing.T) {
	m, _ := newTestManager(t, "")
	if err := m.RegisterProvider("codex", nil); err != nil {
		t.Fatal(err)
	}
	c1 := credential.NewAPIKey("codex", "sk-fc-1", "env:CODEX_1")
	c2 := credential.NewAPIKey("codex", "sk-fc-2", "env:CODEX_2")
	m.Register(c1)
	m.Register(c2)

	if reset := m.SetExhausted("codex", c1.StableID, "codex", "quota_exhausted"); reset {
		t.Fatal("reset reported while a credential is still fresh")
	}
	if !m.Exhausted(c1.StableID, "codex") {
		t.Fatal("c1 must be flagged exhausted")
	}
	if m.Exhausted(c2.StableID, "codex") {
		t.Fatal("c2 must not be flagged")
	}

	if reset := m.SetExhausted("codex", c2.StableID, "codex", "quota_exhausted"); !reset {
		t.Fatal("last credential exhausting the scope must reset the cycle")
	}
	if m.Exhausted(c1.StableID, "codex") || m.Exhausted(c2.StableID, "codex") {
		t.Error("reset must clear every flag")
	}

	e := m.entry("codex")
	e.mu.Lock()
	g := e.global["codex"]
	e.mu.Unlock()
	if g == nil || g.CycleCount != 1 {
		t.Errorf("cycle global = %+v, want count 1", g)
	}
}

func TestClearExhausted(t *testing.T) {
	m, _ := newTestManager(t, "")
	if err := m.RegisterProvider("codex", nil); err != nil {
		t.Fatal(err)
	}
	c1 := credential.NewAPIKey("codex", "sk-clear-1", "env:CODEX_1")
	c2 := credential.NewAPIKey("codex", "sk-clear-2", "env:CODEX_2")
	m.Register(c1)
	m.Register(c2)

	m.SetExhausted("codex", c1.StableID, "codex", "quota_exhausted")
	m.SetExhausted("codex", c1.StableID, "gpt-5-codex", "quota_exhausted")

	m.ClearExhausted(c1.StableID)
	if m.Exhausted(c1.StableID, "codex") || m.Exhausted(c1.StableID, "gpt-5-codex") {
		t.Error("ClearExhausted must drop every scope flag")
	}
}

func TestOrderingKeyPerCredentialPrimary(t *testing.T) {
	m, _ := newTestManager(t, "")
	windows := []provider.WindowConfig{
		{Name: "daily", Duration: 24 * time.Hour, PerCredential: true},
	}
	if err := m.RegisterProvider("codex", windows); err != nil {
		t.Fatal(err)
	}
	cred := credential.NewAPIKey("codex", "sk-order", "env:CODEX_1")
	m.Register(cred)

	u := provider.Usage{PromptTokens: 1, CompletionTokens: 1, TotalTokens: 2}
	m.RecordSuccess(cred, "gpt-5-codex", "", u)
	m.RecordSuccess(cred, "gpt-5-codex", "", u)
	m.RecordSuccess(cred, "gpt-4.1-codex", "", u)

	// A per-credential primary window counts across every model.
	key := m.OrderingKey(cred, "gpt-5-codex")
	if key.PrimaryRequests != 3 {
		t.Errorf("PrimaryRequests = %d, want 3 across models", key.PrimaryRequests)
	}
}

func TestOrderingKeyScopeWindow(t *testing.T) {
	m, _ := newTestManager(t, "")
	if err := m.RegisterProvider("gemini", testWindows); err != nil {
		t.Fatal(err)
	}
	cred := credential.NewAPIKey("gemini", "sk-scope", "env:GEMINI_1")
	m.Register(cred)

	u := provider.Usage{PromptTokens: 1, CompletionTokens: 1, TotalTokens: 2}
	m.RecordSuccess(cred, "gemini-2.5-pro", "pro", u)
	m.RecordSuccess(cred, "gemini-2.5-pro", "pro", u)
	m.RecordSuccess(cred, "gemini-2.5-flash", "flash", u)

	if key := m.OrderingKey(cred, "pro"); key.PrimaryRequests != 2 {
		t.Errorf("group scope PrimaryRequests = %d, want 2", key.PrimaryRequests)
	}
	if key := m.OrderingKey(cred, "gemini-2.5-flash"); key.PrimaryRequests != 1 {
		t.Errorf("model scope PrimaryRequests = %d, want 1", key.PrimaryRequests)
	}
	if key := m.OrderingKey(cred, "unseen"); key.PrimaryRequests != 0 {
		t.Errorf("unseen scope PrimaryRequests = %d, want 0", key.PrimaryRequests)
	}
}

type captureBackend struct {
	events []Event
}

func (c *captureBackend) Enqueue(ev Event)            { c.events = append(c.events, ev) }
func (c *captureBackend) Flush(context.Context) error { return nil }
func (c *captureBackend) Start() error                { return nil }
func (c *captureBackend) Stop() error                 { return nil }
func (c *captureBackend) Cleanup(context.Context, time.Time) (int64, error) {
	return 0, nil
}
func (c *captureBackend) QueryGlobalStats(context.Context, time.Time) (*AggregatedStats, error) {
	return &AggregatedStats{}, nil
}
func (c *captureBackend) QueryDailyStats(context.Context, time.Time) ([]DailyStats, error) {
	return nil, nil
}
func (c *captureBackend) QueryHourlyStats(context.Context, time.Time) ([]HourlyStats, error) {
	return nil, nil
}
func (c *captureBackend) QueryProviderStats(context.Context, time.Time) ([]ProviderStats, error) {
	return nil, nil
}
func (c *captureBackend) QueryCredentialStats(context.Context, time.Time) ([]CredentialStats, error) {
	return nil, nil
}
func (c *captureBackend) QueryModelStats(context.Context, time.Time) ([]ModelStats, error) {
	return nil, nil
}

func TestOutcomesMirrorIntoEventLog(t *testing.T) {
	m, _ := newTestManager(t, "")
	if err := m.RegisterProvider("codex", testWindows); err != nil {
		t.Fatal(err)
	}
	backend := &captureBackend{}
	rec := NewRecorder(backend)
	m.AttachEvents(rec)

	cred := credential.NewAPIKey("codex", "sk-events", "env:CODEX_1")
	m.Register(cred)

	m.RecordSuccess(cred, "gpt-5-codex", "codex", provider.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15})
	m.RecordFailure(cred, "gpt-5-codex", "codex")

	if len(backend.events) != 2 {
		t.Fatalf("events = %d, want 2", len(backend.events))
	}
	ev := backend.events[0]
	if ev.Provider != "codex" || ev.Model != "gpt-5-codex" || ev.Group != "codex" || ev.StableID != cred.StableID {
		t.Errorf("event identity = %+v", ev)
	}
	if ev.Failed || ev.TotalTokens != 15 || ev.ApproxCost <= 0 {
		t.Errorf("success event = %+v", ev)
	}
	if !backend.events[1].Failed {
		t.Error("failure event not flagged")
	}

	snap := rec.Counters()
	if snap.TotalRequests != 2 || snap.SuccessCount != 1 || snap.FailureCount != 1 {
		t.Errorf("counters = %+v", snap)
	}
}
