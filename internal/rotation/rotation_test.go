package rotation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nghyane/llm-rotor/internal/config"
	"github.com/nghyane/llm-rotor/internal/cooldown"
	"github.com/nghyane/llm-rotor/internal/credential"
	"github.com/nghyane/llm-rotor/internal/provider"
	"github.com/nghyane/llm-rotor/internal/resilience"
	"github.com/nghyane/llm-rotor/internal/usage"
)

// trippyBreaker opens after a single recorded failure so tests can exercise
// the open-state paths without fifty scripted calls.
func trippyBreaker(name string) resilience.BreakerConfig {
	return resilience.BreakerConfig{
		Name:             name,
		MaxRequests:      1,
		Timeout:          time.Minute,
		FailureThreshold: 1,
		FailureRatio:     1,
		MinRequests:      1,
		IsSuccessful:     breakerSuccess,
	}
}

// outcome scripts one plugin call for one credential.
type outcome struct {
	resp   provider.Response
	err    error
	chunks []provider.StreamChunk
	// hold keeps the stream open after the scripted chunks until closed or
	// the request context ends.
	hold chan struct{}
}

func success(tokens int64) outcome {
	return outcome{resp: provider.Response{
		StatusCode: 200,
		Body:       []byte(`{"ok":true}`),
		Usage:      provider.Usage{PromptTokens: tokens, CompletionTokens: tokens, TotalTokens: 2 * tokens},
	}}
}

// stubPlugin is a fully scriptable backend. Unscripted calls succeed.
type stubPlugin struct {
	name        string
	mode        provider.RotationMode
	windows     []provider.WindowConfig
	groups      map[string]string
	tiers       map[string]int
	multipliers map[int]float64
	seqFallback float64
	allowTier   func(tier, model string) bool

	mu       sync.Mutex
	outcomes map[string][]outcome
	calls    []string
}

func newStubPlugin() *stubPlugin {
	return &stubPlugin{
		name: "stub",
		windows: []provider.WindowConfig{
			{Name: "primary", Duration: time.Hour, PerCredential: true},
		},
		outcomes: make(map[string][]outcome),
	}
}

func (s *stubPlugin) script(stableID string, outs ...outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes[stableID] = append(s.outcomes[stableID], outs...)
}

func (s *stubPlugin) callOrder() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.calls))
	copy(out, s.calls)
	return out
}

func (s *stubPlugin) take(cred *credential.Credential) outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, cred.StableID)
	queue := s.outcomes[cred.StableID]
	if len(queue) == 0 {
		return success(10)
	}
	out := queue[0]
	s.outcomes[cred.StableID] = queue[1:]
	return out
}

func (s *stubPlugin) Name() string { return s.name }

func (s *stubPlugin) Models(context.Context, *credential.Credential) ([]provider.ModelInfo, error) {
	return []provider.ModelInfo{{ID: "m", Object: "model"}}, nil
}

func (s *stubPlugin) Execute(_ context.Context, cred *credential.Credential, _ provider.Request) (provider.Response, error) {
	out := s.take(cred)
	if out.err != nil {
		return provider.Response{}, out.err
	}
	return out.resp, nil
}

func (s *stubPlugin) ExecuteStream(ctx context.Context, cred *credential.Credential, _ provider.Request) (<-chan provider.StreamChunk, error) {
	out := s.take(cred)
	if out.err != nil && out.chunks == nil {
		return nil, out.err
	}
	ch := make(chan provider.StreamChunk)
	go func() {
		defer close(ch)
		for _, c := range out.chunks {
			select {
			case ch <- c:
			case <-ctx.Done():
				return
			}
		}
		if out.hold != nil {
			select {
			case <-out.hold:
			case <-ctx.Done():
			}
		}
	}()
	return ch, nil
}

func (s *stubPlugin) DefaultRotationMode() provider.RotationMode { return s.mode }
func (s *stubPlugin) TierPriorities() map[string]int             { return s.tiers }
func (s *stubPlugin) WindowConfigs() []provider.WindowConfig     { return s.windows }
func (s *stubPlugin) PriorityMultipliers() map[int]float64       { return s.multipliers }
func (s *stubPlugin) SequentialFallbackMultiplier() float64      { return s.seqFallback }

func (s *stubPlugin) QuotaGroup(model string) string { return s.groups[model] }

func (s *stubPlugin) AllowTier(tier, model string) bool {
	if s.allowTier == nil {
		return true
	}
	return s.allowTier(tier, model)
}

var (
	_ provider.Plugin           = (*stubPlugin)(nil)
	_ provider.RotationDefaults = (*stubPlugin)(nil)
	_ provider.QuotaGrouper     = (*stubPlugin)(nil)
	_ provider.TierRestrictor   = (*stubPlugin)(nil)
)

// stubBroker fakes the OAuth orchestrator.
type stubBroker struct {
	mu          sync.Mutex
	unavailable map[string]bool
	refreshErr  map[string]error
	reauths     []string
	refreshes   []string
	stopped     bool
}

func newStubBroker() *stubBroker {
	return &stubBroker{
		unavailable: make(map[string]bool),
		refreshErr:  make(map[string]error),
	}
}

func (b *stubBroker) Available(cred *credential.Credential) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.unavailable[cred.StableID]
}

func (b *stubBroker) EnqueueRefresh(cred *credential.Credential, force bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refreshes = append(b.refreshes, cred.StableID)
}

func (b *stubBroker) EnqueueReauth(cred *credential.Credential) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reauths = append(b.reauths, cred.StableID)
	b.unavailable[cred.StableID] = true
}

func (b *stubBroker) Refresh(_ context.Context, cred *credential.Credential, _ bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refreshes = append(b.refreshes, cred.StableID)
	return b.refreshErr[cred.StableID]
}

func (b *stubBroker) Preflight([]*credential.Credential) {}

func (b *stubBroker) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopped = true
}

// rig bundles one provider runtime with the collaborators tests inspect.
type rig struct {
	plugin   *stubPlugin
	provider *Provider
	exec     *Executor
	usage    *usage.Manager
	cools    *cooldown.Manager
	creds    []*credential.Credential
}

type rigOptions struct {
	creds      []*credential.Credential
	cfg        config.ProviderConfig
	broker     AuthBroker
	tolerance  float64
	maxRetries int
	timeout    time.Duration
}

func newRig(t *testing.T, plugin *stubPlugin, opts rigOptions) *rig {
	t.Helper()
	cools := cooldown.NewManager()
	um := usage.NewManager(t.TempDir(), cools)

	if opts.creds == nil {
		opts.creds = apiKeys(plugin.name, "alpha", "beta")
	}
	if opts.maxRetries == 0 {
		opts.maxRetries = 10
	}
	if opts.timeout == 0 {
		opts.timeout = 5 * time.Second
	}

	p, err := NewProvider(ProviderOptions{
		Plugin:    plugin,
		Config:    opts.cfg,
		Catalog:   opts.creds,
		Auth:      opts.broker,
		Usage:     um,
		Cooldowns: cools,
		Tolerance: opts.tolerance,
	})
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}
	exec := NewExecutor([]*Provider{p}, um, cools, opts.timeout, opts.maxRetries)
	return &rig{plugin: plugin, provider: p, exec: exec, usage: um, cools: cools, creds: opts.creds}
}

func apiKeys(providerName string, keys ...string) []*credential.Credential {
	out := make([]*credential.Credential, 0, len(keys))
	for _, k := range keys {
		out = append(out, credential.NewAPIKey(providerName, "sk-"+k, "env://"+providerName+"/"+k))
	}
	return out
}

func request(model string) *provider.Request {
	return &provider.Request{Provider: "stub", Model: model, Payload: []byte(`{"model":"` + model + `"}`)}
}

func collect(t *testing.T, ch <-chan provider.StreamChunk, within time.Duration) []provider.StreamChunk {
	t.Helper()
	var out []provider.StreamChunk
	deadline := time.After(within)
	for {
		select {
		case c, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, c)
		case <-deadline:
			t.Fatalf("stream did not close within %v (got %d chunks)", within, len(out))
		}
	}
}

func rateLimited(after time.Duration, scope string) error {
	return &provider.Error{
		Kind:       provider.KindRateLimit,
		Code:       "rate_limit_exceeded",
		Message:    "too many requests",
		HTTPStatus: 429,
		RetryAfter: &after,
		Scope:      scope,
	}
}

func quotaExhausted(after time.Duration, scope string) error {
	return &provider.Error{
		Kind:       provider.KindQuotaExhausted,
		Code:       "quota_exceeded",
		Message:    "usage limit reached",
		HTTPStatus: 429,
		RetryAfter: &after,
		Scope:      scope,
	}
}

func waitFor(t *testing.T, within time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}
