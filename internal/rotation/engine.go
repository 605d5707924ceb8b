// Package rotation is the core of the rotor: it picks a credential for each
// request, executes it against the provider plugin, and turns failures into
// cooldowns, fair-cycle bookkeeping, and refresh work so the next request
// lands on a healthier credential.
package rotation

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nghyane/llm-rotor/internal/config"
	"github.com/nghyane/llm-rotor/internal/cooldown"
	"github.com/nghyane/llm-rotor/internal/credential"
	log "github.com/nghyane/llm-rotor/internal/logging"
	"github.com/nghyane/llm-rotor/internal/provider"
	"github.com/nghyane/llm-rotor/internal/usage"
)

const (
	janitorInterval   = time.Minute
	broadcastInterval = 5 * time.Second
)

// ModelCatalog is the model-registry slice the engine consumes; implemented
// by the registry package.
type ModelCatalog interface {
	// Models lists one provider's advertised models.
	Models(ctx context.Context, providerName string) ([]provider.ModelInfo, error)
	// All lists every provider's models under "provider/model" ids.
	All(ctx context.Context) []provider.ModelInfo
	// Resolve splits a "provider/model" id. ok is false for unknown ids.
	Resolve(id string) (providerName, model string, ok bool)
	// Invalidate drops the cached list for one provider, or all when empty.
	Invalidate(providerName string)
}

// Options carries everything the engine owns. Bootstrap fills it in.
type Options struct {
	Config    *config.Config
	Providers []*Provider
	Usage     *usage.Manager
	Cooldowns *cooldown.Manager
	Store     *credential.Store
	Events    *usage.Recorder
	Models    ModelCatalog

	PreRequest           PreRequestFunc
	AbortOnCallbackError bool
}

// Engine is the facade the HTTP surface and the CLI talk to. It owns the
// provider runtimes and every background worker.
type Engine struct {
	cfg       *config.Config
	providers map[string]*Provider
	executor  *Executor
	usage     *usage.Manager
	cools     *cooldown.Manager
	store     *credential.Store
	events    *usage.Recorder
	models    ModelCatalog
	hub       *statsHub
}

// NewEngine assembles the facade. Providers must already be constructed (and
// thereby registered with the usage manager).
func NewEngine(opts Options) *Engine {
	byName := make(map[string]*Provider, len(opts.Providers))
	for _, p := range opts.Providers {
		byName[p.name] = p
	}
	ex := NewExecutor(opts.Providers, opts.Usage, opts.Cooldowns, opts.Config.GlobalTimeout, opts.Config.MaxRetries)
	if opts.PreRequest != nil {
		ex.SetPreRequest(opts.PreRequest, opts.AbortOnCallbackError)
	}
	return &Engine{
		cfg:       opts.Config,
		providers: byName,
		executor:  ex,
		usage:     opts.Usage,
		cools:     opts.Cooldowns,
		store:     opts.Store,
		events:    opts.Events,
		models:    opts.Models,
		hub:       newStatsHub(),
	}
}

// Completion executes one non-streaming request.
func (e *Engine) Completion(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	return e.executor.Execute(ctx, req)
}

// CompletionStream executes one streaming request. The channel closes when
// the stream ends; a chunk with Err set is terminal.
func (e *Engine) CompletionStream(ctx context.Context, req *provider.Request) (<-chan provider.StreamChunk, error) {
	return e.executor.ExecuteStream(ctx, req)
}

// Providers lists the registered provider names.
func (e *Engine) Providers() []string {
	names := make([]string, 0, len(e.providers))
	for name := range e.providers {
		names = append(names, name)
	}
	return names
}

// Provider returns one provider runtime.
func (e *Engine) Provider(name string) (*Provider, bool) {
	p, ok := e.providers[name]
	return p, ok
}

// Stats snapshots usage for one provider, or all when name is empty.
func (e *Engine) Stats(name string) []*usage.ProviderSnapshot {
	if name == "" {
		return e.usage.Snapshot()
	}
	ps, ok := e.usage.ProviderSnapshot(name)
	if !ok {
		return nil
	}
	return []*usage.ProviderSnapshot{ps}
}

// SubscribeStats delivers a usage snapshot roughly every five seconds while
// the engine runs. The returned cancel must be called when done.
func (e *Engine) SubscribeStats() (<-chan []*usage.ProviderSnapshot, func()) {
	return e.hub.subscribe()
}

// ListModels returns one provider's model list through the TTL cache.
func (e *Engine) ListModels(ctx context.Context, providerName string) ([]provider.ModelInfo, error) {
	return e.models.Models(ctx, providerName)
}

// AllModels aggregates every provider's models under "provider/model" ids.
func (e *Engine) AllModels(ctx context.Context) []provider.ModelInfo {
	return e.models.All(ctx)
}

// Resolve splits a "provider/model" request id.
func (e *Engine) Resolve(id string) (providerName, model string, ok bool) {
	return e.models.Resolve(id)
}

// RefreshOutcome reports one credential's fate during a forced refresh.
type RefreshOutcome struct {
	Provider   string `json:"provider"`
	Credential string `json:"credential"`
	Status     string `json:"status"`
	Error      string `json:"error,omitempty"`
}

// RefreshReport summarises a ForceRefresh pass.
type RefreshReport struct {
	Requested int              `json:"requested"`
	Refreshed int              `json:"refreshed"`
	Failed    int              `json:"failed"`
	Skipped   int              `json:"skipped"`
	Outcomes  []RefreshOutcome `json:"outcomes"`
}

// ForceRefresh re-reads matching credentials from disk and refreshes their
// tokens synchronously, bypassing the freshness check. providerName narrows
// to one provider; credential (accessor, display name, or stable id) narrows
// to one credential. Model list caches for the touched providers are dropped.
func (e *Engine) ForceRefresh(ctx context.Context, providerName, credentialKey string) *RefreshReport {
	report := &RefreshReport{}
	for name, p := range e.providers {
		if providerName != "" && providerName != name {
			continue
		}
		broker := p.Broker()
		for _, cred := range p.Catalog() {
			if credentialKey != "" && !credentialMatches(cred, credentialKey) {
				continue
			}
			report.Requested++
			outcome := RefreshOutcome{Provider: name, Credential: cred.DisplayName()}
			switch {
			case cred.Kind != credential.KindOAuth || broker == nil:
				outcome.Status = "skipped"
				report.Skipped++
			default:
				if err := broker.Refresh(ctx, cred, true); err != nil {
					outcome.Status = "failed"
					outcome.Error = err.Error()
					report.Failed++
				} else {
					outcome.Status = "refreshed"
					report.Refreshed++
				}
			}
			report.Outcomes = append(report.Outcomes, outcome)
		}
		if e.models != nil {
			e.models.Invalidate(name)
		}
	}
	return report
}

func credentialMatches(cred *credential.Credential, key string) bool {
	return cred.Accessor == key || cred.StableID == key || cred.DisplayName() == key || cred.Email() == key
}

// Run drives the background workers until ctx is cancelled: the usage
// flusher, the credential-file watcher, the event log, the janitor, and the
// stats broadcaster. Blocks until everything has shut down.
func (e *Engine) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		e.usage.Start()
		<-ctx.Done()
		e.usage.Stop()
		return nil
	})

	if e.events != nil {
		g.Go(func() error {
			if err := e.events.Start(); err != nil {
				log.Warnf("event log disabled: %v", err)
				<-ctx.Done()
				return nil
			}
			<-ctx.Done()
			return e.events.Stop()
		})
	}

	if e.store != nil {
		g.Go(func() error {
			if err := e.store.Watch(e.onCredentialUpdate); err != nil {
				log.Warnf("credential watcher disabled: %v", err)
			}
			<-ctx.Done()
			e.store.Close()
			return nil
		})
	}

	g.Go(func() error { return e.janitor(ctx) })
	g.Go(func() error { return e.broadcast(ctx) })

	err := g.Wait()
	for _, p := range e.providers {
		if broker := p.Broker(); broker != nil {
			broker.Stop()
		}
	}
	return err
}

// onCredentialUpdate runs when a credential file changes on disk: admit new
// identities and refresh registration metadata for known ones.
func (e *Engine) onCredentialUpdate(cred *credential.Credential) {
	p, ok := e.providers[cred.Provider]
	if !ok {
		return
	}
	p.AddCredential(cred)
	log.Debugf("%s credential %s reloaded from disk", cred.Provider, cred.DisplayName())
}

// janitor periodically drops expired cooldown entries and enqueues refreshes
// for tokens nearing expiry, so idle deployments keep their tokens warm.
func (e *Engine) janitor(ctx context.Context) error {
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			e.cools.Purge()
			for _, p := range e.providers {
				if broker := p.Broker(); broker != nil {
					broker.Preflight(p.Catalog())
				}
			}
		}
	}
}

func (e *Engine) broadcast(ctx context.Context) error {
	ticker := time.NewTicker(broadcastInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			e.hub.closeAll()
			return nil
		case <-ticker.C:
			if e.hub.empty() {
				continue
			}
			e.hub.publish(e.usage.Snapshot())
		}
	}
}

// statsHub fans usage snapshots out to admin websocket subscribers. Slow
// subscribers drop ticks instead of blocking the broadcaster.
type statsHub struct {
	mu     sync.Mutex
	subs   map[chan []*usage.ProviderSnapshot]struct{}
	closed bool
}

func newStatsHub() *statsHub {
	return &statsHub{subs: make(map[chan []*usage.ProviderSnapshot]struct{})}
}

func (h *statsHub) subscribe() (<-chan []*usage.ProviderSnapshot, func()) {
	ch := make(chan []*usage.ProviderSnapshot, 1)
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		if _, ok := h.subs[ch]; ok {
			delete(h.subs, ch)
			close(ch)
		}
		h.mu.Unlock()
	}
	return ch, cancel
}

func (h *statsHub) empty() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs) == 0
}

func (h *statsHub) publish(snap []*usage.ProviderSnapshot) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- snap:
		default:
		}
	}
}

func (h *statsHub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for ch := range h.subs {
		delete(h.subs, ch)
		close(ch)
	}
}
