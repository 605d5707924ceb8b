package rotation

import (
	"context"
	"sync"
	"time"

	"github.com/nghyane/llm-rotor/internal/config"
	"github.com/nghyane/llm-rotor/internal/cooldown"
	"github.com/nghyane/llm-rotor/internal/credential"
	log "github.com/nghyane/llm-rotor/internal/logging"
	"github.com/nghyane/llm-rotor/internal/provider"
	"github.com/nghyane/llm-rotor/internal/resilience"
	"github.com/nghyane/llm-rotor/internal/usage"
)

// AuthBroker is the slice of the OAuth orchestrator the rotor depends on.
// API-key providers run without one.
type AuthBroker interface {
	Available(cred *credential.Credential) bool
	EnqueueRefresh(cred *credential.Credential, force bool)
	EnqueueReauth(cred *credential.Credential)
	Refresh(ctx context.Context, cred *credential.Credential, force bool) error
	Preflight(creds []*credential.Credential)
	Stop()
}

// ProviderOptions assembles one provider runtime. Plugin, Usage, and
// Cooldowns are required; Auth is nil for static-key providers.
type ProviderOptions struct {
	Plugin    provider.Plugin
	Config    config.ProviderConfig
	Catalog   []*credential.Credential
	Auth      AuthBroker
	Usage     *usage.Manager
	Cooldowns *cooldown.Manager

	// Tolerance is the balanced-mode equal-usage band ratio.
	Tolerance float64
	// AttemptTimeout bounds one upstream call; 0 leaves only the request
	// deadline in force.
	AttemptTimeout time.Duration
}

// Provider is the runtime for one backend: its plugin, credential catalog,
// rotation tuning, circuit breakers, and sequential-mode stickiness.
type Provider struct {
	name    string
	plugin  provider.Plugin
	auth    AuthBroker
	usage   *usage.Manager
	cools   *cooldown.Manager
	grouper provider.QuotaGrouper
	tiers   provider.TierRestrictor

	mode           provider.RotationMode
	windows        []provider.WindowConfig
	baseMax        int64
	tolerance      float64
	attemptTimeout time.Duration
	pluginMult     map[int]float64
	envMult        map[int]float64
	seqFallback    float64

	breaker       *resilience.CircuitBreaker
	streamBreaker *resilience.StreamingCircuitBreaker

	mu      sync.Mutex
	catalog []*credential.Credential
	known   map[string]struct{}
	sticky  map[string]string

	now func() time.Time
}

// NewProvider wires a plugin, its credentials, and the per-provider config
// into a schedulable runtime. Registers the provider and every credential
// with the usage manager; the returned error is the usage snapshot load
// failing.
func NewProvider(opts ProviderOptions) (*Provider, error) {
	p := &Provider{
		name:           opts.Plugin.Name(),
		plugin:         opts.Plugin,
		auth:           opts.Auth,
		usage:          opts.Usage,
		cools:          opts.Cooldowns,
		baseMax:        int64(opts.Config.MaxConcurrentPerKey),
		tolerance:      opts.Tolerance,
		attemptTimeout: opts.AttemptTimeout,
		envMult:        opts.Config.PriorityMultipliers,
		known:          make(map[string]struct{}),
		sticky:         make(map[string]string),
		now:            time.Now,
	}

	var tierPriorities map[string]int
	if rd, ok := opts.Plugin.(provider.RotationDefaults); ok {
		p.mode = rd.DefaultRotationMode()
		p.windows = rd.WindowConfigs()
		p.pluginMult = rd.PriorityMultipliers()
		p.seqFallback = rd.SequentialFallbackMultiplier()
		tierPriorities = rd.TierPriorities()
	}
	if opts.Config.RotationMode != "" {
		if mode, ok := provider.ParseRotationMode(opts.Config.RotationMode); ok {
			p.mode = mode
		} else {
			log.Warnf("%s: unknown rotation mode %q, keeping %s", p.name, opts.Config.RotationMode, p.mode)
		}
	}
	if g, ok := opts.Plugin.(provider.QuotaGrouper); ok {
		p.grouper = g
	}
	if t, ok := opts.Plugin.(provider.TierRestrictor); ok {
		p.tiers = t
	}

	isSuccessful := func(err error) bool { return breakerSuccess(err) }
	p.breaker = resilience.NewCircuitBreaker(resilience.DefaultBreakerConfig(p.name, isSuccessful))
	p.streamBreaker = resilience.NewStreamingCircuitBreaker(resilience.DefaultBreakerConfig(p.name+"-stream", isSuccessful))

	if err := p.usage.RegisterProvider(p.name, p.windows); err != nil {
		return nil, err
	}
	for _, cred := range opts.Catalog {
		p.adopt(cred, tierPriorities)
	}
	log.Infof("%s: %d credential(s), %s rotation", p.name, len(p.catalog), p.mode)
	return p, nil
}

// adopt registers one credential, applying the plugin's tier priority when
// the credential carries no explicit one. Duplicate identities collapse.
func (p *Provider) adopt(cred *credential.Credential, tierPriorities map[string]int) {
	p.mu.Lock()
	if _, dup := p.known[cred.StableID]; dup {
		p.mu.Unlock()
		p.usage.Register(cred)
		return
	}
	if cred.Meta().Priority == nil && cred.Tier != "" {
		if prio, ok := tierPriorities[cred.Tier]; ok {
			cred.Priority = prio
		}
	}
	p.known[cred.StableID] = struct{}{}
	p.catalog = append(p.catalog, cred)
	p.mu.Unlock()
	p.usage.Register(cred)
}

// AddCredential admits a credential discovered after startup (a new file in
// the watch directory) or refreshes the registration of an updated one.
func (p *Provider) AddCredential(cred *credential.Credential) {
	var tierPriorities map[string]int
	if rd, ok := p.plugin.(provider.RotationDefaults); ok {
		tierPriorities = rd.TierPriorities()
	}
	p.adopt(cred, tierPriorities)
}

// Name returns the provider name used in model ids and config keys.
func (p *Provider) Name() string { return p.name }

// Plugin exposes the underlying backend, for model listing.
func (p *Provider) Plugin() provider.Plugin { return p.plugin }

// Catalog returns a snapshot of the credential list in discovery order.
func (p *Provider) Catalog() []*credential.Credential {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*credential.Credential, len(p.catalog))
	copy(out, p.catalog)
	return out
}

// Broker returns the OAuth orchestrator slice, nil for API-key providers.
func (p *Provider) Broker() AuthBroker { return p.auth }

// group maps a model onto its shared quota pool, "" when the plugin does not
// group models.
func (p *Provider) group(model string) string {
	if p.grouper == nil {
		return ""
	}
	return p.grouper.QuotaGroup(model)
}

// scope is the usage-comparison key: the quota group when defined, else the
// model itself.
func (p *Provider) scope(model string) string {
	if g := p.group(model); g != "" {
		return g
	}
	return model
}

// quotaWindow is the cooldown applied to quota exhaustion when the upstream
// gave no reset hint: the primary usage window, else an hour.
func (p *Provider) quotaWindow() time.Duration {
	if len(p.windows) > 0 && p.windows[0].Duration > 0 {
		return p.windows[0].Duration
	}
	return time.Hour
}

// limitFor computes the effective concurrency cap for one credential at one
// request priority: base cap times the priority multiplier. 0 = unlimited.
func (p *Provider) limitFor(cred *credential.Credential, priority int) int64 {
	base := int64(cred.MaxConcurrent)
	if base <= 0 {
		base = p.baseMax
	}
	if base <= 0 {
		return 0
	}
	mult, ok := p.envMult[priority]
	if !ok {
		mult, ok = p.pluginMult[priority]
	}
	if !ok {
		if p.mode == provider.RotationSequential && p.seqFallback > 0 {
			mult = p.seqFallback
		} else {
			mult = 1
		}
	}
	limit := int64(float64(base) * mult)
	if limit < 1 {
		limit = 1
	}
	return limit
}
