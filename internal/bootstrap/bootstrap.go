// Package bootstrap assembles the rotor runtime: provider plugins, credential
// discovery, the usage and cooldown managers, OAuth orchestrators, the model
// catalog, and finally the rotation engine the HTTP surface talks to.
package bootstrap

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/nghyane/llm-rotor/internal/config"
	"github.com/nghyane/llm-rotor/internal/cooldown"
	"github.com/nghyane/llm-rotor/internal/credential"
	log "github.com/nghyane/llm-rotor/internal/logging"
	"github.com/nghyane/llm-rotor/internal/oauth"
	"github.com/nghyane/llm-rotor/internal/provider"
	"github.com/nghyane/llm-rotor/internal/provider/codex"
	"github.com/nghyane/llm-rotor/internal/provider/gemini"
	"github.com/nghyane/llm-rotor/internal/provider/openaicompat"
	"github.com/nghyane/llm-rotor/internal/registry"
	"github.com/nghyane/llm-rotor/internal/rotation"
	"github.com/nghyane/llm-rotor/internal/store"
	"github.com/nghyane/llm-rotor/internal/usage"
)

// syncCacheDirName is where remote sync backends keep their working copies,
// outside the credential directory so discovery never picks them up.
const syncCacheDirName = "sync_cache"

// Build wires the full runtime from configuration. The returned engine's
// Run method owns every background worker; ctx bounds only the work done
// here (the remote credential sync).
func Build(ctx context.Context, cfg *config.Config) (*rotation.Engine, error) {
	syncCredentialDir(ctx, cfg)

	plugins := Plugins(cfg)
	catalog := credential.Discover(discoveryConfig(cfg, plugins))
	st := credential.NewStore(cfg.DataDir, catalog)

	cools := cooldown.NewManager()
	um := usage.NewManager(cfg.DataDir, cools)
	events := buildEventLog(cfg)
	if events != nil {
		um.AttachEvents(events)
	}

	coord := oauth.NewCoordinator()
	providers := make([]*rotation.Provider, 0, len(plugins))
	for _, plugin := range plugins {
		name := plugin.Name()
		pc := cfg.Provider(name)

		var broker rotation.AuthBroker
		if oc, ok := plugin.(provider.OAuthCapable); ok {
			orch := oauth.NewOrchestrator(name, oc.OAuthSpec(), st, coord)
			orch.AttachCycles(um)
			orch.SetLoginOptions(pc.OAuthPort, false)
			if cp, ok := plugin.(*codex.Plugin); ok {
				cp.SetRefresher(orch)
			}
			broker = orch
		}

		p, err := rotation.NewProvider(rotation.ProviderOptions{
			Plugin:    plugin,
			Config:    pc,
			Catalog:   catalog[name],
			Auth:      broker,
			Usage:     um,
			Cooldowns: cools,
			Tolerance: cfg.RotationTolerance,
		})
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", name, err)
		}
		providers = append(providers, p)
	}

	if !cfg.SkipOAuthInitCheck {
		for _, p := range providers {
			if broker := p.Broker(); broker != nil {
				broker.Preflight(p.Catalog())
			}
		}
	}

	sources := make([]registry.Source, len(providers))
	for i, p := range providers {
		sources[i] = p
	}

	return rotation.NewEngine(rotation.Options{
		Config:    cfg,
		Providers: providers,
		Usage:     um,
		Cooldowns: cools,
		Store:     st,
		Events:    events,
		Models:    registry.New(cfg, sources),
	}), nil
}

// Plugins constructs the built-in backends plus one OpenAI-compatible
// passthrough per configured provider that points at its own API base.
func Plugins(cfg *config.Config) []provider.Plugin {
	plugins := []provider.Plugin{
		codex.New(cfg.Provider("openai_codex")),
		gemini.New(cfg.Provider("gemini")),
	}
	builtin := make(map[string]struct{}, len(plugins))
	for _, p := range plugins {
		builtin[p.Name()] = struct{}{}
	}

	for name, pc := range cfg.Providers {
		if _, ok := builtin[name]; ok {
			continue
		}
		if pc.APIBase == "" {
			// Rotation tuning for a provider with no endpoint; env vars like
			// ROTATION_MODE_X create the entry without making X a backend.
			log.Debugf("provider %s configured without an api base, skipping", name)
			continue
		}
		plugins = append(plugins, openaicompat.New(name, pc))
	}
	return plugins
}

// Catalog discovers credentials for the full plugin set. Used by the CLI
// credential commands, which need the catalog without the rest of the
// runtime.
func Catalog(cfg *config.Config) map[string][]*credential.Credential {
	return credential.Discover(discoveryConfig(cfg, Plugins(cfg)))
}

// discoveryConfig splits the plugin set into OAuth-file providers and static
// API-key providers by capability.
func discoveryConfig(cfg *config.Config, plugins []provider.Plugin) credential.DiscoveryConfig {
	dc := credential.DiscoveryConfig{DataDir: cfg.DataDir}
	for _, p := range plugins {
		if _, ok := p.(provider.OAuthCapable); ok {
			dc.OAuthProviders = append(dc.OAuthProviders, p.Name())
		} else {
			dc.APIKeyProviders = append(dc.APIKeyProviders, p.Name())
		}
	}
	return dc
}

// syncCredentialDir mirrors the credential directory from the configured
// remote before discovery runs. Failures are logged, not fatal: the local
// files still serve.
func syncCredentialDir(ctx context.Context, cfg *config.Config) {
	if cfg.SyncRemote == "" {
		return
	}
	remote, err := store.NewRemote(cfg.SyncRemote, cfg.SyncToken, filepath.Join(cfg.DataDir, syncCacheDirName))
	if err != nil {
		log.Warnf("credential sync disabled: %v", err)
		return
	}
	if _, err := store.Sync(ctx, remote, credential.OAuthDir(cfg.DataDir)); err != nil {
		log.Warnf("credential sync from %s failed: %v", remote.Name(), err)
	}
}

// buildEventLog opens the request-event backend named by the event log DSN.
// A broken DSN degrades to in-memory counters only.
func buildEventLog(cfg *config.Config) *usage.Recorder {
	if cfg.EventLogDSN == "" {
		return nil
	}
	backend, err := usage.NewBackend(usage.BackendConfig{DSN: cfg.EventLogDSN})
	if err != nil {
		log.Warnf("event log disabled: %v", err)
		return nil
	}
	return usage.NewRecorder(backend)
}
