package bootstrap

import (
	"context"
	"slices"
	"testing"

	"github.com/nghyane/llm-rotor/internal/config"
)

func pluginNames(cfg *config.Config) []string {
	plugins := Plugins(cfg)
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name()
	}
	return names
}

func TestBuildPluginsDefaults(t *testing.T) {
	names := pluginNames(config.Default())
	want := []string{"openai_codex", "gemini"}
	if !slices.Equal(names, want) {
		t.Fatalf("plugins = %v, want %v", names, want)
	}
}

func TestBuildPluginsCompatProviders(t *testing.T) {
	cfg := config.Default()
	cfg.Providers = map[string]config.ProviderConfig{
		"groq": {APIBase: "https://api.groq.com/openai/v1"},
		// A rotation-tuning entry with no endpoint must not become a backend.
		"phantom": {MaxConcurrentPerKey: 4},
		// Built-in names never get a second compat plugin.
		"gemini": {APIBase: "https://example.invalid"},
	}

	names := pluginNames(cfg)
	if !slices.Contains(names, "groq") {
		t.Errorf("plugins = %v, want groq present", names)
	}
	if slices.Contains(names, "phantom") {
		t.Errorf("plugins = %v, phantom has no api base and must be skipped", names)
	}
	if n := len(names); n != 3 {
		t.Errorf("len(plugins) = %d, want 3 (codex, gemini, groq)", n)
	}
}

func TestDiscoveryConfigSplitsByCapability(t *testing.T) {
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.Providers = map[string]config.ProviderConfig{
		"groq": {APIBase: "https://api.groq.com/openai/v1"},
	}

	dc := discoveryConfig(cfg, Plugins(cfg))
	if dc.DataDir != cfg.DataDir {
		t.Errorf("DataDir = %q, want %q", dc.DataDir, cfg.DataDir)
	}
	if !slices.Contains(dc.OAuthProviders, "openai_codex") {
		t.Errorf("OAuthProviders = %v, want openai_codex", dc.OAuthProviders)
	}
	for _, name := range []string{"gemini", "groq"} {
		if !slices.Contains(dc.APIKeyProviders, name) {
			t.Errorf("APIKeyProviders = %v, want %s", dc.APIKeyProviders, name)
		}
	}
	if slices.Contains(dc.APIKeyProviders, "openai_codex") {
		t.Errorf("APIKeyProviders = %v, openai_codex must be OAuth-only", dc.APIKeyProviders)
	}
}

func TestBuildConstructsEngine(t *testing.T) {
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.SkipOAuthInitCheck = true

	engine, err := Build(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	names := engine.Providers()
	for _, want := range []string{"openai_codex", "gemini"} {
		if !slices.Contains(names, want) {
			t.Errorf("engine providers = %v, want %s", names, want)
		}
	}
}
