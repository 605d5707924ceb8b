// Package config carries runtime configuration for the rotator. Values come
// from an optional config file (YAML, or JSON/JSONC normalised through
// hujson) with environment variables taking precedence.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/tailscale/hujson"
	"gopkg.in/yaml.v3"

	"github.com/nghyane/llm-rotor/internal/json"
)

// Config is plain data; components receive the fields they need at
// construction time.
type Config struct {
	// Host and Port bind the HTTP surface.
	Host string `yaml:"host" json:"host"`
	Port int    `yaml:"port" json:"port"`

	// ProxyAPIKey guards the proxy endpoints. Empty disables auth (local use).
	ProxyAPIKey string `yaml:"proxy-api-key" json:"proxy-api-key"`

	// DataDir holds oauth_creds/ and usage snapshots. Default: working dir.
	DataDir string `yaml:"data-dir" json:"data-dir"`

	// Log destination and level.
	LogLevel string `yaml:"log-level" json:"log-level"`
	LogFile  string `yaml:"log-file" json:"log-file"`

	// GlobalTimeout bounds one proxied request across all rotation attempts.
	GlobalTimeout time.Duration `yaml:"global-timeout" json:"global-timeout"`

	// MaxRetries caps rotation attempts per request.
	MaxRetries int `yaml:"max-retries" json:"max-retries"`

	// RotationTolerance is the ratio within which balanced-mode candidates
	// count as equally used.
	RotationTolerance float64 `yaml:"rotation-tolerance" json:"rotation-tolerance"`

	// ModelListCacheTTL bounds the per-provider model list cache.
	ModelListCacheTTL time.Duration `yaml:"model-list-cache-ttl" json:"model-list-cache-ttl"`

	// SkipOAuthInitCheck skips the preemptive token refresh pass at startup.
	SkipOAuthInitCheck bool `yaml:"skip-oauth-init-check" json:"skip-oauth-init-check"`

	// EventLogDSN selects the request-event log backend: sqlite://path or
	// postgres://... for pgx. Empty disables event logging.
	EventLogDSN string `yaml:"event-log-dsn" json:"event-log-dsn"`

	// SyncRemote mirrors the credential directory from a remote store before
	// discovery: git+https://... or s3://bucket/prefix. Empty disables.
	SyncRemote string `yaml:"sync-remote" json:"sync-remote"`
	// SyncToken authenticates against the sync remote (git token or
	// "access:secret" for S3).
	SyncToken string `yaml:"sync-token" json:"sync-token"`

	// Providers holds per-provider overrides keyed by canonical name
	// (lower snake case, e.g. "openai_codex").
	Providers map[string]ProviderConfig `yaml:"providers" json:"providers"`
}

// ProviderConfig overrides plugin defaults for one provider.
type ProviderConfig struct {
	// MaxConcurrentPerKey caps in-flight requests per credential.
	MaxConcurrentPerKey int `yaml:"max-concurrent-per-key" json:"max-concurrent-per-key"`

	// RotationMode is "balanced" or "sequential"; empty uses the plugin default.
	RotationMode string `yaml:"rotation-mode" json:"rotation-mode"`

	// PriorityMultipliers scales the concurrency cap per request priority.
	PriorityMultipliers map[int]float64 `yaml:"priority-multipliers" json:"priority-multipliers"`

	// IgnoreModels/WhitelistModels filter the advertised model list.
	IgnoreModels    []string `yaml:"ignore-models" json:"ignore-models"`
	WhitelistModels []string `yaml:"whitelist-models" json:"whitelist-models"`

	// APIBase overrides the provider endpoint.
	APIBase string `yaml:"api-base" json:"api-base"`

	// ModelsJSON is a JSON array of model ids replacing upstream discovery.
	ModelsJSON string `yaml:"models" json:"models"`

	// OAuthPort overrides the loopback callback port for interactive re-auth.
	OAuthPort int `yaml:"oauth-port" json:"oauth-port"`
}

// Default returns the baseline configuration before file and env overrides.
func Default() *Config {
	return &Config{
		Host:              "127.0.0.1",
		Port:              8000,
		DataDir:           ".",
		LogLevel:          "info",
		GlobalTimeout:     30 * time.Second,
		MaxRetries:        10,
		RotationTolerance: 0.2,
		ModelListCacheTTL: 300 * time.Second,
		Providers:         map[string]ProviderConfig{},
	}
}

// Load builds a Config from the optional file at path plus the environment.
// A missing file is not an error; a malformed one is.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()
	if cfg.DataDir == "" {
		cfg.DataDir = "."
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc", ".hujson":
		std, err := hujson.Standardize(data)
		if err != nil {
			return fmt.Errorf("normalise config %s: %w", path, err)
		}
		if err := json.Unmarshal(std, c); err != nil {
			return fmt.Errorf("decode config %s: %w", path, err)
		}
	default:
		if err := yaml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("decode config %s: %w", path, err)
		}
	}
	return nil
}

// applyEnv folds the recognised environment keys over the current values.
func (c *Config) applyEnv() {
	if v := os.Getenv("PROXY_API_KEY"); v != "" {
		c.ProxyAPIKey = v
	}
	if v := os.Getenv("PROXY_HOST"); v != "" {
		c.Host = v
	}
	if n, ok := envInt("PROXY_PORT"); ok {
		c.Port = n
	}
	if v := os.Getenv("PROXY_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("LOG_FILE"); v != "" {
		c.LogFile = v
	}
	if d, ok := envSeconds("PROXY_GLOBAL_TIMEOUT"); ok {
		c.GlobalTimeout = d
	}
	if n, ok := envInt("PROXY_MAX_RETRIES"); ok {
		c.MaxRetries = n
	}
	if f, ok := envFloat("PROXY_ROTATION_TOLERANCE"); ok {
		c.RotationTolerance = f
	}
	if d, ok := envSeconds("MODEL_LIST_CACHE_TTL"); ok {
		c.ModelListCacheTTL = d
	}
	if envBool("SKIP_OAUTH_INIT_CHECK") {
		c.SkipOAuthInitCheck = true
	}
	if v := os.Getenv("EVENT_LOG_DSN"); v != "" {
		c.EventLogDSN = v
	}
	if v := os.Getenv("SYNC_REMOTE"); v != "" {
		c.SyncRemote = v
	}
	if v := os.Getenv("SYNC_TOKEN"); v != "" {
		c.SyncToken = v
	}
	c.applyProviderEnv()
}

// applyProviderEnv scans the environment for per-provider keys of the form
// <KEY>_<PROVIDER> or <KEY>_<PROVIDER>_PRIORITY_<N>.
func (c *Config) applyProviderEnv() {
	for _, kv := range os.Environ() {
		eq := strings.IndexByte(kv, '=')
		if eq < 0 {
			continue
		}
		key, val := kv[:eq], kv[eq+1:]
		switch {
		case strings.HasPrefix(key, "MAX_CONCURRENT_REQUESTS_PER_KEY_"):
			name := canonicalName(strings.TrimPrefix(key, "MAX_CONCURRENT_REQUESTS_PER_KEY_"))
			if n, err := strconv.Atoi(val); err == nil && n > 0 {
				pc := c.Providers[name]
				pc.MaxConcurrentPerKey = n
				c.Providers[name] = pc
			}
		case strings.HasPrefix(key, "ROTATION_MODE_"):
			name := canonicalName(strings.TrimPrefix(key, "ROTATION_MODE_"))
			mode := strings.ToLower(strings.TrimSpace(val))
			if mode == "balanced" || mode == "sequential" {
				pc := c.Providers[name]
				pc.RotationMode = mode
				c.Providers[name] = pc
			}
		case strings.HasPrefix(key, "CONCURRENCY_MULTIPLIER_"):
			rest := strings.TrimPrefix(key, "CONCURRENCY_MULTIPLIER_")
			idx := strings.Index(rest, "_PRIORITY_")
			if idx <= 0 {
				continue
			}
			name := canonicalName(rest[:idx])
			prio, err := strconv.Atoi(rest[idx+len("_PRIORITY_"):])
			if err != nil {
				continue
			}
			mult, err := strconv.ParseFloat(val, 64)
			if err != nil || mult <= 0 {
				continue
			}
			pc := c.Providers[name]
			if pc.PriorityMultipliers == nil {
				pc.PriorityMultipliers = map[int]float64{}
			}
			pc.PriorityMultipliers[prio] = mult
			c.Providers[name] = pc
		case strings.HasPrefix(key, "IGNORE_MODELS_"):
			name := canonicalName(strings.TrimPrefix(key, "IGNORE_MODELS_"))
			pc := c.Providers[name]
			pc.IgnoreModels = splitList(val)
			c.Providers[name] = pc
		case strings.HasPrefix(key, "WHITELIST_MODELS_"):
			name := canonicalName(strings.TrimPrefix(key, "WHITELIST_MODELS_"))
			pc := c.Providers[name]
			pc.WhitelistModels = splitList(val)
			c.Providers[name] = pc
		case strings.HasSuffix(key, "_API_BASE"):
			name := canonicalName(strings.TrimSuffix(key, "_API_BASE"))
			pc := c.Providers[name]
			pc.APIBase = val
			c.Providers[name] = pc
		case strings.HasSuffix(key, "_MODELS") && json.Valid([]byte(val)):
			name := canonicalName(strings.TrimSuffix(key, "_MODELS"))
			pc := c.Providers[name]
			pc.ModelsJSON = val
			c.Providers[name] = pc
		case strings.HasSuffix(key, "_OAUTH_PORT"):
			name := canonicalName(strings.TrimSuffix(key, "_OAUTH_PORT"))
			if n, err := strconv.Atoi(val); err == nil && n > 0 {
				pc := c.Providers[name]
				pc.OAuthPort = n
				c.Providers[name] = pc
			}
		}
	}
}

// Provider returns the override block for the canonical provider name.
func (c *Config) Provider(name string) ProviderConfig {
	return c.Providers[canonicalName(name)]
}

// canonicalName maps an env-style provider segment (OPENAI_CODEX) to the
// internal name (openai_codex).
func canonicalName(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// EnvName maps a canonical provider name to its env-var prefix.
func EnvName(provider string) string {
	return strings.ToUpper(strings.ReplaceAll(provider, "-", "_"))
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, false
	}
	return n, true
}

func envFloat(key string) (float64, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

func envSeconds(key string) (time.Duration, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil || f <= 0 {
		return 0, false
	}
	return time.Duration(f * float64(time.Second)), true
}

func envBool(key string) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
