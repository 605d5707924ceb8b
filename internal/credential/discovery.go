package credential

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	log "github.com/nghyane/llm-rotor/internal/logging"
)

// OAuthCredsDirName is the directory under the data dir holding credential
// files named <provider>_oauth_<n>.json.
const OAuthCredsDirName = "oauth_creds"

// DiscoveryConfig names the providers to scan for.
type DiscoveryConfig struct {
	DataDir string
	// OAuthProviders are canonical names whose env prefix follows
	// config.EnvName (e.g. "openai_codex" -> OPENAI_CODEX).
	OAuthProviders []string
	// APIKeyProviders use <PREFIX>_API_KEY / <PREFIX>_API_KEY_<N>.
	APIKeyProviders []string
}

// Discover builds the provider catalog from credential files and environment
// variables. Files win over env for a provider; numbered env credentials win
// over the legacy single form; duplicate identities are dropped.
func Discover(cfg DiscoveryConfig) map[string][]*Credential {
	catalog := make(map[string][]*Credential)

	for _, provider := range cfg.OAuthProviders {
		creds := discoverOAuthFiles(cfg.DataDir, provider)
		if len(creds) == 0 {
			creds = discoverOAuthEnv(provider)
		}
		creds = dedupe(creds)
		if len(creds) > 0 {
			catalog[provider] = creds
			log.Infof("discovered %d credential(s) for %s", len(creds), provider)
		}
	}

	for _, provider := range cfg.APIKeyProviders {
		creds := discoverAPIKeys(provider)
		if len(creds) > 0 {
			catalog[provider] = append(catalog[provider], creds...)
			log.Infof("discovered %d API key(s) for %s", len(creds), provider)
		}
	}

	return catalog
}

// OAuthDir returns the credential directory under dataDir.
func OAuthDir(dataDir string) string {
	return filepath.Join(dataDir, OAuthCredsDirName)
}

// CredentialFilePattern globs the files belonging to one provider.
func CredentialFilePattern(dataDir, provider string) string {
	return filepath.Join(OAuthDir(dataDir), provider+"_oauth_*.json")
}

func discoverOAuthFiles(dataDir, provider string) []*Credential {
	matches, err := filepath.Glob(CredentialFilePattern(dataDir, provider))
	if err != nil || len(matches) == 0 {
		return nil
	}
	sort.Strings(matches)
	creds := make([]*Credential, 0, len(matches))
	for _, path := range matches {
		cred, err := ReadFile(provider, path)
		if err != nil {
			log.Warnf("skipping credential file %s: %v", filepath.Base(path), err)
			continue
		}
		creds = append(creds, cred)
	}
	return creds
}

// envPrefix converts a canonical provider name to its env prefix.
func envPrefix(provider string) string {
	return strings.ToUpper(strings.ReplaceAll(provider, "-", "_"))
}

// discoverOAuthEnv loads numbered env credentials, falling back to the
// legacy single-credential form mapped to index "0".
func discoverOAuthEnv(provider string) []*Credential {
	prefix := envPrefix(provider)

	var creds []*Credential
	seen := map[string]bool{}
	for _, kv := range os.Environ() {
		key, _, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, prefix+"_") {
			continue
		}
		rest := strings.TrimPrefix(key, prefix+"_")
		numStr, suffix, ok := strings.Cut(rest, "_")
		if !ok || suffix != "ACCESS_TOKEN" {
			continue
		}
		if _, err := strconv.Atoi(numStr); err != nil {
			continue
		}
		if seen[numStr] {
			continue
		}
		seen[numStr] = true
		if cred := loadEnvCredential(provider, numStr); cred != nil {
			creds = append(creds, cred)
		}
	}
	if len(creds) > 0 {
		sort.Slice(creds, func(i, j int) bool { return creds[i].Accessor < creds[j].Accessor })
		return creds
	}

	if cred := loadEnvCredential(provider, "0"); cred != nil {
		return []*Credential{cred}
	}
	return nil
}

// LoadEnvCredential resolves one env-backed credential by index ("0" is the
// legacy unnumbered form). Returns nil when the required variables are unset.
func LoadEnvCredential(provider, index string) *Credential {
	return loadEnvCredential(provider, index)
}

func loadEnvCredential(provider, index string) *Credential {
	prefix := envPrefix(provider)
	if index != "0" {
		prefix = fmt.Sprintf("%s_%s", prefix, index)
	}

	access := os.Getenv(prefix + "_ACCESS_TOKEN")
	refresh := os.Getenv(prefix + "_REFRESH_TOKEN")
	if access == "" || refresh == "" {
		return nil
	}

	token := TokenState{
		AccessToken:  access,
		RefreshToken: refresh,
		IDToken:      os.Getenv(prefix + "_ID_TOKEN"),
	}
	if raw := os.Getenv(prefix + "_EXPIRY_DATE"); raw != "" {
		if f, err := strconv.ParseFloat(raw, 64); err == nil {
			token.ExpiryDate = int64(f)
		} else {
			log.Warnf("invalid %s_EXPIRY_DATE: %q", prefix, raw)
		}
	}

	idx := index
	meta := Metadata{
		Email:              os.Getenv(prefix + "_EMAIL"),
		AccountID:          os.Getenv(prefix + "_ACCOUNT_ID"),
		LastCheckTimestamp: float64(time.Now().UnixMilli()) / 1000,
		LoadedFromEnv:      true,
		EnvCredentialIndex: &idx,
	}
	backfillFromTokens(&token, &meta)
	if meta.Email == "" {
		if index == "0" {
			meta.Email = "env-user"
		} else {
			meta.Email = "env-user-" + index
		}
	}
	// Without a recoverable expiry, force an early refresh.
	if token.ExpiryDate == 0 {
		token.ExpiryDate = time.Now().Add(expiryRefreshBuffer).UnixMilli()
	}

	return NewOAuth(provider, EnvAccessor(provider, index), token, meta)
}

// discoverAPIKeys loads <PREFIX>_API_KEY and <PREFIX>_API_KEY_<N>.
func discoverAPIKeys(provider string) []*Credential {
	prefix := envPrefix(provider)
	base := os.Getenv(prefix + "_API_BASE")

	var creds []*Credential
	add := func(key, index string) {
		if key == "" {
			return
		}
		cred := NewAPIKey(provider, key, EnvAccessor(provider, index))
		cred.APIBase = base
		creds = append(creds, cred)
	}

	add(os.Getenv(prefix+"_API_KEY"), "0")
	for n := 1; ; n++ {
		key := os.Getenv(fmt.Sprintf("%s_API_KEY_%d", prefix, n))
		if key == "" {
			break
		}
		add(key, strconv.Itoa(n))
	}
	return dedupe(creds)
}

// dedupe drops credentials whose StableID was already seen; the first
// occurrence (local file before env, lower accessor first) wins.
func dedupe(creds []*Credential) []*Credential {
	if len(creds) < 2 {
		return creds
	}
	seen := make(map[string]bool, len(creds))
	out := creds[:0]
	for _, c := range creds {
		if seen[c.StableID] {
			log.Warnf("duplicate credential identity %s via %s dropped", c.StableID, c.Accessor)
			continue
		}
		seen[c.StableID] = true
		out = append(out, c)
	}
	return out
}
