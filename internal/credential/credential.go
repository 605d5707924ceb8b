// Package credential holds the typed credential records the rotation engine
// schedules over, plus discovery from disk and environment and the persistent
// store that keeps token state and files in sync.
package credential

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Kind distinguishes static API keys from OAuth token bundles.
type Kind int

const (
	KindAPIKey Kind = iota
	KindOAuth
)

// Metadata mirrors the _proxy_metadata object embedded in credential files.
type Metadata struct {
	Email              string  `json:"email,omitempty"`
	AccountID          string  `json:"account_id,omitempty"`
	Tier               string  `json:"tier,omitempty"`
	Priority           *int    `json:"priority,omitempty"`
	LastCheckTimestamp float64 `json:"last_check_timestamp,omitempty"`
	LoadedFromEnv      bool    `json:"loaded_from_env"`
	EnvCredentialIndex *string `json:"env_credential_index"`
}

// TokenState is the mutable OAuth portion of a credential. All access goes
// through the owning Credential's mutex.
type TokenState struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	IDToken      string `json:"id_token,omitempty"`
	// ExpiryDate is epoch milliseconds, matching the on-disk format.
	ExpiryDate int64  `json:"expiry_date"`
	TokenURI   string `json:"token_uri,omitempty"`
}

// Credential is one schedulable unit: a static API key or an OAuth bundle.
// Identity (StableID) survives moving the credential between accessors.
type Credential struct {
	StableID string
	Accessor string
	Provider string
	Kind     Kind

	// Priority orders credentials within a provider; smaller wins.
	Priority int
	Tier     string
	// MaxConcurrent overrides the provider-level cap when > 0.
	MaxConcurrent int

	// APIKey is set for KindAPIKey credentials.
	APIKey string
	// APIBase overrides the provider endpoint for this credential.
	APIBase string

	mu    sync.RWMutex
	token TokenState
	meta  Metadata
}

// expiryRefreshBuffer is the proactive window before true expiry in which a
// token counts as needing refresh.
const expiryRefreshBuffer = 5 * time.Minute

// NewAPIKey builds a static-key credential.
func NewAPIKey(provider, key, accessor string) *Credential {
	c := &Credential{
		Provider: provider,
		Kind:     KindAPIKey,
		Accessor: accessor,
		APIKey:   key,
		Priority: defaultPriority,
	}
	c.StableID = fingerprint(provider, fmt.Sprintf("key:%x", sha256.Sum256([]byte(key))))
	return c
}

// NewOAuth builds an OAuth credential from a token bundle and its metadata.
func NewOAuth(provider, accessor string, token TokenState, meta Metadata) *Credential {
	c := &Credential{
		Provider: provider,
		Kind:     KindOAuth,
		Accessor: accessor,
		Priority: defaultPriority,
	}
	c.token = token
	c.meta = meta
	if meta.Tier != "" {
		c.Tier = meta.Tier
	}
	if meta.Priority != nil {
		c.Priority = *meta.Priority
	}
	c.StableID = oauthFingerprint(provider, meta, accessor)
	return c
}

const defaultPriority = 100

// oauthFingerprint keys identity on account id, then email, then the
// accessor itself. Persisted usage keyed by StableID survives file renames
// as long as the account identity is recoverable from the token.
func oauthFingerprint(provider string, meta Metadata, accessor string) string {
	switch {
	case meta.AccountID != "":
		return fingerprint(provider, "acct:"+meta.AccountID)
	case meta.Email != "":
		return fingerprint(provider, "email:"+strings.ToLower(meta.Email))
	default:
		return fingerprint(provider, "accessor:"+accessor)
	}
}

func fingerprint(provider, identity string) string {
	sum := sha256.Sum256([]byte(provider + "\x00" + identity))
	return provider + "-" + hex.EncodeToString(sum[:8])
}

// Token returns a copy of the current token state.
func (c *Credential) Token() TokenState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// SetToken replaces the token state. Callers must have persisted the new
// state to disk first for file-backed credentials; see Store.Save.
func (c *Credential) SetToken(t TokenState) {
	c.mu.Lock()
	c.token = t
	c.mu.Unlock()
}

// Meta returns a copy of the proxy metadata.
func (c *Credential) Meta() Metadata {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.meta
}

// SetMeta replaces the proxy metadata.
func (c *Credential) SetMeta(m Metadata) {
	c.mu.Lock()
	c.meta = m
	c.mu.Unlock()
}

// Email returns the credential's account email when known.
func (c *Credential) Email() string { return c.Meta().Email }

// AccountID returns the provider account id when known.
func (c *Credential) AccountID() string { return c.Meta().AccountID }

// EnvBacked reports whether this credential came from environment variables
// and therefore never writes to disk.
func (c *Credential) EnvBacked() bool {
	if strings.HasPrefix(c.Accessor, "env://") {
		return true
	}
	return c.Meta().LoadedFromEnv
}

// Expired reports whether the access token is within the proactive refresh
// buffer of its expiry.
func (c *Credential) Expired(now time.Time) bool {
	return c.expiresBefore(now.Add(expiryRefreshBuffer))
}

// TrulyExpired reports whether the access token is past its actual expiry,
// ignoring the proactive buffer. Used by availability checks.
func (c *Credential) TrulyExpired(now time.Time) bool {
	return c.expiresBefore(now)
}

func (c *Credential) expiresBefore(t time.Time) bool {
	if c.Kind != KindOAuth {
		return false
	}
	c.mu.RLock()
	expiry := c.token.ExpiryDate
	c.mu.RUnlock()
	return time.UnixMilli(expiry).Before(t)
}

// DisplayName is a short human label for logs.
func (c *Credential) DisplayName() string {
	if email := c.Email(); email != "" {
		return email
	}
	if i := strings.LastIndexByte(c.Accessor, '/'); i >= 0 && i < len(c.Accessor)-1 {
		return c.Accessor[i+1:]
	}
	return c.StableID
}

// EnvAccessor builds the virtual accessor for env-sourced credentials.
func EnvAccessor(provider, index string) string {
	return "env://" + provider + "/" + index
}

// ParseEnvAccessor splits an env:// accessor into provider and index.
func ParseEnvAccessor(accessor string) (provider, index string, ok bool) {
	rest, found := strings.CutPrefix(accessor, "env://")
	if !found {
		return "", "", false
	}
	provider, index, found = strings.Cut(rest, "/")
	if !found || provider == "" {
		return "", "", false
	}
	if index == "" {
		index = "0"
	}
	return provider, index, true
}
