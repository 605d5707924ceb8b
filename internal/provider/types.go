// Package provider defines the plugin contract between the rotation engine
// and concrete LLM backends, plus the typed errors and classification used
// to drive rotation decisions.
package provider

import (
	"context"
	"strings"
	"time"

	"github.com/nghyane/llm-rotor/internal/credential"
)

// Request is one upstream call. Payload carries the OpenAI-shaped JSON body;
// plugins rewrite the model field and forward it.
type Request struct {
	Provider string
	Model    string
	Stream   bool
	Priority int
	Payload  []byte
	// Timeout overrides the global per-request deadline when > 0.
	Timeout time.Duration
}

// Response is a completed non-streaming exchange.
type Response struct {
	StatusCode int
	Model      string
	Body       []byte
	Usage      Usage
}

// Usage is the token accounting for one request. Estimated marks values
// produced by the local tokenizer fallback rather than the provider.
type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	ThinkingTokens   int64 `json:"thinking_tokens,omitempty"`
	CacheReadTokens  int64 `json:"cache_read_tokens,omitempty"`
	CacheWriteTokens int64 `json:"cache_write_tokens,omitempty"`
	TotalTokens      int64 `json:"total_tokens"`
	Estimated        bool  `json:"-"`
}

func (u Usage) IsZero() bool {
	return u.PromptTokens == 0 && u.CompletionTokens == 0 && u.TotalTokens == 0
}

// StreamChunk is one delivered SSE data frame. Data holds the JSON payload
// (never the [DONE] sentinel; channel close signals completion). Err is set
// on the terminal chunk when the stream failed. Usage rides the chunk that
// carried token accounting, usually the last.
type StreamChunk struct {
	Data  []byte
	Usage *Usage
	Err   error
}

// ModelInfo mirrors one entry of an OpenAI-style model list.
type ModelInfo struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// RotationMode selects how the rotor orders same-priority credentials.
type RotationMode uint8

const (
	// RotationBalanced spreads load by primary-window usage.
	RotationBalanced RotationMode = iota
	// RotationSequential drains one credential before moving to the next.
	RotationSequential
)

func (m RotationMode) String() string {
	if m == RotationSequential {
		return "sequential"
	}
	return "balanced"
}

// ParseRotationMode accepts "balanced" and "sequential" (case-insensitive).
func ParseRotationMode(s string) (RotationMode, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "balanced":
		return RotationBalanced, true
	case "sequential":
		return RotationSequential, true
	}
	return RotationBalanced, false
}

// WindowConfig describes one rolling usage window a provider wants tracked.
// The first config is the primary window used for balanced ordering.
type WindowConfig struct {
	Name     string
	Duration time.Duration
	Limit    int64 // requests per window, 0 = unlimited
	// PerCredential counts the window across every model of a credential
	// instead of per model; quotas like a daily account cap use this.
	PerCredential bool
}

// Plugin is the contract every backend implements. Streaming sends chunks on
// the returned channel and closes it when the stream ends; a failure after
// the first chunk is reported as a final chunk with Err set.
type Plugin interface {
	Name() string
	Models(ctx context.Context, cred *credential.Credential) ([]ModelInfo, error)
	Execute(ctx context.Context, cred *credential.Credential, req Request) (Response, error)
	ExecuteStream(ctx context.Context, cred *credential.Credential, req Request) (<-chan StreamChunk, error)
}

// Capability interfaces, probed with type assertions at wiring time.

// RotationDefaults supplies per-provider rotation tuning. Env configuration
// overrides every value.
type RotationDefaults interface {
	DefaultRotationMode() RotationMode
	TierPriorities() map[string]int
	WindowConfigs() []WindowConfig
	PriorityMultipliers() map[int]float64
	SequentialFallbackMultiplier() float64
}

// QuotaGrouper maps models onto shared quota pools. Cooldowns set with a
// group scope block every model in the group.
type QuotaGrouper interface {
	QuotaGroup(model string) string
}

// TierRestrictor hides models from credentials whose account tier cannot
// serve them.
type TierRestrictor interface {
	AllowTier(tier, model string) bool
}

// OAuthCapable marks plugins whose credentials are refresh-token based and
// supplies the endpoints the refresh orchestrator needs.
type OAuthCapable interface {
	OAuthSpec() OAuthSpec
}

// OAuthSpec carries the constants of a provider's OAuth application.
type OAuthSpec struct {
	ClientID           string
	AuthURL            string
	TokenURL           string
	Scopes             []string
	CallbackPort       int
	CallbackPath       string
	LegacyCallbackPath string
	ExtraAuthParams    map[string]string
}
