// Package codex implements the OpenAI Codex backend. Requests are rewritten
// onto the ChatGPT backend-api responses endpoint and the native response.*
// SSE events are translated back into chat.completion chunks; non-streaming
// calls aggregate the plugin's own stream because the endpoint only serves
// SSE.
package codex

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/nghyane/llm-rotor/internal/config"
	"github.com/nghyane/llm-rotor/internal/credential"
	"github.com/nghyane/llm-rotor/internal/json"
	log "github.com/nghyane/llm-rotor/internal/logging"
	"github.com/nghyane/llm-rotor/internal/provider"
	"github.com/nghyane/llm-rotor/internal/transport"
	"github.com/nghyane/llm-rotor/internal/usage"
	"github.com/tidwall/gjson"
)

const (
	providerName = "openai_codex"

	clientID = "app_EMoamEEZ73f0CkXaXp7hrann"
	authURL  = "https://auth.openai.com/oauth/authorize"
	tokenURL = "https://auth.openai.com/oauth/token"

	callbackPath       = "/auth/callback"
	legacyCallbackPath = "/oauth2callback"
	defaultOAuthPort   = 1455

	defaultAPIBase = "https://chatgpt.com/backend-api"
	responsesPath  = "/codex/responses"

	userAgent     = "llm-rotor/openai-codex"
	modelsTimeout = 20 * time.Second
	maxErrorBody  = 1 << 20
)

// hardcodedModels is the fallback catalog; OPENAI_CODEX_MODELS and dynamic
// discovery extend it.
var hardcodedModels = []string{
	"gpt-5.1-codex",
	"gpt-5-codex",
	"gpt-4.1-codex",
}

// TokenRefresher force-refreshes a credential's access token. The OAuth
// orchestrator satisfies this; the plugin uses it for the one-shot retry
// after an upstream 401/403.
type TokenRefresher interface {
	Refresh(ctx context.Context, cred *credential.Credential, force bool) error
}

// Plugin is the OpenAI Codex backend. Credentials are ChatGPT OAuth bundles
// carrying an access token plus the chatgpt-account-id header value.
type Plugin struct {
	apiBase   string
	oauthPort int
	client    *http.Client
	refresher TokenRefresher
}

func New(cfg config.ProviderConfig) *Plugin {
	base := cfg.APIBase
	if base == "" {
		base = defaultAPIBase
	}
	return &Plugin{
		apiBase:   base,
		oauthPort: cfg.OAuthPort,
		client:    &http.Client{Transport: transport.Shared()},
	}
}

// SetRefresher wires the OAuth orchestrator in once both sides exist.
func (p *Plugin) SetRefresher(r TokenRefresher) { p.refresher = r }

func (p *Plugin) Name() string { return providerName }

func (p *Plugin) OAuthSpec() provider.OAuthSpec {
	port := p.oauthPort
	if port <= 0 {
		port = defaultOAuthPort
	}
	return provider.OAuthSpec{
		ClientID:           clientID,
		AuthURL:            authURL,
		TokenURL:           tokenURL,
		Scopes:             []string{"openid", "profile", "email", "offline_access"},
		CallbackPort:       port,
		CallbackPath:       callbackPath,
		LegacyCallbackPath: legacyCallbackPath,
		ExtraAuthParams: map[string]string{
			"id_token_add_organizations": "true",
			"codex_cli_simplified_flow":  "true",
			"originator":                 "pi",
		},
	}
}

func (p *Plugin) DefaultRotationMode() provider.RotationMode { return provider.RotationSequential }

func (p *Plugin) TierPriorities() map[string]int { return map[string]int{"unknown": 10} }

// WindowConfigs declares one credential-wide daily window; ChatGPT quotas
// apply to the account, not to individual models.
func (p *Plugin) WindowConfigs() []provider.WindowConfig {
	return []provider.WindowConfig{{Name: "daily", Duration: 24 * time.Hour, PerCredential: true}}
}

func (p *Plugin) PriorityMultipliers() map[int]float64 { return nil }

func (p *Plugin) SequentialFallbackMultiplier() float64 { return 0 }

func (p *Plugin) Models(ctx context.Context, cred *credential.Credential) ([]provider.ModelInfo, error) {
	now := time.Now().Unix()
	models := make([]provider.ModelInfo, 0, len(hardcodedModels))
	seen := make(map[string]bool, len(hardcodedModels))
	for _, id := range hardcodedModels {
		models = append(models, provider.ModelInfo{ID: id, Object: "model", Created: now, OwnedBy: "openai"})
		seen[id] = true
	}

	if cred == nil {
		return models, nil
	}

	// Dynamic discovery is best effort; the backend may not expose /models.
	discovered, err := p.discoverModels(ctx, cred)
	if err != nil {
		log.Debugf("codex: dynamic model discovery skipped: %v", err)
		return models, nil
	}
	for _, id := range discovered {
		if seen[id] {
			continue
		}
		seen[id] = true
		models = append(models, provider.ModelInfo{ID: id, Object: "model", Created: now, OwnedBy: "openai"})
	}
	return models, nil
}

func (p *Plugin) discoverModels(ctx context.Context, cred *credential.Credential) ([]string, error) {
	access, accountID, err := runtimeAuth(cred)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, modelsTimeout)
	defer cancel()

	url := strings.TrimSuffix(p.baseFor(cred), "/") + "/models"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	p.setHeaders(req.Header, access, accountID, false)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("models endpoint returned %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		return nil, err
	}

	list := gjson.GetBytes(body, "data")
	if !list.Exists() {
		list = gjson.ParseBytes(body)
	}
	var ids []string
	list.ForEach(func(_, item gjson.Result) bool {
		switch {
		case item.Type == gjson.String:
			ids = append(ids, item.Str)
		case item.IsObject():
			if id := item.Get("id").Str; id != "" {
				ids = append(ids, id)
			} else if name := item.Get("name").Str; name != "" {
				ids = append(ids, name)
			}
		}
		return true
	})
	return ids, nil
}

func (p *Plugin) Execute(ctx context.Context, cred *credential.Credential, req provider.Request) (provider.Response, error) {
	payload, err := buildPayload(req.Model, req.Payload)
	if err != nil {
		return provider.Response{}, err
	}

	resp, err := p.openStream(ctx, cred, payload)
	if err != nil {
		return provider.Response{}, err
	}
	defer resp.Body.Close()

	tr := newTranslator(req.Model)
	agg := &streamAggregate{}
	events := newEventScanner(resp.Body)
	for {
		data, err := events.Next()
		if err != nil {
			return provider.Response{}, &provider.Error{
				Kind:       provider.KindTransient,
				Message:    "codex stream read: " + err.Error(),
				HTTPStatus: 502,
			}
		}
		if data == nil {
			break
		}
		if !gjson.ValidBytes(data) {
			continue
		}
		chunks, u, perr := tr.ProcessEvent(data)
		if perr != nil {
			return provider.Response{}, perr
		}
		for _, c := range chunks {
			agg.add(c)
		}
		if u != nil {
			agg.usage = *u
			agg.hasUsage = true
		}
	}

	return agg.response(tr, req.Model, req.Payload)
}

func (p *Plugin) ExecuteStream(ctx context.Context, cred *credential.Credential, req provider.Request) (<-chan provider.StreamChunk, error) {
	payload, err := buildPayload(req.Model, req.Payload)
	if err != nil {
		return nil, err
	}

	resp, err := p.openStream(ctx, cred, payload)
	if err != nil {
		return nil, err
	}

	out := make(chan provider.StreamChunk, streamBufferSize)
	go p.pump(ctx, resp.Body, newTranslator(req.Model), out)
	return out, nil
}

// openStream performs the responses POST. A 401/403 gets one forced token
// refresh and a single retry before the failure surfaces to the rotation
// engine.
func (p *Plugin) openStream(ctx context.Context, cred *credential.Credential, payload []byte) (*http.Response, error) {
	resp, err := p.post(ctx, cred, payload)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 400 {
		return resp, nil
	}

	body := drainBody(resp)
	if (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) && p.refresher != nil {
		if rerr := p.refresher.Refresh(ctx, cred, true); rerr != nil {
			log.Warnf("codex: forced refresh after upstream %d failed: %v", resp.StatusCode, rerr)
			return nil, httpError(resp.StatusCode, resp.Header, body)
		}
		log.Warnf("codex: upstream %d for %s, retrying once with refreshed token", resp.StatusCode, cred.DisplayName())

		retry, err := p.post(ctx, cred, payload)
		if err != nil {
			return nil, err
		}
		if retry.StatusCode < 400 {
			return retry, nil
		}
		return nil, httpError(retry.StatusCode, retry.Header, drainBody(retry))
	}

	return nil, httpError(resp.StatusCode, resp.Header, body)
}

func (p *Plugin) post(ctx context.Context, cred *credential.Credential, payload []byte) (*http.Response, error) {
	access, accountID, err := runtimeAuth(cred)
	if err != nil {
		return nil, err
	}

	url := strings.TrimSuffix(p.baseFor(cred), "/") + responsesPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	p.setHeaders(req.Header, access, accountID, true)

	resp, err := p.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, &provider.Error{
				Kind:       provider.KindTransient,
				Message:    "codex request timed out",
				HTTPStatus: http.StatusGatewayTimeout,
			}
		}
		return nil, err
	}
	return resp, nil
}

func (p *Plugin) baseFor(cred *credential.Credential) string {
	if cred != nil && cred.APIBase != "" {
		return cred.APIBase
	}
	return p.apiBase
}

func (p *Plugin) setHeaders(h http.Header, access, accountID string, stream bool) {
	h.Set("Authorization", "Bearer "+access)
	h.Set("chatgpt-account-id", accountID)
	h.Set("OpenAI-Beta", "responses=experimental")
	h.Set("originator", "pi")
	h.Set("Content-Type", "application/json")
	if stream {
		h.Set("Accept", "text/event-stream")
	} else {
		h.Set("Accept", "application/json")
	}
	h.Set("User-Agent", userAgent)
}

// runtimeAuth pulls the access token and chatgpt account id off the
// credential, decoding the JWT claim when stored metadata lacks the id.
func runtimeAuth(cred *credential.Credential) (string, string, error) {
	tok := cred.Token()
	if tok.AccessToken == "" {
		return "", "", &provider.Error{
			Kind:       provider.KindAuthFailure,
			Message:    "credential has no access token",
			HTTPStatus: http.StatusUnauthorized,
		}
	}

	accountID := cred.AccountID()
	if accountID == "" {
		accountID = credential.AccountIDFromClaims(credential.DecodeJWTUnverified(tok.AccessToken))
	}
	if accountID == "" {
		return "", "", &provider.Error{
			Kind:       provider.KindAuthFailure,
			Message:    "credential missing chatgpt account id, re-authenticate to restore metadata",
			HTTPStatus: http.StatusUnauthorized,
		}
	}
	return tok.AccessToken, accountID, nil
}

func drainBody(resp *http.Response) []byte {
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return body
}

// httpError types an upstream failure for the rotation classifier, carrying
// the parsed reset hint when the response had one.
func httpError(status int, hdr http.Header, body []byte) *provider.Error {
	perr := &provider.Error{
		Code:       gjson.GetBytes(body, "error.code").Str,
		Message:    gjson.GetBytes(body, "error.message").Str,
		HTTPStatus: status,
		Body:       body,
	}
	if perr.Message == "" {
		perr.Message = fmt.Sprintf("codex upstream returned %d", status)
	}
	if after, ok := quotaRetryAfter(hdr, body); ok {
		perr.RetryAfter = &after
	}
	return perr
}

// quotaRetryAfter resolves the cooldown hint for rate and quota failures:
// Retry-After header, then error.resets_at epoch, then retry_after-style
// fields, then a 60s default when the error text names a limit.
func quotaRetryAfter(hdr http.Header, body []byte) (time.Duration, bool) {
	if hdr != nil {
		if v := strings.TrimSpace(hdr.Get("Retry-After")); v != "" {
			if secs, err := strconv.ParseFloat(v, 64); err == nil && secs > 0 {
				return clampRetry(time.Duration(secs * float64(time.Second))), true
			}
		}
	}

	errObj := gjson.GetBytes(body, "error")
	if !errObj.IsObject() {
		return 0, false
	}

	if resets := errObj.Get("resets_at"); resets.Type == gjson.Number {
		return clampRetry(time.Until(time.Unix(int64(resets.Float()), 0))), true
	}

	for _, key := range []string{"retry_after", "retry_after_seconds", "retryAfter"} {
		switch v := errObj.Get(key); v.Type {
		case gjson.Number:
			return clampRetry(time.Duration(v.Float() * float64(time.Second))), true
		case gjson.String:
			if secs, err := strconv.ParseFloat(v.Str, 64); err == nil {
				return clampRetry(time.Duration(secs * float64(time.Second))), true
			}
		}
	}

	text := strings.ToLower(errObj.Get("code").Str + " " + errObj.Get("type").Str + " " + errObj.Get("message").Str)
	if containsAny(text, "usage_limit", "rate_limit", "quota") {
		return time.Minute, true
	}
	return 0, false
}

func clampRetry(d time.Duration) time.Duration {
	if d < time.Second {
		return time.Second
	}
	return d
}

// streamAggregate reassembles translated chunks into one chat.completion
// response for the non-streaming path.
type streamAggregate struct {
	content  strings.Builder
	tools    []*aggregatedTool // translator indexes are dense, slice position = index
	finish   string
	usage    provider.Usage
	hasUsage bool
}

type aggregatedTool struct {
	id   string
	name strings.Builder
	args strings.Builder
}

func (a *streamAggregate) add(data []byte) {
	choice := gjson.GetBytes(data, "choices.0")

	if c := choice.Get("delta.content"); c.Type == gjson.String {
		a.content.WriteString(c.Str)
	}

	choice.Get("delta.tool_calls").ForEach(func(_, tc gjson.Result) bool {
		idx := int(tc.Get("index").Int())
		if idx < 0 {
			return true
		}
		for len(a.tools) <= idx {
			a.tools = append(a.tools, &aggregatedTool{})
		}
		agg := a.tools[idx]
		if id := tc.Get("id").Str; id != "" {
			agg.id = id
		}
		if name := tc.Get("function.name"); name.Type == gjson.String {
			agg.name.WriteString(name.Str)
		}
		if args := tc.Get("function.arguments"); args.Type == gjson.String {
			agg.args.WriteString(args.Str)
		}
		return true
	})

	if fr := choice.Get("finish_reason"); fr.Type == gjson.String && fr.Str != "" {
		a.finish = fr.Str
	}
}

func (a *streamAggregate) response(tr *translator, model string, reqPayload []byte) (provider.Response, error) {
	finish := a.finish
	if len(a.tools) > 0 {
		finish = "tool_calls"
	}
	if finish == "" {
		finish = "stop"
	}

	message := map[string]any{"role": "assistant", "content": nil}
	if a.content.Len() > 0 {
		message["content"] = a.content.String()
	}
	if len(a.tools) > 0 {
		calls := make([]any, 0, len(a.tools))
		for _, t := range a.tools {
			calls = append(calls, map[string]any{
				"id":   t.id,
				"type": "function",
				"function": map[string]any{
					"name":      t.name.String(),
					"arguments": t.args.String(),
				},
			})
		}
		message["tool_calls"] = calls
	}

	u := a.usage
	if !a.hasUsage {
		u = usage.EstimateUsage(reqPayload, a.content.String())
	}

	id := tr.responseID
	if id == "" {
		id = fmt.Sprintf("chatcmpl-codex-%d", time.Now().UnixMilli())
	}

	body, err := json.Marshal(map[string]any{
		"id":      id,
		"object":  "chat.completion",
		"created": tr.created,
		"model":   model,
		"choices": []any{map[string]any{
			"index":         0,
			"message":       message,
			"finish_reason": finish,
		}},
		"usage": map[string]any{
			"prompt_tokens":     u.PromptTokens,
			"completion_tokens": u.CompletionTokens,
			"total_tokens":      u.TotalTokens,
		},
	})
	if err != nil {
		return provider.Response{}, err
	}

	return provider.Response{
		StatusCode: http.StatusOK,
		Model:      model,
		Body:       body,
		Usage:      u,
	}, nil
}

var (
	_ provider.Plugin           = (*Plugin)(nil)
	_ provider.OAuthCapable     = (*Plugin)(nil)
	_ provider.RotationDefaults = (*Plugin)(nil)
)
