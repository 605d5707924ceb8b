// Package gemini serves Gemini API keys through the google.golang.org/genai
// SDK. Chat bodies are converted to genai contents on the way in and back to
// chat completions on the way out. Text chat only: tool definitions and tool
// turns are rejected rather than silently dropped.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/nghyane/llm-rotor/internal/config"
	"github.com/nghyane/llm-rotor/internal/credential"
	"github.com/nghyane/llm-rotor/internal/json"
	"github.com/nghyane/llm-rotor/internal/provider"
	"github.com/nghyane/llm-rotor/internal/transport"
	"github.com/nghyane/llm-rotor/internal/usage"
	"github.com/tidwall/gjson"
	"google.golang.org/genai"
)

const (
	providerName     = "gemini"
	streamBufferSize = 128
)

var staticModels = []string{
	"gemini-2.5-pro",
	"gemini-2.5-flash",
	"gemini-2.5-flash-lite",
	"gemini-2.0-flash",
}

type Plugin struct {
	apiBase    string
	httpClient *http.Client

	mu      sync.RWMutex
	clients map[string]*genai.Client // keyed by api key
}

func New(cfg config.ProviderConfig) *Plugin {
	return &Plugin{
		apiBase:    cfg.APIBase,
		httpClient: &http.Client{Transport: transport.Shared()},
		clients:    make(map[string]*genai.Client),
	}
}

func (p *Plugin) Name() string { return providerName }

func (p *Plugin) Models(ctx context.Context, _ *credential.Credential) ([]provider.ModelInfo, error) {
	now := time.Now().Unix()
	models := make([]provider.ModelInfo, 0, len(staticModels))
	for _, id := range staticModels {
		models = append(models, provider.ModelInfo{ID: id, Object: "model", Created: now, OwnedBy: "google"})
	}
	return models, nil
}

func (p *Plugin) Execute(ctx context.Context, cred *credential.Credential, req provider.Request) (provider.Response, error) {
	contents, cfg, err := convertRequest(req.Payload)
	if err != nil {
		return provider.Response{}, err
	}
	client, err := p.clientFor(ctx, cred)
	if err != nil {
		return provider.Response{}, err
	}

	resp, err := client.Models.GenerateContent(ctx, req.Model, contents, cfg)
	if err != nil {
		return provider.Response{}, classify(err)
	}
	if len(resp.Candidates) == 0 {
		return provider.Response{}, &provider.Error{
			Kind:       provider.KindInvalidRequest,
			Message:    "gemini returned no candidates, the prompt was likely blocked",
			HTTPStatus: http.StatusBadRequest,
		}
	}

	text := candidateText(resp)
	u, ok := usageFromMeta(resp.UsageMetadata)
	if !ok {
		u = usage.EstimateUsage(req.Payload, text)
	}

	body, err := completionBody(req.Model, text, finishFor(resp.Candidates[0].FinishReason), u)
	if err != nil {
		return provider.Response{}, err
	}
	return provider.Response{
		StatusCode: http.StatusOK,
		Model:      req.Model,
		Body:       body,
		Usage:      u,
	}, nil
}

func (p *Plugin) ExecuteStream(ctx context.Context, cred *credential.Credential, req provider.Request) (<-chan provider.StreamChunk, error) {
	contents, cfg, err := convertRequest(req.Payload)
	if err != nil {
		return nil, err
	}
	client, err := p.clientFor(ctx, cred)
	if err != nil {
		return nil, err
	}

	out := make(chan provider.StreamChunk, streamBufferSize)
	go p.pump(ctx, client, req, contents, cfg, out)
	return out, nil
}

func (p *Plugin) pump(ctx context.Context, client *genai.Client, req provider.Request, contents []*genai.Content, cfg *genai.GenerateContentConfig, out chan<- provider.StreamChunk) {
	defer close(out)

	id := fmt.Sprintf("chatcmpl-gemini-%d", time.Now().UnixMilli())
	created := time.Now().Unix()
	finish := "stop"
	var u provider.Usage
	var hasUsage bool
	var text strings.Builder

	for resp, err := range client.Models.GenerateContentStream(ctx, req.Model, contents, cfg) {
		if err != nil {
			sendChunk(ctx, out, provider.StreamChunk{Err: classify(err)})
			return
		}
		if meta, ok := usageFromMeta(resp.UsageMetadata); ok {
			u, hasUsage = meta, true
		}
		if len(resp.Candidates) == 0 {
			continue
		}
		if fr := resp.Candidates[0].FinishReason; fr != "" {
			finish = finishFor(fr)
		}

		delta := candidateText(resp)
		if delta == "" {
			continue
		}
		text.WriteString(delta)
		data, err := chunkBody(id, created, req.Model, &delta, nil, nil)
		if err != nil {
			continue
		}
		if !sendChunk(ctx, out, provider.StreamChunk{Data: data}) {
			return
		}
	}

	if !hasUsage {
		u = usage.EstimateUsage(req.Payload, text.String())
	}
	data, err := chunkBody(id, created, req.Model, nil, &finish, &u)
	if err != nil {
		return
	}
	sendChunk(ctx, out, provider.StreamChunk{Data: data, Usage: &u})
}

func sendChunk(ctx context.Context, out chan<- provider.StreamChunk, c provider.StreamChunk) bool {
	select {
	case out <- c:
		return true
	case <-ctx.Done():
		return false
	}
}

// clientFor returns the cached genai client for the credential's key,
// creating it on first use. Clients are safe for concurrent use and hold
// no per-request state.
func (p *Plugin) clientFor(ctx context.Context, cred *credential.Credential) (*genai.Client, error) {
	if cred == nil || cred.APIKey == "" {
		return nil, &provider.Error{
			Kind:       provider.KindAuthFailure,
			Message:    "gemini: credential has no api key",
			HTTPStatus: http.StatusUnauthorized,
		}
	}

	p.mu.RLock()
	client, ok := p.clients[cred.APIKey]
	p.mu.RUnlock()
	if ok {
		return client, nil
	}

	cc := &genai.ClientConfig{
		APIKey:     cred.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: p.httpClient,
	}
	if base := p.baseFor(cred); base != "" {
		cc.HTTPOptions.BaseURL = base
	}
	created, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("gemini client: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if existing, ok := p.clients[cred.APIKey]; ok {
		return existing, nil
	}
	p.clients[cred.APIKey] = created
	return created, nil
}

func (p *Plugin) baseFor(cred *credential.Credential) string {
	if cred != nil && cred.APIBase != "" {
		return cred.APIBase
	}
	return p.apiBase
}

// convertRequest maps an OpenAI chat body onto genai contents and config.
func convertRequest(payload []byte) ([]*genai.Content, *genai.GenerateContentConfig, error) {
	if tools := gjson.GetBytes(payload, "tools"); tools.IsArray() && len(tools.Array()) > 0 {
		return nil, nil, &provider.Error{
			Kind:       provider.KindInvalidRequest,
			Message:    "gemini backend supports text chat only, remove tools from the request",
			HTTPStatus: http.StatusBadRequest,
		}
	}

	var system []string
	var contents []*genai.Content
	var convErr error

	gjson.GetBytes(payload, "messages").ForEach(func(_, msg gjson.Result) bool {
		role := msg.Get("role").Str
		switch role {
		case "system", "developer":
			if text := strings.TrimSpace(flattenText(msg.Get("content"))); text != "" {
				system = append(system, text)
			}
		case "user", "assistant":
			if msg.Get("tool_calls").IsArray() {
				convErr = toolsUnsupportedErr()
				return false
			}
			text := flattenText(msg.Get("content"))
			if text == "" {
				return true
			}
			genaiRole := "user"
			if role == "assistant" {
				genaiRole = "model"
			}
			contents = append(contents, &genai.Content{
				Role:  genaiRole,
				Parts: []*genai.Part{{Text: text}},
			})
		case "tool":
			convErr = toolsUnsupportedErr()
			return false
		}
		return true
	})
	if convErr != nil {
		return nil, nil, convErr
	}
	if len(contents) == 0 {
		contents = append(contents, &genai.Content{
			Role:  "user",
			Parts: []*genai.Part{{Text: ""}},
		})
	}

	cfg := &genai.GenerateContentConfig{}
	if len(system) > 0 {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: strings.Join(system, "\n\n")}}}
	}
	if v := gjson.GetBytes(payload, "temperature"); v.Type == gjson.Number {
		cfg.Temperature = genai.Ptr(float32(v.Float()))
	}
	if v := gjson.GetBytes(payload, "top_p"); v.Type == gjson.Number {
		cfg.TopP = genai.Ptr(float32(v.Float()))
	}
	if v := gjson.GetBytes(payload, "max_tokens"); v.Type == gjson.Number {
		cfg.MaxOutputTokens = int32(v.Int())
	}
	switch stop := gjson.GetBytes(payload, "stop"); stop.Type {
	case gjson.String:
		cfg.StopSequences = []string{stop.Str}
	case gjson.JSON:
		stop.ForEach(func(_, s gjson.Result) bool {
			if s.Type == gjson.String {
				cfg.StopSequences = append(cfg.StopSequences, s.Str)
			}
			return true
		})
	}
	return contents, cfg, nil
}

func toolsUnsupportedErr() *provider.Error {
	return &provider.Error{
		Kind:       provider.KindInvalidRequest,
		Message:    "gemini backend supports text chat only, tool turns cannot be forwarded",
		HTTPStatus: http.StatusBadRequest,
	}
}

// flattenText reduces OpenAI message content to plain text: strings pass
// through, block arrays contribute their text fields.
func flattenText(content gjson.Result) string {
	switch {
	case content.Type == gjson.String:
		return content.Str
	case content.IsArray():
		var parts []string
		content.ForEach(func(_, item gjson.Result) bool {
			if item.Type == gjson.String {
				parts = append(parts, item.Str)
				return true
			}
			if txt := item.Get("text"); txt.Type == gjson.String && txt.Str != "" {
				parts = append(parts, txt.Str)
			}
			return true
		})
		return strings.Join(parts, "\n")
	default:
		return ""
	}
}

// candidateText concatenates the first candidate's text parts, leaving out
// thought parts which are not for the client.
func candidateText(resp *genai.GenerateContentResponse) string {
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if part == nil || part.Thought {
			continue
		}
		b.WriteString(part.Text)
	}
	return b.String()
}

func finishFor(fr genai.FinishReason) string {
	switch string(fr) {
	case "", "STOP":
		return "stop"
	case "MAX_TOKENS":
		return "length"
	case "SAFETY", "RECITATION", "BLOCKLIST", "PROHIBITED_CONTENT", "SPII", "IMAGE_SAFETY":
		return "content_filter"
	default:
		return "stop"
	}
}

func usageFromMeta(md *genai.GenerateContentResponseUsageMetadata) (provider.Usage, bool) {
	if md == nil {
		return provider.Usage{}, false
	}
	u := provider.Usage{
		PromptTokens:     int64(md.PromptTokenCount),
		CompletionTokens: int64(md.CandidatesTokenCount),
		ThinkingTokens:   int64(md.ThoughtsTokenCount),
		CacheReadTokens:  int64(md.CachedContentTokenCount),
		TotalTokens:      int64(md.TotalTokenCount),
	}
	if u.TotalTokens == 0 {
		u.TotalTokens = u.PromptTokens + u.CompletionTokens + u.ThinkingTokens
	}
	if u.TotalTokens == 0 {
		return provider.Usage{}, false
	}
	return u, true
}

// classify types SDK failures for the rotation engine. The genai API error
// carries the upstream HTTP code; everything else is transport-level.
func classify(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &provider.Error{
			Kind:       provider.KindTransient,
			Message:    "gemini request timed out",
			HTTPStatus: http.StatusGatewayTimeout,
		}
	}

	code, message := 0, ""
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		code, message = apiErr.Code, apiErr.Message
	} else {
		var apiErrPtr *genai.APIError
		if errors.As(err, &apiErrPtr) {
			code, message = apiErrPtr.Code, apiErrPtr.Message
		}
	}
	if code == 0 {
		return &provider.Error{
			Kind:       provider.KindTransient,
			Message:    "gemini request failed: " + err.Error(),
			HTTPStatus: http.StatusBadGateway,
		}
	}
	if message == "" {
		message = fmt.Sprintf("gemini upstream returned %d", code)
	}
	// Body carries the upstream message so quota-flavored 429s and 403s
	// classify as exhausted rather than plain rate limits.
	return &provider.Error{
		Message:    message,
		HTTPStatus: code,
		Body:       []byte(message),
	}
}

func completionBody(model, text, finish string, u provider.Usage) ([]byte, error) {
	message := map[string]any{"role": "assistant", "content": nil}
	if text != "" {
		message["content"] = text
	}
	return json.Marshal(map[string]any{
		"id":      fmt.Sprintf("chatcmpl-gemini-%d", time.Now().UnixMilli()),
		"object":  "chat.completion",
		"created": time.Now().Unix(),
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
}

func chunkBody(id string, created int64, model string, content *string, finish *string, u *provider.Usage) ([]byte, error) {
	delta := map[string]any{}
	if content != nil {
		delta["content"] = *content
	}
	choice := map[string]any{
		"index":         0,
		"delta":         delta,
		"finish_reason": nil,
	}
	if finish != nil {
		choice["finish_reason"] = *finish
	}
	body := map[string]any{
		"id":      id,
		"object":  "chat.completion.chunk",
		"created": created,
		"model":   model,
		"choices": []any{choice},
	}
	if u != nil {
		body["usage"] = map[string]any{
			"prompt_tokens":     u.PromptTokens,
			"completion_tokens": u.CompletionTokens,
			"total_tokens":      u.TotalTokens,
		}
	}
	return json.Marshal(body)
}

var _ provider.Plugin = (*Plugin)(nil)
