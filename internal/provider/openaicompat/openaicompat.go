// Package openaicompat forwards chat completions to any OpenAI-compatible
// endpoint using static API keys. The wire format already matches what
// clients speak, so requests and stream chunks pass through with only the
// model field rewritten.
package openaicompat

import (
	"bufio"
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
	"github.com/nghyane/llm-rotor/internal/provider"
	"github.com/nghyane/llm-rotor/internal/sseutil"
	"github.com/nghyane/llm-rotor/internal/transport"
	"github.com/nghyane/llm-rotor/internal/usage"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const (
	chatPath   = "/chat/completions"
	modelsPath = "/models"

	modelsTimeout     = 20 * time.Second
	streamIdleTimeout = 5 * time.Minute
	streamBufferSize  = 128
	scannerStartSize  = 64 * 1024
	maxLineSize       = 1 << 20
	maxErrorBody      = 1 << 20

	userAgent = "llm-rotor/openai-compat"
)

// Plugin serves one configured OpenAI-compatible provider. Several
// instances can coexist under different names, each with its own base URL.
type Plugin struct {
	name    string
	apiBase string
	client  *http.Client
}

func New(name string, cfg config.ProviderConfig) *Plugin {
	return &Plugin{
		name:    name,
		apiBase: cfg.APIBase,
		client:  &http.Client{Transport: transport.Shared()},
	}
}

func (p *Plugin) Name() string { return p.name }

// Models lists what the backend advertises on GET /models. Providers whose
// backend has no such endpoint surface their catalog through configuration
// instead, so an empty result here is not an error.
func (p *Plugin) Models(ctx context.Context, cred *credential.Credential) ([]provider.ModelInfo, error) {
	if cred == nil || cred.APIKey == "" {
		return nil, nil
	}
	base := p.baseFor(cred)
	if base == "" {
		return nil, fmt.Errorf("%s: no api base configured", p.name)
	}

	ctx, cancel := context.WithTimeout(ctx, modelsTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSuffix(base, "/")+modelsPath, nil)
	if err != nil {
		return nil, err
	}
	p.setHeaders(req.Header, cred.APIKey, false)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s: models endpoint returned %d", p.name, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		return nil, err
	}

	now := time.Now().Unix()
	var models []provider.ModelInfo
	list := gjson.GetBytes(body, "data")
	if !list.Exists() {
		list = gjson.ParseBytes(body)
	}
	list.ForEach(func(_, item gjson.Result) bool {
		id := item.Str
		if item.IsObject() {
			id = item.Get("id").Str
			if id == "" {
				id = item.Get("name").Str
			}
		}
		if id != "" {
			models = append(models, provider.ModelInfo{ID: id, Object: "model", Created: now, OwnedBy: p.name})
		}
		return true
	})
	return models, nil
}

func (p *Plugin) Execute(ctx context.Context, cred *credential.Credential, req provider.Request) (provider.Response, error) {
	body, err := p.buildBody(req, false)
	if err != nil {
		return provider.Response{}, err
	}

	resp, err := p.post(ctx, cred, body, false)
	if err != nil {
		return provider.Response{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return provider.Response{}, httpError(p.name, resp.StatusCode, resp.Header, readErrorBody(resp.Body))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return provider.Response{}, &provider.Error{
			Kind:       provider.KindTransient,
			Message:    p.name + " response read: " + err.Error(),
			HTTPStatus: http.StatusBadGateway,
		}
	}

	u, ok := usageFrom(gjson.GetBytes(data, "usage"))
	if !ok {
		u = usage.EstimateUsage(req.Payload, gjson.GetBytes(data, "choices.0.message.content").Str)
	}

	return provider.Response{
		StatusCode: resp.StatusCode,
		Model:      req.Model,
		Body:       data,
		Usage:      u,
	}, nil
}

func (p *Plugin) ExecuteStream(ctx context.Context, cred *credential.Credential, req provider.Request) (<-chan provider.StreamChunk, error) {
	body, err := p.buildBody(req, true)
	if err != nil {
		return nil, err
	}

	resp, err := p.post(ctx, cred, body, true)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, httpError(p.name, resp.StatusCode, resp.Header, readErrorBody(resp.Body))
	}

	out := make(chan provider.StreamChunk, streamBufferSize)
	go p.pump(ctx, resp.Body, out)
	return out, nil
}

// buildBody rewrites the client payload for the upstream call: the resolved
// model id replaces the prefixed one, and stream fields are forced to match
// the chosen transport so a client mismatch cannot leak through.
func (p *Plugin) buildBody(req provider.Request, stream bool) ([]byte, error) {
	body, err := sjson.SetBytes(req.Payload, "model", req.Model)
	if err != nil {
		return nil, err
	}
	if stream {
		body, _ = sjson.SetBytes(body, "stream", true)
		body, _ = sjson.SetBytes(body, "stream_options.include_usage", true)
		return body, nil
	}
	body, _ = sjson.DeleteBytes(body, "stream")
	body, _ = sjson.DeleteBytes(body, "stream_options")
	return body, nil
}

func (p *Plugin) pump(ctx context.Context, body io.ReadCloser, out chan<- provider.StreamChunk) {
	defer close(out)

	reader := transport.NewStreamReader(ctx, body, streamIdleTimeout, p.name+" stream")
	defer reader.Close()

	sc := bufio.NewScanner(reader)
	sc.Buffer(make([]byte, scannerStartSize), maxLineSize)

	for sc.Scan() {
		line := sc.Bytes()
		if sseutil.IsDone(line) {
			return
		}
		payload := sseutil.JSONPayload(line)
		if payload == nil {
			continue
		}

		if e := gjson.GetBytes(payload, "error"); e.Exists() {
			sendChunk(ctx, out, provider.StreamChunk{Err: streamError(p.name, e, payload)})
			return
		}

		chunk := provider.StreamChunk{Data: bytes.Clone(payload)}
		if u, ok := usageFrom(gjson.GetBytes(payload, "usage")); ok {
			chunk.Usage = &u
		}
		if !sendChunk(ctx, out, chunk) {
			return
		}
	}

	if err := sc.Err(); err != nil {
		sendChunk(ctx, out, provider.StreamChunk{Err: &provider.Error{
			Kind:       provider.KindTransient,
			Message:    p.name + " stream read: " + err.Error(),
			HTTPStatus: http.StatusBadGateway,
		}})
	}
}

func sendChunk(ctx context.Context, out chan<- provider.StreamChunk, c provider.StreamChunk) bool {
	select {
	case out <- c:
		return true
	case <-ctx.Done():
		return false
	}
}

func (p *Plugin) post(ctx context.Context, cred *credential.Credential, payload []byte, stream bool) (*http.Response, error) {
	if cred == nil || cred.APIKey == "" {
		return nil, &provider.Error{
			Kind:       provider.KindAuthFailure,
			Message:    p.name + ": credential has no api key",
			HTTPStatus: http.StatusUnauthorized,
		}
	}
	base := p.baseFor(cred)
	if base == "" {
		return nil, &provider.Error{
			Kind:       provider.KindFatal,
			Message:    p.name + ": no api base configured",
			HTTPStatus: http.StatusInternalServerError,
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimSuffix(base, "/")+chatPath, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	p.setHeaders(req.Header, cred.APIKey, stream)

	resp, err := p.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, &provider.Error{
				Kind:       provider.KindTransient,
				Message:    p.name + " request timed out",
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

func (p *Plugin) setHeaders(h http.Header, key string, stream bool) {
	h.Set("Authorization", "Bearer "+key)
	h.Set("Content-Type", "application/json")
	if stream {
		h.Set("Accept", "text/event-stream")
	} else {
		h.Set("Accept", "application/json")
	}
	h.Set("User-Agent", userAgent)
}

func readErrorBody(r io.Reader) []byte {
	body, _ := io.ReadAll(io.LimitReader(r, maxErrorBody))
	return body
}

// httpError types an upstream failure by status; the rotation classifier
// maps the code onto cooldown and retry behaviour. Backends disagree on the
// error envelope, so both object and bare-string forms are read.
func httpError(name string, status int, hdr http.Header, body []byte) *provider.Error {
	perr := &provider.Error{HTTPStatus: status, Body: body}

	e := gjson.GetBytes(body, "error")
	switch {
	case e.IsObject():
		perr.Code = e.Get("code").Str
		perr.Message = e.Get("message").Str
	case e.Type == gjson.String:
		perr.Message = e.Str
	}
	if perr.Message == "" {
		perr.Message = fmt.Sprintf("%s upstream returned %d", name, status)
	}

	if hdr != nil {
		if v := strings.TrimSpace(hdr.Get("Retry-After")); v != "" {
			if secs, err := strconv.ParseFloat(v, 64); err == nil && secs > 0 {
				after := time.Duration(secs * float64(time.Second))
				perr.RetryAfter = &after
			}
		}
	}
	return perr
}

// streamError types an in-band error frame. The stream is already committed
// by the time these arrive, so they surface to the client rather than
// triggering credential rotation.
func streamError(name string, e gjson.Result, payload []byte) *provider.Error {
	message := e.Get("message").Str
	if message == "" && e.Type == gjson.String {
		message = e.Str
	}
	if message == "" {
		message = name + " upstream reported a stream error"
	}
	return &provider.Error{
		Code:       e.Get("code").Str,
		Message:    message,
		HTTPStatus: http.StatusBadGateway,
		Body:       payload,
	}
}

// usageFrom maps an OpenAI usage object, including the detail fields some
// backends report for cached and reasoning tokens.
func usageFrom(u gjson.Result) (provider.Usage, bool) {
	if !u.IsObject() {
		return provider.Usage{}, false
	}
	out := provider.Usage{
		PromptTokens:     u.Get("prompt_tokens").Int(),
		CompletionTokens: u.Get("completion_tokens").Int(),
		TotalTokens:      u.Get("total_tokens").Int(),
		CacheReadTokens:  u.Get("prompt_tokens_details.cached_tokens").Int(),
		ThinkingTokens:   u.Get("completion_tokens_details.reasoning_tokens").Int(),
	}
	if out.TotalTokens == 0 {
		out.TotalTokens = out.PromptTokens + out.CompletionTokens
	}
	if out.PromptTokens == 0 && out.CompletionTokens == 0 && out.TotalTokens == 0 {
		return provider.Usage{}, false
	}
	return out, true
}

var _ provider.Plugin = (*Plugin)(nil)
