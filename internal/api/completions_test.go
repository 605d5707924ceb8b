package api

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/tidwall/gjson"

	"github.com/nghyane/llm-rotor/internal/provider"
)

const chatBody = `{"model":"codex/gpt-5","messages":[{"role":"user","content":"hi"}]}`

func TestChatCompletionsPassthrough(t *testing.T) {
	var got *provider.Request
	upstream := `{"id":"chatcmpl-1","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":"hello"}}]}`
	s := newTestServer(&fakeRotor{completion: func(_ context.Context, req *provider.Request) (*provider.Response, error) {
		got = req
		return &provider.Response{StatusCode: http.StatusOK, Model: req.Model, Body: []byte(upstream)}, nil
	}}, "")

	w := do(s, http.MethodPost, "/v1/chat/completions", chatBody, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d: %s", w.Code, http.StatusOK, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
	if w.Body.String() != upstream {
		t.Errorf("body = %s, want upstream passthrough", w.Body.String())
	}

	if got == nil {
		t.Fatal("engine never called")
	}
	if got.Provider != "codex" || got.Model != "gpt-5" {
		t.Errorf("routed to %s/%s, want codex/gpt-5", got.Provider, got.Model)
	}
	if got.Stream {
		t.Error("Stream = true, want false")
	}
	if m := gjson.GetBytes(got.Payload, "model").String(); m != "codex/gpt-5" {
		t.Errorf("payload model = %q, want codex/gpt-5 (plugins rewrite it)", m)
	}
}

func TestChatCompletionsControlFields(t *testing.T) {
	var got *provider.Request
	s := newTestServer(&fakeRotor{completion: func(_ context.Context, req *provider.Request) (*provider.Response, error) {
		got = req
		return &provider.Response{StatusCode: http.StatusOK, Body: []byte(`{}`)}, nil
	}}, "")

	body := `{"model":"codex/gpt-5","messages":[],"priority":2,"timeout":2.5}`
	w := do(s, http.MethodPost, "/v1/chat/completions", body, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d: %s", w.Code, http.StatusOK, w.Body.String())
	}
	if got.Priority != 2 {
		t.Errorf("Priority = %d, want 2", got.Priority)
	}
	if want := 2500 * time.Millisecond; got.Timeout != want {
		t.Errorf("Timeout = %s, want %s", got.Timeout, want)
	}
	if gjson.GetBytes(got.Payload, "priority").Exists() {
		t.Error("priority still present in forwarded payload")
	}
	if gjson.GetBytes(got.Payload, "timeout").Exists() {
		t.Error("timeout still present in forwarded payload")
	}
}

func TestChatCompletionsValidation(t *testing.T) {
	s := newTestServer(&fakeRotor{}, "")

	t.Run("malformed body", func(t *testing.T) {
		w := do(s, http.MethodPost, "/v1/chat/completions", "{not json", nil)
		if w.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want %d", w.Code, http.StatusBadRequest)
		}
	})

	t.Run("missing model", func(t *testing.T) {
		w := do(s, http.MethodPost, "/v1/chat/completions", `{"messages":[]}`, nil)
		if w.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want %d", w.Code, http.StatusBadRequest)
		}
		if code := gjson.Get(w.Body.String(), "error.code").String(); code != "missing_model" {
			t.Errorf("error.code = %q, want missing_model", code)
		}
	})

	t.Run("unknown model", func(t *testing.T) {
		w := do(s, http.MethodPost, "/v1/chat/completions", `{"model":"bare-model"}`, nil)
		if w.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want %d", w.Code, http.StatusBadRequest)
		}
		if code := gjson.Get(w.Body.String(), "error.code").String(); code != "model_not_found" {
			t.Errorf("error.code = %q, want model_not_found", code)
		}
	})
}

func TestChatCompletionsErrorMapping(t *testing.T) {
	after := 30 * time.Second
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantType   string
	}{
		{
			name:       "auth failure",
			err:        &provider.Error{Kind: provider.KindAuthFailure, Message: "key rejected", HTTPStatus: 401},
			wantStatus: http.StatusUnauthorized,
			wantType:   "authentication_error",
		},
		{
			name:       "rate limit",
			err:        &provider.Error{Kind: provider.KindRateLimit, Message: "slow down", HTTPStatus: 429, RetryAfter: &after},
			wantStatus: http.StatusTooManyRequests,
			wantType:   "rate_limit_error",
		},
		{
			name:       "quota exhausted",
			err:        &provider.Error{Kind: provider.KindQuotaExhausted, Message: "quota exceeded", HTTPStatus: 429},
			wantStatus: http.StatusTooManyRequests,
			wantType:   "insufficient_quota",
		},
		{
			name:       "transient",
			err:        &provider.Error{Kind: provider.KindTransient, Message: "upstream 500", HTTPStatus: 500},
			wantStatus: http.StatusBadGateway,
			wantType:   "api_error",
		},
		{
			name:       "no credentials",
			err:        provider.ErrNoAvailableCredentials,
			wantStatus: http.StatusServiceUnavailable,
			wantType:   "service_unavailable_error",
		},
		{
			name:       "deadline",
			err:        context.DeadlineExceeded,
			wantStatus: http.StatusGatewayTimeout,
			wantType:   "timeout_error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(&fakeRotor{completion: func(context.Context, *provider.Request) (*provider.Response, error) {
				return nil, tt.err
			}}, "")

			w := do(s, http.MethodPost, "/v1/chat/completions", chatBody, nil)
			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d: %s", w.Code, tt.wantStatus, w.Body.String())
			}
			if typ := gjson.Get(w.Body.String(), "error.type").String(); typ != tt.wantType {
				t.Errorf("error.type = %q, want %q", typ, tt.wantType)
			}
			if gjson.Get(w.Body.String(), "error.message").String() == "" {
				t.Error("error.message empty")
			}
		})
	}
}

func TestChatCompletionsRetryAfterHeader(t *testing.T) {
	after := 30 * time.Second
	s := newTestServer(&fakeRotor{completion: func(context.Context, *provider.Request) (*provider.Response, error) {
		return nil, &provider.Error{Kind: provider.KindRateLimit, Message: "slow down", HTTPStatus: 429, RetryAfter: &after}
	}}, "")

	w := do(s, http.MethodPost, "/v1/chat/completions", chatBody, nil)
	if got := w.Header().Get("Retry-After"); got != "30" {
		t.Errorf("Retry-After = %q, want 30", got)
	}
}

func TestChatCompletionsErrorDetail(t *testing.T) {
	s := newTestServer(&fakeRotor{completion: func(context.Context, *provider.Request) (*provider.Response, error) {
		return nil, &provider.Error{
			Kind:       provider.KindInvalidRequest,
			Message:    "upstream rejected the request",
			HTTPStatus: 400,
			Body:       []byte(`{"error":{"code":"context_length_exceeded"}}`),
		}
	}}, "")

	w := do(s, http.MethodPost, "/v1/chat/completions", chatBody, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
	if code := gjson.Get(w.Body.String(), "error.detail.error.code").String(); code != "context_length_exceeded" {
		t.Errorf("error.detail not preserved: %s", w.Body.String())
	}
}

func streamOf(chunks ...provider.StreamChunk) func(context.Context, *provider.Request) (<-chan provider.StreamChunk, error) {
	return func(context.Context, *provider.Request) (<-chan provider.StreamChunk, error) {
		ch := make(chan provider.StreamChunk, len(chunks))
		for _, c := range chunks {
			ch <- c
		}
		close(ch)
		return ch, nil
	}
}

func TestChatCompletionsStreaming(t *testing.T) {
	s := newTestServer(&fakeRotor{completionStream: streamOf(
		provider.StreamChunk{Data: []byte(`{"choices":[{"delta":{"content":"Hel"}}]}`)},
		provider.StreamChunk{Data: []byte(`{"choices":[{"delta":{"content":"lo"}}]}`)},
	)}, "")

	body := `{"model":"codex/gpt-5","messages":[],"stream":true}`
	w := do(s, http.MethodPost, "/v1/chat/completions", body, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d: %s", w.Code, http.StatusOK, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}

	got := w.Body.String()
	want := "data: {\"choices\":[{\"delta\":{\"content\":\"Hel\"}}]}\n\n" +
		"data: {\"choices\":[{\"delta\":{\"content\":\"lo\"}}]}\n\n" +
		"data: [DONE]\n\n"
	if got != want {
		t.Errorf("stream body = %q, want %q", got, want)
	}
}

func TestChatCompletionsStreamMidError(t *testing.T) {
	s := newTestServer(&fakeRotor{completionStream: streamOf(
		provider.StreamChunk{Data: []byte(`{"choices":[{"delta":{"content":"partial"}}]}`)},
		provider.StreamChunk{Err: &provider.Error{Kind: provider.KindRateLimit, Message: "cut off", HTTPStatus: 429}},
	)}, "")

	body := `{"model":"codex/gpt-5","messages":[],"stream":true}`
	w := do(s, http.MethodPost, "/v1/chat/completions", body, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}

	got := w.Body.String()
	if !strings.Contains(got, `"content":"partial"`) {
		t.Errorf("delivered chunk missing from %q", got)
	}
	if !strings.Contains(got, `"type":"rate_limit_error"`) {
		t.Errorf("error frame missing from %q", got)
	}
	if !strings.HasSuffix(got, "data: [DONE]\n\n") {
		t.Errorf("stream does not end with [DONE]: %q", got)
	}
}

func TestChatCompletionsStreamSetupError(t *testing.T) {
	s := newTestServer(&fakeRotor{completionStream: func(context.Context, *provider.Request) (<-chan provider.StreamChunk, error) {
		return nil, provider.ErrNoAvailableCredentials
	}}, "")

	body := `{"model":"codex/gpt-5","messages":[],"stream":true}`
	w := do(s, http.MethodPost, "/v1/chat/completions", body, nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		t.Errorf("Content-Type = %q, want application/json (setup errors are not SSE)", ct)
	}
}
