package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/tidwall/gjson"

	"github.com/nghyane/llm-rotor/internal/config"
	"github.com/nghyane/llm-rotor/internal/provider"
	"github.com/nghyane/llm-rotor/internal/rotation"
	"github.com/nghyane/llm-rotor/internal/usage"
)

// fakeRotor implements Rotor with overridable behavior per test.
type fakeRotor struct {
	completion       func(ctx context.Context, req *provider.Request) (*provider.Response, error)
	completionStream func(ctx context.Context, req *provider.Request) (<-chan provider.StreamChunk, error)
	models           []provider.ModelInfo
	resolve          func(id string) (string, string, bool)
	stats            func(name string) []*usage.ProviderSnapshot
	subscribe        func() (<-chan []*usage.ProviderSnapshot, func())
	refresh          func(ctx context.Context, providerName, credentialKey string) *rotation.RefreshReport
}

func (f *fakeRotor) Completion(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	if f.completion != nil {
		return f.completion(ctx, req)
	}
	return nil, provider.ErrNoAvailableCredentials
}

func (f *fakeRotor) CompletionStream(ctx context.Context, req *provider.Request) (<-chan provider.StreamChunk, error) {
	if f.completionStream != nil {
		return f.completionStream(ctx, req)
	}
	return nil, provider.ErrNoAvailableCredentials
}

func (f *fakeRotor) AllModels(context.Context) []provider.ModelInfo { return f.models }

func (f *fakeRotor) Resolve(id string) (string, string, bool) {
	if f.resolve != nil {
		return f.resolve(id)
	}
	p, m, ok := strings.Cut(id, "/")
	if !ok || p == "" || m == "" {
		return "", "", false
	}
	return p, m, true
}

func (f *fakeRotor) Stats(name string) []*usage.ProviderSnapshot {
	if f.stats != nil {
		return f.stats(name)
	}
	return nil
}

func (f *fakeRotor) SubscribeStats() (<-chan []*usage.ProviderSnapshot, func()) {
	if f.subscribe != nil {
		return f.subscribe()
	}
	ch := make(chan []*usage.ProviderSnapshot)
	return ch, func() {}
}

func (f *fakeRotor) ForceRefresh(ctx context.Context, providerName, credentialKey string) *rotation.RefreshReport {
	if f.refresh != nil {
		return f.refresh(ctx, providerName, credentialKey)
	}
	return &rotation.RefreshReport{}
}

func newTestServer(rotor Rotor, apiKey string) *Server {
	cfg := config.Default()
	cfg.ProxyAPIKey = apiKey
	return New(cfg, rotor)
}

func do(s *Server, method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func TestAuthMiddleware(t *testing.T) {
	s := newTestServer(&fakeRotor{}, "secret-key")

	t.Run("missing key", func(t *testing.T) {
		w := do(s, http.MethodGet, "/v1/models", "", nil)
		if w.Code != http.StatusUnauthorized {
			t.Fatalf("status = %d, want %d", w.Code, http.StatusUnauthorized)
		}
		if typ := gjson.Get(w.Body.String(), "error.type").String(); typ != "authentication_error" {
			t.Errorf("error.type = %q, want authentication_error", typ)
		}
	})

	t.Run("wrong key", func(t *testing.T) {
		w := do(s, http.MethodGet, "/v1/models", "", map[string]string{"Authorization": "Bearer nope"})
		if w.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
		}
	})

	t.Run("bearer", func(t *testing.T) {
		w := do(s, http.MethodGet, "/v1/models", "", map[string]string{"Authorization": "Bearer secret-key"})
		if w.Code != http.StatusOK {
			t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
		}
	})

	t.Run("x-api-key", func(t *testing.T) {
		w := do(s, http.MethodGet, "/v1/models", "", map[string]string{"x-api-key": "secret-key"})
		if w.Code != http.StatusOK {
			t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
		}
	})

	t.Run("root stays open", func(t *testing.T) {
		w := do(s, http.MethodGet, "/", "", nil)
		if w.Code != http.StatusOK {
			t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
		}
	})
}

func TestAuthDisabledWithoutKey(t *testing.T) {
	s := newTestServer(&fakeRotor{}, "")
	w := do(s, http.MethodGet, "/v1/models", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
}

func TestListModels(t *testing.T) {
	s := newTestServer(&fakeRotor{models: []provider.ModelInfo{
		{ID: "codex/gpt-5", Object: "model", OwnedBy: "codex"},
		{ID: "gemini/gemini-2.5-pro", Object: "model", OwnedBy: "gemini"},
	}}, "")

	w := do(s, http.MethodGet, "/v1/models", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	body := w.Body.String()
	if obj := gjson.Get(body, "object").String(); obj != "list" {
		t.Errorf("object = %q, want list", obj)
	}
	if n := gjson.Get(body, "data.#").Int(); n != 2 {
		t.Errorf("data length = %d, want 2", n)
	}
	if id := gjson.Get(body, "data.0.id").String(); id != "codex/gpt-5" {
		t.Errorf("data.0.id = %q, want codex/gpt-5", id)
	}
}

func TestUsageStats(t *testing.T) {
	var gotName string
	s := newTestServer(&fakeRotor{stats: func(name string) []*usage.ProviderSnapshot {
		gotName = name
		return []*usage.ProviderSnapshot{{Provider: "codex"}}
	}}, "")

	w := do(s, http.MethodGet, "/admin/usage?provider=codex", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if gotName != "codex" {
		t.Errorf("stats filter = %q, want codex", gotName)
	}
	if p := gjson.Get(w.Body.String(), "providers.0.provider").String(); p != "codex" {
		t.Errorf("providers.0.provider = %q, want codex", p)
	}
}

func TestForceRefresh(t *testing.T) {
	t.Run("query params", func(t *testing.T) {
		var gotProvider, gotCred string
		s := newTestServer(&fakeRotor{refresh: func(_ context.Context, p, c string) *rotation.RefreshReport {
			gotProvider, gotCred = p, c
			return &rotation.RefreshReport{Requested: 1, Refreshed: 1}
		}}, "")

		w := do(s, http.MethodPost, "/admin/refresh?provider=codex&credential=alice", "", nil)
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
		}
		if gotProvider != "codex" || gotCred != "alice" {
			t.Errorf("filters = (%q, %q), want (codex, alice)", gotProvider, gotCred)
		}
		if n := gjson.Get(w.Body.String(), "refreshed").Int(); n != 1 {
			t.Errorf("refreshed = %d, want 1", n)
		}
	})

	t.Run("body overrides query", func(t *testing.T) {
		var gotProvider string
		s := newTestServer(&fakeRotor{refresh: func(_ context.Context, p, _ string) *rotation.RefreshReport {
			gotProvider = p
			return &rotation.RefreshReport{Requested: 2, Refreshed: 2}
		}}, "")

		w := do(s, http.MethodPost, "/admin/refresh?provider=codex", `{"provider":"gemini"}`, nil)
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
		}
		if gotProvider != "gemini" {
			t.Errorf("provider = %q, want gemini", gotProvider)
		}
	})

	t.Run("nothing matched", func(t *testing.T) {
		s := newTestServer(&fakeRotor{}, "")
		w := do(s, http.MethodPost, "/admin/refresh?provider=missing", "", nil)
		if w.Code != http.StatusNotFound {
			t.Errorf("status = %d, want %d", w.Code, http.StatusNotFound)
		}
	})
}

func TestRequestIDHeader(t *testing.T) {
	s := newTestServer(&fakeRotor{}, "")

	w := do(s, http.MethodGet, "/", "", nil)
	if got := w.Header().Get("X-Request-ID"); got == "" {
		t.Error("X-Request-ID header missing")
	}

	w = do(s, http.MethodGet, "/", "", map[string]string{"X-Request-ID": "trace-123"})
	if got := w.Header().Get("X-Request-ID"); got != "trace-123" {
		t.Errorf("X-Request-ID = %q, want trace-123", got)
	}
}

func TestCORSPreflight(t *testing.T) {
	s := newTestServer(&fakeRotor{}, "secret-key")
	w := do(s, http.MethodOptions, "/v1/chat/completions", "", nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusNoContent)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q, want *", got)
	}
}

func TestNoRoute(t *testing.T) {
	s := newTestServer(&fakeRotor{}, "")
	w := do(s, http.MethodGet, "/nope", "", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
	if typ := gjson.Get(w.Body.String(), "error.type").String(); typ != "invalid_request_error" {
		t.Errorf("error.type = %q, want invalid_request_error", typ)
	}
}
