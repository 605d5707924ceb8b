package oauth

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/nghyane/llm-rotor/internal/provider"
)

func TestCallbackHandlerAcceptsOneCode(t *testing.T) {
	results := make(chan callbackResult, 1)
	handler := callbackHandler("state-1", results)

	get := func(query string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/auth/callback?"+query, nil)
		handler(rec, req)
		return rec
	}

	rec := get("code=abc&state=state-1")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "Authentication successful") {
		t.Errorf("success page missing confirmation text: %s", rec.Body.String())
	}
	select {
	case res := <-results:
		if res.err != nil || res.code != "abc" {
			t.Errorf("result = %+v, want code abc", res)
		}
	default:
		t.Fatal("no result delivered")
	}

	// A replayed callback still gets a response but cannot change the
	// already-consumed outcome.
	if rec = get("code=xyz&state=state-1"); rec.Code != http.StatusOK {
		t.Errorf("replay status = %d, want 200", rec.Code)
	}
	select {
	case res := <-results:
		t.Errorf("replay delivered a second result: %+v", res)
	default:
	}
}

func TestCallbackHandlerRejections(t *testing.T) {
	cases := []struct {
		name    string
		query   string
		errPart string
	}{
		{"state mismatch", "code=abc&state=wrong", "mismatch"},
		{"missing code", "state=state-1", "authorization code"},
		{"provider error", "error=access_denied&error_description=user+cancelled", "access_denied"},
	}
	for _, tc := range cases {
		results := make(chan callbackResult, 1)
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/auth/callback?"+tc.query, nil)
		callbackHandler("state-1", results)(rec, req)

		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", tc.name, rec.Code)
		}
		select {
		case res := <-results:
			if res.err == nil || !strings.Contains(res.err.Error(), tc.errPart) {
				t.Errorf("%s: err = %v, want mention of %q", tc.name, res.err, tc.errPart)
			}
		default:
			t.Errorf("%s: no error delivered", tc.name)
		}
	}
}

func TestFlowRejectsForgedState(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	flow := &Flow{
		Provider: "codex",
		Spec: provider.OAuthSpec{
			ClientID:     "client-1",
			AuthURL:      "https://auth.example.com/authorize",
			TokenURL:     "https://auth.example.com/token",
			CallbackPath: "/auth/callback",
		},
		Port:      port,
		NoBrowser: true,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	errCh := make(chan error, 1)
	go func() {
		_, err := flow.Run(ctx)
		errCh <- err
	}()

	// The callback server needs a moment to come up.
	target := fmt.Sprintf("http://127.0.0.1:%d/auth/callback?code=abc&state=forged", port)
	var resp *http.Response
	for i := 0; i < 100; i++ {
		resp, err = http.Get(target)
		if err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("reach callback server: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("forged state got status %d, want 400", resp.StatusCode)
	}

	select {
	case runErr := <-errCh:
		if runErr == nil || !strings.Contains(runErr.Error(), "mismatch") {
			t.Errorf("Run error = %v, want state mismatch", runErr)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after forged callback")
	}
}

func TestResolvePortPrecedence(t *testing.T) {
	flow := &Flow{Provider: "codex", Spec: provider.OAuthSpec{CallbackPort: 2000}}

	if got := flow.resolvePort(); got != 2000 {
		t.Errorf("spec default: port = %d, want 2000", got)
	}

	t.Setenv("CODEX_OAUTH_PORT", "3000")
	if got := flow.resolvePort(); got != 3000 {
		t.Errorf("env override: port = %d, want 3000", got)
	}

	flow.Port = 4000
	if got := flow.resolvePort(); got != 4000 {
		t.Errorf("explicit override: port = %d, want 4000", got)
	}

	bare := &Flow{Provider: "gemini"}
	if got := bare.resolvePort(); got != defaultCallbackPort {
		t.Errorf("fallback: port = %d, want %d", got, defaultCallbackPort)
	}
}

func TestAuthURLCarriesPKCEAndExtraParams(t *testing.T) {
	flow := &Flow{
		Provider: "codex",
		Spec: provider.OAuthSpec{
			ClientID: "client-1",
			AuthURL:  "https://auth.example.com/authorize",
			TokenURL: "https://auth.example.com/token",
			Scopes:   []string{"openid"},
			ExtraAuthParams: map[string]string{
				"originator":                "pi",
				"codex_cli_simplified_flow": "true",
			},
		},
	}
	cfg := flow.oauthConfig("http://localhost:1455/auth/callback")
	authURL := cfg.AuthCodeURL("state-1", flow.authOptions("test-verifier-test-verifier-test-verifier")...)

	u, err := url.Parse(authURL)
	if err != nil {
		t.Fatalf("parse auth url: %v", err)
	}
	q := u.Query()
	if q.Get("originator") != "pi" {
		t.Errorf("originator = %q, want pi", q.Get("originator"))
	}
	if q.Get("codex_cli_simplified_flow") != "true" {
		t.Errorf("codex_cli_simplified_flow = %q, want true", q.Get("codex_cli_simplified_flow"))
	}
	if q.Get("code_challenge") == "" || q.Get("code_challenge_method") != "S256" {
		t.Errorf("PKCE fields missing: challenge=%q method=%q", q.Get("code_challenge"), q.Get("code_challenge_method"))
	}
	if q.Get("state") != "state-1" {
		t.Errorf("state = %q, want state-1", q.Get("state"))
	}
	if q.Get("client_id") != "client-1" {
		t.Errorf("client_id = %q, want client-1", q.Get("client_id"))
	}
	if q.Get("redirect_uri") != "http://localhost:1455/auth/callback" {
		t.Errorf("redirect_uri = %q", q.Get("redirect_uri"))
	}
}
