package oauth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"os"
	"sort"
	"strconv"
	"time"

	"golang.org/x/oauth2"

	"github.com/nghyane/llm-rotor/internal/browser"
	"github.com/nghyane/llm-rotor/internal/config"
	"github.com/nghyane/llm-rotor/internal/credential"
	log "github.com/nghyane/llm-rotor/internal/logging"
	"github.com/nghyane/llm-rotor/internal/provider"
)

const (
	defaultCallbackPort = 1455
	defaultCallbackPath = "/auth/callback"
)

const successHTML = `<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8" />
  <meta name="viewport" content="width=device-width, initial-scale=1" />
  <title>Authentication successful</title>
</head>
<body>
  <p>Authentication successful. Return to your terminal to continue.</p>
</body>
</html>`

// Flow drives one interactive authorization-code login with PKCE: loopback
// callback server, browser hand-off, code exchange.
type Flow struct {
	Provider string
	Spec     provider.OAuthSpec
	// Port overrides the loopback port; 0 falls back to the provider env
	// var, then Spec.CallbackPort, then 1455.
	Port      int
	NoBrowser bool
	Client    *http.Client
}

type callbackResult struct {
	code string
	err  error
}

// Run executes the flow and returns the fresh token bundle. The caller
// persists it; see Store.Save and Store.WriteNew.
func (f *Flow) Run(ctx context.Context) (credential.TokenState, error) {
	var zero credential.TokenState

	port := f.resolvePort()
	callbackPath := f.Spec.CallbackPath
	if callbackPath == "" {
		callbackPath = defaultCallbackPath
	}
	redirect := fmt.Sprintf("http://localhost:%d%s", port, callbackPath)

	verifier := oauth2.GenerateVerifier()
	state, err := randomState()
	if err != nil {
		return zero, err
	}

	cfg := f.oauthConfig(redirect)
	authURL := cfg.AuthCodeURL(state, f.authOptions(verifier)...)

	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return zero, fmt.Errorf("start OAuth callback server on port %d: %w", port, err)
	}

	results := make(chan callbackResult, 1)
	mux := http.NewServeMux()
	mux.HandleFunc(callbackPath, callbackHandler(state, results))
	if legacy := f.Spec.LegacyCallbackPath; legacy != "" && legacy != callbackPath {
		mux.HandleFunc(legacy, callbackHandler(state, results))
	}
	srv := &http.Server{Handler: mux}
	go func() {
		if serr := srv.Serve(ln); serr != nil && serr != http.ErrServerClosed {
			log.Warnf("%s OAuth callback server: %v", f.Provider, serr)
		}
	}()
	defer func() {
		shutCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
	}()

	f.openBrowser(authURL, port)
	fmt.Printf("Waiting for %s authentication callback...\n", f.Provider)

	var code string
	select {
	case res := <-results:
		if res.err != nil {
			return zero, res.err
		}
		code = res.code
	case <-ctx.Done():
		return zero, fmt.Errorf("waiting for %s OAuth callback: %w", f.Provider, ctx.Err())
	}

	if f.Client != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, f.Client)
	}
	token, err := cfg.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		return zero, fmt.Errorf("exchange %s authorization code: %w", f.Provider, err)
	}

	fmt.Printf("%s authentication successful\n", f.Provider)
	return tokenState(token, f.Spec.TokenURL), nil
}

func (f *Flow) oauthConfig(redirectURL string) *oauth2.Config {
	return &oauth2.Config{
		ClientID: f.Spec.ClientID,
		Endpoint: oauth2.Endpoint{
			AuthURL:   f.Spec.AuthURL,
			TokenURL:  f.Spec.TokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
		Scopes:      f.Spec.Scopes,
		RedirectURL: redirectURL,
	}
}

// resolvePort picks the loopback port: explicit override, provider env var,
// spec default, then the shared fallback.
func (f *Flow) resolvePort() int {
	if f.Port > 0 {
		return f.Port
	}
	envKey := config.EnvName(f.Provider) + "_OAUTH_PORT"
	if v := os.Getenv(envKey); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
		log.Warnf("invalid %s value %q; using default port", envKey, v)
	}
	if f.Spec.CallbackPort > 0 {
		return f.Spec.CallbackPort
	}
	return defaultCallbackPort
}

// authOptions assembles the PKCE challenge plus the provider's extra
// authorization parameters in a stable order.
func (f *Flow) authOptions(verifier string) []oauth2.AuthCodeOption {
	opts := []oauth2.AuthCodeOption{oauth2.S256ChallengeOption(verifier)}
	keys := make([]string, 0, len(f.Spec.ExtraAuthParams))
	for k := range f.Spec.ExtraAuthParams {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		opts = append(opts, oauth2.SetAuthURLParam(k, f.Spec.ExtraAuthParams[k]))
	}
	return opts
}

// openBrowser hands the URL to the operator: printed always, opened
// automatically when a browser is reachable.
func (f *Flow) openBrowser(authURL string, port int) {
	fmt.Printf("Visit the following URL to continue authentication:\n%s\n", authURL)
	if f.NoBrowser {
		return
	}
	if !browser.IsAvailable() {
		log.Warn("no browser available; open the URL manually")
		fmt.Printf("On a remote host, forward the callback first: ssh -L %d:localhost:%d <host>\n", port, port)
		return
	}
	fmt.Printf("Opening browser for %s authentication\n", f.Provider)
	if err := browser.OpenURL(authURL); err != nil {
		log.Warnf("failed to open browser automatically: %v", err)
	}
}

// callbackHandler accepts exactly one authorization code. Later hits still
// get a correct HTTP response but cannot change the outcome.
func callbackHandler(expectedState string, results chan<- callbackResult) http.HandlerFunc {
	deliver := func(res callbackResult) {
		select {
		case results <- res:
		default:
		}
	}
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if errCode := q.Get("error"); errCode != "" {
			deliver(callbackResult{err: fmt.Errorf("OAuth error: %s (%s)", errCode, q.Get("error_description"))})
			http.Error(w, "OAuth error: "+errCode, http.StatusBadRequest)
			return
		}
		code := q.Get("code")
		if code == "" {
			deliver(callbackResult{err: fmt.Errorf("OAuth callback missing authorization code")})
			http.Error(w, "Missing authorization code", http.StatusBadRequest)
			return
		}
		if q.Get("state") != expectedState {
			deliver(callbackResult{err: fmt.Errorf("OAuth state parameter mismatch")})
			http.Error(w, "State mismatch", http.StatusBadRequest)
			return
		}
		deliver(callbackResult{code: code})
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(successHTML))
	}
}

// randomState returns 32 random bytes hex-encoded for CSRF protection.
func randomState() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate OAuth state: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// tokenState converts an oauth2 token into the on-disk credential shape.
func tokenState(t *oauth2.Token, tokenURL string) credential.TokenState {
	ts := credential.TokenState{
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		TokenURI:     tokenURL,
	}
	if id, ok := t.Extra("id_token").(string); ok {
		ts.IDToken = id
	}
	if !t.Expiry.IsZero() {
		ts.ExpiryDate = t.Expiry.UnixMilli()
	} else {
		ts.ExpiryDate = time.Now().Add(time.Hour).UnixMilli()
	}
	return ts
}

// Login runs the interactive flow for a provider and persists the result,
// reusing the existing numbered credential file when the account already
// has one. Returns the file path.
func Login(ctx context.Context, store *credential.Store, providerName string, spec provider.OAuthSpec, port int, noBrowser bool) (string, error) {
	flow := &Flow{Provider: providerName, Spec: spec, Port: port, NoBrowser: noBrowser}
	token, err := flow.Run(ctx)
	if err != nil {
		return "", err
	}
	path, err := store.WriteNew(providerName, token, credential.Metadata{})
	if err != nil {
		return "", fmt.Errorf("persist %s credential: %w", providerName, err)
	}
	return path, nil
}
