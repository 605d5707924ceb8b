package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nghyane/llm-rotor/internal/config"
	"github.com/nghyane/llm-rotor/internal/credential"
)

func TestFindPlugin(t *testing.T) {
	cfg := config.Default()
	cfg.Providers = map[string]config.ProviderConfig{
		"groq": {APIBase: "https://api.groq.com/openai/v1"},
	}

	cases := []struct {
		name    string
		want    string
		wantErr bool
	}{
		{name: "codex", want: "openai_codex"},
		{name: "openai_codex", want: "openai_codex"},
		{name: "CODEX", want: "openai_codex"},
		{name: "gemini", want: "gemini"},
		{name: "groq", want: "groq"},
		{name: "nope", wantErr: true},
	}
	for _, tc := range cases {
		p, err := findPlugin(cfg, tc.name)
		if tc.wantErr {
			if err == nil {
				t.Errorf("findPlugin(%q) expected error", tc.name)
			}
			continue
		}
		if err != nil {
			t.Errorf("findPlugin(%q): %v", tc.name, err)
			continue
		}
		if p.Name() != tc.want {
			t.Errorf("findPlugin(%q) = %s, want %s", tc.name, p.Name(), tc.want)
		}
	}
}

func writeCredentialFile(t *testing.T, dataDir, name, content string) {
	t.Helper()
	dir := filepath.Join(dataDir, "oauth_creds")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
}

const codexCredFile = `{
  "access_token": "at-1",
  "refresh_token": "rt-1",
  "expiry_date": 1767225600000,
  "_proxy_metadata": {"email": "dev@example.com", "account_id": "acct-9"}
}`

func TestExportCredentialsEnvLines(t *testing.T) {
	dir := t.TempDir()
	writeCredentialFile(t, dir, "openai_codex_oauth_1.json", codexCredFile)
	t.Setenv("GEMINI_API_KEY", "gk-1")

	cfg := config.Default()
	cfg.DataDir = dir

	var buf bytes.Buffer
	if err := exportCredentials(&buf, cfg, ""); err != nil {
		t.Fatalf("exportCredentials: %v", err)
	}
	out := buf.String()
	for _, want := range []string{
		"OPENAI_CODEX_1_ACCESS_TOKEN=at-1",
		"OPENAI_CODEX_1_REFRESH_TOKEN=rt-1",
		"OPENAI_CODEX_1_EXPIRY_DATE=1767225600000",
		"OPENAI_CODEX_1_EMAIL=dev@example.com",
		"OPENAI_CODEX_1_ACCOUNT_ID=acct-9",
		"GEMINI_API_KEY_1=gk-1",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("export output missing %q:\n%s", want, out)
		}
	}
}

func TestExportCredentialsProviderFilter(t *testing.T) {
	dir := t.TempDir()
	writeCredentialFile(t, dir, "openai_codex_oauth_1.json", codexCredFile)
	t.Setenv("GEMINI_API_KEY", "gk-1")

	cfg := config.Default()
	cfg.DataDir = dir

	var buf bytes.Buffer
	if err := exportCredentials(&buf, cfg, "codex"); err != nil {
		t.Fatalf("exportCredentials: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "OPENAI_CODEX_1_ACCESS_TOKEN=at-1") {
		t.Errorf("filtered export missing codex credential:\n%s", out)
	}
	if strings.Contains(out, "GEMINI_API_KEY") {
		t.Errorf("filtered export leaked gemini lines:\n%s", out)
	}

	if err := exportCredentials(&buf, cfg, "nope"); err == nil {
		t.Error("unknown provider filter should fail")
	}
}

func TestListCredentialsOutput(t *testing.T) {
	dir := t.TempDir()
	writeCredentialFile(t, dir, "openai_codex_oauth_1.json", codexCredFile)

	cfg := config.Default()
	cfg.DataDir = dir

	var buf bytes.Buffer
	listCredentials(&buf, map[string][]*credential.Credential{
		"openai_codex": {mustReadCred(t, cfg.DataDir)},
	})
	out := buf.String()
	for _, want := range []string{"openai_codex", "dev@example.com", "oauth/file"} {
		if !strings.Contains(out, want) {
			t.Errorf("list output missing %q:\n%s", want, out)
		}
	}
}

func mustReadCred(t *testing.T, dataDir string) *credential.Credential {
	t.Helper()
	path := filepath.Join(dataDir, "oauth_creds", "openai_codex_oauth_1.json")
	cred, err := credential.ReadFile("openai_codex", path)
	if err != nil {
		t.Fatal(err)
	}
	return cred
}

func TestExpiryLabel(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	oauthAt := func(expiry time.Time) *credential.Credential {
		return credential.NewOAuth("openai_codex", "x", credential.TokenState{
			AccessToken:  "at",
			RefreshToken: "rt",
			ExpiryDate:   expiry.UnixMilli(),
		}, credential.Metadata{})
	}

	if got := expiryLabel(credential.NewAPIKey("gemini", "k", "env://gemini/0"), now); got != "" {
		t.Errorf("api key label = %q, want empty", got)
	}
	if got := expiryLabel(oauthAt(now.Add(-time.Hour)), now); got != "expired" {
		t.Errorf("past expiry label = %q, want expired", got)
	}
	if got := expiryLabel(oauthAt(now.Add(2*time.Minute)), now); got != "refresh due" {
		t.Errorf("near expiry label = %q, want refresh due", got)
	}
	if got := expiryLabel(oauthAt(now.Add(2*time.Hour)), now); !strings.HasPrefix(got, "valid until ") {
		t.Errorf("fresh label = %q, want valid until prefix", got)
	}
}
