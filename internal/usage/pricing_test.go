package usage

import (
	"math"
	"testing"

	"github.com/nghyane/llm-rotor/internal/provider"
)

func TestCostLookup(t *testing.T) {
	u := provider.Usage{PromptTokens: 1_000_000, CompletionTokens: 1_000_000}

	got := Cost("gpt-5-codex", u)
	if math.Abs(got-11.25) > 1e-9 {
		t.Errorf("Cost(gpt-5-codex) = %v, want 11.25", got)
	}

	// Provider prefixes and case are stripped before lookup.
	if pref := Cost("codex/GPT-5-Codex", u); math.Abs(pref-got) > 1e-9 {
		t.Errorf("prefixed lookup = %v, want %v", pref, got)
	}

	// Dated variants fall back to the longest matching base rate.
	if dated := Cost("gpt-5-codex-2025-06-01", u); math.Abs(dated-got) > 1e-9 {
		t.Errorf("dated variant = %v, want %v", dated, got)
	}

	if unknown := Cost("not-a-model", u); unknown != 0 {
		t.Errorf("unknown model cost = %v, want 0", unknown)
	}
}

func TestEstimateUsageFromPayload(t *testing.T) {
	payload := []byte(`{
		"model": "gpt-5-codex",
		"messages": [
			{"role": "system", "content": "You are a helpful assistant."},
			{"role": "user", "content": [
				{"type": "text", "text": "Summarize the following paragraph."},
				{"type": "text", "text": "Go is a statically typed language."}
			]}
		]
	}`)

	u := EstimateUsage(payload, "Go is statically typed.")
	if !u.Estimated {
		t.Fatal("estimate must be flagged")
	}
	if u.PromptTokens == 0 {
		t.Error("prompt tokens = 0, want per-message overhead plus content")
	}
	if u.CompletionTokens == 0 {
		t.Error("completion tokens = 0, want counted completion text")
	}
	if u.TotalTokens != u.PromptTokens+u.CompletionTokens {
		t.Errorf("total = %d, want prompt+completion", u.TotalTokens)
	}
}

func TestEstimateUsageEmptyPayload(t *testing.T) {
	u := EstimateUsage([]byte(`{"model":"x"}`), "")
	if u.PromptTokens != 0 || u.CompletionTokens != 0 || u.TotalTokens != 0 {
		t.Errorf("empty estimate = %+v, want zeroes", u)
	}
	if !u.Estimated {
		t.Error("even an empty estimate is flagged")
	}
}
