package usage

import (
	"strings"

	"github.com/nghyane/llm-rotor/internal/provider"
)

// modelRate holds USD per million tokens for prompt and completion.
type modelRate struct {
	in  float64
	out float64
}

// priceTable is best effort; approx_cost is a dashboard figure, not billing.
// Unknown models contribute zero.
var priceTable = map[string]modelRate{
	"gpt-5.1-codex":    {1.25, 10},
	"gpt-5-codex":      {1.25, 10},
	"gpt-5":            {1.25, 10},
	"gpt-5-mini":       {0.25, 2},
	"gpt-4.1-codex":    {2, 8},
	"gpt-4.1":          {2, 8},
	"gpt-4.1-mini":     {0.4, 1.6},
	"gpt-4o":           {2.5, 10},
	"gpt-4o-mini":      {0.15, 0.6},
	"o3":               {2, 8},
	"o4-mini":          {1.1, 4.4},
	"gemini-2.5-pro":   {1.25, 10},
	"gemini-2.5-flash": {0.3, 2.5},
	"gemini-2.0-flash": {0.1, 0.4},
	"gemini-1.5-pro":   {1.25, 5},
	"gemini-1.5-flash": {0.075, 0.3},
}

// Cost approximates the dollar cost of one request. Cached prompt tokens are
// not discounted; the figure is deliberately coarse.
func Cost(model string, u provider.Usage) float64 {
	rate, ok := lookupRate(model)
	if !ok {
		return 0
	}
	return float64(u.PromptTokens)*rate.in/1e6 + float64(u.CompletionTokens)*rate.out/1e6
}

func lookupRate(model string) (modelRate, bool) {
	name := model
	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		name = name[i+1:]
	}
	name = strings.ToLower(name)

	if rate, ok := priceTable[name]; ok {
		return rate, true
	}
	// Dated or preview variants fall back to the longest base entry
	// (gemini-2.5-pro-preview-05-06 -> gemini-2.5-pro).
	var best string
	for base := range priceTable {
		if strings.HasPrefix(name, base) && len(base) > len(best) {
			best = base
		}
	}
	if best == "" {
		return modelRate{}, false
	}
	return priceTable[best], true
}
