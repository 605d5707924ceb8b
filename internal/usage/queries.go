package usage

// AggregatedStats summarizes the event log for a time period.
type AggregatedStats struct {
	TotalRequests int64   `json:"total_requests"`
	SuccessCount  int64   `json:"success_count"`
	FailureCount  int64   `json:"failure_count"`
	TotalTokens   int64   `json:"total_tokens"`
	ApproxCost    float64 `json:"approx_cost"`
}

// DailyStats is one day's aggregated metrics.
type DailyStats struct {
	Day      string `json:"day"` // "2006-01-02"
	Requests int64  `json:"requests"`
	Tokens   int64  `json:"tokens"`
}

// HourlyStats is one hour-of-day's aggregated metrics.
type HourlyStats struct {
	Hour     int   `json:"hour"` // 0-23
	Requests int64 `json:"requests"`
	Tokens   int64 `json:"tokens"`
}

// ProviderStats is one provider's aggregated metrics.
type ProviderStats struct {
	Provider         string   `json:"provider"`
	Requests         int64    `json:"requests"`
	SuccessCount     int64    `json:"success_count"`
	FailureCount     int64    `json:"failure_count"`
	PromptTokens     int64    `json:"prompt_tokens"`
	CompletionTokens int64    `json:"completion_tokens"`
	ThinkingTokens   int64    `json:"thinking_tokens"`
	TotalTokens      int64    `json:"total_tokens"`
	ApproxCost       float64  `json:"approx_cost"`
	CredentialCount  int64    `json:"credential_count"`
	Models           []string `json:"models"`
}

// CredentialStats is one credential's aggregated metrics.
type CredentialStats struct {
	Provider         string  `json:"provider"`
	StableID         string  `json:"stable_id"`
	Requests         int64   `json:"requests"`
	SuccessCount     int64   `json:"success_count"`
	FailureCount     int64   `json:"failure_count"`
	PromptTokens     int64   `json:"prompt_tokens"`
	CompletionTokens int64   `json:"completion_tokens"`
	ThinkingTokens   int64   `json:"thinking_tokens"`
	TotalTokens      int64   `json:"total_tokens"`
	ApproxCost       float64 `json:"approx_cost"`
}

// ModelStats is one model's aggregated metrics.
type ModelStats struct {
	Model            string  `json:"model"`
	Provider         string  `json:"provider"`
	Requests         int64   `json:"requests"`
	SuccessCount     int64   `json:"success_count"`
	FailureCount     int64   `json:"failure_count"`
	PromptTokens     int64   `json:"prompt_tokens"`
	CompletionTokens int64   `json:"completion_tokens"`
	ThinkingTokens   int64   `json:"thinking_tokens"`
	TotalTokens      int64   `json:"total_tokens"`
	ApproxCost       float64 `json:"approx_cost"`
}
