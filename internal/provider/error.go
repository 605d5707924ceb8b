package provider

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind classifies a failed attempt. The order is the surfacing priority:
// when several credentials fail within one request, the error with the
// highest Kind is returned to the client.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindNoCredentials
	KindTransient
	KindAuthFailure
	KindRateLimit
	KindQuotaExhausted
	KindInvalidRequest
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindNoCredentials:
		return "no_credentials"
	case KindTransient:
		return "transient"
	case KindAuthFailure:
		return "auth_failure"
	case KindRateLimit:
		return "rate_limit"
	case KindQuotaExhausted:
		return "quota_exhausted"
	case KindInvalidRequest:
		return "invalid_request"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Retryable reports whether the rotor should try another credential after
// this kind of failure.
func (k Kind) Retryable() bool {
	switch k {
	case KindInvalidRequest, KindFatal:
		return false
	default:
		return true
	}
}

// Cooldown scope keys. The wildcard blocks a credential entirely; model and
// group scopes block a subset. Checks walk wildcard, then model, then group.
const ScopeAll = "*"

func ScopeModel(model string) string { return "model:" + model }
func ScopeGroup(group string) string { return "group:" + group }

// Error is the typed failure plugins return. RetryAfter is the upstream
// reset hint when one was parsed; Scope narrows the resulting cooldown.
type Error struct {
	Kind       Kind
	Code       string
	Message    string
	HTTPStatus int
	RetryAfter *time.Duration
	Scope      string
	Body       []byte
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%s, status %d)", e.Message, e.Code, e.HTTPStatus)
	}
	return fmt.Sprintf("%s (status %d)", e.Message, e.HTTPStatus)
}

func (e *Error) StatusCode() int { return e.HTTPStatus }

// Sentinels surfaced by the rotation engine.
var (
	// ErrNoAvailableCredentials means every candidate was filtered out and
	// no cooldown expired before the request deadline.
	ErrNoAvailableCredentials = errors.New("no available credentials")
	// ErrStreamCommitted marks failures after the first chunk reached the
	// client; rotation to another credential is no longer possible.
	ErrStreamCommitted = errors.New("stream already committed")
)

// KindFromError extracts the classification kind, unwrapping as needed.
// Untyped errors classify as transient so the rotor keeps trying.
func KindFromError(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	if errors.Is(err, ErrNoAvailableCredentials) {
		return KindNoCredentials
	}
	var pe *Error
	if errors.As(err, &pe) && pe != nil {
		if pe.Kind != KindUnknown {
			return pe.Kind
		}
		return ClassifyHTTP(pe.HTTPStatus, pe.Body).Kind
	}
	if status := StatusCodeFromError(err); status != 0 {
		return ClassifyHTTP(status, nil).Kind
	}
	return KindTransient
}

// StatusCodeFromError probes err for a StatusCode method.
func StatusCodeFromError(err error) int {
	if err == nil {
		return 0
	}
	type statusCoder interface {
		StatusCode() int
	}
	var sc statusCoder
	if errors.As(err, &sc) && sc != nil {
		return sc.StatusCode()
	}
	return 0
}

// RetryAfterFromError probes err for an upstream reset hint.
func RetryAfterFromError(err error) *time.Duration {
	if err == nil {
		return nil
	}
	var pe *Error
	if !errors.As(err, &pe) || pe == nil || pe.RetryAfter == nil {
		return nil
	}
	val := *pe.RetryAfter
	return &val
}

// ScopeFromError returns the cooldown scope hint, defaulting to wildcard.
func ScopeFromError(err error) string {
	var pe *Error
	if errors.As(err, &pe) && pe != nil && pe.Scope != "" {
		return pe.Scope
	}
	return ScopeAll
}

// Classification is the rotor-facing verdict for one attempt.
type Classification struct {
	Kind        Kind
	RetryAfter  *time.Duration
	Scope       string
	NeedsReauth bool
}

// quota and rate-limit token lists used by the status fallback. Providers
// with structured errors classify upstream; this catches the rest.
var (
	quotaTokens = []string{"quota", "billing", "exceeded your current", "insufficient_quota", "credit"}
	rateTokens  = []string{"rate limit", "rate_limit", "too many requests", "requests per"}
	authTokens  = []string{"invalid api key", "invalid_api_key", "api key expired", "token expired", "unauthorized"}
	// grantTokens mark the refresh token itself as dead. Anything else
	// auth-shaped gets a forced refresh before interactive re-auth.
	grantTokens = []string{"invalid_grant", "refresh token", "revoked"}
)

// ClassifyHTTP derives a Classification from an HTTP status and error body.
func ClassifyHTTP(status int, body []byte) Classification {
	lower := strings.ToLower(string(body))
	contains := func(tokens []string) bool {
		for _, t := range tokens {
			if strings.Contains(lower, t) {
				return true
			}
		}
		return false
	}

	switch {
	case status == 401:
		return Classification{Kind: KindAuthFailure, Scope: ScopeAll, NeedsReauth: contains(grantTokens)}
	case status == 403:
		if contains(quotaTokens) {
			return Classification{Kind: KindQuotaExhausted, Scope: ScopeAll}
		}
		return Classification{Kind: KindAuthFailure, Scope: ScopeAll, NeedsReauth: contains(grantTokens)}
	case status == 402:
		return Classification{Kind: KindQuotaExhausted, Scope: ScopeAll}
	case status == 429:
		if contains(quotaTokens) && !contains(rateTokens) {
			return Classification{Kind: KindQuotaExhausted, Scope: ScopeAll}
		}
		return Classification{Kind: KindRateLimit, Scope: ScopeAll}
	case status >= 500 || status == 408:
		return Classification{Kind: KindTransient, Scope: ScopeAll}
	case status >= 400 && status < 500:
		if contains(authTokens) {
			return Classification{Kind: KindAuthFailure, Scope: ScopeAll, NeedsReauth: contains(grantTokens)}
		}
		return Classification{Kind: KindInvalidRequest}
	case status == 0:
		return Classification{Kind: KindTransient, Scope: ScopeAll}
	default:
		return Classification{Kind: KindUnknown}
	}
}

// Classify turns an attempt error into the rotor verdict, merging the
// plugin-provided fields with the status fallback.
func Classify(err error) Classification {
	if err == nil {
		return Classification{}
	}
	var pe *Error
	if errors.As(err, &pe) && pe != nil {
		cls := ClassifyHTTP(pe.HTTPStatus, pe.Body)
		if pe.Kind != KindUnknown {
			cls.Kind = pe.Kind
		}
		if pe.RetryAfter != nil {
			val := *pe.RetryAfter
			cls.RetryAfter = &val
		}
		if pe.Scope != "" {
			cls.Scope = pe.Scope
		}
		if cls.Kind == KindAuthFailure && pe.Code == "invalid_grant" {
			cls.NeedsReauth = true
		}
		return cls
	}
	if errors.Is(err, ErrNoAvailableCredentials) {
		return Classification{Kind: KindNoCredentials}
	}
	if status := StatusCodeFromError(err); status != 0 {
		return ClassifyHTTP(status, nil)
	}
	return Classification{Kind: KindTransient, Scope: ScopeAll}
}
