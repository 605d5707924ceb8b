package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nghyane/llm-rotor/internal/json"
	"github.com/nghyane/llm-rotor/internal/provider"
)

// errorEnvelope renders an engine error as the OpenAI-style wire body and the
// HTTP status it maps to. Upstream error bodies ride along under detail so
// callers that sniff provider-specific shapes still can.
func errorEnvelope(err error) (int, gin.H) {
	status := statusFor(err)

	body := gin.H{
		"message": errorMessage(err),
		"type":    errorType(status, err),
	}
	var pe *provider.Error
	if errors.As(err, &pe) {
		if pe.Code != "" {
			body["code"] = pe.Code
		}
		if detail := errorDetail(pe.Body); detail != nil {
			body["detail"] = detail
		}
	}
	return status, gin.H{"error": body}
}

// writeError emits the JSON error envelope, attaching a Retry-After header
// when the classification carried a wait hint.
func writeError(c *gin.Context, err error) {
	status, body := errorEnvelope(err)
	if after := retryAfter(err); after > 0 && status == http.StatusTooManyRequests {
		c.Header("Retry-After", strconv.Itoa(int(after/time.Second)))
	}
	c.JSON(status, body)
}

// errorFrame is the envelope as raw JSON, for SSE error frames on streams
// that already committed.
func errorFrame(err error) []byte {
	_, body := errorEnvelope(err)
	data, mErr := json.Marshal(body)
	if mErr != nil {
		return []byte(`{"error":{"message":"stream failed","type":"api_error"}}`)
	}
	return data
}

func statusFor(err error) int {
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	switch provider.KindFromError(err) {
	case provider.KindInvalidRequest:
		return http.StatusBadRequest
	case provider.KindAuthFailure:
		return http.StatusUnauthorized
	case provider.KindRateLimit, provider.KindQuotaExhausted:
		return http.StatusTooManyRequests
	case provider.KindNoCredentials:
		return http.StatusServiceUnavailable
	case provider.KindFatal:
		return http.StatusInternalServerError
	case provider.KindTransient:
		// Locally raised unavailability (open breaker) keeps its 503; real
		// upstream failures surface as a bad gateway.
		var pe *provider.Error
		if errors.As(err, &pe) && pe.HTTPStatus == http.StatusServiceUnavailable {
			return http.StatusServiceUnavailable
		}
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func errorType(status int, err error) string {
	if provider.KindFromError(err) == provider.KindQuotaExhausted {
		return "insufficient_quota"
	}
	switch status {
	case http.StatusBadRequest:
		return "invalid_request_error"
	case http.StatusUnauthorized:
		return "authentication_error"
	case http.StatusTooManyRequests:
		return "rate_limit_error"
	case http.StatusServiceUnavailable:
		return "service_unavailable_error"
	case http.StatusGatewayTimeout:
		return "timeout_error"
	default:
		return "api_error"
	}
}

func errorMessage(err error) string {
	if errors.Is(err, provider.ErrNoAvailableCredentials) {
		return "no credentials are currently available for this model, retry later"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "the request did not complete before the deadline"
	}
	var pe *provider.Error
	if errors.As(err, &pe) && pe.Message != "" {
		return pe.Message
	}
	return err.Error()
}

// errorDetail decodes an upstream error body so it nests as JSON instead of
// an escaped string. Non-JSON bodies are dropped.
func errorDetail(body []byte) any {
	if len(body) == 0 || !json.Valid(body) {
		return nil
	}
	var detail any
	if err := json.Unmarshal(body, &detail); err != nil {
		return nil
	}
	return detail
}

func retryAfter(err error) time.Duration {
	if d := provider.RetryAfterFromError(err); d != nil {
		return *d
	}
	return 0
}
