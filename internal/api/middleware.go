// Package api is the HTTP surface of the rotor: the OpenAI-compatible
// completion endpoints plus the admin routes for usage inspection, forced
// credential refresh, and the live stats feed.
package api

import (
	"crypto/subtle"
	"io"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	log "github.com/nghyane/llm-rotor/internal/logging"
)

// requestIDKey is the gin context key holding the per-request id.
const requestIDKey = "request_id"

// requestIDMiddleware tags every request with an id for log correlation.
// An incoming X-Request-ID is kept so callers can trace across hops.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(requestIDKey, id)
		c.Header("X-Request-ID", id)
		c.Next()
	}
}

// corsMiddleware adds permissive CORS headers to every response and
// short-circuits preflight requests.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "*")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// authMiddleware gates a route group behind the proxy API key. An empty key
// leaves the group open, matching the default local-only setup.
func authMiddleware(key string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if key == "" {
			c.Next()
			return
		}
		provided := requestKey(c)
		if subtle.ConstantTimeCompare([]byte(provided), []byte(key)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": gin.H{
				"message": "invalid or missing API key",
				"type":    "authentication_error",
			}})
			return
		}
		c.Next()
	}
}

// requestKey extracts the caller's key from the Authorization bearer header
// or the x-api-key fallback used by Anthropic-style clients.
func requestKey(c *gin.Context) string {
	auth := c.GetHeader("Authorization")
	if len(auth) > 7 && strings.EqualFold(auth[:7], "Bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return strings.TrimSpace(c.GetHeader("x-api-key"))
}

// requestLogMiddleware logs one line per completed request through logrus.
func requestLogMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		entry := log.WithFields(map[string]any{
			"status":     c.Writer.Status(),
			"method":     c.Request.Method,
			"path":       path,
			"latency_ms": time.Since(start).Milliseconds(),
			"client_ip":  c.ClientIP(),
			"request_id": c.GetString(requestIDKey),
		})
		switch {
		case c.Writer.Status() >= http.StatusInternalServerError:
			entry.Error("request failed")
		case c.Writer.Status() >= http.StatusBadRequest:
			entry.Warn("request rejected")
		default:
			entry.Info("request")
		}
	}
}

// recoveryMiddleware turns handler panics into a 500 envelope. Broken-pipe
// panics are handled by gin itself and never reach the callback.
func recoveryMiddleware() gin.HandlerFunc {
	return gin.CustomRecoveryWithWriter(io.Discard, func(c *gin.Context, rec any) {
		log.Errorf("panic serving %s %s: %v\n%s", c.Request.Method, c.Request.URL.Path, rec, debug.Stack())
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": gin.H{
			"message": "internal server error",
			"type":    "api_error",
		}})
	})
}
