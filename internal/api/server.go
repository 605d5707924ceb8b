package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nghyane/llm-rotor/internal/config"
	log "github.com/nghyane/llm-rotor/internal/logging"
	"github.com/nghyane/llm-rotor/internal/provider"
	"github.com/nghyane/llm-rotor/internal/rotation"
	"github.com/nghyane/llm-rotor/internal/usage"
)

// Rotor is the slice of the rotation engine the HTTP layer calls.
// *rotation.Engine satisfies it.
type Rotor interface {
	Completion(ctx context.Context, req *provider.Request) (*provider.Response, error)
	CompletionStream(ctx context.Context, req *provider.Request) (<-chan provider.StreamChunk, error)
	AllModels(ctx context.Context) []provider.ModelInfo
	Resolve(id string) (providerName, model string, ok bool)
	Stats(name string) []*usage.ProviderSnapshot
	SubscribeStats() (<-chan []*usage.ProviderSnapshot, func())
	ForceRefresh(ctx context.Context, providerName, credentialKey string) *rotation.RefreshReport
}

// Server serves the OpenAI-compatible API and the admin routes.
type Server struct {
	engine *gin.Engine
	server *http.Server
	rotor  Rotor
	cfg    *config.Config
}

// New builds the server with its middleware chain and routes registered.
func New(cfg *config.Config, rotor Rotor) *Server {
	if !log.IsDebugEnabled() {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(requestIDMiddleware())
	engine.Use(requestLogMiddleware())
	engine.Use(recoveryMiddleware())
	engine.Use(corsMiddleware())

	s := &Server{engine: engine, rotor: rotor, cfg: cfg}
	s.routes()

	s.server = &http.Server{
		Addr:              net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() {
	s.engine.GET("/", s.root)

	v1 := s.engine.Group("/v1")
	v1.Use(authMiddleware(s.cfg.ProxyAPIKey))
	{
		v1.GET("/models", s.listModels)
		v1.POST("/chat/completions", s.chatCompletions)
	}

	admin := s.engine.Group("/admin")
	admin.Use(authMiddleware(s.cfg.ProxyAPIKey))
	{
		admin.GET("/usage", s.usageStats)
		admin.POST("/refresh", s.forceRefresh)
		admin.GET("/events", s.usageEvents)
	}

	s.engine.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": gin.H{
			"message": fmt.Sprintf("no route for %s %s", c.Request.Method, c.Request.URL.Path),
			"type":    "invalid_request_error",
		}})
	})
}

func (s *Server) root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service": "llm-rotor",
		"endpoints": []string{
			"POST /v1/chat/completions",
			"GET /v1/models",
			"GET /admin/usage",
			"POST /admin/refresh",
			"GET /admin/events",
		},
	})
}

// Handler exposes the route tree, mainly for tests.
func (s *Server) Handler() http.Handler { return s.engine }

// Addr is the configured listen address.
func (s *Server) Addr() string { return s.server.Addr }

// Start runs the HTTP server until Stop is called.
func (s *Server) Start() error {
	log.Infof("API server listening on %s", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Stop shuts the server down, letting in-flight requests drain until ctx
// expires.
func (s *Server) Stop(ctx context.Context) error {
	log.Debug("stopping API server")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}
	return nil
}
