// Package api exposes the HTTP surface of the proxy: the Anthropic-shaped
// /v1/messages endpoint, a health probe, and the admin API for accounts,
// settings and statistics. Built on gin with CORS and API-key middleware.
package api

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/clove-proxy/clove/internal/account"
	"github.com/clove-proxy/clove/internal/config"
	"github.com/clove-proxy/clove/internal/oauth"
	"github.com/clove-proxy/clove/internal/pipeline"
	"github.com/clove-proxy/clove/internal/session"
	"github.com/clove-proxy/clove/internal/stats"
)

// Server is the HTTP front of the proxy.
type Server struct {
	engine *gin.Engine
	server *http.Server

	store         *config.Store
	pool          *account.Manager
	authenticator *oauth.Authenticator
	sessions      *session.Manager
	pipe          *pipeline.Pipeline
	stats         *stats.Store

	// tempAdminKey is generated when no admin keys are configured, so the
	// admin API is never silently open.
	tempAdminKey string
}

// NewServer wires the routes and middleware around the shared services.
func NewServer(store *config.Store, pool *account.Manager, authenticator *oauth.Authenticator,
	sessions *session.Manager, pipe *pipeline.Pipeline, statsStore *stats.Store) *Server {

	cfg := store.Get()
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Logger())
	engine.Use(gin.Recovery())
	engine.Use(corsMiddleware())

	s := &Server{
		engine:        engine,
		store:         store,
		pool:          pool,
		authenticator: authenticator,
		sessions:      sessions,
		pipe:          pipe,
		stats:         statsStore,
	}

	if len(cfg.AdminAPIKeys) == 0 {
		s.tempAdminKey = generateAdminKey()
		log.Warnf("no admin API keys configured, generated temporary key: %s", s.tempAdminKey)
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler: engine,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.engine.GET("/health", s.health)

	v1 := s.engine.Group("/v1")
	v1.Use(s.clientAuth())
	{
		v1.POST("/messages", s.createMessage)
	}

	admin := s.engine.Group("/api/admin")
	admin.Use(s.adminAuth())
	{
		admin.GET("/accounts", s.listAccounts)
		admin.POST("/accounts", s.createAccount)
		admin.GET("/accounts/:organization_uuid", s.getAccount)
		admin.PUT("/accounts/:organization_uuid", s.updateAccount)
		admin.DELETE("/accounts/:organization_uuid", s.deleteAccount)
		admin.POST("/accounts/oauth/exchange", s.exchangeOAuthCode)

		admin.GET("/settings", s.getSettings)
		admin.PUT("/settings", s.updateSettings)

		admin.GET("/statistics", s.getStatistics)
	}
}

func (s *Server) health(c *gin.Context) {
	status := "degraded"
	if s.pool.ValidAccounts() > 0 {
		status = "healthy"
	}
	c.JSON(http.StatusOK, gin.H{"status": status})
}

// Start begins serving requests. Blocks until the server stops.
func (s *Server) Start() error {
	log.Infof("starting API server on %s", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	log.Debug("stopping API server")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	return nil
}

// Handler exposes the gin engine for tests.
func (s *Server) Handler() http.Handler { return s.engine }

func generateAdminKey() string {
	buf := make([]byte, 32)
	_, _ = rand.Read(buf)
	return "sk-admin-" + base64.RawURLEncoding.EncodeToString(buf)
}
