package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/clove-proxy/clove/internal/errdefs"
)

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Content-Length, Accept-Encoding, Authorization, X-Api-Key")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// extractAPIKey pulls the key from X-Api-Key or a bearer Authorization header.
func extractAPIKey(c *gin.Context) string {
	if key := c.GetHeader("X-Api-Key"); key != "" {
		return key
	}
	auth := c.GetHeader("Authorization")
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
		return parts[1]
	}
	return auth
}

// clientAuth guards /v1. Client keys and admin keys are both accepted.
// With no keys configured at all, requests pass with a warning.
func (s *Server) clientAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		cfg := s.store.Get()
		if len(cfg.APIKeys) == 0 && len(cfg.AdminAPIKeys) == 0 {
			log.Warn("no API keys configured, allowing all requests")
			c.Next()
			return
		}

		key := extractAPIKey(c)
		if key == "" {
			s.abortWithError(c, errdefs.NoAPIKeyProvided())
			return
		}
		if !containsKey(cfg.APIKeys, key) && !s.isAdminKey(cfg.AdminAPIKeys, key) {
			s.abortWithError(c, errdefs.InvalidAPIKey())
			return
		}
		c.Next()
	}
}

// adminAuth guards /api/admin. Only admin keys (or the generated temporary
// key) are accepted.
func (s *Server) adminAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		cfg := s.store.Get()

		key := extractAPIKey(c)
		if key == "" {
			s.abortWithError(c, errdefs.NoAPIKeyProvided())
			return
		}
		if !s.isAdminKey(cfg.AdminAPIKeys, key) {
			s.abortWithError(c, errdefs.InvalidAPIKey())
			return
		}
		c.Next()
	}
}

func (s *Server) isAdminKey(adminKeys []string, key string) bool {
	if containsKey(adminKeys, key) {
		return true
	}
	return s.tempAdminKey != "" && key == s.tempAdminKey
}

func containsKey(keys []string, key string) bool {
	for _, k := range keys {
		if k == key {
			return true
		}
	}
	return false
}

func (s *Server) abortWithError(c *gin.Context, err error) {
	s.renderError(c, err)
	c.Abort()
}
