package api

import (
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/clove-proxy/clove/internal/errdefs"
	"github.com/clove-proxy/clove/internal/i18n"
)

// renderError writes a taxonomy error as {detail:{code,message,context?}}.
// Unclassified errors collapse to the internal error code.
func (s *Server) renderError(c *gin.Context, err error) {
	appErr, ok := errdefs.As(err)
	if !ok {
		log.Errorf("unclassified error reached the API layer: %v", err)
		appErr = errdefs.Internal()
	}

	language := s.store.Get().DefaultLanguage
	if header := c.GetHeader("Accept-Language"); header != "" {
		language = i18n.ParseAcceptLanguage(header)
	}
	message := i18n.Message(appErr.Key, language, appErr.Context)

	detail := gin.H{"code": appErr.Code, "message": message}
	if len(appErr.Context) > 0 {
		detail["context"] = appErr.Context
	}

	log.Warnf("request failed: code=%d message=%q context=%v", appErr.Code, message, appErr.Context)
	c.JSON(appErr.Status, gin.H{"detail": detail})
}
