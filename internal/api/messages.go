package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/clove-proxy/clove/internal/claude"
	"github.com/clove-proxy/clove/internal/errdefs"
	"github.com/clove-proxy/clove/internal/pipeline"
)

// createMessage handles POST /v1/messages. Retryable pipeline failures are
// retried with a fresh context up to the configured attempt count.
func (s *Server) createMessage(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "failed to read request body"})
		return
	}

	var request claude.MessagesRequest
	if err = json.Unmarshal(body, &request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "invalid request body: " + err.Error()})
		return
	}

	cfg := s.store.Get()
	attempts := cfg.RetryAttempts
	if attempts < 1 {
		attempts = 1
	}

	for attempt := 1; ; attempt++ {
		pctx := &pipeline.Context{
			Ctx:     c.Request.Context(),
			Request: &request,
		}

		err = s.pipe.Process(pctx)
		if err == nil && pctx.Response == nil {
			err = errdefs.NoResponse()
		}
		if err != nil {
			if errdefs.IsRetryable(err) && attempt < attempts {
				log.Warnf("retrying request after retryable error (attempt %d/%d): %v", attempt, attempts, err)
				time.Sleep(time.Duration(cfg.RetryInterval) * time.Second)
				continue
			}
			s.renderError(c, err)
			return
		}

		pctx.Response.Render(c)
		s.recordUsage(&request, pctx)
		return
	}
}

// recordUsage bumps the statistics counters after the response is written.
// The collected message carries the final usage for both delivery modes.
func (s *Server) recordUsage(request *claude.MessagesRequest, pctx *pipeline.Context) {
	inputTokens, outputTokens := 0, 0
	if pctx.Collected != nil && pctx.Collected.Usage != nil {
		inputTokens = pctx.Collected.Usage.InputTokens
		outputTokens = pctx.Collected.Usage.OutputTokens
	}
	if err := s.stats.RecordRequest(request.Model, inputTokens, outputTokens); err != nil {
		log.Warnf("failed to record request statistics: %v", err)
	}
}
