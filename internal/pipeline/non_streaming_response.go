package pipeline

import (
	log "github.com/sirupsen/logrus"

	"github.com/clove-proxy/clove/internal/errdefs"
)

// NonStreamingResponseProcessor drains the event stream and returns the
// collected message as a single JSON body.
type NonStreamingResponseProcessor struct{}

func NewNonStreamingResponseProcessor() *NonStreamingResponseProcessor {
	return &NonStreamingResponseProcessor{}
}

func (p *NonStreamingResponseProcessor) Name() string { return "NonStreamingResponseProcessor" }

func (p *NonStreamingResponseProcessor) Process(pctx *Context) error {
	if pctx.Response != nil {
		log.Debug("skipping NonStreamingResponseProcessor due to existing response")
		return nil
	}
	if pctx.Request != nil && pctx.Request.Stream {
		log.Debug("skipping NonStreamingResponseProcessor for streaming request")
		return nil
	}
	if pctx.Events == nil {
		log.Warn("skipping NonStreamingResponseProcessor due to missing event stream")
		return nil
	}

	log.Debug("collecting events for non-streaming response")
	errInfo, err := drainEvents(pctx.Events)
	if err != nil {
		return err
	}
	if errInfo != nil {
		log.Errorf("error during event collection: %s: %s", errInfo.Type, errInfo.Message)
		return errdefs.ClaudeStreaming(errInfo.Type, errInfo.Message)
	}
	if pctx.Collected == nil {
		log.Error("no message was collected from the event stream")
		return errdefs.NoMessage()
	}

	pctx.Response = &JSONResponse{
		Headers: map[string]string{
			"Content-Type":  "application/json",
			"Cache-Control": "no-cache",
		},
		Body: pctx.Collected,
	}
	return nil
}
