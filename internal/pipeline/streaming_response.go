package pipeline

import (
	log "github.com/sirupsen/logrus"
)

// StreamingResponseProcessor turns the event stream into an SSE response
// when the client asked for streaming.
type StreamingResponseProcessor struct{}

func NewStreamingResponseProcessor() *StreamingResponseProcessor {
	return &StreamingResponseProcessor{}
}

func (p *StreamingResponseProcessor) Name() string { return "StreamingResponseProcessor" }

func (p *StreamingResponseProcessor) Process(pctx *Context) error {
	if pctx.Response != nil {
		log.Debug("skipping StreamingResponseProcessor due to existing response")
		return nil
	}
	if pctx.Request == nil || !pctx.Request.Stream {
		log.Debug("skipping StreamingResponseProcessor for non-streaming request")
		return nil
	}
	if pctx.Events == nil {
		log.Warn("skipping StreamingResponseProcessor due to missing event stream")
		return nil
	}

	log.Debug("creating streaming SSE response")
	pctx.Response = NewSSEResponse(pctx.Events)
	return nil
}
