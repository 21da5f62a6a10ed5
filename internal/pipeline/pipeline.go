// Package pipeline runs inbound Messages API requests through an ordered
// chain of processors. Each processor inspects and extends a shared context:
// earlier stages resolve a response path (canned reply, OAuth API call, or
// Claude.ai web session), later stages transform the resulting event stream
// and render the response.
package pipeline

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/clove-proxy/clove/internal/claude"
	"github.com/clove-proxy/clove/internal/session"
)

// Context is the mutable state threaded through the processors.
type Context struct {
	Ctx context.Context

	Request    *claude.MessagesRequest
	WebRequest *claude.WebRequest
	Session    *session.Session

	// RawStream yields SSE text chunks from upstream; Events is the typed
	// view layered on top of it.
	RawStream LineStream
	Events    EventStream

	// Collected is the assistant message materialized from the stream.
	Collected *claude.Message

	Response Response

	// SessionID pins the request to a web session; empty means a fresh
	// session will be minted on demand.
	SessionID string

	skip map[string]bool
	stop bool
}

// SkipProcessor excludes a later processor from this run.
func (c *Context) SkipProcessor(name string) {
	if c.skip == nil {
		c.skip = make(map[string]bool)
	}
	c.skip[name] = true
}

// StopPipeline ends processing after the current processor returns.
func (c *Context) StopPipeline() {
	c.stop = true
}

// Processor is one pipeline stage.
type Processor interface {
	Name() string
	Process(pctx *Context) error
}

// Pipeline is an ordered processor chain.
type Pipeline struct {
	processors []Processor
	sessions   *session.Manager
}

// New assembles a pipeline over the given processors.
func New(sessions *session.Manager, processors ...Processor) *Pipeline {
	log.Debugf("initialized pipeline with %d processors", len(processors))
	return &Pipeline{processors: processors, sessions: sessions}
}

// Process runs the context through every processor in order. A processor
// can stop the chain or mark later processors to be skipped. On failure the
// request's web session, if any, is force-evicted before the error returns.
func (p *Pipeline) Process(pctx *Context) error {
	log.Debug("starting pipeline processing")
	for i, processor := range p.processors {
		if pctx.skip[processor.Name()] {
			log.Debugf("skipping processor %s", processor.Name())
			continue
		}
		log.Debugf("running processor %d/%d: %s", i+1, len(p.processors), processor.Name())

		if err := processor.Process(pctx); err != nil {
			if pctx.Session != nil {
				p.sessions.Remove(pctx.Session.ID)
			}
			log.Errorf("pipeline processing failed: %v", err)
			return err
		}
		if pctx.stop {
			log.Debugf("pipeline stopped by %s", processor.Name())
			break
		}
	}
	log.Debug("pipeline processing completed successfully")
	return nil
}
