package pipeline

import (
	"github.com/clove-proxy/clove/internal/account"
	"github.com/clove-proxy/clove/internal/cache"
	"github.com/clove-proxy/clove/internal/config"
	"github.com/clove-proxy/clove/internal/httpclient"
	"github.com/clove-proxy/clove/internal/messages"
	"github.com/clove-proxy/clove/internal/session"
	"github.com/clove-proxy/clove/internal/toolcall"
)

// Deps bundles the shared services the standard processors need.
type Deps struct {
	Config    *config.Config
	Pool      *account.Manager
	Transport *httpclient.Client
	Sessions  *session.Manager
	Cache     *cache.Registry
	ToolCalls *toolcall.Registry
	Merger    *messages.Merger
}

// NewDefault assembles the standard processing chain for /v1/messages.
// Order matters: response-path processors run first and the stream
// transformers layer onto whatever stream they produced.
func NewDefault(d Deps) *Pipeline {
	return New(d.Sessions,
		NewTestMessageProcessor(),
		NewToolResultProcessor(d.ToolCalls, d.Sessions),
		NewClaudeAPIProcessor(d.Config, d.Pool, d.Transport, d.Cache),
		NewClaudeWebProcessor(d.Config, d.Sessions, d.Merger),
		NewEventParsingProcessor(),
		NewModelInjectorProcessor(),
		NewStopSequencesProcessor(d.Sessions),
		NewToolCallEventProcessor(d.ToolCalls),
		NewMessageCollectorProcessor(),
		NewTokenCounterProcessor(d.Merger),
		NewStreamingResponseProcessor(),
		NewNonStreamingResponseProcessor(),
	)
}
