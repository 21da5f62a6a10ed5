// Package toolcall tracks in-flight tool invocations so a follow-up request
// carrying a tool_result can be routed back to the paused session that
// issued the tool_use. Entries expire on a TTL to unstick abandoned calls.
package toolcall

import (
	"time"

	gocache "github.com/patrickmn/go-cache"
	log "github.com/sirupsen/logrus"

	"github.com/clove-proxy/clove/internal/config"
)

// State describes one pending tool call.
type State struct {
	ToolUseID string
	SessionID string
	MessageID string
	CreatedAt time.Time
}

// Registry maps tool_use ids to the sessions awaiting their results.
type Registry struct {
	calls *gocache.Cache
}

// NewRegistry builds the registry with the configured tool-call timeout.
func NewRegistry(cfg *config.Config) *Registry {
	timeout := time.Duration(cfg.ToolCallTimeout) * time.Second
	cleanup := time.Duration(cfg.ToolCallCleanupInterval) * time.Second
	log.Infof("tool call registry initialized with timeout=%ds, cleanup_interval=%ds",
		cfg.ToolCallTimeout, cfg.ToolCallCleanupInterval)
	return &Registry{calls: gocache.New(timeout, cleanup)}
}

// Register records a pending tool call for a session.
func (r *Registry) Register(toolUseID, sessionID, messageID string) {
	r.calls.SetDefault(toolUseID, &State{
		ToolUseID: toolUseID,
		SessionID: sessionID,
		MessageID: messageID,
		CreatedAt: time.Now(),
	})
	log.Infof("registered tool call: %s for session: %s", toolUseID, sessionID)
}

// Get looks up a pending tool call.
func (r *Registry) Get(toolUseID string) (*State, bool) {
	value, ok := r.calls.Get(toolUseID)
	if !ok {
		return nil, false
	}
	return value.(*State), true
}

// Complete drops a tool call once its result has been delivered.
func (r *Registry) Complete(toolUseID string) {
	r.calls.Delete(toolUseID)
	log.Infof("completed tool call: %s", toolUseID)
}

// Size returns the number of pending tool calls.
func (r *Registry) Size() int {
	return r.calls.ItemCount()
}

// Flush drops every pending call, used on shutdown.
func (r *Registry) Flush() {
	r.calls.Flush()
	log.Info("cleaned up all tool calls")
}
