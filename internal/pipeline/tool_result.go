package pipeline

import (
	"encoding/json"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/clove-proxy/clove/internal/claude"
	"github.com/clove-proxy/clove/internal/session"
	"github.com/clove-proxy/clove/internal/streaming"
	"github.com/clove-proxy/clove/internal/toolcall"
)

// ToolResultProcessor resumes a paused web session when the request's last
// block answers a registered tool call. The session's still-open stream is
// spliced in behind a synthetic message_start, and the normal request
// builders are skipped.
type ToolResultProcessor struct {
	registry   *toolcall.Registry
	sessions   *session.Manager
	serializer *streaming.Serializer
}

func NewToolResultProcessor(registry *toolcall.Registry, sessions *session.Manager) *ToolResultProcessor {
	return &ToolResultProcessor{
		registry:   registry,
		sessions:   sessions,
		serializer: streaming.NewSerializer(),
	}
}

func (p *ToolResultProcessor) Name() string { return "ToolResultProcessor" }

func (p *ToolResultProcessor) Process(pctx *Context) error {
	request := pctx.Request
	if request == nil || len(request.Messages) == 0 {
		return nil
	}

	last := request.Messages[len(request.Messages)-1]
	if last.Role != claude.RoleUser || len(last.Content) == 0 {
		return nil
	}
	toolResult := last.Content[len(last.Content)-1]
	if toolResult.Type != claude.BlockToolResult {
		return nil
	}

	log.Debugf("found tool result for tool_use_id: %s", toolResult.ToolUseID)

	state, ok := p.registry.Get(toolResult.ToolUseID)
	if !ok {
		log.Debugf("no pending tool call found for tool_use_id: %s", toolResult.ToolUseID)
		return nil
	}

	sess := p.sessions.Get(state.SessionID)
	if sess == nil {
		log.Errorf("session %s not found for tool call %s", state.SessionID, toolResult.ToolUseID)
		p.registry.Complete(toolResult.ToolUseID)
		return nil
	}

	if err := sess.SendToolResult(pctx.Ctx, toolResultPayload(&toolResult)); err != nil {
		return err
	}
	log.Infof("sent tool result for %s to session %s", toolResult.ToolUseID, sess.ID)

	stream := sess.Stream()
	if stream == nil {
		log.Errorf("no stream available for session %s", sess.ID)
		p.registry.Complete(toolResult.ToolUseID)
		return nil
	}

	// The client sees a fresh assistant turn: replay message_start, then
	// continue from where the upstream stream paused.
	start := pctx.Collected
	if start == nil {
		messageID := state.MessageID
		if messageID == "" {
			messageID = uuid.NewString()
		}
		start = &claude.Message{
			ID:      messageID,
			Type:    "message",
			Role:    claude.RoleAssistant,
			Content: []claude.ContentBlock{},
			Model:   request.Model,
		}
	}
	startChunk := p.serializer.Serialize(streaming.MessageStartEvent(start))

	pctx.RawStream = prependChunk(startChunk, stream)
	pctx.Session = sess
	p.registry.Complete(toolResult.ToolUseID)

	pctx.SkipProcessor("ClaudeAPIProcessor")
	pctx.SkipProcessor("ClaudeWebProcessor")
	return nil
}

// toolResultPayload renders the block for the upstream tool_result endpoint,
// normalising string content to a single text block.
func toolResultPayload(block *claude.ContentBlock) map[string]any {
	content := block.Content
	var plain string
	if err := json.Unmarshal(content, &plain); err == nil {
		content, _ = json.Marshal([]claude.ContentBlock{{Type: claude.BlockText, Text: plain}})
	}

	payload := map[string]any{
		"type":        claude.BlockToolResult,
		"tool_use_id": block.ToolUseID,
		"content":     json.RawMessage(content),
	}
	if block.IsError != nil {
		payload["is_error"] = *block.IsError
	}
	return payload
}
