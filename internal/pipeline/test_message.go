package pipeline

import (
	"strings"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/clove-proxy/clove/internal/claude"
)

// TestMessageProcessor answers frontend connectivity probes without touching
// an account: a single non-streaming user "Hi" gets a canned reply.
type TestMessageProcessor struct{}

func NewTestMessageProcessor() *TestMessageProcessor { return &TestMessageProcessor{} }

func (p *TestMessageProcessor) Name() string { return "TestMessageProcessor" }

func (p *TestMessageProcessor) Process(pctx *Context) error {
	request := pctx.Request
	if request == nil {
		return nil
	}

	if len(request.Messages) != 1 || request.Stream {
		return nil
	}
	message := request.Messages[0]
	if message.Role != claude.RoleUser || len(message.Content) != 1 {
		return nil
	}
	block := message.Content[0]
	if block.Type != claude.BlockText || block.Text != "Hi" {
		return nil
	}

	log.Debug("test message detected, returning canned response")

	pctx.Response = &JSONResponse{
		Body: &claude.Message{
			ID:   "msg_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:10],
			Type: "message",
			Role: claude.RoleAssistant,
			Content: []claude.ContentBlock{
				{Type: claude.BlockText, Text: "Hello! How can I assist you today?"},
			},
			Model:      request.Model,
			StopReason: "end_turn",
			Usage:      &claude.Usage{InputTokens: 1, OutputTokens: 9},
		},
	}
	pctx.StopPipeline()
	return nil
}
