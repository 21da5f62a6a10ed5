package pipeline

import (
	"encoding/json"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/clove-proxy/clove/internal/claude"
	"github.com/clove-proxy/clove/internal/streaming"
)

// MessageCollectorProcessor reassembles the streamed events into a complete
// assistant message on pctx.Collected. Events pass through untouched; the
// collector only observes.
type MessageCollectorProcessor struct{}

func NewMessageCollectorProcessor() *MessageCollectorProcessor {
	return &MessageCollectorProcessor{}
}

func (p *MessageCollectorProcessor) Name() string { return "MessageCollectorProcessor" }

func (p *MessageCollectorProcessor) Process(pctx *Context) error {
	if pctx.Events == nil {
		log.Warn("skipping MessageCollectorProcessor due to missing event stream")
		return nil
	}

	log.Debug("setting up message collection")
	c := &messageCollector{pctx: pctx}
	pctx.Events = mapEvents(pctx.Events, c.observe)
	return nil
}

type messageCollector struct {
	pctx   *Context
	blocks []*claude.ContentBlock

	// Partial JSON accumulated from deltas, keyed by block index.
	inputJSON   map[int]*strings.Builder
	contentJSON map[int]*strings.Builder
}

func (c *messageCollector) observe(ev *streaming.Event) {
	switch ev.Type {
	case streaming.EventMessageStart:
		if ev.Message == nil {
			return
		}
		c.pctx.Collected = cloneMessage(ev.Message)
		c.blocks = nil
		c.inputJSON = make(map[int]*strings.Builder)
		c.contentJSON = make(map[int]*strings.Builder)
		log.Debugf("started collecting message: %s", c.pctx.Collected.ID)

	case streaming.EventContentBlockStart:
		if ev.ContentBlock == nil {
			return
		}
		block := *ev.ContentBlock
		c.placeBlock(ev.Index, &block)

	case streaming.EventContentBlockDelta:
		if ev.Delta == nil {
			return
		}
		block := c.blockAt(ev.Index)
		if block == nil {
			log.Warnf("content_block_delta for unknown block index %d", ev.Index)
			return
		}
		switch ev.Delta.Type {
		case streaming.DeltaText:
			block.Text += ev.Delta.Text
		case streaming.DeltaThinking:
			block.Thinking += ev.Delta.Thinking
		case streaming.DeltaSignature:
			block.Signature += ev.Delta.Signature
		case streaming.DeltaInputJSON:
			switch block.Type {
			case claude.BlockToolUse, claude.BlockServerToolUse:
				c.builder(c.inputJSON, ev.Index).WriteString(ev.Delta.PartialJSON)
			case claude.BlockToolResult, claude.BlockWebSearchToolResult:
				c.builder(c.contentJSON, ev.Index).WriteString(ev.Delta.PartialJSON)
			}
		}

	case streaming.EventContentBlockStop:
		c.finishBlock(ev.Index)
		c.syncContent()

	case streaming.EventMessageDelta:
		if c.pctx.Collected == nil {
			return
		}
		if ev.Delta != nil {
			if ev.Delta.StopReason != "" {
				c.pctx.Collected.StopReason = ev.Delta.StopReason
			}
			if ev.Delta.StopSequence != "" {
				c.pctx.Collected.StopSequence = ev.Delta.StopSequence
			}
		}
		if ev.Usage != nil {
			c.mergeUsage(ev.Usage)
		}

	case streaming.EventMessageStop:
		c.syncContent()
		if c.pctx.Collected != nil {
			log.Debugf("collected complete message with %d content blocks", len(c.pctx.Collected.Content))
		}

	case streaming.EventError:
		if ev.Error != nil {
			log.Warnf("error event during collection: %s: %s", ev.Error.Type, ev.Error.Message)
		}
	}
}

func (c *messageCollector) placeBlock(index int, block *claude.ContentBlock) {
	for len(c.blocks) <= index {
		c.blocks = append(c.blocks, nil)
	}
	c.blocks[index] = block
}

func (c *messageCollector) blockAt(index int) *claude.ContentBlock {
	if index < 0 || index >= len(c.blocks) {
		return nil
	}
	return c.blocks[index]
}

func (c *messageCollector) builder(m map[int]*strings.Builder, index int) *strings.Builder {
	b, ok := m[index]
	if !ok {
		b = &strings.Builder{}
		m[index] = b
	}
	return b
}

// finishBlock parses any partial JSON accumulated for the block. Unparseable
// input is dropped; the block itself stays.
func (c *messageCollector) finishBlock(index int) {
	block := c.blockAt(index)
	if block == nil {
		return
	}
	if b, ok := c.inputJSON[index]; ok && b.Len() > 0 {
		parsed, err := decodeLenientJSON(b.String())
		if err != nil {
			log.Warnf("dropping tool input for block %d: %v", index, err)
		} else if input, ok := parsed.(map[string]any); ok {
			block.Input = input
		} else {
			log.Warnf("tool input for block %d is not an object", index)
		}
		delete(c.inputJSON, index)
	}
	if b, ok := c.contentJSON[index]; ok && b.Len() > 0 {
		parsed, err := decodeLenientJSON(b.String())
		if err != nil {
			log.Warnf("dropping tool result content for block %d: %v", index, err)
		} else if raw, err := json.Marshal(parsed); err == nil {
			block.Content = raw
		}
		delete(c.contentJSON, index)
	}
}

func (c *messageCollector) mergeUsage(usage *claude.Usage) {
	collected := c.pctx.Collected
	if collected.Usage == nil {
		u := *usage
		collected.Usage = &u
		return
	}
	if usage.InputTokens != 0 {
		collected.Usage.InputTokens = usage.InputTokens
	}
	if usage.OutputTokens != 0 {
		collected.Usage.OutputTokens = usage.OutputTokens
	}
	if usage.CacheCreationInputTokens != 0 {
		collected.Usage.CacheCreationInputTokens = usage.CacheCreationInputTokens
	}
	if usage.CacheReadInputTokens != 0 {
		collected.Usage.CacheReadInputTokens = usage.CacheReadInputTokens
	}
	if usage.ServerToolUse != nil {
		collected.Usage.ServerToolUse = usage.ServerToolUse
	}
}

// syncContent materialises the block list onto the collected message,
// skipping index slots that never received a content_block_start.
func (c *messageCollector) syncContent() {
	if c.pctx.Collected == nil {
		return
	}
	content := make([]claude.ContentBlock, 0, len(c.blocks))
	for _, block := range c.blocks {
		if block != nil {
			content = append(content, *block)
		}
	}
	c.pctx.Collected.Content = content
}

func cloneMessage(msg *claude.Message) *claude.Message {
	clone := *msg
	if msg.Content != nil {
		clone.Content = append([]claude.ContentBlock(nil), msg.Content...)
	}
	if msg.Usage != nil {
		u := *msg.Usage
		clone.Usage = &u
	}
	return &clone
}
