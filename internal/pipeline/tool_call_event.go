package pipeline

import (
	"io"

	log "github.com/sirupsen/logrus"

	"github.com/clove-proxy/clove/internal/claude"
	"github.com/clove-proxy/clove/internal/streaming"
	"github.com/clove-proxy/clove/internal/toolcall"
)

// ToolCallEventProcessor turns an upstream tool_use block into a client-side
// turn boundary: when the block closes it emits message_delta{tool_use} and
// message_stop, registers the call, and stops reading the upstream stream
// without closing the session, so the next client turn can resume it.
// tool_result blocks echoed by upstream are suppressed.
type ToolCallEventProcessor struct {
	registry *toolcall.Registry
}

func NewToolCallEventProcessor(registry *toolcall.Registry) *ToolCallEventProcessor {
	return &ToolCallEventProcessor{registry: registry}
}

func (p *ToolCallEventProcessor) Name() string { return "ToolCallEventProcessor" }

func (p *ToolCallEventProcessor) Process(pctx *Context) error {
	if pctx.Events == nil {
		log.Warn("skipping ToolCallEventProcessor due to missing event stream")
		return nil
	}
	if pctx.Session == nil {
		log.Warn("skipping ToolCallEventProcessor due to missing session")
		return nil
	}

	log.Debug("setting up tool call event processing")
	pctx.Events = p.interceptToolEvents(pctx.Events, pctx)
	return nil
}

func (p *ToolCallEventProcessor) interceptToolEvents(inner EventStream, pctx *Context) EventStream {
	var queue []streaming.Event
	done := false

	toolUseID := ""
	toolUseIndex := -1
	suppressingResult := false

	return func() (streaming.Event, error) {
		for {
			if len(queue) > 0 {
				ev := queue[0]
				queue = queue[1:]
				return ev, nil
			}
			if done {
				return streaming.Event{}, io.EOF
			}

			ev, err := inner()
			if err != nil {
				done = true
				if err != io.EOF {
					return streaming.Event{}, err
				}
				continue
			}

			if ev.Type == streaming.EventContentBlockStart && ev.ContentBlock != nil {
				switch ev.ContentBlock.Type {
				case claude.BlockToolUse:
					toolUseID = ev.ContentBlock.ID
					toolUseIndex = ev.Index
					log.Debugf("detected tool use start: %s (name: %s)", toolUseID, ev.ContentBlock.Name)
				case claude.BlockToolResult:
					log.Debugf("detected tool result: %s", ev.ContentBlock.ToolUseID)
					suppressingResult = true
				}
			}

			if suppressingResult {
				log.Debug("skipping tool result content block")
			} else {
				queue = append(queue, ev)
			}

			if ev.Type == streaming.EventContentBlockStop {
				if suppressingResult {
					log.Debug("tool result block ended")
					suppressingResult = false
				}
				if toolUseID != "" && ev.Index == toolUseIndex {
					log.Debugf("tool use block ended: %s", toolUseID)
					queue = append(queue,
						streaming.MessageDeltaEvent("tool_use", "", nil),
						streaming.MessageStopEvent(),
					)

					messageID := ""
					if pctx.Collected != nil {
						messageID = pctx.Collected.ID
					}
					p.registry.Register(toolUseID, pctx.Session.ID, messageID)

					toolUseID = ""
					toolUseIndex = -1
					// Leave the upstream stream open; the session keeps it
					// parked until the tool result comes back.
					done = true
				}
			}
		}
	}
}
