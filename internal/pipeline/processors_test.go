package pipeline

import (
	"context"
	"encoding/json"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/clove-proxy/clove/internal/account"
	"github.com/clove-proxy/clove/internal/claude"
	"github.com/clove-proxy/clove/internal/config"
	"github.com/clove-proxy/clove/internal/httpclient"
	"github.com/clove-proxy/clove/internal/messages"
	"github.com/clove-proxy/clove/internal/session"
	"github.com/clove-proxy/clove/internal/streaming"
	"github.com/clove-proxy/clove/internal/toolcall"
)

func TestParseEventsFromLines(t *testing.T) {
	lines := []string{
		"event: message_start\n",
		`data: {"type":"message_start","message":{"id":"msg_1","type":"message","role":"assistant","content":[],"model":"claude-sonnet-4-20250514"}}` + "\n",
		"\n",
		"event: content_block_delta\n",
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"hi"}}` + "\n",
		"\n",
	}

	pctx := &Context{Ctx: context.Background(), RawStream: linesFromSlice(lines)}
	require.NoError(t, NewEventParsingProcessor().Process(pctx))
	require.NotNil(t, pctx.Events)

	events := collectEvents(t, pctx.Events)
	require.Len(t, events, 2)
	assert.Equal(t, streaming.EventMessageStart, events[0].Type)
	assert.Equal(t, "msg_1", events[0].Message.ID)
	assert.Equal(t, streaming.EventContentBlockDelta, events[1].Type)
	assert.Equal(t, "hi", events[1].Delta.Text)
}

func TestModelInjectorFillsEmptyModel(t *testing.T) {
	raw := json.RawMessage(`{"type":"message_start","message":{"id":"msg_1","type":"message","role":"assistant","content":[],"model":""}}`)
	pctx := &Context{
		Ctx:     context.Background(),
		Request: &claude.MessagesRequest{Model: "claude-opus-4-20250514"},
		Events: eventsFromSlice([]streaming.Event{
			{Type: streaming.EventMessageStart, Message: &claude.Message{ID: "msg_1"}, Raw: raw},
			{Type: streaming.EventMessageStart, Message: &claude.Message{ID: "msg_2", Model: "other"}, Raw: raw},
		}),
	}

	require.NoError(t, NewModelInjectorProcessor().Process(pctx))
	events := collectEvents(t, pctx.Events)

	assert.Equal(t, "claude-opus-4-20250514", events[0].Message.Model)
	require.NotNil(t, events[0].Raw)
	assert.Equal(t, "claude-opus-4-20250514", gjson.GetBytes(events[0].Raw, "message.model").String())

	assert.Equal(t, "other", events[1].Message.Model)
	assert.NotNil(t, events[1].Raw)
}

func TestStopSequencesDetectsAcrossDeltas(t *testing.T) {
	pctx := &Context{
		Ctx:     context.Background(),
		Request: &claude.MessagesRequest{StopSequences: []string{"END"}},
		Events: eventsFromSlice([]streaming.Event{
			streaming.TextDeltaEvent(0, "hel"),
			streaming.TextDeltaEvent(0, "lo EN"),
			streaming.TextDeltaEvent(0, "D never seen"),
		}),
	}

	require.NoError(t, NewStopSequencesProcessor(nil).Process(pctx))
	events := collectEvents(t, pctx.Events)

	var text string
	for _, ev := range events {
		if ev.Type == streaming.EventContentBlockDelta {
			text += ev.Delta.Text
		}
	}
	assert.Equal(t, "hello ", text)

	require.GreaterOrEqual(t, len(events), 3)
	tail := events[len(events)-3:]
	assert.Equal(t, streaming.EventContentBlockStop, tail[0].Type)
	assert.Equal(t, streaming.EventMessageDelta, tail[1].Type)
	assert.Equal(t, "stop_sequence", tail[1].Delta.StopReason)
	assert.Equal(t, "END", tail[1].Delta.StopSequence)
	assert.Equal(t, streaming.EventMessageStop, tail[2].Type)
}

func TestStopSequencesKeepsMultibyteRunesIntact(t *testing.T) {
	pctx := &Context{
		Ctx:     context.Background(),
		Request: &claude.MessagesRequest{StopSequences: []string{"終わり"}},
		Events: eventsFromSlice([]streaming.Event{
			streaming.TextDeltaEvent(0, "こんにちは終"),
			streaming.TextDeltaEvent(0, "わり after"),
		}),
	}

	require.NoError(t, NewStopSequencesProcessor(nil).Process(pctx))
	events := collectEvents(t, pctx.Events)

	var text string
	for _, ev := range events {
		if ev.Type == streaming.EventContentBlockDelta {
			assert.True(t, utf8.ValidString(ev.Delta.Text))
			text += ev.Delta.Text
		}
	}
	assert.Equal(t, "こんにちは", text)

	require.GreaterOrEqual(t, len(events), 3)
	tail := events[len(events)-3:]
	assert.Equal(t, streaming.EventContentBlockStop, tail[0].Type)
	assert.Equal(t, "終わり", tail[1].Delta.StopSequence)
	assert.Equal(t, streaming.EventMessageStop, tail[2].Type)
}

func TestStopSequencesFlushesHeldTextOnOtherEvents(t *testing.T) {
	pctx := &Context{
		Ctx:     context.Background(),
		Request: &claude.MessagesRequest{StopSequences: []string{"END"}},
		Events: eventsFromSlice([]streaming.Event{
			streaming.TextDeltaEvent(0, "EN"),
			streaming.MessageStopEvent(),
		}),
	}

	require.NoError(t, NewStopSequencesProcessor(nil).Process(pctx))
	events := collectEvents(t, pctx.Events)

	require.Len(t, events, 2)
	assert.Equal(t, "EN", events[0].Delta.Text)
	assert.Equal(t, streaming.EventMessageStop, events[1].Type)
}

func TestStopSequencesPassthroughWithoutSequences(t *testing.T) {
	inner := eventsFromSlice([]streaming.Event{streaming.MessageStopEvent()})
	pctx := &Context{
		Ctx:     context.Background(),
		Request: &claude.MessagesRequest{},
		Events:  inner,
	}

	require.NoError(t, NewStopSequencesProcessor(nil).Process(pctx))
	events := collectEvents(t, pctx.Events)
	assert.Len(t, events, 1)
}

func TestToolCallEventParksStream(t *testing.T) {
	cfg := config.DefaultConfig()
	registry := toolcall.NewRegistry(cfg)

	upstream := []streaming.Event{
		{Type: streaming.EventContentBlockStart, Index: 1, ContentBlock: &claude.ContentBlock{
			Type: claude.BlockToolUse, ID: "toolu_1", Name: "get_weather",
		}},
		{Type: streaming.EventContentBlockDelta, Index: 1, Delta: &streaming.Delta{
			Type: streaming.DeltaInputJSON, PartialJSON: `{"city":"Oslo"}`,
		}},
		streaming.ContentBlockStopEvent(1),
	}
	pulls := 0
	inner := func() (streaming.Event, error) {
		if pulls >= len(upstream) {
			t.Fatal("stream pulled past the tool use block")
		}
		ev := upstream[pulls]
		pulls++
		return ev, nil
	}

	pctx := &Context{
		Ctx:       context.Background(),
		Session:   &session.Session{ID: "sess-1"},
		Collected: &claude.Message{ID: "msg_7"},
		Events:    inner,
	}
	require.NoError(t, NewToolCallEventProcessor(registry).Process(pctx))
	events := collectEvents(t, pctx.Events)

	require.Len(t, events, 5)
	assert.Equal(t, streaming.EventMessageDelta, events[3].Type)
	assert.Equal(t, "tool_use", events[3].Delta.StopReason)
	assert.Equal(t, streaming.EventMessageStop, events[4].Type)

	state, ok := registry.Get("toolu_1")
	require.True(t, ok)
	assert.Equal(t, "sess-1", state.SessionID)
	assert.Equal(t, "msg_7", state.MessageID)
}

func TestToolCallEventSuppressesToolResultBlocks(t *testing.T) {
	cfg := config.DefaultConfig()
	registry := toolcall.NewRegistry(cfg)

	pctx := &Context{
		Ctx:     context.Background(),
		Session: &session.Session{ID: "sess-1"},
		Events: eventsFromSlice([]streaming.Event{
			{Type: streaming.EventContentBlockStart, Index: 0, ContentBlock: &claude.ContentBlock{
				Type: claude.BlockToolResult, ToolUseID: "toolu_1",
			}},
			streaming.TextDeltaEvent(0, "result text"),
			streaming.ContentBlockStopEvent(0),
			streaming.MessageStopEvent(),
		}),
	}
	require.NoError(t, NewToolCallEventProcessor(registry).Process(pctx))
	events := collectEvents(t, pctx.Events)

	require.Len(t, events, 1)
	assert.Equal(t, streaming.EventMessageStop, events[0].Type)
}

func TestMessageCollectorAssemblesMessage(t *testing.T) {
	pctx := &Context{
		Ctx: context.Background(),
		Events: eventsFromSlice([]streaming.Event{
			streaming.MessageStartEvent(&claude.Message{
				ID: "msg_1", Type: "message", Role: claude.RoleAssistant,
				Usage: &claude.Usage{InputTokens: 10, OutputTokens: 1},
			}),
			{Type: streaming.EventContentBlockStart, Index: 0, ContentBlock: &claude.ContentBlock{Type: claude.BlockText}},
			streaming.TextDeltaEvent(0, "Hel"),
			streaming.TextDeltaEvent(0, "lo"),
			streaming.ContentBlockStopEvent(0),
			{Type: streaming.EventContentBlockStart, Index: 1, ContentBlock: &claude.ContentBlock{
				Type: claude.BlockToolUse, ID: "toolu_1", Name: "search",
			}},
			{Type: streaming.EventContentBlockDelta, Index: 1, Delta: &streaming.Delta{
				Type: streaming.DeltaInputJSON, PartialJSON: `{'query': `,
			}},
			{Type: streaming.EventContentBlockDelta, Index: 1, Delta: &streaming.Delta{
				Type: streaming.DeltaInputJSON, PartialJSON: `'golang'}`,
			}},
			streaming.ContentBlockStopEvent(1),
			streaming.MessageDeltaEvent("tool_use", "", &claude.Usage{OutputTokens: 42}),
			streaming.MessageStopEvent(),
		}),
	}

	require.NoError(t, NewMessageCollectorProcessor().Process(pctx))
	events := collectEvents(t, pctx.Events)
	assert.Len(t, events, 11)

	collected := pctx.Collected
	require.NotNil(t, collected)
	assert.Equal(t, "msg_1", collected.ID)
	require.Len(t, collected.Content, 2)
	assert.Equal(t, "Hello", collected.Content[0].Text)
	assert.Equal(t, map[string]any{"query": "golang"}, collected.Content[1].Input)
	assert.Equal(t, "tool_use", collected.StopReason)
	assert.Equal(t, 10, collected.Usage.InputTokens)
	assert.Equal(t, 42, collected.Usage.OutputTokens)
}

func TestTokenCounterFillsMissingUsage(t *testing.T) {
	cfg := config.DefaultConfig()
	merger := messages.NewMerger(cfg, httpclient.New(cfg))

	processor := NewTokenCounterProcessor(merger)
	processor.countFunc = func(s string) int { return len(s) }

	collected := &claude.Message{Content: []claude.ContentBlock{{Type: claude.BlockText, Text: "hi"}}}
	assistantTurn := claude.InputMessage{Role: claude.RoleAssistant, Content: claude.ContentList(collected.Content)}
	renderedOutput, _, err := merger.Merge(context.Background(), []claude.InputMessage{assistantTurn}, nil)
	require.NoError(t, err)

	rawStart := json.RawMessage(`{"type":"message_start"}`)
	pctx := &Context{
		Ctx: context.Background(),
		Request: &claude.MessagesRequest{
			Messages: []claude.InputMessage{
				{Role: claude.RoleUser, Content: claude.ContentList{{Type: claude.BlockText, Text: "hello"}}},
			},
		},
		Collected: collected,
		Events: eventsFromSlice([]streaming.Event{
			{Type: streaming.EventMessageStart, Message: &claude.Message{ID: "msg_1"}, Raw: rawStart},
			{Type: streaming.EventMessageDelta, Delta: &streaming.Delta{StopReason: "end_turn"}},
		}),
	}

	require.NoError(t, processor.Process(pctx))
	events := collectEvents(t, pctx.Events)
	require.Len(t, events, 2)

	start := events[0]
	require.NotNil(t, start.Message.Usage)
	assert.Equal(t, len("hello"), start.Message.Usage.InputTokens)
	assert.Equal(t, 1, start.Message.Usage.OutputTokens)
	assert.Nil(t, start.Raw)

	delta := events[1]
	require.NotNil(t, delta.Usage)
	assert.Equal(t, len("hello"), delta.Usage.InputTokens)
	assert.Equal(t, len(renderedOutput), delta.Usage.OutputTokens)
}

func TestTokenCounterKeepsUpstreamUsage(t *testing.T) {
	cfg := config.DefaultConfig()
	merger := messages.NewMerger(cfg, httpclient.New(cfg))

	processor := NewTokenCounterProcessor(merger)
	processor.countFunc = func(string) int { return 99 }

	raw := json.RawMessage(`{"type":"message_delta","usage":{"input_tokens":3,"output_tokens":7}}`)
	pctx := &Context{
		Ctx:     context.Background(),
		Request: &claude.MessagesRequest{},
		Events: eventsFromSlice([]streaming.Event{
			{Type: streaming.EventMessageDelta, Usage: &claude.Usage{InputTokens: 3, OutputTokens: 7}, Raw: raw},
		}),
	}

	require.NoError(t, processor.Process(pctx))
	events := collectEvents(t, pctx.Events)

	assert.Equal(t, 7, events[0].Usage.OutputTokens)
	assert.NotNil(t, events[0].Raw)
}

func TestToolResultIgnoresUnregisteredCalls(t *testing.T) {
	cfg := config.DefaultConfig()
	registry := toolcall.NewRegistry(cfg)
	sessions := session.NewManager(cfg, account.NewManager(cfg, nil), httpclient.New(cfg))

	pctx := &Context{
		Ctx: context.Background(),
		Request: &claude.MessagesRequest{
			Messages: []claude.InputMessage{
				{Role: claude.RoleUser, Content: claude.ContentList{
					{Type: claude.BlockToolResult, ToolUseID: "toolu_unknown", Content: json.RawMessage(`"ok"`)},
				}},
			},
		},
	}

	require.NoError(t, NewToolResultProcessor(registry, sessions).Process(pctx))
	assert.Nil(t, pctx.RawStream)
	assert.Nil(t, pctx.Session)
}

func TestToolResultMissingSessionCompletesCall(t *testing.T) {
	cfg := config.DefaultConfig()
	registry := toolcall.NewRegistry(cfg)
	sessions := session.NewManager(cfg, account.NewManager(cfg, nil), httpclient.New(cfg))
	registry.Register("toolu_1", "gone-session", "msg_1")

	pctx := &Context{
		Ctx: context.Background(),
		Request: &claude.MessagesRequest{
			Messages: []claude.InputMessage{
				{Role: claude.RoleUser, Content: claude.ContentList{
					{Type: claude.BlockToolResult, ToolUseID: "toolu_1", Content: json.RawMessage(`"done"`)},
				}},
			},
		},
	}

	require.NoError(t, NewToolResultProcessor(registry, sessions).Process(pctx))
	assert.Nil(t, pctx.RawStream)

	_, ok := registry.Get("toolu_1")
	assert.False(t, ok)
}

func TestToolResultPayloadNormalizesStringContent(t *testing.T) {
	isError := true
	block := &claude.ContentBlock{
		Type:      claude.BlockToolResult,
		ToolUseID: "toolu_1",
		Content:   json.RawMessage(`"plain result"`),
		IsError:   &isError,
	}

	payload := toolResultPayload(block)
	assert.Equal(t, "tool_result", payload["type"])
	assert.Equal(t, "toolu_1", payload["tool_use_id"])
	assert.Equal(t, true, payload["is_error"])

	var blocks []claude.ContentBlock
	require.NoError(t, json.Unmarshal(payload["content"].(json.RawMessage), &blocks))
	require.Len(t, blocks, 1)
	assert.Equal(t, "plain result", blocks[0].Text)
}
