// Package streaming implements the typed event layer between Claude's SSE
// wire format and the processor pipeline: a tagged event union, a
// incremental parser, and a serializer that reconstructs SSE framing.
package streaming

import (
	"encoding/json"

	"github.com/tidwall/gjson"

	"github.com/clove-proxy/clove/internal/claude"
)

// Event type discriminators.
const (
	EventMessageStart      = "message_start"
	EventContentBlockStart = "content_block_start"
	EventContentBlockDelta = "content_block_delta"
	EventContentBlockStop  = "content_block_stop"
	EventMessageDelta      = "message_delta"
	EventMessageStop       = "message_stop"
	EventPing              = "ping"
	EventError             = "error"
)

// Delta discriminators inside content_block_delta.
const (
	DeltaText      = "text_delta"
	DeltaInputJSON = "input_json_delta"
	DeltaThinking  = "thinking_delta"
	DeltaSignature = "signature_delta"
)

// Delta covers both content-block deltas and the message_delta body;
// Type is empty for the latter.
type Delta struct {
	Type         string `json:"type,omitempty"`
	Text         string `json:"text,omitempty"`
	PartialJSON  string `json:"partial_json,omitempty"`
	Thinking     string `json:"thinking,omitempty"`
	Signature    string `json:"signature,omitempty"`
	StopReason   string `json:"stop_reason,omitempty"`
	StopSequence string `json:"stop_sequence,omitempty"`
}

// ErrorInfo is the payload of an error event.
type ErrorInfo struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Event is the single concrete event representation. Raw holds the original
// data payload for lossless passthrough; processors that mutate an event
// must clear Raw so serialisation reflects the change.
type Event struct {
	Type         string
	Message      *claude.Message
	Index        int
	ContentBlock *claude.ContentBlock
	Delta        *Delta
	Usage        *claude.Usage
	Error        *ErrorInfo
	Raw          json.RawMessage

	// Unknown is set when the payload did not parse into a known type.
	Unknown bool
}

// Known reports whether the event type belongs to the supported union.
func knownType(t string) bool {
	switch t {
	case EventMessageStart, EventContentBlockStart, EventContentBlockDelta,
		EventContentBlockStop, EventMessageDelta, EventMessageStop,
		EventPing, EventError:
		return true
	}
	return false
}

// DecodeEvent parses one SSE data payload into an Event. eventName is the
// SSE "event" field, used as the type when the payload carries none.
func DecodeEvent(eventName string, data []byte) Event {
	eventType := gjson.GetBytes(data, "type").String()
	if eventType == "" {
		eventType = eventName
	}

	ev := Event{Type: eventType, Raw: append(json.RawMessage(nil), data...)}
	if !knownType(eventType) {
		ev.Unknown = true
		return ev
	}

	var payload struct {
		Message      *claude.Message      `json:"message"`
		Index        int                  `json:"index"`
		ContentBlock *claude.ContentBlock `json:"content_block"`
		Delta        *Delta               `json:"delta"`
		Usage        *claude.Usage        `json:"usage"`
		Error        *ErrorInfo           `json:"error"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		ev.Unknown = true
		return ev
	}
	ev.Message = payload.Message
	ev.Index = payload.Index
	ev.ContentBlock = payload.ContentBlock
	ev.Delta = payload.Delta
	ev.Usage = payload.Usage
	ev.Error = payload.Error
	return ev
}

// MarshalData renders the event's data payload. Events still carrying their
// upstream payload pass through byte-identical.
func (e *Event) MarshalData() ([]byte, error) {
	if e.Raw != nil {
		return e.Raw, nil
	}
	switch e.Type {
	case EventMessageStart:
		return json.Marshal(struct {
			Type    string          `json:"type"`
			Message *claude.Message `json:"message"`
		}{e.Type, e.Message})
	case EventContentBlockStart:
		return json.Marshal(struct {
			Type         string               `json:"type"`
			Index        int                  `json:"index"`
			ContentBlock *claude.ContentBlock `json:"content_block"`
		}{e.Type, e.Index, e.ContentBlock})
	case EventContentBlockDelta:
		return json.Marshal(struct {
			Type  string `json:"type"`
			Index int    `json:"index"`
			Delta *Delta `json:"delta"`
		}{e.Type, e.Index, e.Delta})
	case EventContentBlockStop:
		return json.Marshal(struct {
			Type  string `json:"type"`
			Index int    `json:"index"`
		}{e.Type, e.Index})
	case EventMessageDelta:
		return json.Marshal(struct {
			Type  string        `json:"type"`
			Delta *Delta        `json:"delta"`
			Usage *claude.Usage `json:"usage,omitempty"`
		}{e.Type, e.Delta, e.Usage})
	case EventError:
		return json.Marshal(struct {
			Type  string     `json:"type"`
			Error *ErrorInfo `json:"error"`
		}{e.Type, e.Error})
	default:
		return json.Marshal(struct {
			Type string `json:"type"`
		}{e.Type})
	}
}

// TextDeltaEvent builds a synthetic text delta.
func TextDeltaEvent(index int, text string) Event {
	return Event{
		Type:  EventContentBlockDelta,
		Index: index,
		Delta: &Delta{Type: DeltaText, Text: text},
	}
}

// ContentBlockStopEvent builds a synthetic block terminator.
func ContentBlockStopEvent(index int) Event {
	return Event{Type: EventContentBlockStop, Index: index}
}

// MessageDeltaEvent builds a synthetic message_delta carrying a stop reason.
func MessageDeltaEvent(stopReason, stopSequence string, usage *claude.Usage) Event {
	return Event{
		Type:  EventMessageDelta,
		Delta: &Delta{StopReason: stopReason, StopSequence: stopSequence},
		Usage: usage,
	}
}

// MessageStopEvent builds a synthetic stream terminator.
func MessageStopEvent() Event {
	return Event{Type: EventMessageStop}
}

// MessageStartEvent builds a synthetic message_start around msg.
func MessageStartEvent(msg *claude.Message) Event {
	return Event{Type: EventMessageStart, Message: msg}
}
