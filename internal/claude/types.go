// Package claude defines the Anthropic Messages API data model used on both
// sides of the proxy: inbound client requests and the assistant messages
// assembled from upstream streams.
package claude

import (
	"encoding/json"
	"fmt"
)

// Roles accepted in inbound messages.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Content block discriminators.
const (
	BlockText                = "text"
	BlockImage               = "image"
	BlockThinking            = "thinking"
	BlockToolUse             = "tool_use"
	BlockToolResult          = "tool_result"
	BlockServerToolUse       = "server_tool_use"
	BlockWebSearchToolResult = "web_search_tool_result"
)

// ImageSource identifies an image by inline data, URL, or uploaded file.
type ImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
	FileUUID  string `json:"file_uuid,omitempty"`
}

// ContentBlock is the single concrete representation of every block kind;
// Type selects which fields are meaningful.
type ContentBlock struct {
	Type string `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// image
	Source *ImageSource `json:"source,omitempty"`

	// thinking
	Thinking  string `json:"thinking,omitempty"`
	Signature string `json:"signature,omitempty"`

	// tool_use / server_tool_use
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// tool_result / web_search_tool_result. Content is either a plain
	// string or a list of nested blocks; it stays raw until needed.
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   *bool           `json:"is_error,omitempty"`

	// Prompt caching annotation, carried through untouched.
	CacheControl json.RawMessage `json:"cache_control,omitempty"`
}

// ResultText flattens a tool_result's content into text. Nested non-text
// blocks are skipped.
func (b *ContentBlock) ResultText() string {
	if len(b.Content) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(b.Content, &s); err == nil {
		return s
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(b.Content, &blocks); err != nil {
		return ""
	}
	var out string
	for _, nested := range blocks {
		if nested.Type == BlockText {
			out += nested.Text
		}
	}
	return out
}

// ContentList is a message body: a list of blocks, accepting the string
// shorthand on the wire and normalising it to a single text block.
type ContentList []ContentBlock

func (c *ContentList) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*c = ContentList{{Type: BlockText, Text: s}}
		return nil
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(data, &blocks); err != nil {
		return fmt.Errorf("content must be a string or a block list: %w", err)
	}
	*c = blocks
	return nil
}

// InputMessage is one turn of an inbound conversation.
type InputMessage struct {
	Role    string      `json:"role"`
	Content ContentList `json:"content"`
}

// ThinkingOptions controls extended thinking.
type ThinkingOptions struct {
	Type         string `json:"type"`
	BudgetTokens int    `json:"budget_tokens,omitempty"`
}

// ToolChoice mirrors the Anthropic tool_choice field.
type ToolChoice struct {
	Type                   string `json:"type"`
	Name                   string `json:"name,omitempty"`
	DisableParallelToolUse *bool  `json:"disable_parallel_tool_use,omitempty"`
}

// Tool is a client-declared tool definition. The schema passes through
// unparsed.
type Tool struct {
	Name        string          `json:"name"`
	InputSchema json.RawMessage `json:"input_schema"`
	Description string          `json:"description,omitempty"`
}

// ServerToolUsage counts server-side tool invocations.
type ServerToolUsage struct {
	WebSearchRequests *int `json:"web_search_requests,omitempty"`
}

// Usage is the token accounting block of a message.
type Usage struct {
	InputTokens              int              `json:"input_tokens"`
	OutputTokens             int              `json:"output_tokens"`
	CacheCreationInputTokens int              `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int              `json:"cache_read_input_tokens,omitempty"`
	ServerToolUse            *ServerToolUsage `json:"server_tool_use,omitempty"`
}

// MessagesRequest is the inbound POST /v1/messages body.
type MessagesRequest struct {
	Model         string           `json:"model"`
	Messages      []InputMessage   `json:"messages"`
	MaxTokens     int              `json:"max_tokens"`
	System        ContentList      `json:"system,omitempty"`
	Temperature   *float64         `json:"temperature,omitempty"`
	TopP          *float64         `json:"top_p,omitempty"`
	TopK          *int             `json:"top_k,omitempty"`
	StopSequences []string         `json:"stop_sequences,omitempty"`
	Stream        bool             `json:"stream,omitempty"`
	Metadata      map[string]any   `json:"metadata,omitempty"`
	Thinking      *ThinkingOptions `json:"thinking,omitempty"`
	ToolChoice    *ToolChoice      `json:"tool_choice,omitempty"`
	Tools         []Tool           `json:"tools,omitempty"`
}

// Message is an assistant response message.
type Message struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"`
	Role         string         `json:"role"`
	Content      []ContentBlock `json:"content"`
	Model        string         `json:"model"`
	StopReason   string         `json:"stop_reason,omitempty"`
	StopSequence string         `json:"stop_sequence,omitempty"`
	Usage        *Usage         `json:"usage,omitempty"`
}
