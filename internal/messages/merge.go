// Package messages flattens an Anthropic-style message list into the single
// prompt string Claude.ai's chat endpoint expects, extracting images along
// the way. Role prefixes and tool markup carry a backspace escape so the
// web frontend does not re-interpret them.
package messages

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/clove-proxy/clove/internal/claude"
	"github.com/clove-proxy/clove/internal/config"
	"github.com/clove-proxy/clove/internal/httpclient"
)

// Merger renders conversations to prompt text. The transport is only used
// when external image URLs are allowed and need downloading.
type Merger struct {
	cfg       *config.Config
	transport *httpclient.Client
}

// NewMerger builds a merger over the shared transport.
func NewMerger(cfg *config.Config, transport *httpclient.Client) *Merger {
	return &Merger{cfg: cfg, transport: transport}
}

// Merge flattens messages (and an optional system preamble) into one prompt
// string plus the inline images encountered on the way.
func (m *Merger) Merge(ctx context.Context, msgs []claude.InputMessage, system claude.ContentList) (string, []claude.ImageSource, error) {
	var sb strings.Builder
	for i, block := range system {
		if i > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(block.Text)
	}
	merged := sb.String()

	humanPrefix := m.cfg.HumanName + ": "
	assistantPrefix := m.cfg.AssistantName + ": "
	if m.cfg.UseRealRoles {
		humanPrefix = "\x08" + humanPrefix
		assistantPrefix = "\x08" + assistantPrefix
	}

	var images []claude.ImageSource
	currentRole := claude.RoleUser

	for _, message := range msgs {
		if message.Role != currentRole {
			merged = strings.TrimSuffix(merged, "\n")
			switch message.Role {
			case claude.RoleUser:
				merged += "\n\n" + humanPrefix
			case claude.RoleAssistant:
				merged += "\n\n" + assistantPrefix
			}
		}
		currentRole = message.Role

		for i := range message.Content {
			block := &message.Content[i]
			switch block.Type {
			case claude.BlockText:
				merged += block.Text + "\n"
			case claude.BlockThinking:
				merged += "<\x08antml:thinking>\n" + block.Thinking + "\n</\x08antml:thinking>\n"
			case claude.BlockToolUse, claude.BlockServerToolUse:
				merged += renderToolUse(block)
			case claude.BlockToolResult:
				text, resultImages, err := m.renderToolResult(ctx, block)
				if err != nil {
					return "", nil, err
				}
				images = append(images, resultImages...)
				merged += "<function_results>" + text + "</function_results>"
			case claude.BlockImage:
				source, err := m.resolveImage(ctx, block.Source)
				if err != nil {
					return "", nil, err
				}
				if source != nil {
					images = append(images, *source)
				}
			}
		}
		merged = strings.TrimSuffix(merged, "\n")
	}

	return merged, images, nil
}

func renderToolUse(block *claude.ContentBlock) string {
	var sb strings.Builder
	sb.WriteString("<\x08antml:function_calls>\n")
	sb.WriteString(fmt.Sprintf("<\x08antml:invoke name=%q>\n", block.Name))

	keys := make([]string, 0, len(block.Input))
	for key := range block.Input {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		sb.WriteString(fmt.Sprintf("<\x08antml:parameter name=%q>%s</\x08antml:parameter>\n",
			key, renderValue(block.Input[key])))
	}
	sb.WriteString("</\x08antml:invoke>\n</\x08antml:function_calls>\n")
	return sb.String()
}

// renderValue prints a tool parameter: strings verbatim, everything else as
// JSON.
func renderValue(value any) string {
	if s, ok := value.(string); ok {
		return s
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Sprintf("%v", value)
	}
	return string(encoded)
}

func (m *Merger) renderToolResult(ctx context.Context, block *claude.ContentBlock) (string, []claude.ImageSource, error) {
	if len(block.Content) == 0 {
		return "", nil, nil
	}

	var plain string
	if err := json.Unmarshal(block.Content, &plain); err == nil {
		return plain, nil, nil
	}

	var nested []claude.ContentBlock
	if err := json.Unmarshal(block.Content, &nested); err != nil {
		return "", nil, nil
	}

	var text string
	var images []claude.ImageSource
	for i := range nested {
		inner := &nested[i]
		switch inner.Type {
		case claude.BlockText:
			text += inner.Text + "\n"
		case claude.BlockImage:
			source, err := m.resolveImage(ctx, inner.Source)
			if err != nil {
				return "", nil, err
			}
			if source != nil {
				images = append(images, *source)
				if inner.Source != nil && inner.Source.Type == "url" {
					text += "(image attached)\n"
				}
			}
		}
		text = strings.TrimSuffix(text, "\n")
	}
	return text, images, nil
}

// resolveImage normalises an image source to inline base64 data. Returns
// nil for sources that should be silently skipped.
func (m *Merger) resolveImage(ctx context.Context, source *claude.ImageSource) (*claude.ImageSource, error) {
	if source == nil {
		return nil, nil
	}
	switch source.Type {
	case "base64":
		return source, nil
	case "url":
		return m.extractImageFromURL(ctx, source.URL)
	}
	log.Warnf("unsupported image source type: %s, skipping image", source.Type)
	return nil, nil
}
