package pipeline

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
	log "github.com/sirupsen/logrus"

	"github.com/clove-proxy/clove/internal/claude"
	"github.com/clove-proxy/clove/internal/messages"
	"github.com/clove-proxy/clove/internal/streaming"
)

// TokenCounterProcessor fills in token usage when upstream events omit it.
// Counts are estimates from a local tokenizer, not billing-grade numbers.
type TokenCounterProcessor struct {
	merger *messages.Merger

	countFunc func(string) int
	initOnce  sync.Once
}

func NewTokenCounterProcessor(merger *messages.Merger) *TokenCounterProcessor {
	return &TokenCounterProcessor{merger: merger}
}

func (p *TokenCounterProcessor) Name() string { return "TokenCounterProcessor" }

func (p *TokenCounterProcessor) count(text string) int {
	p.initOnce.Do(func() {
		if p.countFunc != nil {
			return
		}
		encoding, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			log.Warnf("tokenizer unavailable, falling back to length estimate: %v", err)
			p.countFunc = func(s string) int { return len(s) / 4 }
			return
		}
		p.countFunc = func(s string) int {
			return len(encoding.Encode(s, nil, nil))
		}
	})
	return p.countFunc(text)
}

func (p *TokenCounterProcessor) Process(pctx *Context) error {
	if pctx.Events == nil {
		log.Warn("skipping TokenCounterProcessor due to missing event stream")
		return nil
	}
	if pctx.Request == nil {
		log.Warn("skipping TokenCounterProcessor due to missing request")
		return nil
	}

	inputTokens := p.countInput(pctx)
	log.Debugf("estimated input tokens: %d", inputTokens)

	pctx.Events = mapEvents(pctx.Events, func(ev *streaming.Event) {
		switch ev.Type {
		case streaming.EventMessageStart:
			if ev.Message == nil || ev.Message.Usage != nil {
				return
			}
			ev.Message.Usage = &claude.Usage{InputTokens: inputTokens, OutputTokens: 1}
			ev.Raw = nil
			if pctx.Collected != nil && pctx.Collected.Usage == nil {
				u := *ev.Message.Usage
				pctx.Collected.Usage = &u
			}
		case streaming.EventMessageDelta:
			if ev.Usage != nil {
				return
			}
			ev.Usage = &claude.Usage{
				InputTokens:  inputTokens,
				OutputTokens: p.countOutput(pctx),
			}
			ev.Raw = nil
			if pctx.Collected != nil {
				u := *ev.Usage
				pctx.Collected.Usage = &u
			}
		}
	})
	return nil
}

// countInput estimates the prompt size by rendering the request the same way
// it is sent to the web interface.
func (p *TokenCounterProcessor) countInput(pctx *Context) int {
	merged, _, err := p.merger.Merge(pctx.Ctx, pctx.Request.Messages, pctx.Request.System)
	if err != nil {
		log.Debugf("input token estimate unavailable: %v", err)
		return 0
	}
	return p.count(merged)
}

// countOutput estimates the response size from the message collected so far.
func (p *TokenCounterProcessor) countOutput(pctx *Context) int {
	if pctx.Collected == nil {
		return 0
	}
	turn := claude.InputMessage{
		Role:    claude.RoleAssistant,
		Content: claude.ContentList(pctx.Collected.Content),
	}
	merged, _, err := p.merger.Merge(pctx.Ctx, []claude.InputMessage{turn}, nil)
	if err != nil {
		log.Debugf("output token estimate unavailable: %v", err)
		return 0
	}
	return p.count(merged)
}
