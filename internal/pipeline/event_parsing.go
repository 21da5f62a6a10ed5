package pipeline

import (
	"io"

	log "github.com/sirupsen/logrus"

	"github.com/clove-proxy/clove/internal/streaming"
)

// EventParsingProcessor layers the typed event view over the raw SSE
// stream. Decoding is lazy: chunks are pulled and fed to the parser only
// when a downstream consumer asks for the next event.
type EventParsingProcessor struct{}

func NewEventParsingProcessor() *EventParsingProcessor { return &EventParsingProcessor{} }

func (p *EventParsingProcessor) Name() string { return "EventParsingProcessor" }

func (p *EventParsingProcessor) Process(pctx *Context) error {
	if pctx.Events != nil {
		log.Debug("skipping EventParsingProcessor due to existing event stream")
		return nil
	}
	if pctx.RawStream == nil {
		log.Warn("skipping EventParsingProcessor due to missing upstream stream")
		return nil
	}

	log.Debug("starting event parsing from SSE stream")
	pctx.Events = parseEvents(pctx.RawStream)
	return nil
}

func parseEvents(lines LineStream) EventStream {
	parser := streaming.NewParser()
	var pending []streaming.Event
	done := false

	return func() (streaming.Event, error) {
		for {
			if len(pending) > 0 {
				ev := pending[0]
				pending = pending[1:]
				return ev, nil
			}
			if done {
				return streaming.Event{}, io.EOF
			}
			chunk, ok := lines()
			if !ok {
				done = true
				pending = parser.Flush()
				continue
			}
			pending = parser.Feed(chunk)
		}
	}
}
