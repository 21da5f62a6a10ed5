package streaming

import (
	"strings"

	log "github.com/sirupsen/logrus"
)

// Parser turns SSE text chunks into events. It is push-driven: Feed returns
// the events completed by a chunk, Flush drains whatever is left when the
// stream ends.
type Parser struct {
	// SkipUnknown drops events whose payload does not parse into the
	// supported union instead of forwarding them as Unknown.
	SkipUnknown bool

	buffer strings.Builder
}

// NewParser returns a parser that drops unknown events.
func NewParser() *Parser {
	return &Parser{SkipUnknown: true}
}

// Feed appends chunk to the buffer and returns every completed event.
// An SSE message ends at a blank line.
func (p *Parser) Feed(chunk string) []Event {
	p.buffer.WriteString(chunk)
	return p.drain()
}

// Flush processes any incomplete trailing message. Called at stream end.
func (p *Parser) Flush() []Event {
	remainder := p.buffer.String()
	if strings.TrimSpace(remainder) == "" {
		p.buffer.Reset()
		return nil
	}
	preview := remainder
	if len(preview) > 100 {
		preview = preview[:100]
	}
	log.Warnf("flushing incomplete SSE buffer: %s...", preview)
	p.buffer.WriteString("\n\n")
	return p.drain()
}

func (p *Parser) drain() []Event {
	content := p.buffer.String()
	var events []Event
	for {
		idx := strings.Index(content, "\n\n")
		if idx < 0 {
			break
		}
		message := content[:idx]
		content = content[idx+2:]

		eventName, data := parseSSEMessage(message)
		if data == "" {
			continue
		}
		ev, ok := p.decode(eventName, data)
		if ok {
			events = append(events, ev)
		}
	}
	p.buffer.Reset()
	p.buffer.WriteString(content)
	return events
}

func (p *Parser) decode(eventName, data string) (Event, bool) {
	ev := DecodeEvent(eventName, []byte(data))
	if ev.Unknown {
		if p.SkipUnknown {
			log.Debugf("skipping unknown event: %s", eventName)
			return Event{}, false
		}
		log.Warnf("unrecognized streaming event %q, passing through raw", ev.Type)
	}
	return ev, true
}

// parseSSEMessage splits one SSE message into its event name and joined
// data payload. Unrecognized fields and comments are ignored.
func parseSSEMessage(message string) (eventName, data string) {
	var dataLines []string
	for _, line := range strings.Split(message, "\n") {
		if line == "" {
			continue
		}
		field := line
		value := ""
		if idx := strings.Index(line, ":"); idx >= 0 {
			field = line[:idx]
			value = strings.TrimPrefix(line[idx+1:], " ")
		}
		switch field {
		case "event":
			eventName = value
		case "data":
			dataLines = append(dataLines, value)
		}
	}
	return eventName, strings.Join(dataLines, "\n")
}
