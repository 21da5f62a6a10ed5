package pipeline

import (
	"io"

	"github.com/clove-proxy/clove/internal/streaming"
)

// LineStream is a pull-based source of SSE text chunks. The second return
// is false once the stream is exhausted. Pull-based delivery matters for
// tool-call pauses: a chunk is only taken from the underlying session when
// a consumer asks for it, so an abandoned wrapper never strands data.
type LineStream func() (string, bool)

// linesFromChannel adapts a session's line channel.
func linesFromChannel(ch <-chan string) LineStream {
	return func() (string, bool) {
		line, ok := <-ch
		return line, ok
	}
}

// prependChunk yields head once, then reads from ch.
func prependChunk(head string, ch <-chan string) LineStream {
	sent := false
	return func() (string, bool) {
		if !sent {
			sent = true
			return head, true
		}
		line, ok := <-ch
		return line, ok
	}
}

// EventStream is a pull-based source of typed events, ending with io.EOF.
type EventStream func() (streaming.Event, error)

// eventsFromSlice replays a fixed event sequence.
func eventsFromSlice(events []streaming.Event) EventStream {
	i := 0
	return func() (streaming.Event, error) {
		if i >= len(events) {
			return streaming.Event{}, io.EOF
		}
		ev := events[i]
		i++
		return ev, nil
	}
}

// mapEvents wraps inner, applying fn to every event in place.
func mapEvents(inner EventStream, fn func(*streaming.Event)) EventStream {
	return func() (streaming.Event, error) {
		ev, err := inner()
		if err != nil {
			return ev, err
		}
		fn(&ev)
		return ev, nil
	}
}

// drainEvents consumes the stream to the end, returning the first error
// event seen, if any.
func drainEvents(stream EventStream) (*streaming.ErrorInfo, error) {
	for {
		ev, err := stream()
		if err == io.EOF {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		if ev.Type == streaming.EventError && ev.Error != nil {
			return ev.Error, nil
		}
	}
}
