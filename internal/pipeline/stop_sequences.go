package pipeline

import (
	"io"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/clove-proxy/clove/internal/session"
	"github.com/clove-proxy/clove/internal/streaming"
)

// StopSequencesProcessor scans text deltas for client-declared stop
// sequences. Matching is incremental: text that could still be the start of
// a stop sequence is held back until it either completes a match or is
// proven safe to forward.
type StopSequencesProcessor struct {
	sessions *session.Manager
}

func NewStopSequencesProcessor(sessions *session.Manager) *StopSequencesProcessor {
	return &StopSequencesProcessor{sessions: sessions}
}

func (p *StopSequencesProcessor) Name() string { return "StopSequencesProcessor" }

func (p *StopSequencesProcessor) Process(pctx *Context) error {
	if pctx.Events == nil {
		log.Warn("skipping StopSequencesProcessor due to missing event stream")
		return nil
	}
	if pctx.Request == nil {
		log.Warn("skipping StopSequencesProcessor due to missing request")
		return nil
	}
	sequences := pctx.Request.StopSequences
	if len(sequences) == 0 {
		log.Debug("no stop sequences configured, skipping processor")
		return nil
	}

	log.Debugf("setting up stop sequences processing for: %v", sequences)
	pctx.Events = p.scanStream(pctx.Events, sequences, pctx)
	return nil
}

type stopCandidate struct {
	start   int
	matched string
}

func (p *StopSequencesProcessor) scanStream(inner EventStream, sequences []string, pctx *Context) EventStream {
	var buffer string
	var candidates []stopCandidate
	var queue []streaming.Event
	currentIndex := 0
	done := false

	isComplete := func(s string) bool {
		for _, seq := range sequences {
			if s == seq {
				return true
			}
		}
		return false
	}
	couldMatch := func(s string) bool {
		for _, seq := range sequences {
			if strings.HasPrefix(seq, s) {
				return true
			}
		}
		return false
	}

	finish := func(matched string, start int) {
		log.Debugf("stop sequence detected: %q", matched)
		if safe := buffer[:start]; safe != "" {
			queue = append(queue, streaming.TextDeltaEvent(currentIndex, safe))
		}
		queue = append(queue,
			streaming.ContentBlockStopEvent(currentIndex),
			streaming.MessageDeltaEvent("stop_sequence", matched, nil),
			streaming.MessageStopEvent(),
		)
		if pctx.Session != nil {
			p.sessions.Remove(pctx.Session.ID)
		}
		done = true
	}

	consumeText := func(text string) {
		for _, char := range text {
			encoded := string(char)
			buffer += encoded
			// Candidate starts are byte offsets of rune starts, so every
			// buffer slice below lands on a rune boundary.
			pos := len(buffer) - len(encoded)
			candidates = append(candidates, stopCandidate{start: pos})

			extended := candidates[:0]
			for _, cand := range candidates {
				ext := cand.matched + encoded
				if !couldMatch(ext) {
					continue
				}
				if isComplete(ext) {
					finish(ext, cand.start)
					return
				}
				extended = append(extended, stopCandidate{start: cand.start, matched: ext})
			}
			candidates = extended

			safeLength := len(buffer)
			for _, cand := range candidates {
				if cand.start < safeLength {
					safeLength = cand.start
				}
			}
			if safeLength > 0 {
				queue = append(queue, streaming.TextDeltaEvent(currentIndex, buffer[:safeLength]))
				buffer = buffer[safeLength:]
				shifted := candidates[:0]
				for _, cand := range candidates {
					if cand.start-safeLength >= 0 {
						shifted = append(shifted, stopCandidate{start: cand.start - safeLength, matched: cand.matched})
					}
				}
				candidates = shifted
			}
		}
	}

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

			if ev.Type == streaming.EventContentBlockDelta &&
				ev.Delta != nil && ev.Delta.Type == streaming.DeltaText {
				currentIndex = ev.Index
				consumeText(ev.Delta.Text)
				continue
			}

			// Non-text events flush the held-back buffer unconditionally.
			if buffer != "" {
				queue = append(queue, streaming.TextDeltaEvent(currentIndex, buffer))
				buffer = ""
				candidates = nil
			}
			queue = append(queue, ev)
		}
	}
}
