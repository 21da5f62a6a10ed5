package streaming

import (
	"strings"

	log "github.com/sirupsen/logrus"
)

// Serializer renders events back into SSE framing.
type Serializer struct {
	// SkipUnknown drops events that never parsed into the supported union.
	SkipUnknown bool
}

// NewSerializer returns a serializer that drops unknown events.
func NewSerializer() *Serializer {
	return &Serializer{SkipUnknown: true}
}

// Serialize renders one event as "event: type" plus data lines and a blank
// line. Returns "" for dropped events.
func (s *Serializer) Serialize(ev Event) string {
	if ev.Unknown && s.SkipUnknown {
		return ""
	}

	data, err := ev.MarshalData()
	if err != nil {
		log.Errorf("failed to serialize %s event: %v", ev.Type, err)
		return ""
	}

	var b strings.Builder
	if ev.Type != "" {
		b.WriteString("event: ")
		b.WriteString(ev.Type)
		b.WriteString("\n")
	}
	for _, line := range strings.Split(string(data), "\n") {
		b.WriteString("data: ")
		b.WriteString(line)
		b.WriteString("\n")
	}
	b.WriteString("\n")
	return b.String()
}
