package pipeline

import (
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/sjson"

	"github.com/clove-proxy/clove/internal/streaming"
)

// ModelInjectorProcessor fills in message_start.message.model when upstream
// leaves it empty, echoing the model the client asked for.
type ModelInjectorProcessor struct{}

func NewModelInjectorProcessor() *ModelInjectorProcessor { return &ModelInjectorProcessor{} }

func (p *ModelInjectorProcessor) Name() string { return "ModelInjectorProcessor" }

func (p *ModelInjectorProcessor) Process(pctx *Context) error {
	if pctx.Events == nil {
		log.Warn("skipping ModelInjectorProcessor due to missing event stream")
		return nil
	}
	if pctx.Request == nil {
		log.Warn("skipping ModelInjectorProcessor due to missing request")
		return nil
	}

	model := pctx.Request.Model
	pctx.Events = mapEvents(pctx.Events, func(ev *streaming.Event) {
		if ev.Type != streaming.EventMessageStart || ev.Message == nil {
			return
		}
		if ev.Message.Model != "" {
			log.Debugf("message_start already has model: %q", ev.Message.Model)
			return
		}
		ev.Message.Model = model
		if ev.Raw != nil {
			// Patch the raw payload in place so unrecognized upstream
			// fields still pass through verbatim.
			patched, err := sjson.SetBytes(ev.Raw, "message.model", model)
			if err == nil {
				ev.Raw = patched
			} else {
				ev.Raw = nil
			}
		}
		log.Debugf("injected model %q into message_start", model)
	})
	return nil
}
