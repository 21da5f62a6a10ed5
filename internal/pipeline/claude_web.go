package pipeline

import (
	"encoding/base64"
	"fmt"
	"math/rand"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/clove-proxy/clove/internal/claude"
	"github.com/clove-proxy/clove/internal/config"
	"github.com/clove-proxy/clove/internal/errdefs"
	"github.com/clove-proxy/clove/internal/messages"
	"github.com/clove-proxy/clove/internal/session"
)

const padAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// ClaudeWebProcessor is the fallback path: it binds the request to a web
// session, collapses the conversation into a single prompt attachment,
// uploads embedded images, and fires the completion request at Claude.ai.
type ClaudeWebProcessor struct {
	cfg      *config.Config
	sessions *session.Manager
	merger   *messages.Merger
}

func NewClaudeWebProcessor(cfg *config.Config, sessions *session.Manager, merger *messages.Merger) *ClaudeWebProcessor {
	return &ClaudeWebProcessor{cfg: cfg, sessions: sessions, merger: merger}
}

func (p *ClaudeWebProcessor) Name() string { return "ClaudeWebProcessor" }

func (p *ClaudeWebProcessor) Process(pctx *Context) error {
	if pctx.RawStream != nil {
		log.Debug("skipping ClaudeWebProcessor due to existing upstream stream")
		return nil
	}
	request := pctx.Request
	if request == nil {
		log.Warn("skipping ClaudeWebProcessor due to missing request")
		return nil
	}

	if pctx.Session == nil {
		if pctx.SessionID == "" {
			pctx.SessionID = fmt.Sprintf("session_%d", time.Now().UnixMilli())
		}
		log.Debugf("creating new session: %s", pctx.SessionID)
		sess, err := p.sessions.GetOrCreate(pctx.SessionID)
		if err != nil {
			return err
		}
		pctx.Session = sess
	}

	if pctx.WebRequest == nil {
		webRequest, err := p.buildWebRequest(pctx)
		if err != nil {
			return err
		}
		pctx.WebRequest = webRequest
	}

	log.Debugf("sending request to Claude.ai for session %s", pctx.Session.ID)
	stream, err := pctx.Session.SendMessage(pctx.Ctx, pctx.WebRequest)
	if err != nil {
		return err
	}
	pctx.RawStream = linesFromChannel(stream)
	return nil
}

func (p *ClaudeWebProcessor) buildWebRequest(pctx *Context) (*claude.WebRequest, error) {
	request := pctx.Request
	if len(request.Messages) == 0 {
		return nil, errdefs.NoValidMessages()
	}

	merged, images, err := p.merger.Merge(pctx.Ctx, request.Messages, request.System)
	if err != nil {
		return nil, err
	}
	if merged == "" {
		return nil, errdefs.NoValidMessages()
	}

	if p.cfg.PadtxtLength > 0 {
		merged = padText(p.cfg.PadTokens, p.cfg.PadtxtLength) + merged
		log.Debugf("added %d padding tokens to the beginning of the message", p.cfg.PadtxtLength)
	}

	fileIDs := []string{}
	for i, image := range images {
		data, err := base64.StdEncoding.DecodeString(image.Data)
		if err != nil {
			log.Errorf("failed to decode image %d: %v", i, err)
			continue
		}
		fileID, err := pctx.Session.UploadFile(pctx.Ctx, data, fmt.Sprintf("image_%d.png", i), image.MediaType)
		if err != nil {
			log.Errorf("failed to upload image %d: %v", i, err)
			continue
		}
		fileIDs = append(fileIDs, fileID)
		log.Debugf("uploaded image %d: %s", i, fileID)
	}

	paprikaMode := ""
	if pctx.Session.Account().IsPro() &&
		request.Thinking != nil && request.Thinking.Type == "enabled" {
		paprikaMode = "extended"
	}
	if err := pctx.Session.SetPaprikaMode(pctx.Ctx, paprikaMode); err != nil {
		return nil, err
	}

	tools := request.Tools
	if tools == nil {
		tools = []claude.Tool{}
	}
	log.Debugf("built web request with %d images", len(fileIDs))
	return &claude.WebRequest{
		MaxTokensToSample: request.MaxTokens,
		Attachments:       []claude.Attachment{claude.TextAttachment(merged)},
		Files:             fileIDs,
		Model:             request.Model,
		RenderingMode:     "messages",
		Prompt:            p.cfg.CustomPrompt,
		Timezone:          "UTC",
		Tools:             tools,
	}, nil
}

// padText draws length characters from the configured padding alphabet.
func padText(tokens []string, length int) string {
	if len(tokens) == 0 {
		tokens = make([]string, len(padAlphabet))
		for i := range padAlphabet {
			tokens[i] = string(padAlphabet[i])
		}
	}
	out := make([]byte, 0, length)
	for i := 0; i < length; i++ {
		out = append(out, tokens[rand.Intn(len(tokens))]...)
	}
	return string(out)
}
