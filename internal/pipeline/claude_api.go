package pipeline

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/clove-proxy/clove/internal/account"
	"github.com/clove-proxy/clove/internal/cache"
	"github.com/clove-proxy/clove/internal/claude"
	"github.com/clove-proxy/clove/internal/config"
	"github.com/clove-proxy/clove/internal/errdefs"
	"github.com/clove-proxy/clove/internal/httpclient"
)

const systemInjectionText = "You are Claude Code, Anthropic's official CLI for Claude."

// ClaudeAPIProcessor is the preferred path: it forwards the request to the
// Anthropic Messages API with an account's OAuth token and passes the
// response through untouched. Prompt-cache checkpoints steer repeat prefixes
// back to the account that served them. When no OAuth account fits, the
// request falls through to the web path.
type ClaudeAPIProcessor struct {
	cfg       *config.Config
	pool      *account.Manager
	transport *httpclient.Client
	cache     *cache.Registry
}

func NewClaudeAPIProcessor(cfg *config.Config, pool *account.Manager, transport *httpclient.Client, cacheRegistry *cache.Registry) *ClaudeAPIProcessor {
	return &ClaudeAPIProcessor{cfg: cfg, pool: pool, transport: transport, cache: cacheRegistry}
}

func (p *ClaudeAPIProcessor) Name() string { return "ClaudeAPIProcessor" }

func (p *ClaudeAPIProcessor) Process(pctx *Context) error {
	if pctx.Response != nil {
		log.Debug("skipping ClaudeAPIProcessor due to existing response")
		return nil
	}
	request := pctx.Request
	if request == nil {
		log.Warn("skipping ClaudeAPIProcessor due to missing request")
		return nil
	}

	stickyID, checkpoints := p.cache.ProcessMessages(request.Model, request.Messages, request.System)

	acct, err := p.selectAccount(request.Model, stickyID)
	if err != nil {
		if errdefs.IsNoAccountsAvailable(err) {
			log.Debug("no accounts available for Claude API, continuing pipeline")
			return nil
		}
		return err
	}

	borrowed := p.pool.Borrow(acct)
	err = p.forward(pctx, borrowed, checkpoints)
	if err != nil {
		borrowed.Release(err)
		if errdefs.IsInvalidModelName(err) {
			log.Debug("model rejected by Claude API, continuing pipeline")
			return nil
		}
		return err
	}
	return nil
}

// selectAccount prefers the cache-sticky account when it is still usable.
func (p *ClaudeAPIProcessor) selectAccount(model, stickyID string) (*account.Account, error) {
	if stickyID != "" {
		if acct, ok := p.pool.GetByID(stickyID); ok &&
			acct.Status == account.StatusValid && acct.HasOAuth() {
			log.Debugf("using cache-sticky account %.8s...", stickyID)
			return acct, nil
		}
	}

	var isMax *bool
	if p.cfg.IsMaxModel(model) {
		t := true
		isMax = &t
	}
	return p.pool.GetForOAuth(nil, isMax)
}

func (p *ClaudeAPIProcessor) forward(pctx *Context, borrowed *account.Borrowed, checkpoints []string) error {
	request := pctx.Request
	acct := borrowed.Account()
	injectSystemMessage(request)

	body, err := json.Marshal(request)
	if err != nil {
		return errdefs.Internal()
	}

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+acct.OAuthToken.AccessToken)
	headers.Set("anthropic-beta", "oauth-2025-04-20")
	headers.Set("anthropic-version", "2023-06-01")
	headers.Set("Content-Type", "application/json")

	url := p.cfg.ClaudeAPIBaseURL + "/v1/messages"
	resp, err := p.transport.Do(pctx.Ctx, http.MethodPost, url, httpclient.Options{
		Headers: headers,
		Body:    body,
		Stream:  true,
	})
	if err != nil {
		return errdefs.ClaudeHTTP(url, 503, "ConnectionError", err.Error())
	}

	resetsAt := parseUnifiedReset(resp.Header.Get("anthropic-ratelimit-unified-reset"))

	if resp.StatusCode == http.StatusTooManyRequests {
		_, _ = httpclient.ReadAll(resp)
		if resetsAt.IsZero() {
			resetsAt = time.Now().UTC().Truncate(time.Hour).Add(time.Hour)
		}
		return errdefs.ClaudeRateLimited(resetsAt)
	}

	if resp.StatusCode >= 400 {
		errorBody, _ := httpclient.ReadAll(resp)
		errorMessage := gjson.GetBytes(errorBody, "error.message").String()
		errorType := gjson.GetBytes(errorBody, "error.type").String()

		switch {
		case resp.StatusCode == http.StatusBadRequest && errorMessage == "system: Invalid model name":
			return errdefs.InvalidModelName(request.Model)
		case resp.StatusCode == http.StatusUnauthorized &&
			strings.Contains(errorMessage, "OAuth authentication is currently not allowed"):
			return errdefs.OAuthNotAllowed()
		}
		log.Errorf("Claude API error: %d - %s", resp.StatusCode, errorBody)
		if errorType == "" {
			errorType = "unknown"
		}
		if errorMessage == "" {
			errorMessage = "Unknown error"
		}
		return errdefs.ClaudeHTTP(url, resp.StatusCode, errorType, errorMessage)
	}

	borrowed.Release(nil)
	p.cache.AddCheckpoints(checkpoints, acct.OrganizationUUID)

	pctx.Response = &PassthroughResponse{
		StatusCode: resp.StatusCode,
		Headers:    resp.Header,
		Body:       resp.Body,
	}
	pctx.StopPipeline()
	log.Info("successfully processed request via Claude API")
	return nil
}

// injectSystemMessage prepends the CLI system message unless the request
// already leads with it.
func injectSystemMessage(request *claude.MessagesRequest) {
	if len(request.System) > 0 && request.System[0].Text == systemInjectionText {
		log.Debug("system message already exists, skipping injection")
		return
	}
	injected := claude.ContentList{{Type: claude.BlockText, Text: systemInjectionText}}
	request.System = append(injected, request.System...)
}

func parseUnifiedReset(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	unix, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		log.Errorf("invalid anthropic-ratelimit-unified-reset header: %q", value)
		return time.Time{}
	}
	return time.Unix(unix, 0).UTC()
}
