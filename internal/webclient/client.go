// Package webclient is a façade over the HTTP transport that understands
// Claude.ai's chat endpoints: conversation CRUD, file upload, streaming
// completion and tool results. Every non-2xx response is classified into
// the error taxonomy; rate-limit and disabled-organisation responses also
// mutate the borrowed account through the pool's release guard.
package webclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/clove-proxy/clove/internal/account"
	"github.com/clove-proxy/clove/internal/claude"
	"github.com/clove-proxy/clove/internal/config"
	"github.com/clove-proxy/clove/internal/errdefs"
	"github.com/clove-proxy/clove/internal/httpclient"
)

const userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"

// Client talks to Claude.ai on behalf of one account.
type Client struct {
	transport *httpclient.Client
	pool      *account.Manager
	account   *account.Account
	endpoint  string
}

// New binds a client to an account. The pool is needed so upstream failures
// can flip the account's status on release.
func New(cfg *config.Config, transport *httpclient.Client, pool *account.Manager, acct *account.Account) *Client {
	return &Client{
		transport: transport,
		pool:      pool,
		account:   acct,
		endpoint:  cfg.ClaudeAIURL,
	}
}

// Account returns the bound account.
func (c *Client) Account() *account.Account {
	return c.account
}

func (c *Client) headers(convUUID string) http.Header {
	h := http.Header{}
	h.Set("Accept", "text/event-stream")
	h.Set("Accept-Language", "en-US,en;q=0.9")
	h.Set("Cache-Control", "no-cache")
	h.Set("Cookie", c.account.CookieValue)
	h.Set("Origin", c.endpoint)
	if convUUID != "" {
		h.Set("Referer", fmt.Sprintf("%s/chat/%s", c.endpoint, convUUID))
	} else {
		h.Set("Referer", c.endpoint+"/new")
	}
	h.Set("User-Agent", userAgent)
	return h
}

// request performs one borrowed call. Non-2xx responses become taxonomy
// errors and are fed to the release guard before returning.
func (c *Client) request(ctx context.Context, method, url, convUUID string, opts httpclient.Options) (*http.Response, error) {
	if opts.Headers == nil {
		opts.Headers = c.headers(convUUID)
	} else {
		base := c.headers(convUUID)
		for key, values := range opts.Headers {
			base[key] = values
		}
		opts.Headers = base
	}

	borrowed := c.pool.Borrow(c.account)
	resp, err := c.transport.Do(ctx, method, url, opts)
	if err != nil {
		err = errdefs.ClaudeHTTP(url, 503, "ConnectionError", err.Error())
		borrowed.Release(err)
		return nil, err
	}

	if resp.StatusCode < 300 {
		borrowed.Release(nil)
		return resp, nil
	}

	err = c.classify(resp, url)
	borrowed.Release(err)
	return nil, err
}

// classify turns an error response into a taxonomy error. The body is
// always drained here.
func (c *Client) classify(resp *http.Response, url string) error {
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusFound {
		return errdefs.CloudflareBlocked()
	}

	body, _ := httpclient.ReadAll(resp)
	errorMessage := gjson.GetBytes(body, "error.message").String()
	errorType := gjson.GetBytes(body, "error.type").String()
	if errorMessage == "" {
		errorMessage = fmt.Sprintf("HTTP %d error with empty response", resp.StatusCode)
		errorType = "empty_response"
	}

	if resp.StatusCode == http.StatusBadRequest && errorMessage == "This organization has been disabled." {
		return errdefs.OrganizationDisabled()
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		// The reset timestamp hides inside a JSON string in error.message.
		if resetsAt := gjson.Get(errorMessage, "resetsAt"); resetsAt.Exists() && resetsAt.Type == gjson.Number {
			resetTime := time.Unix(resetsAt.Int(), 0).UTC()
			log.Errorf("rate limit exceeded, resets at: %s", resetTime)
			return errdefs.ClaudeRateLimited(resetTime)
		}
	}

	return errdefs.ClaudeHTTP(url, resp.StatusCode, errorType, errorMessage)
}

// CreateConversation starts a new chat and returns its UUID and the
// server-assigned paprika mode.
func (c *Client) CreateConversation(ctx context.Context) (string, string, error) {
	url := fmt.Sprintf("%s/api/organizations/%s/chat_conversations", c.endpoint, c.account.OrganizationUUID)
	payload := map[string]string{
		"name": "Hello World!",
		"uuid": uuid.NewString(),
	}

	resp, err := c.request(ctx, http.MethodPost, url, "", httpclient.Options{JSON: payload})
	if err != nil {
		return "", "", err
	}
	body, err := httpclient.ReadAll(resp)
	if err != nil {
		return "", "", errdefs.ClaudeHTTP(url, 503, "ReadError", err.Error())
	}

	convUUID := gjson.GetBytes(body, "uuid").String()
	paprikaMode := gjson.GetBytes(body, "settings.paprika_mode").String()
	log.Infof("created conversation: %s", convUUID)
	return convUUID, paprikaMode, nil
}

// SetPaprikaMode updates the conversation mode. mode may be empty to clear it.
func (c *Client) SetPaprikaMode(ctx context.Context, convUUID, mode string) error {
	url := fmt.Sprintf("%s/api/organizations/%s/chat_conversations/%s", c.endpoint, c.account.OrganizationUUID, convUUID)

	var modeValue any
	if mode != "" {
		modeValue = mode
	}
	payload := map[string]any{"settings": map[string]any{"paprika_mode": modeValue}}

	resp, err := c.request(ctx, http.MethodPut, url, convUUID, httpclient.Options{JSON: payload})
	if err != nil {
		return err
	}
	_, _ = httpclient.ReadAll(resp)
	log.Debugf("set conversation %s mode: %q", convUUID, mode)
	return nil
}

// UploadFile pushes file bytes and returns the assigned file UUID.
func (c *Client) UploadFile(ctx context.Context, data []byte, filename, contentType string) (string, error) {
	url := fmt.Sprintf("%s/api/%s/upload", c.endpoint, c.account.OrganizationUUID)

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	header := make(map[string][]string)
	header["Content-Disposition"] = []string{fmt.Sprintf(`form-data; name="file"; filename=%q`, filename)}
	header["Content-Type"] = []string{contentType}
	part, err := writer.CreatePart(header)
	if err != nil {
		return "", err
	}
	if _, err = part.Write(data); err != nil {
		return "", err
	}
	if err = writer.Close(); err != nil {
		return "", err
	}

	headers := http.Header{}
	headers.Set("Content-Type", writer.FormDataContentType())
	resp, err := c.request(ctx, http.MethodPost, url, "", httpclient.Options{Headers: headers, Body: buf.Bytes()})
	if err != nil {
		return "", err
	}
	body, err := httpclient.ReadAll(resp)
	if err != nil {
		return "", errdefs.ClaudeHTTP(url, 503, "ReadError", err.Error())
	}

	var upload claude.UploadResponse
	if err = json.Unmarshal(body, &upload); err != nil || upload.FileUUID == "" {
		return "", errdefs.ClaudeHTTP(url, resp.StatusCode, "upload_error", "missing file_uuid in upload response")
	}
	return upload.FileUUID, nil
}

// SendMessage posts a completion request and returns the streaming response.
func (c *Client) SendMessage(ctx context.Context, convUUID string, payload *claude.WebRequest) (*http.Response, error) {
	url := fmt.Sprintf("%s/api/organizations/%s/chat_conversations/%s/completion", c.endpoint, c.account.OrganizationUUID, convUUID)
	return c.request(ctx, http.MethodPost, url, convUUID, httpclient.Options{JSON: payload, Stream: true})
}

// SendToolResult posts a tool result into a paused conversation.
func (c *Client) SendToolResult(ctx context.Context, convUUID string, payload map[string]any) error {
	url := fmt.Sprintf("%s/api/organizations/%s/chat_conversations/%s/tool_result", c.endpoint, c.account.OrganizationUUID, convUUID)
	resp, err := c.request(ctx, http.MethodPost, url, convUUID, httpclient.Options{JSON: payload})
	if err != nil {
		return err
	}
	_, _ = httpclient.ReadAll(resp)
	return nil
}

// DeleteConversation removes a conversation; failures only warn because
// cleanup must not mask the original error path.
func (c *Client) DeleteConversation(ctx context.Context, convUUID string) {
	if convUUID == "" {
		return
	}
	url := fmt.Sprintf("%s/api/organizations/%s/chat_conversations/%s", c.endpoint, c.account.OrganizationUUID, convUUID)
	resp, err := c.request(ctx, http.MethodDelete, url, convUUID, httpclient.Options{})
	if err != nil {
		log.Warnf("failed to delete conversation %s: %v", convUUID, err)
		return
	}
	_, _ = httpclient.ReadAll(resp)
	log.Infof("deleted conversation: %s", convUUID)
}
