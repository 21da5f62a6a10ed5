// Package httpclient provides the outbound HTTP transport shared by the
// web client, the OAuth authenticator and the API path. Requests to
// Claude.ai present a Chrome TLS fingerprint; SOCKS5 and HTTP proxies are
// supported; connection-level failures retry with fixed backoff.
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/clove-proxy/clove/internal/config"
)

// Client wraps an *http.Client with retry and JSON conveniences.
type Client struct {
	httpClient    *http.Client
	retries       int
	retryInterval time.Duration
	timeout       time.Duration
}

// Options describe a single request. Body and JSON are mutually exclusive;
// Stream leaves the response body open past the request deadline.
type Options struct {
	Headers http.Header
	Body    []byte
	JSON    any
	Stream  bool
}

// New builds a Client from configuration. The fingerprint transport is used
// for every request; callers that talk to the plain Anthropic API simply
// never notice it.
func New(cfg *config.Config) *Client {
	return &Client{
		httpClient: &http.Client{
			Transport: newFingerprintTransport(cfg.ProxyURL),
			// Redirects must surface: a 302 from Claude.ai means a
			// Cloudflare challenge, not a page to follow.
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		retries:       cfg.RequestRetries,
		retryInterval: time.Duration(cfg.RequestRetryInterval) * time.Second,
		timeout:       cfg.RequestTimeoutDuration(),
	}
}

// Do performs one HTTP request, retrying connection-level failures.
// The caller owns the response body.
func (c *Client) Do(ctx context.Context, method, url string, opts Options) (*http.Response, error) {
	body := opts.Body
	headers := opts.Headers
	if opts.JSON != nil {
		encoded, err := json.Marshal(opts.JSON)
		if err != nil {
			return nil, fmt.Errorf("httpclient: failed to encode request body: %w", err)
		}
		body = encoded
		if headers == nil {
			headers = http.Header{}
		} else {
			headers = headers.Clone()
		}
		if headers.Get("Content-Type") == "" {
			headers.Set("Content-Type", "application/json")
		}
	}

	reqCtx := ctx
	var cancel context.CancelFunc
	if !opts.Stream && c.timeout > 0 {
		reqCtx, cancel = context.WithTimeout(ctx, c.timeout)
	}

	var lastErr error
	attempts := c.retries
	if attempts < 1 {
		attempts = 1
	}
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-reqCtx.Done():
				if cancel != nil {
					cancel()
				}
				return nil, reqCtx.Err()
			case <-time.After(c.retryInterval):
			}
			log.Debugf("retrying %s %s (attempt %d/%d)", method, url, attempt+1, attempts)
		}

		req, err := http.NewRequestWithContext(reqCtx, method, url, bytes.NewReader(body))
		if err != nil {
			if cancel != nil {
				cancel()
			}
			return nil, err
		}
		if headers != nil {
			req.Header = headers.Clone()
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			continue
		}

		if opts.Stream {
			// Streaming requests carry no deadline; the session owns
			// cancellation from here on.
			return resp, nil
		}
		if cancel != nil {
			resp.Body = &cancelReadCloser{ReadCloser: resp.Body, cancel: cancel}
		}
		return resp, nil
	}
	if cancel != nil {
		cancel()
	}
	return nil, fmt.Errorf("httpclient: %s %s failed after %d attempts: %w", method, url, attempts, lastErr)
}

// ReadAll drains and closes a response body.
func ReadAll(resp *http.Response) ([]byte, error) {
	defer func() { _ = resp.Body.Close() }()
	return io.ReadAll(resp.Body)
}

type cancelReadCloser struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelReadCloser) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}
