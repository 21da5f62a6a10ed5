// Package oauth implements the PKCE authorization-code flow that turns a
// Claude.ai browser cookie into Claude Code bearer tokens, plus token
// refresh and organisation discovery.
package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/clove-proxy/clove/internal/account"
	"github.com/clove-proxy/clove/internal/config"
	"github.com/clove-proxy/clove/internal/errdefs"
	"github.com/clove-proxy/clove/internal/httpclient"
)

const scope = "user:profile user:inference"

// Authenticator drives the cookie-to-token OAuth flow.
type Authenticator struct {
	client *httpclient.Client
	cfg    *config.Config
}

// NewAuthenticator builds an authenticator over the shared transport.
func NewAuthenticator(cfg *config.Config, client *httpclient.Client) *Authenticator {
	return &Authenticator{client: client, cfg: cfg}
}

func (a *Authenticator) headers(cookie string) http.Header {
	base := a.cfg.ClaudeAIURL
	h := http.Header{}
	h.Set("Accept", "application/json")
	h.Set("Accept-Language", "en-US,en;q=0.9")
	h.Set("Cache-Control", "no-cache")
	h.Set("Cookie", cookie)
	h.Set("Origin", base)
	h.Set("Referer", base+"/new")
	h.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36")
	return h
}

// request performs one call and classifies non-success statuses: 302 means
// a Cloudflare challenge page, 403 a rejected cookie.
func (a *Authenticator) request(ctx context.Context, method, requestURL string, headers http.Header, payload any) ([]byte, int, error) {
	resp, err := a.client.Do(ctx, method, requestURL, httpclient.Options{Headers: headers, JSON: payload})
	if err != nil {
		return nil, 0, errdefs.ClaudeHTTP(requestURL, 503, "ConnectionError", err.Error())
	}
	body, err := httpclient.ReadAll(resp)
	if err != nil {
		return nil, resp.StatusCode, errdefs.ClaudeHTTP(requestURL, resp.StatusCode, "ReadError", err.Error())
	}

	switch {
	case resp.StatusCode == http.StatusFound:
		return nil, resp.StatusCode, errdefs.CloudflareBlocked()
	case resp.StatusCode == http.StatusForbidden:
		return nil, resp.StatusCode, errdefs.ClaudeAuthentication()
	case resp.StatusCode >= 300:
		return nil, resp.StatusCode, errdefs.ClaudeHTTP(requestURL, resp.StatusCode, "Unknown", "Error occurred during request to Claude.ai")
	}
	return body, resp.StatusCode, nil
}

// OrganizationInfo fetches the user's organizations and picks the one with
// chat capability and the largest capability set.
func (a *Authenticator) OrganizationInfo(ctx context.Context, cookie string) (string, []string, error) {
	requestURL := a.cfg.ClaudeAIURL + "/api/organizations"
	body, _, err := a.request(ctx, http.MethodGet, requestURL, a.headers(cookie), nil)
	if err != nil {
		if _, ok := errdefs.As(err); ok {
			return "", nil, err
		}
		return "", nil, errdefs.OrganizationInfo(err.Error())
	}

	var orgs []struct {
		UUID         string   `json:"uuid"`
		Capabilities []string `json:"capabilities"`
	}
	if err = json.Unmarshal(body, &orgs); err != nil {
		return "", nil, errdefs.OrganizationInfo("No organization data found")
	}

	var orgUUID string
	var maxCapabilities []string
	for _, org := range orgs {
		if org.UUID == "" || len(org.Capabilities) == 0 {
			continue
		}
		hasChat := false
		for _, cap := range org.Capabilities {
			if cap == "chat" {
				hasChat = true
				break
			}
		}
		if !hasChat {
			continue
		}
		if len(org.Capabilities) > len(maxCapabilities) {
			orgUUID = org.UUID
			maxCapabilities = org.Capabilities
		}
	}
	if orgUUID == "" {
		return "", nil, errdefs.OrganizationInfo("No valid organization found with chat capabilities")
	}
	log.Infof("found organization UUID: %s, capabilities: %v", orgUUID, maxCapabilities)
	return orgUUID, maxCapabilities, nil
}

// AuthorizeWithCookie runs the PKCE authorize step. Returns the code (as
// "code#state" when the server echoes a state) and the verifier needed for
// the exchange.
func (a *Authenticator) AuthorizeWithCookie(ctx context.Context, cookie, orgUUID string) (string, string, error) {
	pkce, err := GeneratePKCE()
	if err != nil {
		return "", "", errdefs.CookieAuthorization(err.Error())
	}
	state, err := randomURLSafe(32)
	if err != nil {
		return "", "", errdefs.CookieAuthorization(err.Error())
	}

	authorizeURL := strings.ReplaceAll(a.cfg.OAuthAuthorizeURL, "{organization_uuid}", orgUUID)
	payload := map[string]string{
		"response_type":         "code",
		"client_id":             a.cfg.OAuthClientID,
		"organization_uuid":     orgUUID,
		"redirect_uri":          a.cfg.OAuthRedirectURI,
		"scope":                 scope,
		"state":                 state,
		"code_challenge":        pkce.Challenge,
		"code_challenge_method": "S256",
	}

	log.Debugf("requesting authorization from: %s", authorizeURL)
	body, _, err := a.request(ctx, http.MethodPost, authorizeURL, a.headers(cookie), payload)
	if err != nil {
		return "", "", err
	}

	var authResponse struct {
		RedirectURI string `json:"redirect_uri"`
	}
	if err = json.Unmarshal(body, &authResponse); err != nil || authResponse.RedirectURI == "" {
		return "", "", errdefs.CookieAuthorization("No redirect URI found in response")
	}

	parsed, err := url.Parse(authResponse.RedirectURI)
	if err != nil {
		return "", "", errdefs.CookieAuthorization("Malformed redirect URI")
	}
	query := parsed.Query()
	authCode := query.Get("code")
	if authCode == "" {
		return "", "", errdefs.CookieAuthorization("No authorization code found in response")
	}
	log.Infof("extracted authorization code: %.20s...", authCode)

	if responseState := query.Get("state"); responseState != "" {
		return authCode + "#" + responseState, pkce.Verifier, nil
	}
	return authCode, pkce.Verifier, nil
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

// ExchangeToken swaps an authorization code (optionally "code#state") for
// tokens.
func (a *Authenticator) ExchangeToken(ctx context.Context, codeWithState, verifier string) (*account.OAuthToken, error) {
	parts := strings.SplitN(codeWithState, "#", 2)
	payload := map[string]string{
		"code":          parts[0],
		"grant_type":    "authorization_code",
		"client_id":     a.cfg.OAuthClientID,
		"redirect_uri":  a.cfg.OAuthRedirectURI,
		"code_verifier": verifier,
	}
	if len(parts) > 1 {
		payload["state"] = parts[1]
	}

	headers := http.Header{}
	headers.Set("Content-Type", "application/json")
	body, _, err := a.request(ctx, http.MethodPost, a.cfg.OAuthTokenURL, headers, payload)
	if err != nil {
		if _, ok := errdefs.As(err); ok {
			return nil, err
		}
		return nil, errdefs.OAuthExchange(err.Error())
	}

	var tokens tokenResponse
	if err = json.Unmarshal(body, &tokens); err != nil ||
		tokens.AccessToken == "" || tokens.RefreshToken == "" || tokens.ExpiresIn == 0 {
		return nil, errdefs.OAuthExchange("Invalid token response")
	}
	return &account.OAuthToken{
		AccessToken:  tokens.AccessToken,
		RefreshToken: tokens.RefreshToken,
		ExpiresAt:    time.Now().Unix() + tokens.ExpiresIn,
	}, nil
}

// RefreshAccessToken rotates an access token using the refresh grant.
func (a *Authenticator) RefreshAccessToken(ctx context.Context, refreshToken string) (*account.OAuthToken, error) {
	payload := map[string]string{
		"grant_type":    "refresh_token",
		"refresh_token": refreshToken,
		"client_id":     a.cfg.OAuthClientID,
	}
	headers := http.Header{}
	headers.Set("Content-Type", "application/json")

	body, status, err := a.request(ctx, http.MethodPost, a.cfg.OAuthTokenURL, headers, payload)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("token refresh failed with status %d", status)
	}

	var tokens tokenResponse
	if err = json.Unmarshal(body, &tokens); err != nil || tokens.AccessToken == "" {
		return nil, fmt.Errorf("invalid refresh response")
	}
	return &account.OAuthToken{
		AccessToken:  tokens.AccessToken,
		RefreshToken: tokens.RefreshToken,
		ExpiresAt:    time.Now().Unix() + tokens.ExpiresIn,
	}, nil
}

// ObtainToken composes discovery, authorize and exchange to turn a browser
// cookie into OAuth tokens.
func (a *Authenticator) ObtainToken(ctx context.Context, cookie string) (*account.OAuthToken, error) {
	if cookie == "" {
		return nil, fmt.Errorf("no cookie value provided")
	}

	orgUUID, _, err := a.OrganizationInfo(ctx, cookie)
	if err != nil {
		return nil, err
	}
	code, verifier, err := a.AuthorizeWithCookie(ctx, cookie, orgUUID)
	if err != nil {
		return nil, err
	}
	return a.ExchangeToken(ctx, code, verifier)
}
