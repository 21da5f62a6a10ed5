package oauth

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clove-proxy/clove/internal/config"
	"github.com/clove-proxy/clove/internal/errdefs"
	"github.com/clove-proxy/clove/internal/httpclient"
)

func testAuthenticator(t *testing.T, handler http.Handler) (*Authenticator, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	cfg := config.DefaultConfig()
	cfg.ClaudeAIURL = server.URL
	cfg.OAuthAuthorizeURL = server.URL + "/v1/oauth/{organization_uuid}/authorize"
	cfg.OAuthTokenURL = server.URL + "/v1/oauth/token"
	cfg.RequestRetries = 1
	return NewAuthenticator(cfg, httpclient.New(cfg)), server
}

func TestGeneratePKCE(t *testing.T) {
	pkce, err := GeneratePKCE()
	require.NoError(t, err)
	assert.NotEmpty(t, pkce.Verifier)
	assert.NotContains(t, pkce.Verifier, "=")

	hash := sha256.Sum256([]byte(pkce.Verifier))
	assert.Equal(t, base64.RawURLEncoding.EncodeToString(hash[:]), pkce.Challenge)
}

func TestOrganizationInfoPicksChatOrgWithMostCapabilities(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/organizations", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "sessionKey=abc", r.Header.Get("Cookie"))
		_ = json.NewEncoder(w).Encode([]map[string]any{
			{"uuid": "org-billing", "capabilities": []string{"billing"}},
			{"uuid": "org-small", "capabilities": []string{"chat"}},
			{"uuid": "org-big", "capabilities": []string{"chat", "claude_pro", "api"}},
		})
	})
	auth, _ := testAuthenticator(t, mux)

	orgUUID, capabilities, err := auth.OrganizationInfo(context.Background(), "sessionKey=abc")
	require.NoError(t, err)
	assert.Equal(t, "org-big", orgUUID)
	assert.Equal(t, []string{"chat", "claude_pro", "api"}, capabilities)
}

func TestOrganizationInfoRequiresChatCapability(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/organizations", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]map[string]any{
			{"uuid": "org-billing", "capabilities": []string{"billing"}},
		})
	})
	auth, _ := testAuthenticator(t, mux)

	_, _, err := auth.OrganizationInfo(context.Background(), "c")
	appErr, ok := errdefs.As(err)
	require.True(t, ok)
	assert.Equal(t, 503181, appErr.Code)
}

func TestAuthorizeWithCookieReturnsCodeAndState(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/oauth/org-1/authorize", func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, "code", payload["response_type"])
		assert.Equal(t, "user:profile user:inference", payload["scope"])
		assert.Equal(t, "S256", payload["code_challenge_method"])
		assert.NotEmpty(t, payload["code_challenge"])

		_ = json.NewEncoder(w).Encode(map[string]string{
			"redirect_uri": "https://console.anthropic.com/oauth/code/callback?code=authcode-1&state=state-1",
		})
	})
	auth, _ := testAuthenticator(t, mux)

	code, verifier, err := auth.AuthorizeWithCookie(context.Background(), "c", "org-1")
	require.NoError(t, err)
	assert.Equal(t, "authcode-1#state-1", code)
	assert.NotEmpty(t, verifier)
}

func TestAuthorizeClassifiesCloudflareRedirect(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Location", "/challenge")
		w.WriteHeader(http.StatusFound)
	})
	auth, _ := testAuthenticator(t, mux)

	_, _, err := auth.AuthorizeWithCookie(context.Background(), "c", "org-1")
	appErr, ok := errdefs.As(err)
	require.True(t, ok)
	assert.Equal(t, 503121, appErr.Code)
}

func TestExchangeTokenSplitsState(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, "authcode-1", payload["code"])
		assert.Equal(t, "state-1", payload["state"])
		assert.Equal(t, "authorization_code", payload["grant_type"])
		assert.Equal(t, "verifier-1", payload["code_verifier"])

		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "at",
			"refresh_token": "rt",
			"expires_in":    3600,
		})
	})
	auth, _ := testAuthenticator(t, mux)

	token, err := auth.ExchangeToken(context.Background(), "authcode-1#state-1", "verifier-1")
	require.NoError(t, err)
	assert.Equal(t, "at", token.AccessToken)
	assert.Equal(t, "rt", token.RefreshToken)
	assert.Greater(t, token.ExpiresAt, int64(0))
}

func TestRefreshAccessToken(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, "refresh_token", payload["grant_type"])
		assert.Equal(t, "old-rt", payload["refresh_token"])

		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "new-at",
			"refresh_token": "new-rt",
			"expires_in":    3600,
		})
	})
	auth, _ := testAuthenticator(t, mux)

	token, err := auth.RefreshAccessToken(context.Background(), "old-rt")
	require.NoError(t, err)
	assert.Equal(t, "new-at", token.AccessToken)
	assert.Equal(t, "new-rt", token.RefreshToken)
}

func TestObtainTokenComposesFullFlow(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/organizations", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]map[string]any{
			{"uuid": "org-1", "capabilities": []string{"chat"}},
		})
	})
	mux.HandleFunc("/v1/oauth/org-1/authorize", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{
			"redirect_uri": "https://console.anthropic.com/oauth/code/callback?code=authcode-1&state=state-1",
		})
	})
	mux.HandleFunc("/v1/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, "authcode-1", payload["code"])
		assert.Equal(t, "state-1", payload["state"])

		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "at",
			"refresh_token": "rt",
			"expires_in":    3600,
		})
	})
	auth, _ := testAuthenticator(t, mux)

	token, err := auth.ObtainToken(context.Background(), "sessionKey=abc")
	require.NoError(t, err)
	assert.Equal(t, "at", token.AccessToken)
	assert.Equal(t, "rt", token.RefreshToken)
}
