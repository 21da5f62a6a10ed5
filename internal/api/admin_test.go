package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clove-proxy/clove/internal/account"
	"github.com/clove-proxy/clove/internal/config"
)

const adminKey = "sk-admin-test"

func newAdminServer(t *testing.T, mutate func(*config.Config)) *testServer {
	t.Helper()
	return newTestServer(t, func(cfg *config.Config) {
		cfg.AdminAPIKeys = []string{adminKey}
		if mutate != nil {
			mutate(cfg)
		}
	})
}

func adminHeaders() map[string]string {
	return map[string]string{"X-Api-Key": adminKey, "Content-Type": "application/json"}
}

func TestListAccountsMasksCookies(t *testing.T) {
	ts := newAdminServer(t, nil)
	addAccount(t, ts.pool, "sessionKey=0123456789abcdefghijklmnop")

	resp := ts.request(t, http.MethodGet, "/api/admin/accounts", "", adminHeaders())
	require.Equal(t, http.StatusOK, resp.Code)

	var accounts []map[string]any
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &accounts))
	require.Len(t, accounts, 1)

	assert.Equal(t, "sessionKey=012345678...", accounts[0]["cookie_value"])
	assert.Equal(t, "valid", accounts[0]["status"])
	assert.Equal(t, "cookie_only", accounts[0]["auth_type"])
	assert.Equal(t, false, accounts[0]["has_oauth"])
}

func TestGetAccountNotFound(t *testing.T) {
	ts := newAdminServer(t, nil)
	resp := ts.request(t, http.MethodGet, "/api/admin/accounts/nope", "", adminHeaders())
	assert.Equal(t, http.StatusNotFound, resp.Code)
}

func TestCreateAccountWithToken(t *testing.T) {
	ts := newAdminServer(t, nil)

	body := `{
		"organization_uuid": "org-1",
		"oauth_token": {"access_token": "at", "refresh_token": "rt", "expires_at": 1999999999},
		"capabilities": ["chat", "claude_max"]
	}`
	resp := ts.request(t, http.MethodPost, "/api/admin/accounts", body, adminHeaders())
	require.Equal(t, http.StatusOK, resp.Code)

	var created map[string]any
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &created))
	assert.Equal(t, "org-1", created["organization_uuid"])
	assert.Equal(t, "oauth_only", created["auth_type"])
	assert.Equal(t, true, created["has_oauth"])
	assert.Equal(t, true, created["is_max"])
}

func TestCreateAccountRequiresCredential(t *testing.T) {
	ts := newAdminServer(t, nil)
	resp := ts.request(t, http.MethodPost, "/api/admin/accounts", `{}`, adminHeaders())
	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestUpdateAccountStatusClearsResetsAt(t *testing.T) {
	ts := newAdminServer(t, nil)
	acct := addAccount(t, ts.pool, "sessionKey=abc")
	now := time.Now().UTC()
	ts.pool.Update(acct.OrganizationUUID, func(a *account.Account) {
		a.Status = account.StatusRateLimited
		a.ResetsAt = &now
	})

	path := fmt.Sprintf("/api/admin/accounts/%s", acct.OrganizationUUID)
	resp := ts.request(t, http.MethodPut, path, `{"status":"valid"}`, adminHeaders())
	require.Equal(t, http.StatusOK, resp.Code)

	var updated map[string]any
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &updated))
	assert.Equal(t, "valid", updated["status"])
	assert.Nil(t, updated["resets_at"])
}

func TestDeleteAccount(t *testing.T) {
	ts := newAdminServer(t, nil)
	acct := addAccount(t, ts.pool, "sessionKey=abc")

	path := fmt.Sprintf("/api/admin/accounts/%s", acct.OrganizationUUID)
	resp := ts.request(t, http.MethodDelete, path, "", adminHeaders())
	assert.Equal(t, http.StatusOK, resp.Code)

	resp = ts.request(t, http.MethodDelete, path, "", adminHeaders())
	assert.Equal(t, http.StatusNotFound, resp.Code)
}

func TestExchangeOAuthCode(t *testing.T) {
	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "at",
			"refresh_token": "rt",
			"expires_in":    3600,
		})
	}))
	defer tokenServer.Close()

	ts := newAdminServer(t, func(cfg *config.Config) {
		cfg.OAuthTokenURL = tokenServer.URL
	})

	body := `{"organization_uuid":"org-9","code":"abc#state1","pkce_verifier":"ver"}`
	resp := ts.request(t, http.MethodPost, "/api/admin/accounts/oauth/exchange", body, adminHeaders())
	require.Equal(t, http.StatusOK, resp.Code)

	var created map[string]any
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &created))
	assert.Equal(t, "org-9", created["organization_uuid"])
	assert.Equal(t, true, created["has_oauth"])

	_, ok := ts.pool.GetByID("org-9")
	assert.True(t, ok)
}

func TestExchangeOAuthCodeUpstreamFailure(t *testing.T) {
	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
	}))
	defer tokenServer.Close()

	ts := newAdminServer(t, func(cfg *config.Config) {
		cfg.OAuthTokenURL = tokenServer.URL
	})

	body := `{"organization_uuid":"org-9","code":"abc","pkce_verifier":"ver"}`
	resp := ts.request(t, http.MethodPost, "/api/admin/accounts/oauth/exchange", body, adminHeaders())
	assert.Equal(t, http.StatusBadRequest, resp.Code)
	assert.Contains(t, resp.Body.String(), `"code":400180`)
}

func TestSettingsRoundTrip(t *testing.T) {
	ts := newAdminServer(t, nil)

	body := fmt.Sprintf(`{"custom_prompt":"be kind","padtxt_length":100,"no_filesystem_mode":true,"data_folder":%q}`,
		ts.cfg.DataFolder)
	resp := ts.request(t, http.MethodPut, "/api/admin/settings", body, adminHeaders())
	require.Equal(t, http.StatusOK, resp.Code)

	resp = ts.request(t, http.MethodGet, "/api/admin/settings", "", adminHeaders())
	require.Equal(t, http.StatusOK, resp.Code)

	var settings map[string]any
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &settings))
	assert.Equal(t, "be kind", settings["custom_prompt"])
	assert.Equal(t, float64(100), settings["padtxt_length"])
}

func TestSettingsRejectsUnknownFields(t *testing.T) {
	ts := newAdminServer(t, nil)
	resp := ts.request(t, http.MethodPut, "/api/admin/settings", `{"no_such_field":1}`, adminHeaders())
	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestStatistics(t *testing.T) {
	ts := newAdminServer(t, nil)
	addAccount(t, ts.pool, "sessionKey=abc")

	resp := ts.request(t, http.MethodGet, "/api/admin/statistics", "", adminHeaders())
	require.Equal(t, http.StatusOK, resp.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])

	accounts := body["accounts"].(map[string]any)
	assert.Equal(t, float64(1), accounts["total_accounts"])
	assert.Equal(t, float64(1), accounts["valid_accounts"])
	assert.Equal(t, float64(0), accounts["active_sessions"])
}
