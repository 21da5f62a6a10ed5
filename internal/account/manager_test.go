package account

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clove-proxy/clove/internal/config"
	"github.com/clove-proxy/clove/internal/errdefs"
)

type stubAuthenticator struct {
	token      *OAuthToken
	refreshErr error
}

func (s *stubAuthenticator) OrganizationInfo(context.Context, string) (string, []string, error) {
	return "", nil, errors.New("not implemented")
}

func (s *stubAuthenticator) ObtainToken(context.Context, string) (*OAuthToken, error) {
	if s.token == nil {
		return nil, errors.New("not implemented")
	}
	return s.token, nil
}

func (s *stubAuthenticator) RefreshAccessToken(context.Context, string) (*OAuthToken, error) {
	if s.refreshErr != nil {
		return nil, s.refreshErr
	}
	return s.token, nil
}

func testManager(t *testing.T) *Manager {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.DataFolder = t.TempDir()
	cfg.MaxSessionsPerAccount = 2
	return NewManager(cfg, nil)
}

func addOAuthAccount(t *testing.T, m *Manager, lastUsed time.Time) *Account {
	t.Helper()
	account, err := m.Add(context.Background(), AddOptions{
		Token: &OAuthToken{AccessToken: "at", RefreshToken: "rt", ExpiresAt: time.Now().Unix() + 3600},
	})
	require.NoError(t, err)
	m.mu.Lock()
	account.LastUsed = lastUsed
	m.mu.Unlock()
	return account
}

func addCookieAccount(t *testing.T, m *Manager, cookie string, lastUsed time.Time) *Account {
	t.Helper()
	account, err := m.Add(context.Background(), AddOptions{Cookie: cookie})
	require.NoError(t, err)
	m.mu.Lock()
	account.LastUsed = lastUsed
	m.mu.Unlock()
	return account
}

func TestAddRequiresCredential(t *testing.T) {
	m := testManager(t)
	_, err := m.Add(context.Background(), AddOptions{})
	assert.Error(t, err)
}

func TestAddDeduplicatesCookie(t *testing.T) {
	m := testManager(t)
	first := addCookieAccount(t, m, "cookie-a", time.Now())
	second, err := m.Add(context.Background(), AddOptions{Cookie: "cookie-a"})
	require.NoError(t, err)
	assert.Same(t, first, second)
}

func TestAddMergesCredentialsIntoExistingOrganization(t *testing.T) {
	m := testManager(t)
	first := addCookieAccount(t, m, "cookie-a", time.Now())
	require.Equal(t, AuthCookieOnly, first.AuthType)

	merged, err := m.Add(context.Background(), AddOptions{
		OrganizationUUID: first.OrganizationUUID,
		Token:            &OAuthToken{AccessToken: "at", RefreshToken: "rt", ExpiresAt: time.Now().Unix() + 3600},
	})
	require.NoError(t, err)
	assert.Same(t, first, merged)
	assert.Equal(t, AuthBoth, merged.AuthType)
}

func TestGetForSessionPrefersLeastLoadedAccount(t *testing.T) {
	m := testManager(t)
	a := addCookieAccount(t, m, "cookie-a", time.Now().Add(-time.Hour))
	b := addCookieAccount(t, m, "cookie-b", time.Now())

	// First session lands on A (fewest sessions, tie broken by oldest).
	got, err := m.GetForSession("s1", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, a.OrganizationUUID, got.OrganizationUUID)

	// Second session must go to B, which now has fewer sessions.
	got, err = m.GetForSession("s2", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, b.OrganizationUUID, got.OrganizationUUID)
}

func TestGetForSessionIsSticky(t *testing.T) {
	m := testManager(t)
	addCookieAccount(t, m, "cookie-a", time.Now())

	first, err := m.GetForSession("s1", nil, nil)
	require.NoError(t, err)
	second, err := m.GetForSession("s1", nil, nil)
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, 1, m.SessionCount(first.OrganizationUUID))
}

func TestGetForSessionRespectsSessionCap(t *testing.T) {
	m := testManager(t)
	addCookieAccount(t, m, "cookie-a", time.Now())

	_, err := m.GetForSession("s1", nil, nil)
	require.NoError(t, err)
	_, err = m.GetForSession("s2", nil, nil)
	require.NoError(t, err)

	_, err = m.GetForSession("s3", nil, nil)
	assert.True(t, errdefs.IsNoAccountsAvailable(err))

	m.ReleaseSession("s1")
	_, err = m.GetForSession("s3", nil, nil)
	assert.NoError(t, err)
}

func TestGetForSessionSkipsInvalidAndOAuthOnly(t *testing.T) {
	m := testManager(t)
	bad := addCookieAccount(t, m, "cookie-a", time.Now())
	addOAuthAccount(t, m, time.Now())
	m.mu.Lock()
	bad.Status = StatusInvalid
	m.mu.Unlock()

	_, err := m.GetForSession("s1", nil, nil)
	assert.True(t, errdefs.IsNoAccountsAvailable(err))
}

func TestGetForSessionCapabilityFilter(t *testing.T) {
	m := testManager(t)
	free := addCookieAccount(t, m, "cookie-a", time.Now())
	pro := addCookieAccount(t, m, "cookie-b", time.Now())
	m.mu.Lock()
	pro.Capabilities = []string{"chat", "claude_pro"}
	m.mu.Unlock()

	wantPro := true
	got, err := m.GetForSession("s1", &wantPro, nil)
	require.NoError(t, err)
	assert.Equal(t, pro.OrganizationUUID, got.OrganizationUUID)

	wantPro = false
	got, err = m.GetForSession("s2", &wantPro, nil)
	require.NoError(t, err)
	assert.Equal(t, free.OrganizationUUID, got.OrganizationUUID)
}

func TestGetForOAuthPicksOldestLastUsed(t *testing.T) {
	m := testManager(t)
	older := addOAuthAccount(t, m, time.Now().Add(-2*time.Hour))
	addOAuthAccount(t, m, time.Now().Add(-time.Hour))

	got, err := m.GetForOAuth(nil, nil)
	require.NoError(t, err)
	assert.Equal(t, older.OrganizationUUID, got.OrganizationUUID)
}

func TestBorrowReleaseClassifiesRateLimit(t *testing.T) {
	m := testManager(t)
	account := addOAuthAccount(t, m, time.Now().Add(-time.Hour))

	borrowed := m.Borrow(account)
	assert.WithinDuration(t, time.Now(), account.LastUsed, time.Second)

	resetsAt := time.Now().Add(time.Hour)
	borrowed.Release(errdefs.ClaudeRateLimited(resetsAt))

	assert.Equal(t, StatusRateLimited, account.Status)
	require.NotNil(t, account.ResetsAt)
	assert.WithinDuration(t, resetsAt, *account.ResetsAt, time.Second)
}

func TestBorrowReleaseClassifiesOrganizationDisabled(t *testing.T) {
	m := testManager(t)
	account := addOAuthAccount(t, m, time.Now())

	m.Borrow(account).Release(errdefs.OrganizationDisabled())
	assert.Equal(t, StatusInvalid, account.Status)
	assert.Nil(t, account.ResetsAt)
}

func TestBorrowReleaseIgnoresOtherErrors(t *testing.T) {
	m := testManager(t)
	account := addOAuthAccount(t, m, time.Now())

	m.Borrow(account).Release(errdefs.CloudflareBlocked())
	assert.Equal(t, StatusValid, account.Status)
}

func TestRecoverRateLimitedClearsResetsAt(t *testing.T) {
	m := testManager(t)
	account := addOAuthAccount(t, m, time.Now())

	past := time.Now().Add(-time.Minute)
	m.mu.Lock()
	account.Status = StatusRateLimited
	account.ResetsAt = &past
	m.mu.Unlock()

	m.recoverRateLimited()
	assert.Equal(t, StatusValid, account.Status)
	assert.Nil(t, account.ResetsAt)
}

func TestRecoverRateLimitedKeepsFutureResets(t *testing.T) {
	m := testManager(t)
	account := addOAuthAccount(t, m, time.Now())

	future := time.Now().Add(time.Hour)
	m.mu.Lock()
	account.Status = StatusRateLimited
	account.ResetsAt = &future
	m.mu.Unlock()

	m.recoverRateLimited()
	assert.Equal(t, StatusRateLimited, account.Status)
}

func TestRefreshFailureDowngradesBothToCookieOnly(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.DataFolder = t.TempDir()
	m := NewManager(cfg, &stubAuthenticator{refreshErr: errors.New("invalid_grant")})

	account, err := m.Add(context.Background(), AddOptions{
		OrganizationUUID: "org-1",
		Cookie:           "sessionKey=abc",
		Token:            &OAuthToken{AccessToken: "at", RefreshToken: "rt", ExpiresAt: time.Now().Unix() + 60},
	})
	require.NoError(t, err)
	require.Equal(t, AuthBoth, account.AuthType)

	m.refreshToken(context.Background(), account)

	assert.Equal(t, AuthCookieOnly, account.AuthType)
	assert.Nil(t, account.OAuthToken)
	assert.Equal(t, StatusValid, account.Status)

	reloaded := NewManager(cfg, nil)
	reloaded.Load()
	got, ok := reloaded.GetByID("org-1")
	require.True(t, ok)
	assert.Equal(t, AuthCookieOnly, got.AuthType)
	assert.Nil(t, got.OAuthToken)
}

func TestRefreshFailureInvalidatesOAuthOnlyAccount(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.DataFolder = t.TempDir()
	m := NewManager(cfg, &stubAuthenticator{refreshErr: errors.New("invalid_grant")})

	account, err := m.Add(context.Background(), AddOptions{
		OrganizationUUID: "org-1",
		Token:            &OAuthToken{AccessToken: "at", RefreshToken: "rt", ExpiresAt: time.Now().Unix() + 60},
	})
	require.NoError(t, err)

	m.refreshToken(context.Background(), account)

	assert.Equal(t, StatusInvalid, account.Status)

	reloaded := NewManager(cfg, nil)
	reloaded.Load()
	got, ok := reloaded.GetByID("org-1")
	require.True(t, ok)
	assert.Equal(t, StatusInvalid, got.Status)
}

func TestRefreshReplacesTokenUnderPoolLock(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.DataFolder = t.TempDir()
	fresh := &OAuthToken{AccessToken: "new-at", RefreshToken: "new-rt", ExpiresAt: time.Now().Unix() + 7200}
	m := NewManager(cfg, &stubAuthenticator{token: fresh})

	account, err := m.Add(context.Background(), AddOptions{
		Token: &OAuthToken{AccessToken: "at", RefreshToken: "rt", ExpiresAt: time.Now().Unix() + 60},
	})
	require.NoError(t, err)

	// Read the token fields under the mutex while the refresh runs, the way
	// the refresh loop scans for expiring tokens.
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		m.refreshToken(context.Background(), account)
	}()
	for i := 0; i < 100; i++ {
		m.mu.Lock()
		if account.OAuthToken != nil {
			_ = account.OAuthToken.ExpiresAt
		}
		m.mu.Unlock()
	}
	wg.Wait()

	require.NotNil(t, account.OAuthToken)
	assert.Equal(t, "new-at", account.OAuthToken.AccessToken)
	assert.Equal(t, "new-rt", account.OAuthToken.RefreshToken)
}

func TestPersistenceRoundTrip(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.DataFolder = t.TempDir()
	m := NewManager(cfg, nil)

	account, err := m.Add(context.Background(), AddOptions{
		Cookie: "sessionKey=abc",
		Token:  &OAuthToken{AccessToken: "at", RefreshToken: "rt", ExpiresAt: 12345},
	})
	require.NoError(t, err)

	reloaded := NewManager(cfg, nil)
	reloaded.Load()

	got, ok := reloaded.GetByID(account.OrganizationUUID)
	require.True(t, ok)
	assert.Equal(t, "sessionKey=abc", got.CookieValue)
	assert.Equal(t, AuthBoth, got.AuthType)
	require.NotNil(t, got.OAuthToken)
	assert.Equal(t, int64(12345), got.OAuthToken.ExpiresAt)

	// The cookie mapping must be rebuilt on load.
	dup, err := reloaded.Add(context.Background(), AddOptions{Cookie: "sessionKey=abc"})
	require.NoError(t, err)
	assert.Equal(t, account.OrganizationUUID, dup.OrganizationUUID)
}

func TestIsProAndIsMax(t *testing.T) {
	account := &Account{Capabilities: []string{"chat"}}
	assert.False(t, account.IsPro())
	assert.False(t, account.IsMax())

	account.Capabilities = []string{"chat", "claude_max"}
	assert.True(t, account.IsPro())
	assert.True(t, account.IsMax())

	account.Capabilities = []string{"Enterprise"}
	assert.True(t, account.IsPro())
	assert.False(t, account.IsMax())
}
