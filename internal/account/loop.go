package account

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
)

// tokenRefreshWindow is how close to expiry a token gets before the loop
// refreshes it.
const tokenRefreshWindow = 300 * time.Second

// Run drives the recovery and refresh loop until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.taskInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.recoverRateLimited()
			m.refreshExpiringTokens(ctx)
		}
	}
}

// recoverRateLimited returns accounts whose reset time has passed to the
// valid state.
func (m *Manager) recoverRateLimited() {
	m.mu.Lock()
	defer m.mu.Unlock()

	changed := false
	current := time.Now()
	for _, account := range m.accounts {
		if account.Status == StatusRateLimited && account.ResetsAt != nil && !current.Before(*account.ResetsAt) {
			account.Status = StatusValid
			account.ResetsAt = nil
			changed = true
			log.Infof("recovered rate-limited account %.8s...", account.OrganizationUUID)
		}
	}
	if changed {
		m.saveLocked()
	}
}

// refreshExpiringTokens refreshes OAuth tokens that expire inside the
// refresh window. Each refresh runs in its own goroutine so a slow token
// endpoint cannot stall the loop.
func (m *Manager) refreshExpiringTokens(ctx context.Context) {
	if m.authenticator == nil {
		return
	}

	m.mu.Lock()
	var expiring []*Account
	cutoff := time.Now().Unix() + int64(tokenRefreshWindow/time.Second)
	for _, account := range m.accounts {
		if !account.HasOAuth() || account.OAuthToken == nil || account.OAuthToken.RefreshToken == "" {
			continue
		}
		if account.OAuthToken.ExpiresAt < cutoff {
			expiring = append(expiring, account)
		}
	}
	m.mu.Unlock()

	for _, account := range expiring {
		go m.refreshToken(ctx, account)
	}
}

func (m *Manager) refreshToken(ctx context.Context, account *Account) {
	log.Infof("refreshing OAuth token for account %.8s...", account.OrganizationUUID)

	m.mu.Lock()
	var refresh string
	if account.OAuthToken != nil {
		refresh = account.OAuthToken.RefreshToken
	}
	m.mu.Unlock()
	if refresh == "" {
		return
	}

	token, err := m.authenticator.RefreshAccessToken(ctx, refresh)
	if err != nil {
		log.Warnf("failed to refresh OAuth token for account %.8s...: %v", account.OrganizationUUID, err)
		m.mu.Lock()
		if account.AuthType == AuthBoth {
			account.OAuthToken = nil
			account.AuthType = AuthCookieOnly
		} else {
			account.Status = StatusInvalid
			log.Errorf("account %.8s... is now invalid after OAuth refresh failure", account.OrganizationUUID)
		}
		m.saveLocked()
		m.mu.Unlock()
		return
	}

	m.mu.Lock()
	account.OAuthToken = token
	m.saveLocked()
	m.mu.Unlock()
	log.Infof("refreshed OAuth token for account %.8s...", account.OrganizationUUID)
}
