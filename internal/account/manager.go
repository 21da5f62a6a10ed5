package account

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/clove-proxy/clove/internal/config"
	"github.com/clove-proxy/clove/internal/errdefs"
)

// Authenticator is the slice of the OAuth flow the pool needs: organisation
// discovery for new cookies, the cookie-to-token upgrade, and refresh. All
// methods return data rather than mutating accounts; the pool applies the
// results under its own lock.
type Authenticator interface {
	OrganizationInfo(ctx context.Context, cookie string) (orgUUID string, capabilities []string, err error)
	ObtainToken(ctx context.Context, cookie string) (*OAuthToken, error)
	RefreshAccessToken(ctx context.Context, refreshToken string) (*OAuthToken, error)
}

// Manager is the process-wide account pool.
type Manager struct {
	mu sync.Mutex

	accounts        map[string]*Account          // organization_uuid -> account
	cookieToUUID    map[string]string            // cookie_value -> organization_uuid
	sessionAccounts map[string]string            // session_id -> organization_uuid
	accountSessions map[string]map[string]struct{} // organization_uuid -> session ids

	maxSessionsPerAccount int
	taskInterval          time.Duration
	dataFolder            string
	noFilesystem          bool

	authenticator Authenticator
}

// AddOptions name the optional pieces of a new account.
type AddOptions struct {
	Cookie           string
	Token            *OAuthToken
	OrganizationUUID string
	Capabilities     []string
}

// NewManager builds the pool. authenticator may be nil in tests; organisation
// discovery and token upgrades are then skipped.
func NewManager(cfg *config.Config, authenticator Authenticator) *Manager {
	return &Manager{
		accounts:              make(map[string]*Account),
		cookieToUUID:          make(map[string]string),
		sessionAccounts:       make(map[string]string),
		accountSessions:       make(map[string]map[string]struct{}),
		maxSessionsPerAccount: cfg.MaxSessionsPerAccount,
		taskInterval:          time.Duration(cfg.AccountTaskInterval) * time.Second,
		dataFolder:            cfg.DataFolder,
		noFilesystem:          cfg.NoFilesystemMode,
		authenticator:         authenticator,
	}
}

// Add registers a new account or merges credentials into an existing one.
// At least one credential is required. A cookie without a known organisation
// triggers discovery through the authenticator; a cookie-only account kicks
// off an asynchronous token upgrade.
func (m *Manager) Add(ctx context.Context, opts AddOptions) (*Account, error) {
	if opts.Cookie == "" && opts.Token == nil {
		return nil, errors.New("either a cookie or an oauth token is required")
	}

	m.mu.Lock()
	if opts.Cookie != "" {
		if orgUUID, ok := m.cookieToUUID[opts.Cookie]; ok {
			existing := m.accounts[orgUUID]
			m.mu.Unlock()
			return existing, nil
		}
	}
	m.mu.Unlock()

	orgUUID := opts.OrganizationUUID
	capabilities := opts.Capabilities
	if opts.Cookie != "" && (orgUUID == "" || len(capabilities) == 0) && m.authenticator != nil {
		fetchedUUID, fetchedCaps, err := m.authenticator.OrganizationInfo(ctx, opts.Cookie)
		if err != nil {
			log.Warnf("organization discovery failed for new cookie: %v", err)
		} else {
			if fetchedUUID != "" {
				orgUUID = fetchedUUID
			}
			capabilities = fetchedCaps
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if orgUUID != "" {
		if existing, ok := m.accounts[orgUUID]; ok {
			if opts.Cookie != "" && existing.CookieValue != opts.Cookie {
				if existing.CookieValue != "" {
					delete(m.cookieToUUID, existing.CookieValue)
				}
				existing.CookieValue = opts.Cookie
				existing.recomputeAuthType()
				m.cookieToUUID[opts.Cookie] = orgUUID
			}
			if opts.Token != nil {
				existing.OAuthToken = opts.Token
				existing.recomputeAuthType()
			}
			m.saveLocked()
			return existing, nil
		}
	}

	if orgUUID == "" {
		orgUUID = uuid.NewString()
		log.Infof("generated new organization UUID: %s", orgUUID)
	}

	account := &Account{
		OrganizationUUID: orgUUID,
		Capabilities:     capabilities,
		CookieValue:      opts.Cookie,
		OAuthToken:       opts.Token,
		Status:           StatusValid,
		LastUsed:         time.Now(),
	}
	account.recomputeAuthType()

	m.accounts[orgUUID] = account
	if opts.Cookie != "" {
		m.cookieToUUID[opts.Cookie] = orgUUID
	}
	m.saveLocked()

	log.Infof("added account %.8s... (auth_type: %s, cookie: %t, oauth: %t)",
		orgUUID, account.AuthType, opts.Cookie != "", opts.Token != nil)

	if account.AuthType == AuthCookieOnly && m.authenticator != nil {
		go m.attemptOAuthUpgrade(account)
	}
	return account, nil
}

// Remove purges an account, its cookie mapping and every session binding.
func (m *Manager) Remove(orgUUID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	account, ok := m.accounts[orgUUID]
	if !ok {
		return
	}
	for sessionID := range m.accountSessions[orgUUID] {
		delete(m.sessionAccounts, sessionID)
	}
	delete(m.accountSessions, orgUUID)
	if account.CookieValue != "" {
		delete(m.cookieToUUID, account.CookieValue)
	}
	delete(m.accounts, orgUUID)
	m.saveLocked()
	log.Infof("removed account %.8s...", orgUUID)
}

// GetForSession returns the account bound to sessionID, or binds the least
// loaded valid cookie-capable account matching the capability filters.
// Nil filters mean "any".
func (m *Manager) GetForSession(sessionID string, isPro, isMax *bool) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if orgUUID, ok := m.sessionAccounts[sessionID]; ok {
		if account, exists := m.accounts[orgUUID]; exists {
			if account.Status == StatusValid {
				return account, nil
			}
		}
		delete(m.sessionAccounts, sessionID)
		if sessions, exists := m.accountSessions[orgUUID]; exists {
			delete(sessions, sessionID)
		}
	}

	var best *Account
	bestSessions := -1
	for _, account := range m.accounts {
		if account.Status != StatusValid || !account.HasCookie() {
			continue
		}
		if isPro != nil && account.IsPro() != *isPro {
			continue
		}
		if isMax != nil && account.IsMax() != *isMax {
			continue
		}
		sessionCount := len(m.accountSessions[account.OrganizationUUID])
		if sessionCount >= m.maxSessionsPerAccount {
			continue
		}
		if best == nil || sessionCount < bestSessions ||
			(sessionCount == bestSessions && account.LastUsed.Before(best.LastUsed)) {
			best = account
			bestSessions = sessionCount
		}
	}
	if best == nil {
		return nil, errdefs.NoAccountsAvailable()
	}

	m.sessionAccounts[sessionID] = best.OrganizationUUID
	if m.accountSessions[best.OrganizationUUID] == nil {
		m.accountSessions[best.OrganizationUUID] = make(map[string]struct{})
	}
	m.accountSessions[best.OrganizationUUID][sessionID] = struct{}{}
	log.Debugf("assigned account %.8s... to session %s (%d sessions)",
		best.OrganizationUUID, sessionID, len(m.accountSessions[best.OrganizationUUID]))
	return best, nil
}

// GetForOAuth returns the valid OAuth-capable account with the oldest
// last_used timestamp, applying the capability filters.
func (m *Manager) GetForOAuth(isPro, isMax *bool) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var earliest *Account
	for _, account := range m.accounts {
		if account.Status != StatusValid || !account.HasOAuth() {
			continue
		}
		if isPro != nil && account.IsPro() != *isPro {
			continue
		}
		if isMax != nil && account.IsMax() != *isMax {
			continue
		}
		if earliest == nil || account.LastUsed.Before(earliest.LastUsed) {
			earliest = account
		}
	}
	if earliest == nil {
		return nil, errdefs.NoAccountsAvailable()
	}
	log.Debugf("selected OAuth account %.8s... (last used: %s)",
		earliest.OrganizationUUID, earliest.LastUsed.Format(time.RFC3339))
	return earliest, nil
}

// GetByID is the stickiness lookup used by the prompt-cache registry.
func (m *Manager) GetByID(orgUUID string) (*Account, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	account, ok := m.accounts[orgUUID]
	return account, ok
}

// ReleaseSession breaks a session binding.
func (m *Manager) ReleaseSession(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	orgUUID, ok := m.sessionAccounts[sessionID]
	if !ok {
		return
	}
	delete(m.sessionAccounts, sessionID)
	if sessions, exists := m.accountSessions[orgUUID]; exists {
		delete(sessions, sessionID)
	}
	log.Debugf("released account for session %s", sessionID)
}

// SessionCount reports how many sessions are bound to an account.
func (m *Manager) SessionCount(orgUUID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.accountSessions[orgUUID])
}

// ActiveSessions reports the number of bound sessions pool-wide.
func (m *Manager) ActiveSessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessionAccounts)
}

// ValidAccounts counts accounts currently able to serve.
func (m *Manager) ValidAccounts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, account := range m.accounts {
		if account.Status == StatusValid {
			count++
		}
	}
	return count
}

// List snapshots every account in the pool.
func (m *Manager) List() []*Account {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Account, 0, len(m.accounts))
	for _, account := range m.accounts {
		out = append(out, account)
	}
	return out
}

// CountByStatus tallies accounts per lifecycle state.
func (m *Manager) CountByStatus() map[Status]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[Status]int, 3)
	for _, account := range m.accounts {
		counts[account.Status]++
	}
	return counts
}

// Update applies an admin edit: replace credentials, capabilities or status.
// Setting the status to valid clears resets_at.
func (m *Manager) Update(orgUUID string, mutate func(*Account)) (*Account, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	account, ok := m.accounts[orgUUID]
	if !ok {
		return nil, false
	}
	oldCookie := account.CookieValue
	mutate(account)
	account.recomputeAuthType()
	if account.Status == StatusValid {
		account.ResetsAt = nil
	}
	if account.CookieValue != oldCookie {
		if oldCookie != "" {
			delete(m.cookieToUUID, oldCookie)
		}
		if account.CookieValue != "" {
			m.cookieToUUID[account.CookieValue] = orgUUID
		}
	}
	m.saveLocked()
	return account, true
}

func (m *Manager) attemptOAuthUpgrade(account *Account) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	m.mu.Lock()
	cookie := account.CookieValue
	m.mu.Unlock()

	log.Infof("attempting OAuth authentication for account %.8s...", account.OrganizationUUID)
	token, err := m.authenticator.ObtainToken(ctx, cookie)
	if err != nil {
		log.Warnf("OAuth authentication failed for account %.8s..., keeping cookie-only: %v",
			account.OrganizationUUID, err)
		return
	}
	m.mu.Lock()
	account.OAuthToken = token
	account.recomputeAuthType()
	m.saveLocked()
	m.mu.Unlock()
	log.Infof("OAuth authentication successful for account %.8s...", account.OrganizationUUID)
}
