package account

import (
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/clove-proxy/clove/internal/errdefs"
)

// Borrowed scopes one upstream attempt to an account. Borrow refreshes
// last_used; Release classifies the attempt's error and mutates the account
// state accordingly. This replaces exception-driven state transitions with
// an explicit guard.
type Borrowed struct {
	manager *Manager
	account *Account
}

// Borrow marks the account as used and returns the release guard.
func (m *Manager) Borrow(account *Account) *Borrowed {
	m.mu.Lock()
	account.LastUsed = time.Now()
	m.mu.Unlock()
	return &Borrowed{manager: m, account: account}
}

// Account returns the borrowed account.
func (b *Borrowed) Account() *Account {
	return b.account
}

// Release inspects err: a rate-limit error parks the account until the
// carried reset time, a disabled-organisation error invalidates it. Any
// other error leaves the account untouched.
func (b *Borrowed) Release(err error) {
	if err == nil {
		return
	}
	appErr, ok := errdefs.As(err)
	if !ok {
		return
	}

	switch {
	case errdefs.IsRateLimited(appErr):
		b.manager.mu.Lock()
		b.account.Status = StatusRateLimited
		resetsAt := appErr.ResetsAt
		b.account.ResetsAt = &resetsAt
		b.manager.saveLocked()
		b.manager.mu.Unlock()
		log.Warnf("account %.8s... rate limited until %s",
			b.account.OrganizationUUID, resetsAt.Format("2006-01-02T15:04:05Z07:00"))
	case errdefs.IsOrganizationDisabled(appErr):
		b.manager.mu.Lock()
		b.account.Status = StatusInvalid
		b.manager.saveLocked()
		b.manager.mu.Unlock()
		log.Warnf("account %.8s... invalidated: organization disabled", b.account.OrganizationUUID)
	}
}
