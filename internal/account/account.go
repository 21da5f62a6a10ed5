// Package account implements the credential pool: the account model, load
// balanced selection with session stickiness, rate-limit accounting, OAuth
// refresh and recovery loops, and JSON persistence.
package account

import (
	"strings"
	"time"
)

// Status is the lifecycle state of an account.
type Status string

const (
	StatusValid       Status = "valid"
	StatusInvalid     Status = "invalid"
	StatusRateLimited Status = "rate_limited"
)

// AuthType describes which credentials an account carries.
type AuthType string

const (
	AuthCookieOnly AuthType = "cookie_only"
	AuthOAuthOnly  AuthType = "oauth_only"
	AuthBoth       AuthType = "both"
)

// OAuthToken is the bearer credential triple.
type OAuthToken struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresAt    int64  `json:"expires_at"`
}

// Account is the unit of credential. Fields are guarded by the owning
// Manager's lock; callers outside the package treat accounts as read-mostly
// snapshots.
type Account struct {
	OrganizationUUID string      `json:"organization_uuid"`
	Capabilities     []string    `json:"capabilities"`
	CookieValue      string      `json:"cookie_value,omitempty"`
	Status           Status      `json:"status"`
	AuthType         AuthType    `json:"auth_type"`
	LastUsed         time.Time   `json:"last_used"`
	ResetsAt         *time.Time  `json:"resets_at"`
	OAuthToken       *OAuthToken `json:"oauth_token"`
}

var proKeywords = []string{"pro", "enterprise", "raven", "max"}

// IsPro reports whether any capability names a paid tier.
func (a *Account) IsPro() bool {
	for _, cap := range a.Capabilities {
		lower := strings.ToLower(cap)
		for _, keyword := range proKeywords {
			if strings.Contains(lower, keyword) {
				return true
			}
		}
	}
	return false
}

// IsMax reports whether any capability names the max tier.
func (a *Account) IsMax() bool {
	for _, cap := range a.Capabilities {
		if strings.Contains(strings.ToLower(cap), "max") {
			return true
		}
	}
	return false
}

// HasCookie reports whether the account can drive the web path.
func (a *Account) HasCookie() bool {
	return a.AuthType == AuthCookieOnly || a.AuthType == AuthBoth
}

// HasOAuth reports whether the account can drive the API path.
func (a *Account) HasOAuth() bool {
	return a.AuthType == AuthOAuthOnly || a.AuthType == AuthBoth
}

// recomputeAuthType derives AuthType from credential presence.
func (a *Account) recomputeAuthType() {
	switch {
	case a.CookieValue != "" && a.OAuthToken != nil:
		a.AuthType = AuthBoth
	case a.CookieValue != "":
		a.AuthType = AuthCookieOnly
	default:
		a.AuthType = AuthOAuthOnly
	}
}
