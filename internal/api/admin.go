package api

import (
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/clove-proxy/clove/internal/account"
)

type oauthTokenBody struct {
	AccessToken  string  `json:"access_token" binding:"required"`
	RefreshToken string  `json:"refresh_token" binding:"required"`
	ExpiresAt    float64 `json:"expires_at" binding:"required"`
}

func (b *oauthTokenBody) toToken() *account.OAuthToken {
	return &account.OAuthToken{
		AccessToken:  b.AccessToken,
		RefreshToken: b.RefreshToken,
		ExpiresAt:    int64(b.ExpiresAt),
	}
}

type accountCreateBody struct {
	CookieValue      string          `json:"cookie_value"`
	OAuthToken       *oauthTokenBody `json:"oauth_token"`
	OrganizationUUID string          `json:"organization_uuid"`
	Capabilities     []string        `json:"capabilities"`
}

type accountUpdateBody struct {
	CookieValue  *string         `json:"cookie_value"`
	OAuthToken   *oauthTokenBody `json:"oauth_token"`
	Capabilities []string        `json:"capabilities"`
	Status       *account.Status `json:"status"`
}

type oauthExchangeBody struct {
	OrganizationUUID string   `json:"organization_uuid" binding:"required"`
	Code             string   `json:"code" binding:"required"`
	PKCEVerifier     string   `json:"pkce_verifier" binding:"required"`
	Capabilities     []string `json:"capabilities"`
}

// accountResponse is the admin view of an account. Cookie values are masked.
func accountResponse(acct *account.Account) gin.H {
	var cookie any
	if acct.CookieValue != "" {
		masked := acct.CookieValue
		if len(masked) > 20 {
			masked = masked[:20]
		}
		cookie = masked + "..."
	}
	var resetsAt any
	if acct.ResetsAt != nil {
		resetsAt = acct.ResetsAt.UTC().Format(time.RFC3339)
	}
	return gin.H{
		"organization_uuid": acct.OrganizationUUID,
		"capabilities":      acct.Capabilities,
		"cookie_value":      cookie,
		"status":            acct.Status,
		"auth_type":         acct.AuthType,
		"is_pro":            acct.IsPro(),
		"is_max":            acct.IsMax(),
		"has_oauth":         acct.OAuthToken != nil,
		"last_used":         acct.LastUsed.UTC().Format(time.RFC3339),
		"resets_at":         resetsAt,
	}
}

func (s *Server) listAccounts(c *gin.Context) {
	accounts := s.pool.List()
	sort.Slice(accounts, func(i, j int) bool {
		return accounts[i].OrganizationUUID < accounts[j].OrganizationUUID
	})

	out := make([]gin.H, 0, len(accounts))
	for _, acct := range accounts {
		out = append(out, accountResponse(acct))
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) getAccount(c *gin.Context) {
	acct, ok := s.pool.GetByID(c.Param("organization_uuid"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"detail": "Account not found"})
		return
	}
	c.JSON(http.StatusOK, accountResponse(acct))
}

func (s *Server) createAccount(c *gin.Context) {
	var body accountCreateBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}

	opts := account.AddOptions{
		Cookie:           body.CookieValue,
		OrganizationUUID: body.OrganizationUUID,
		Capabilities:     body.Capabilities,
	}
	if body.OAuthToken != nil {
		opts.Token = body.OAuthToken.toToken()
	}

	acct, err := s.pool.Add(c.Request.Context(), opts)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}
	c.JSON(http.StatusOK, accountResponse(acct))
}

func (s *Server) updateAccount(c *gin.Context) {
	var body accountUpdateBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}

	acct, ok := s.pool.Update(c.Param("organization_uuid"), func(a *account.Account) {
		if body.CookieValue != nil {
			a.CookieValue = *body.CookieValue
		}
		if body.OAuthToken != nil {
			a.OAuthToken = body.OAuthToken.toToken()
		}
		if body.Capabilities != nil {
			a.Capabilities = body.Capabilities
		}
		if body.Status != nil {
			a.Status = *body.Status
		}
	})
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"detail": "Account not found"})
		return
	}
	c.JSON(http.StatusOK, accountResponse(acct))
}

func (s *Server) deleteAccount(c *gin.Context) {
	orgUUID := c.Param("organization_uuid")
	if _, ok := s.pool.GetByID(orgUUID); !ok {
		c.JSON(http.StatusNotFound, gin.H{"detail": "Account not found"})
		return
	}
	s.pool.Remove(orgUUID)
	c.JSON(http.StatusOK, gin.H{"message": "Account deleted successfully"})
}

// exchangeOAuthCode completes a PKCE flow started out of band and registers
// the resulting account.
func (s *Server) exchangeOAuthCode(c *gin.Context) {
	var body oauthExchangeBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}

	token, err := s.authenticator.ExchangeToken(c.Request.Context(), body.Code, body.PKCEVerifier)
	if err != nil {
		s.renderError(c, err)
		return
	}

	acct, err := s.pool.Add(c.Request.Context(), account.AddOptions{
		Token:            token,
		OrganizationUUID: body.OrganizationUUID,
		Capabilities:     body.Capabilities,
	})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}
	log.Infof("registered OAuth account %.8s... via code exchange", acct.OrganizationUUID)
	c.JSON(http.StatusOK, accountResponse(acct))
}

func (s *Server) getSettings(c *gin.Context) {
	c.JSON(http.StatusOK, s.store.Get())
}

func (s *Server) updateSettings(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "failed to read request body"})
		return
	}

	cfg, err := s.store.Update(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}
	c.JSON(http.StatusOK, cfg)
}

func (s *Server) getStatistics(c *gin.Context) {
	counts := s.pool.CountByStatus()
	total := 0
	for _, n := range counts {
		total += n
	}

	status := "degraded"
	if counts[account.StatusValid] > 0 {
		status = "healthy"
	}

	usage, err := s.stats.Load()
	if err != nil {
		log.Warnf("failed to load statistics counters: %v", err)
	}

	response := gin.H{
		"status": status,
		"accounts": gin.H{
			"total_accounts":        total,
			"valid_accounts":        counts[account.StatusValid],
			"rate_limited_accounts": counts[account.StatusRateLimited],
			"invalid_accounts":      counts[account.StatusInvalid],
			"active_sessions":       s.pool.ActiveSessions(),
		},
	}
	if usage != nil {
		response["usage"] = usage
	}
	c.JSON(http.StatusOK, response)
}
