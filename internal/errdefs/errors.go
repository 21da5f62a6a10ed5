// Package errdefs defines the closed error taxonomy used across the proxy.
// Every failure surfaced to a client maps to one of these errors, each
// carrying a six-digit code, an i18n message key, an HTTP status, optional
// context values, and a retryable flag consumed by the top-level handler.
package errdefs

import (
	"errors"
	"fmt"
	"time"
)

// Error is the single concrete error type of the taxonomy.
type Error struct {
	Code      int
	Key       string
	Status    int
	Context   map[string]any
	Retryable bool

	// ResetsAt is set only for rate-limit errors.
	ResetsAt time.Time
}

func (e *Error) Error() string {
	return fmt.Sprintf("error %d (%s): status=%d context=%v", e.Code, e.Key, e.Status, e.Context)
}

// As extracts an *Error from err, unwrapping as needed.
func As(err error) (*Error, bool) {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// IsRetryable reports whether err is a taxonomy error marked retryable.
func IsRetryable(err error) bool {
	if appErr, ok := As(err); ok {
		return appErr.Retryable
	}
	return false
}

// Is matches two taxonomy errors by code, so errors.Is(err, NoAccountsAvailable())
// works without comparing context maps.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Code == other.Code
	}
	return false
}

func hasCode(err error, code int) bool {
	appErr, ok := As(err)
	return ok && appErr.Code == code
}

// IsRateLimited reports whether err is a Claude rate-limit error.
func IsRateLimited(err error) bool { return hasCode(err, 429120) }

// IsOrganizationDisabled reports whether err marks a disabled organisation.
func IsOrganizationDisabled(err error) bool { return hasCode(err, 400122) }

// IsNoAccountsAvailable reports whether err is a pool exhaustion error.
func IsNoAccountsAvailable(err error) bool { return hasCode(err, 503100) }

// IsInvalidModelName reports whether err is a model rejection.
func IsInvalidModelName(err error) bool { return hasCode(err, 400123) }

// Internal wraps unexpected failures that escaped classification.
func Internal() *Error {
	return &Error{Code: 500000, Key: "global.internalServerError", Status: 500, Context: map[string]any{}}
}

func NoAPIKeyProvided() *Error {
	return &Error{Code: 401010, Key: "global.noAPIKeyProvided", Status: 401, Context: map[string]any{}}
}

func InvalidAPIKey() *Error {
	return &Error{Code: 401011, Key: "global.invalidAPIKey", Status: 401, Context: map[string]any{}}
}

func NoAccountsAvailable() *Error {
	return &Error{Code: 503100, Key: "accountManager.noAccountsAvailable", Status: 503, Context: map[string]any{}}
}

// ClaudeRateLimited carries the upstream reset time both as a typed field
// and as an RFC 3339 string in the context for rendering.
func ClaudeRateLimited(resetsAt time.Time) *Error {
	return &Error{
		Code:      429120,
		Key:       "claudeClient.claudeRateLimited",
		Status:    429,
		Context:   map[string]any{"resets_at": resetsAt.UTC().Format("2006-01-02T15:04:05Z")},
		Retryable: true,
		ResetsAt:  resetsAt,
	}
}

func CloudflareBlocked() *Error {
	return &Error{Code: 503121, Key: "claudeClient.cloudflareBlocked", Status: 503, Context: map[string]any{}}
}

func OrganizationDisabled() *Error {
	return &Error{Code: 400122, Key: "claudeClient.organizationDisabled", Status: 400, Context: map[string]any{}, Retryable: true}
}

func InvalidModelName(model string) *Error {
	return &Error{
		Code:    400123,
		Key:     "claudeClient.invalidModelName",
		Status:  400,
		Context: map[string]any{"model_name": model},
	}
}

func ClaudeAuthentication() *Error {
	return &Error{Code: 400124, Key: "claudeClient.authenticationError", Status: 400, Context: map[string]any{}}
}

// OAuthNotAllowed covers upstream 401s stating that OAuth authentication is
// currently not allowed for the account.
func OAuthNotAllowed() *Error {
	return &Error{Code: 401125, Key: "claudeClient.oauthNotAllowed", Status: 401, Context: map[string]any{}}
}

// ClaudeHTTP is the catch-all for unclassified upstream failures. The HTTP
// status passes through to the client.
func ClaudeHTTP(url string, status int, errorType string, errorMessage any) *Error {
	return &Error{
		Code:   503130,
		Key:    "claudeClient.httpError",
		Status: status,
		Context: map[string]any{
			"url":           url,
			"status_code":   status,
			"error_type":    errorType,
			"error_message": errorMessage,
		},
		Retryable: true,
	}
}

func NoValidMessages() *Error {
	return &Error{Code: 400140, Key: "messageProcessor.noValidMessages", Status: 400, Context: map[string]any{}}
}

func ExternalImageDownload(url string) *Error {
	return &Error{
		Code:    503141,
		Key:     "messageProcessor.externalImageDownloadError",
		Status:  503,
		Context: map[string]any{"url": url},
	}
}

func ExternalImageNotAllowed(url string) *Error {
	return &Error{
		Code:    400142,
		Key:     "messageProcessor.externalImageNotAllowed",
		Status:  400,
		Context: map[string]any{"url": url},
	}
}

func NoResponse() *Error {
	return &Error{Code: 503160, Key: "pipeline.noResponse", Status: 503, Context: map[string]any{}}
}

func OAuthExchange(reason string) *Error {
	if reason == "" {
		reason = "Unknown"
	}
	return &Error{Code: 400180, Key: "oauthService.oauthExchangeError", Status: 400, Context: map[string]any{"reason": reason}}
}

func OrganizationInfo(reason string) *Error {
	if reason == "" {
		reason = "Unknown"
	}
	return &Error{Code: 503181, Key: "oauthService.organizationInfoError", Status: 503, Context: map[string]any{"reason": reason}}
}

func CookieAuthorization(reason string) *Error {
	if reason == "" {
		reason = "Unknown"
	}
	return &Error{Code: 400182, Key: "oauthService.cookieAuthorizationError", Status: 400, Context: map[string]any{"reason": reason}}
}

func ClaudeStreaming(errorType, errorMessage string) *Error {
	return &Error{
		Code:   503500,
		Key:    "processors.nonStreamingResponseProcessor.streamingError",
		Status: 503,
		Context: map[string]any{
			"error_type":    errorType,
			"error_message": errorMessage,
		},
		Retryable: true,
	}
}

func NoMessage() *Error {
	return &Error{Code: 503501, Key: "processors.nonStreamingResponseProcessor.noMessage", Status: 503, Context: map[string]any{}, Retryable: true}
}
