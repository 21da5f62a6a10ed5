// Package i18n resolves error message keys to human-readable text.
// The English catalog is compiled in; additional languages can be layered
// on top at startup. Messages support {variable} interpolation from an
// error's context map.
package i18n

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

const defaultLanguage = "en"

var placeholderRe = regexp.MustCompile(`\{([^}]+)\}`)

var catalogs = map[string]map[string]string{
	"en": {
		"global.internalServerError":                                "An internal server error occurred.",
		"global.noAPIKeyProvided":                                   "No API key provided.",
		"global.invalidAPIKey":                                      "Invalid API key.",
		"accountManager.noAccountsAvailable":                        "No accounts are available to serve this request.",
		"claudeClient.claudeRateLimited":                            "The account is rate limited until {resets_at}.",
		"claudeClient.cloudflareBlocked":                            "Request blocked by a Cloudflare challenge.",
		"claudeClient.organizationDisabled":                         "The organization behind this account has been disabled.",
		"claudeClient.invalidModelName":                             "Invalid model name: {model_name}.",
		"claudeClient.authenticationError":                          "Authentication with Claude failed.",
		"claudeClient.oauthNotAllowed":                              "OAuth authentication is currently not allowed.",
		"claudeClient.httpError":                                    "Upstream request to {url} failed with status {status_code}.",
		"messageProcessor.noValidMessages":                          "The request contains no valid messages.",
		"messageProcessor.externalImageDownloadError":               "Failed to download external image: {url}.",
		"messageProcessor.externalImageNotAllowed":                  "External image URLs are not allowed: {url}.",
		"pipeline.noResponse":                                       "No processor produced a response.",
		"oauthService.oauthExchangeError":                           "OAuth token exchange failed: {reason}.",
		"oauthService.organizationInfoError":                        "Failed to fetch organization information: {reason}.",
		"oauthService.cookieAuthorizationError":                     "Cookie authorization failed: {reason}.",
		"processors.nonStreamingResponseProcessor.streamingError":   "Upstream stream reported an error: {error_type}: {error_message}.",
		"processors.nonStreamingResponseProcessor.noMessage":        "The upstream stream produced no message.",
	},
}

// Register adds or replaces the catalog for a language code.
func Register(language string, messages map[string]string) {
	catalogs[strings.ToLower(language)] = messages
}

// Message resolves key in the given language, interpolating context values.
// Falls back to English, then to the key itself.
func Message(key, language string, context map[string]any) string {
	if catalog, ok := catalogs[strings.ToLower(language)]; ok {
		if msg, ok := catalog[key]; ok {
			return interpolate(msg, context)
		}
	}
	if msg, ok := catalogs[defaultLanguage][key]; ok {
		return interpolate(msg, context)
	}
	return key
}

func interpolate(msg string, context map[string]any) string {
	if len(context) == 0 {
		return msg
	}
	return placeholderRe.ReplaceAllStringFunc(msg, func(match string) string {
		name := match[1 : len(match)-1]
		v, ok := context[name]
		if !ok {
			return match
		}
		return stringify(v)
	})
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprintf("%v", t)
	}
}

// ParseAcceptLanguage picks the best supported language from an
// Accept-Language header value, defaulting to English.
func ParseAcceptLanguage(header string) string {
	if header == "" {
		return defaultLanguage
	}
	type candidate struct {
		lang    string
		quality float64
	}
	var candidates []candidate
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		lang := part
		quality := 1.0
		if idx := strings.Index(part, ";"); idx >= 0 {
			lang = part[:idx]
			if eq := strings.Index(part[idx:], "="); eq >= 0 {
				if q, err := strconv.ParseFloat(strings.TrimSpace(part[idx+eq+1:]), 64); err == nil {
					quality = q
				}
			}
		}
		primary := strings.ToLower(strings.SplitN(lang, "-", 2)[0])
		candidates = append(candidates, candidate{lang: primary, quality: quality})
	}
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].quality > candidates[j].quality })
	for _, c := range candidates {
		if _, ok := catalogs[c.lang]; ok {
			return c.lang
		}
	}
	return defaultLanguage
}
