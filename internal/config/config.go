// Package config provides configuration management for the proxy server.
// Settings come from three layers: compiled-in defaults, an optional YAML
// file, and a JSON override snapshot inside the data folder that the admin
// settings API writes. Only overridden fields live in the snapshot.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application's configuration.
type Config struct {
	// Host is the network interface the API server binds to.
	Host string `yaml:"host" json:"host,omitempty"`

	// Port is the network port on which the API server will listen.
	Port int `yaml:"port" json:"port,omitempty"`

	// DataFolder is the directory where accounts, settings overrides and
	// statistics are persisted.
	DataFolder string `yaml:"data-folder" json:"data_folder,omitempty"`

	// Debug enables debug-level logging and gin debug mode.
	Debug bool `yaml:"debug" json:"debug,omitempty"`

	// LogToFile redirects logs to a rotating file instead of stdout;
	// LogFilePath is where the file lives.
	LogToFile   bool   `yaml:"log-to-file" json:"log_to_file,omitempty"`
	LogFilePath string `yaml:"log-file-path" json:"log_file_path,omitempty"`

	// DefaultLanguage selects the catalog used to render error messages.
	DefaultLanguage string `yaml:"default-language" json:"default_language,omitempty"`

	// NoFilesystemMode disables every persistence path; all state stays
	// in memory.
	NoFilesystemMode bool `yaml:"no-filesystem-mode" json:"no_filesystem_mode,omitempty"`

	// ProxyURL is the URL of an optional proxy server for outbound requests.
	ProxyURL string `yaml:"proxy-url" json:"proxy_url,omitempty"`

	// APIKeys is a list of keys for authenticating clients to this proxy server.
	APIKeys []string `yaml:"api-keys" json:"api_keys,omitempty"`

	// AdminAPIKeys is a list of keys accepted by the admin endpoints.
	AdminAPIKeys []string `yaml:"admin-api-keys" json:"admin_api_keys,omitempty"`

	// ClaudeAIURL is the base URL of the Claude.ai web application.
	ClaudeAIURL string `yaml:"claude-ai-url" json:"claude_ai_url,omitempty"`

	// ClaudeAPIBaseURL is the base URL of the Anthropic Messages API.
	ClaudeAPIBaseURL string `yaml:"claude-api-baseurl" json:"claude_api_baseurl,omitempty"`

	// Cookies seed the account pool at boot.
	Cookies []string `yaml:"cookies" json:"cookies,omitempty"`

	// CustomPrompt is injected ahead of the merged prompt on the web path.
	CustomPrompt string `yaml:"custom-prompt" json:"custom_prompt,omitempty"`

	// UseRealRoles prefixes role markers with \x08 so Claude.ai renders
	// them as real conversation turns.
	UseRealRoles bool `yaml:"use-real-roles" json:"use_real_roles,omitempty"`

	// HumanName and AssistantName are the role marker labels.
	HumanName     string `yaml:"human-name" json:"human_name,omitempty"`
	AssistantName string `yaml:"assistant-name" json:"assistant_name,omitempty"`

	// PadTokens is the alphabet used for prompt padding; PadtxtLength is
	// the number of padding characters prepended (0 disables padding).
	PadTokens    []string `yaml:"pad-tokens" json:"pad_tokens,omitempty"`
	PadtxtLength int      `yaml:"padtxt-length" json:"padtxt_length,omitempty"`

	// AllowExternalImages permits downloading image URLs referenced by
	// client requests.
	AllowExternalImages bool `yaml:"allow-external-images" json:"allow_external_images,omitempty"`

	// PreserveChats keeps Claude.ai conversations instead of deleting them
	// on session cleanup.
	PreserveChats bool `yaml:"preserve-chats" json:"preserve_chats,omitempty"`

	// RequestTimeout bounds a single upstream request in seconds.
	RequestTimeout int `yaml:"request-timeout" json:"request_timeout,omitempty"`

	// RequestRetries and RequestRetryInterval govern transport-level
	// connection retries.
	RequestRetries       int `yaml:"request-retries" json:"request_retries,omitempty"`
	RequestRetryInterval int `yaml:"request-retry-interval" json:"request_retry_interval,omitempty"`

	// RetryAttempts and RetryInterval govern whole-pipeline retries on
	// retryable errors.
	RetryAttempts int `yaml:"retry-attempts" json:"retry_attempts,omitempty"`
	RetryInterval int `yaml:"retry-interval" json:"retry_interval,omitempty"`

	// SessionTimeout is the web session idle timeout in seconds;
	// SessionCleanupInterval is the eviction sweep period.
	SessionTimeout         int `yaml:"session-timeout" json:"session_timeout,omitempty"`
	SessionCleanupInterval int `yaml:"session-cleanup-interval" json:"session_cleanup_interval,omitempty"`

	// MaxSessionsPerAccount caps concurrent web sessions per account.
	MaxSessionsPerAccount int `yaml:"max-sessions-per-account" json:"max_sessions_per_account,omitempty"`

	// AccountTaskInterval is the period of the account recovery/refresh loop.
	AccountTaskInterval int `yaml:"account-task-interval" json:"account_task_interval,omitempty"`

	// ToolCallTimeout / ToolCallCleanupInterval govern the tool-call registry.
	ToolCallTimeout         int `yaml:"tool-call-timeout" json:"tool_call_timeout,omitempty"`
	ToolCallCleanupInterval int `yaml:"tool-call-cleanup-interval" json:"tool_call_cleanup_interval,omitempty"`

	// CacheTimeout / CacheCleanupInterval govern the prompt-cache registry.
	CacheTimeout         int `yaml:"cache-timeout" json:"cache_timeout,omitempty"`
	CacheCleanupInterval int `yaml:"cache-cleanup-interval" json:"cache_cleanup_interval,omitempty"`

	// OAuth endpoints. OAuthAuthorizeURL carries an {organization_uuid}
	// placeholder.
	OAuthClientID     string `yaml:"oauth-client-id" json:"oauth_client_id,omitempty"`
	OAuthAuthorizeURL string `yaml:"oauth-authorize-url" json:"oauth_authorize_url,omitempty"`
	OAuthTokenURL     string `yaml:"oauth-token-url" json:"oauth_token_url,omitempty"`
	OAuthRedirectURI  string `yaml:"oauth-redirect-uri" json:"oauth_redirect_uri,omitempty"`

	// MaxModels lists models that require max-plan accounts.
	MaxModels []string `yaml:"max-models" json:"max_models,omitempty"`
}

// DefaultConfig returns a Config populated with the built-in defaults.
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Host:                    "0.0.0.0",
		Port:                    5201,
		DataFolder:              filepath.Join(home, ".clove", "data"),
		LogFilePath:             filepath.Join("logs", "clove.log"),
		DefaultLanguage:         "en",
		ClaudeAIURL:             "https://claude.ai",
		ClaudeAPIBaseURL:        "https://api.anthropic.com",
		UseRealRoles:            true,
		HumanName:               "Human",
		AssistantName:           "Assistant",
		RequestTimeout:          60,
		RequestRetries:          3,
		RequestRetryInterval:    1,
		RetryAttempts:           3,
		RetryInterval:           1,
		SessionTimeout:          300,
		SessionCleanupInterval:  30,
		MaxSessionsPerAccount:   3,
		AccountTaskInterval:     60,
		ToolCallTimeout:         300,
		ToolCallCleanupInterval: 60,
		CacheTimeout:            300,
		CacheCleanupInterval:    60,
		OAuthClientID:           "9d1c250a-e61b-44d9-88ed-5944d1962f5e",
		OAuthAuthorizeURL:       "https://claude.ai/v1/oauth/{organization_uuid}/authorize",
		OAuthTokenURL:           "https://console.anthropic.com/v1/oauth/token",
		OAuthRedirectURI:        "https://console.anthropic.com/oauth/code/callback",
		MaxModels:               []string{"claude-opus-4-20250514"},
	}
}

// LoadConfig reads the YAML configuration file at configFile, overlays it on
// the defaults, then overlays the JSON override snapshot from the data
// folder. A missing YAML file is not an error; the defaults apply.
func LoadConfig(configFile string) (*Config, error) {
	cfg := DefaultConfig()

	if configFile != "" {
		data, err := os.ReadFile(configFile)
		if err == nil {
			if err = yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if !cfg.NoFilesystemMode {
		if err := applyOverrideFile(cfg, OverridePath(cfg.DataFolder)); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// OverridePath returns the location of the JSON override snapshot.
func OverridePath(dataFolder string) string {
	return filepath.Join(dataFolder, "config.json")
}

// RequestTimeoutDuration converts the request timeout setting for transport use.
func (c *Config) RequestTimeoutDuration() time.Duration {
	return time.Duration(c.RequestTimeout) * time.Second
}

// SessionTimeoutDuration converts the session idle timeout setting.
func (c *Config) SessionTimeoutDuration() time.Duration {
	return time.Duration(c.SessionTimeout) * time.Second
}

// IsMaxModel reports whether model requires a max-plan account.
func (c *Config) IsMaxModel(model string) bool {
	for _, m := range c.MaxModels {
		if m == model {
			return true
		}
	}
	return false
}
