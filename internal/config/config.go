// Package config provides configuration management for the AgentGate server.
// It handles loading and parsing YAML configuration files, applies environment
// overrides, and provides structured access to application settings including
// server port, account store location, debug settings, proxy configuration,
// and inbound API keys.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config represents the application's configuration, loaded from a YAML file.
type Config struct {
	// Port is the network port on which the API server will listen.
	Port int `yaml:"port"`

	// AuthDir is the directory holding the account store and request logs.
	AuthDir string `yaml:"auth-dir"`

	// StorePath is the bbolt database file holding accounts and proxy keys.
	// Defaults to <auth-dir>/agentgate.db when empty.
	StorePath string `yaml:"store-path"`

	// CipherKey is the base64 master key used to encrypt credentials at rest.
	// Overridden by AGENTGATE_CIPHER_KEY.
	CipherKey string `yaml:"cipher-key"`

	// BaseURL is the externally reachable base URL used in OAuth redirects.
	// Overridden by AGENTGATE_BASE_URL.
	BaseURL string `yaml:"base-url"`

	// Debug enables or disables debug-level logging and other debug features.
	Debug bool `yaml:"debug"`

	// ProxyURL is the URL of an optional proxy server to use for outbound requests.
	ProxyURL string `yaml:"proxy-url"`

	// APIKeys is a list of static keys for authenticating clients to this proxy.
	// Keys issued through the management API live in the store instead.
	APIKeys []string `yaml:"api-keys"`

	// RequestLog enables or disables detailed request logging functionality.
	RequestLog bool `yaml:"request-log"`

	// LoggingToFile redirects process logs to rotating files under ./logs
	// instead of stdout.
	LoggingToFile bool `yaml:"logging-to-file"`

	// RequestRetry defines how many alternate accounts are tried when the
	// upstream call fails with a retryable status.
	RequestRetry int `yaml:"request-retry"`

	// RetryBackoffMs is the base backoff in milliseconds applied between
	// attempts after a retryable 5xx.
	RetryBackoffMs int `yaml:"retry-backoff-ms"`

	// RemoteManagement guards the /v0/management endpoints. Empty disables them.
	RemoteManagement RemoteManagement `yaml:"remote-management"`

	// GeminiCLIProjectID overrides the Code Assist project id. Overridden by
	// GEMINI_CLI_PROJECT_ID.
	GeminiCLIProjectID string `yaml:"gemini-cli-project-id"`

	// ProviderCredentials overrides the built-in OAuth client id/secret pairs,
	// keyed by provider name.
	ProviderCredentials map[string]ProviderCredential `yaml:"provider-credentials"`

	// OpenAICompatibility registers static API-key accounts for providers that
	// speak plain chat.completions (Nvidia NIM, Ollama Cloud, OpenRouter, or
	// arbitrary compatible endpoints).
	OpenAICompatibility []OpenAICompatibility `yaml:"openai-compatibility"`

	// AllowLocalhostUnauthenticated allows unauthenticated requests from localhost.
	AllowLocalhostUnauthenticated bool `yaml:"allow-localhost-unauthenticated"`
}

// RemoteManagement holds the management API access secret.
type RemoteManagement struct {
	// SecretKey authenticates management API calls. Empty disables the API.
	SecretKey string `yaml:"secret-key"`
}

// ProviderCredential overrides the OAuth client for one provider.
type ProviderCredential struct {
	// ClientID is the OAuth client id registered with the provider.
	ClientID string `yaml:"client-id"`

	// ClientSecret is the OAuth client secret, when the provider issues one.
	ClientSecret string `yaml:"client-secret"`
}

// OpenAICompatibility represents a static API-key account for an
// OpenAI-compatible upstream, allowing model aliases to be routed through it.
type OpenAICompatibility struct {
	// Name is the identifier for this compatibility configuration. When it
	// matches a canonical provider name the account is registered under that
	// provider; otherwise it becomes a generic compatible upstream.
	Name string `yaml:"name"`

	// BaseURL is the base URL for the external OpenAI-compatible API endpoint.
	BaseURL string `yaml:"base-url"`

	// APIKeys are the authentication keys for accessing the external API services.
	APIKeys []string `yaml:"api-keys"`

	// Models defines the model configurations including aliases for routing.
	Models []OpenAICompatibilityModel `yaml:"models"`
}

// OpenAICompatibilityModel represents a model configuration for OpenAI
// compatibility, including the upstream model name and its alias.
type OpenAICompatibilityModel struct {
	// Name is the actual model name used by the external provider.
	Name string `yaml:"name"`

	// Alias is the model name alias that clients will use to reference this model.
	Alias string `yaml:"alias"`
}

// LoadConfig reads a YAML configuration file from the given path, unmarshals
// it into a Config struct, applies environment variable overrides, and
// returns it.
func LoadConfig(configFile string) (*Config, error) {
	data, err := os.ReadFile(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err = yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyDefaults()
	config.applyEnvOverrides()
	return &config, nil
}

// SaveConfig writes the configuration back to disk. The management API uses
// it to persist mutations.
func SaveConfig(configFile string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err = os.WriteFile(configFile, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Port == 0 {
		c.Port = 8317
	}
	if c.AuthDir == "" {
		c.AuthDir = "~/.agentgate"
	}
	if c.RequestRetry == 0 {
		c.RequestRetry = 3
	}
	if c.RetryBackoffMs == 0 {
		c.RetryBackoffMs = 500
	}
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("AGENTGATE_BASE_URL"); v != "" {
		c.BaseURL = v
	}
	if v := os.Getenv("AGENTGATE_CIPHER_KEY"); v != "" {
		c.CipherKey = v
	}
	if v := os.Getenv("AGENTGATE_STORE"); v != "" {
		c.StorePath = v
	}
	if v := os.Getenv("GEMINI_CLI_PROJECT_ID"); v != "" {
		c.GeminiCLIProjectID = v
	}
	for _, provider := range providerEnvNames {
		id := os.Getenv(strings.ToUpper(provider) + "_CLIENT_ID")
		secret := os.Getenv(strings.ToUpper(provider) + "_CLIENT_SECRET")
		if id == "" && secret == "" {
			continue
		}
		if c.ProviderCredentials == nil {
			c.ProviderCredentials = make(map[string]ProviderCredential)
		}
		cred := c.ProviderCredentials[provider]
		if id != "" {
			cred.ClientID = id
		}
		if secret != "" {
			cred.ClientSecret = secret
		}
		c.ProviderCredentials[provider] = cred
	}
}

// providerEnvNames lists the providers whose OAuth clients accept
// environment overrides, matching the canonical provider names.
var providerEnvNames = []string{
	"antigravity",
	"codex",
	"copilot",
	"iflow",
	"gemini_cli",
	"qwen_code",
	"kiro",
}

// ProviderCredential returns the configured OAuth override for a provider,
// falling back to empty values when none is set.
func (c *Config) ProviderCredential(provider string) ProviderCredential {
	if c == nil || c.ProviderCredentials == nil {
		return ProviderCredential{}
	}
	return c.ProviderCredentials[provider]
}
