// SPDX-FileCopyrightText: Copyright 2025 Prism XR, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package config loads and validates the service configuration from a
// YAML file with AUTHD_-prefixed environment overrides.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/prismxr/authd/pkg/tokens"
)

// Client is an allowlisted OAuth client. Desktop and XR clients set
// RequiresPKCE so the magic-code verifier returns an authorization code
// instead of tokens.
type Client struct {
	ID           string `mapstructure:"id"`
	RequiresPKCE bool   `mapstructure:"requires_pkce"`
}

// Broker selects and configures the identity-broker mode.
type Broker struct {
	// Mode is "hosted" or "oidc".
	Mode string `mapstructure:"mode"`

	// Hosted-broker settings.
	BaseURL  string `mapstructure:"base_url"`
	APIKey   string `mapstructure:"api_key"`
	ClientID string `mapstructure:"client_id"`

	// Direct-OIDC settings.
	Issuer       string `mapstructure:"issuer"`
	ClientSecret string `mapstructure:"client_secret"`

	// WebhookSecret verifies inbound identity webhooks in either mode.
	WebhookSecret string `mapstructure:"webhook_secret"`
}

// Config is the full service configuration.
type Config struct {
	// Issuer is the public base URL of this service; it is also the iss
	// claim of access tokens.
	Issuer   string `mapstructure:"issuer"`
	Audience string `mapstructure:"audience"`

	ListenAddr string `mapstructure:"listen_addr"`

	// DatabasePath is the SQLite file path.
	DatabasePath string `mapstructure:"database_path"`

	// SigningKeyPath points at the RS256 private key PEM. RetiredKeyPaths
	// hold public keys that still verify but no longer sign.
	SigningKeyPath  string   `mapstructure:"signing_key_path"`
	RetiredKeyPaths []string `mapstructure:"retired_key_paths"`

	// Symmetric secrets, each at least 32 bytes and pairwise distinct.
	RefreshSecret     string `mapstructure:"refresh_secret"`
	RefreshHashSecret string `mapstructure:"refresh_hash_secret"`
	StateSecret       string `mapstructure:"state_secret"`

	AccessTokenTTL  time.Duration `mapstructure:"access_token_ttl"`
	RefreshTokenTTL time.Duration `mapstructure:"refresh_token_ttl"`
	AuthCodeTTL     time.Duration `mapstructure:"auth_code_ttl"`
	HandoffCodeTTL  time.Duration `mapstructure:"handoff_code_ttl"`
	StateTTL        time.Duration `mapstructure:"state_ttl"`
	SweepInterval   time.Duration `mapstructure:"sweep_interval"`

	Clients []Client `mapstructure:"clients"`

	// WebRedirects is the exact-match allowlist for web redirect URIs.
	// Loopback and app-scheme redirects are accepted by fixed rules.
	WebRedirects []string `mapstructure:"web_redirects"`

	// AppScheme is the custom scheme native clients redirect to.
	AppScheme string `mapstructure:"app_scheme"`

	// Providers lists the configured social providers in preference
	// order; the first is the default at /authorize.
	Providers []string `mapstructure:"providers"`

	// WebLoginURL is the web sign-in page the handoff flow trampolines to.
	WebLoginURL string `mapstructure:"web_login_url"`

	Broker Broker `mapstructure:"broker"`
}

// maxAuthCodeTTL caps authorization-code lifetime.
const maxAuthCodeTTL = 10 * time.Minute

// Load reads the configuration file at path and applies environment
// overrides (AUTHD_LISTEN_ADDR, AUTHD_BROKER_API_KEY, ...).
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("AUTHD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("database_path", "authd.db")
	v.SetDefault("audience", "prism-api")
	v.SetDefault("access_token_ttl", tokens.DefaultAccessTokenTTL)
	v.SetDefault("refresh_token_ttl", tokens.DefaultRefreshTokenTTL)
	v.SetDefault("auth_code_ttl", 5*time.Minute)
	v.SetDefault("handoff_code_ttl", 5*time.Minute)
	v.SetDefault("state_ttl", 15*time.Minute)
	v.SetDefault("sweep_interval", 10*time.Minute)
	v.SetDefault("app_scheme", "app")
	v.SetDefault("broker.mode", "hosted")
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.Issuer == "" {
		return fmt.Errorf("issuer is required")
	}
	if c.SigningKeyPath == "" {
		return fmt.Errorf("signing_key_path is required")
	}

	for name, secret := range map[string]string{
		"refresh_secret":      c.RefreshSecret,
		"refresh_hash_secret": c.RefreshHashSecret,
		"state_secret":        c.StateSecret,
	} {
		if len(secret) < tokens.MinSecretLength {
			return fmt.Errorf("%s must be at least %d bytes", name, tokens.MinSecretLength)
		}
	}
	if c.RefreshSecret == c.RefreshHashSecret || c.RefreshSecret == c.StateSecret || c.RefreshHashSecret == c.StateSecret {
		return fmt.Errorf("refresh_secret, refresh_hash_secret and state_secret must be pairwise distinct")
	}

	if c.AuthCodeTTL <= 0 || c.AuthCodeTTL > maxAuthCodeTTL {
		return fmt.Errorf("auth_code_ttl must be positive and at most %s", maxAuthCodeTTL)
	}

	if len(c.Clients) == 0 {
		return fmt.Errorf("at least one client must be configured")
	}
	seen := make(map[string]bool, len(c.Clients))
	for _, client := range c.Clients {
		if client.ID == "" {
			return fmt.Errorf("client id must not be empty")
		}
		if seen[client.ID] {
			return fmt.Errorf("duplicate client id %q", client.ID)
		}
		seen[client.ID] = true
	}

	switch c.Broker.Mode {
	case "hosted":
		if c.Broker.BaseURL == "" || c.Broker.APIKey == "" {
			return fmt.Errorf("hosted broker requires base_url and api_key")
		}
	case "oidc":
		if c.Broker.Issuer == "" || c.Broker.ClientID == "" {
			return fmt.Errorf("oidc broker requires issuer and client_id")
		}
	default:
		return fmt.Errorf("broker mode must be hosted or oidc, got %q", c.Broker.Mode)
	}

	return nil
}

// ClientByID returns the allowlisted client, or nil.
func (c *Config) ClientByID(id string) *Client {
	for i := range c.Clients {
		if c.Clients[i].ID == id {
			return &c.Clients[i]
		}
	}
	return nil
}
