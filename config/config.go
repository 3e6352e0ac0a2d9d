// Package config loads the single JSON configuration file named by the
// CONFIG_PATH environment variable. The loader shape is read, unmarshal,
// validate, default.
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/mrfriendly-bv/wilford/mail"
	sqlstorage "github.com/mrfriendly-bv/wilford/storage/sql"
)

const EnvConfigPath = "CONFIG_PATH"

type HTTP struct {
	UILoginPath             string `json:"ui_login_path"`
	UIEmailVerificationPath string `json:"ui_email_verification_path"`
	AuthorizationEndpoint   string `json:"authorization_endpoint"`
	TokenEndpoint           string `json:"token_endpoint"`
	JWKSURIEndpoint         string `json:"jwks_uri_endpoint"`
}

type Espo struct {
	Host      string `json:"host"`
	APIKey    string `json:"api_key"`
	SecretKey string `json:"secret_key"`
}

type DefaultClient struct {
	RedirectURI string `json:"redirect_uri"`
}

// AuthorizationProvider selects which authorization.Provider backend boots.
type AuthorizationProvider string

const (
	ProviderLocal   AuthorizationProvider = "Local"
	ProviderEspoCRM AuthorizationProvider = "EspoCrm"
)

type Config struct {
	HTTP                 HTTP                  `json:"http"`
	Database             sqlstorage.Config      `json:"database"`
	AuthorizationProvider AuthorizationProvider `json:"authorization_provider"`
	Espo                 Espo                  `json:"espo"`
	DefaultClient        DefaultClient         `json:"default_client"`
	OIDCSigningKey       string                `json:"oidc_signing_key"`
	OIDCPublicKey        string                `json:"oidc_public_key"`
	OIDCIssuer           string                `json:"oidc_issuer"`
	Email                *mail.Config          `json:"email"`
}

// Load reads and parses the file at CONFIG_PATH.
func Load() (*Config, error) {
	path := os.Getenv(EnvConfigPath)
	if path == "" {
		return nil, fmt.Errorf("%s is not set", EnvConfigPath)
	}
	return LoadFile(path)
}

func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.AuthorizationProvider == "" {
		c.AuthorizationProvider = ProviderLocal
	}
	if c.AuthorizationProvider != ProviderLocal && c.AuthorizationProvider != ProviderEspoCRM {
		return fmt.Errorf("unknown authorization_provider %q", c.AuthorizationProvider)
	}
	if c.AuthorizationProvider == ProviderEspoCRM && c.Espo.Host == "" {
		return fmt.Errorf("espo.host is required when authorization_provider is EspoCrm")
	}
	if c.OIDCSigningKey == "" || c.OIDCPublicKey == "" {
		return fmt.Errorf("oidc_signing_key and oidc_public_key are both required")
	}
	if c.OIDCIssuer == "" {
		return fmt.Errorf("oidc_issuer is required")
	}
	if c.DefaultClient.RedirectURI == "" {
		return fmt.Errorf("default_client.redirect_uri is required")
	}
	return nil
}

// BindAddr is fixed; not user-configurable.
const BindAddr = "0.0.0.0:2521"
