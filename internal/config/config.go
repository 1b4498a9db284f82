package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix            = "COMPENDIUM"
	defaultHTTPAddress   = "0.0.0.0:8080"
	defaultDatabasePath  = "compendium.db"
	defaultLogLevel      = "info"
	defaultTokenTTLHours = 12
	defaultKeySetURL     = "https://www.googleapis.com/oauth2/v3/certs"
)

var defaultTrustedIssuers = []string{"https://accounts.google.com", "accounts.google.com"}

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress    string
	SigningSecret  string
	DatabasePath   string
	LogLevel       string
	TokenTTL       time.Duration
	OAuthAudience  string
	OAuthKeySetURL string
	TrustedIssuers []string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("auth.token_ttl_hours", defaultTokenTTLHours)
	configViper.SetDefault("auth.oauth_key_set_url", defaultKeySetURL)
	configViper.SetDefault("auth.trusted_issuers", defaultTrustedIssuers)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:    configViper.GetString("http.address"),
		SigningSecret:  configViper.GetString("auth.signing_secret"),
		DatabasePath:   configViper.GetString("database.path"),
		LogLevel:       configViper.GetString("log.level"),
		TokenTTL:       time.Duration(configViper.GetInt("auth.token_ttl_hours")) * time.Hour,
		OAuthAudience:  configViper.GetString("auth.oauth_audience"),
		OAuthKeySetURL: configViper.GetString("auth.oauth_key_set_url"),
		TrustedIssuers: configViper.GetStringSlice("auth.trusted_issuers"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl_hours must be positive")
	}
	if strings.TrimSpace(c.OAuthAudience) == "" {
		return fmt.Errorf("auth.oauth_audience is required")
	}
	return nil
}
