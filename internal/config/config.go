package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                        = "MARGIN"
	defaultHTTPAddress               = "0.0.0.0:8080"
	defaultDatabasePath              = "margin.db"
	defaultLogLevel                  = "info"
	defaultTokenTTLMinutes           = 720
	defaultDeletionRequestTTLMinutes = 10
)

// AppConfig captures runtime configuration for the collection store server.
type AppConfig struct {
	HTTPAddress        string
	SigningSecret      string
	JoinSecret         string
	DatabasePath       string
	LogLevel           string
	TokenTTL           time.Duration
	DeletionRequestTTL time.Duration
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
	configViper.SetDefault("token.ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("deletion.request_ttl_minutes", defaultDeletionRequestTTLMinutes)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:        configViper.GetString("http.address"),
		SigningSecret:      configViper.GetString("auth.signing_secret"),
		JoinSecret:         configViper.GetString("auth.join_secret"),
		DatabasePath:       configViper.GetString("database.path"),
		LogLevel:           configViper.GetString("log.level"),
		TokenTTL:           time.Duration(configViper.GetInt("token.ttl_minutes")) * time.Minute,
		DeletionRequestTTL: time.Duration(configViper.GetInt("deletion.request_ttl_minutes")) * time.Minute,
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
	if strings.TrimSpace(c.JoinSecret) == "" {
		return fmt.Errorf("auth.join_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("token.ttl_minutes must be positive")
	}
	if c.DeletionRequestTTL <= 0 {
		return fmt.Errorf("deletion.request_ttl_minutes must be positive")
	}
	return nil
}
