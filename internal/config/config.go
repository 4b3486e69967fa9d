package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix              = "GUILDHALL"
	defaultHTTPAddress     = "0.0.0.0:8080"
	defaultDatabasePath    = "guildhall.db"
	defaultLogLevel        = "info"
	defaultFlushSeconds    = 300
	defaultGraceSeconds    = 5
	defaultSupportCategory = "support"
)

var (
	defaultElevatedRoles = []string{"owner", "co-owner", "administration"}
	defaultStaffRoles    = []string{"administration", "moderator", "co-owner"}
)

// AppConfig captures runtime configuration for the guildhall core service.
type AppConfig struct {
	HTTPAddress     string
	SigningSecret   string
	GatewayKey      string
	DatabasePath    string
	LogLevel        string
	SupportCategory string
	ElevatedRoles   []string
	StaffRoles      []string
	FlushInterval   time.Duration
	CloseGraceDelay time.Duration
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
	configViper.SetDefault("tickets.support_category", defaultSupportCategory)
	configViper.SetDefault("tickets.elevated_roles", defaultElevatedRoles)
	configViper.SetDefault("tickets.staff_roles", defaultStaffRoles)
	configViper.SetDefault("ledger.flush_seconds", defaultFlushSeconds)
	configViper.SetDefault("tickets.close_grace_seconds", defaultGraceSeconds)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:     configViper.GetString("http.address"),
		SigningSecret:   configViper.GetString("auth.signing_secret"),
		GatewayKey:      configViper.GetString("auth.gateway_key"),
		DatabasePath:    configViper.GetString("database.path"),
		LogLevel:        configViper.GetString("log.level"),
		SupportCategory: configViper.GetString("tickets.support_category"),
		ElevatedRoles:   configViper.GetStringSlice("tickets.elevated_roles"),
		StaffRoles:      configViper.GetStringSlice("tickets.staff_roles"),
		FlushInterval:   time.Duration(configViper.GetInt("ledger.flush_seconds")) * time.Second,
		CloseGraceDelay: time.Duration(configViper.GetInt("tickets.close_grace_seconds")) * time.Second,
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
	if strings.TrimSpace(c.GatewayKey) == "" {
		return fmt.Errorf("auth.gateway_key is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if len(c.ElevatedRoles) == 0 {
		return fmt.Errorf("tickets.elevated_roles must not be empty")
	}
	if c.FlushInterval <= 0 {
		return fmt.Errorf("ledger.flush_seconds must be positive")
	}
	if c.CloseGraceDelay <= 0 {
		return fmt.Errorf("tickets.close_grace_seconds must be positive")
	}
	return nil
}
