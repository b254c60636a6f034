// Package config loads provledger settings from a YAML file, PROVLEDGER_*
// environment variables and bound command-line flags.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, so ledger.path is
// read from PROVLEDGER_LEDGER_PATH.
const EnvPrefix = "PROVLEDGER"

// Config is the fully resolved configuration.
type Config struct {
	Ledger  LedgerConfig  `mapstructure:"ledger"`
	Secrets SecretsConfig `mapstructure:"secrets"`
	Server  ServerConfig  `mapstructure:"server"`
	Alerts  AlertsConfig  `mapstructure:"alerts"`
	Log     LogConfig     `mapstructure:"log"`
}

type LedgerConfig struct {
	Path         string `mapstructure:"path"`
	Sync         bool   `mapstructure:"sync"`
	VerifyOnOpen bool   `mapstructure:"verify_on_open"`
}

type SecretsConfig struct {
	Path string `mapstructure:"path"`
	Key  string `mapstructure:"key"`
}

type ServerConfig struct {
	Port        int      `mapstructure:"port"`
	CORSOrigins []string `mapstructure:"cors_origins"`
	VerifyRPS   int      `mapstructure:"verify_rps"`

	// VerifyInterval is how often serve re-verifies the ledger; zero disables it.
	VerifyInterval time.Duration `mapstructure:"verify_interval"`
}

// AlertsConfig points integrity alerts at a webhook; an empty URL disables them.
type AlertsConfig struct {
	WebhookURL    string `mapstructure:"webhook_url"`
	WebhookSecret string `mapstructure:"webhook_secret"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

// New returns a viper instance with defaults and environment overrides
// registered but no file read yet. Callers bind flags to it before Load.
func New() *viper.Viper {
	v := viper.New()
	v.SetConfigName("provledger")
	v.SetConfigType("yaml")
	v.AddConfigPath("configs")
	v.AddConfigPath(".")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("ledger.path", "genome.dat")
	v.SetDefault("ledger.sync", false)
	v.SetDefault("ledger.verify_on_open", true)
	v.SetDefault("secrets.path", "")
	v.SetDefault("secrets.key", "")
	v.SetDefault("server.port", 9300)
	v.SetDefault("server.cors_origins", []string{"http://localhost:3000"})
	v.SetDefault("server.verify_rps", 5)
	v.SetDefault("server.verify_interval", "5m")
	v.SetDefault("alerts.webhook_url", "")
	v.SetDefault("alerts.webhook_secret", "")
	v.SetDefault("log.level", "info")
	return v
}

// Load reads cfgFile, or searches for provledger.yaml when cfgFile is empty,
// and decodes the merged result. A missing searched-for file is not an error;
// found reports whether one was read.
func Load(v *viper.Viper, cfgFile string) (cfg Config, found bool, err error) {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	}
	if err := v.ReadInConfig(); err != nil {
		var cfgNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &cfgNotFound) {
			return Config{}, false, fmt.Errorf("read config: %w", err)
		}
	} else {
		found = true
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, found, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, found, err
	}
	return cfg, found, nil
}

// Validate checks values that would otherwise fail late.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Ledger.Path) == "" {
		return errors.New("ledger.path must not be empty")
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Server.VerifyRPS < 0 {
		return errors.New("server.verify_rps must not be negative")
	}
	if c.Server.VerifyInterval < 0 {
		return errors.New("server.verify_interval must not be negative")
	}
	for _, o := range c.Server.CORSOrigins {
		o = strings.TrimSpace(o)
		if o != "*" && !isHTTPURL(o) {
			return fmt.Errorf("server.cors_origins: %q must be \"*\" or an http(s) origin", o)
		}
	}
	if c.Alerts.WebhookURL != "" && !isHTTPURL(c.Alerts.WebhookURL) {
		return fmt.Errorf("alerts.webhook_url: %q must be an http(s) URL", c.Alerts.WebhookURL)
	}
	return nil
}

func isHTTPURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}
