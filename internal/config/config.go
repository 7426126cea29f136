package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. FIREMAIL_STORE_PATH
const EnvPrefix = "FIREMAIL"

// HTTPConfig configures the control API listener
type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

// LogConfig configures the zap logger
type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// StoreConfig selects the SQLite driver and database file
type StoreConfig struct {
	// Driver is "sqlite" (modernc, pure Go) or "sqlite3" (mattn, cgo)
	Driver string `mapstructure:"driver"`
	Path   string `mapstructure:"path"`
}

// NATSConfig configures event publishing. An empty URL disables it.
type NATSConfig struct {
	URL    string `mapstructure:"url"`
	Stream string `mapstructure:"stream"`
}

// AuthConfig configures bearer verification on the control API. An empty
// JWKS URL disables it.
type AuthConfig struct {
	JWKSURL string `mapstructure:"jwks_url"`
}

// RetryConfig mirrors the fetcher retry policy
type RetryConfig struct {
	MaxAttempts  int           `mapstructure:"max_attempts"`
	InitialDelay time.Duration `mapstructure:"initial_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`
}

// SyncConfig sizes the sync engine
type SyncConfig struct {
	Workers            int           `mapstructure:"workers"`
	BatchSize          int           `mapstructure:"batch_size"`
	CheckInterval      time.Duration `mapstructure:"check_interval"`
	MinCheckInterval   time.Duration `mapstructure:"min_check_interval"`
	InteractiveTimeout time.Duration `mapstructure:"interactive_timeout"`
	ShutdownGrace      time.Duration `mapstructure:"shutdown_grace"`
	LookBack           time.Duration `mapstructure:"look_back"`
	AutostartRealtime  bool          `mapstructure:"autostart_realtime"`
	Retry              RetryConfig   `mapstructure:"retry"`
}

// OutlookConfig holds Microsoft identity platform settings
type OutlookConfig struct {
	Tenant   string `mapstructure:"tenant"`
	ClientID string `mapstructure:"client_id"`
}

// GmailConfig holds Google OAuth client settings
type GmailConfig struct {
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
}

// IMAPConfig holds IMAP connection settings
type IMAPConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

// ProvidersConfig groups the mail source settings
type ProvidersConfig struct {
	Outlook OutlookConfig `mapstructure:"outlook"`
	Gmail   GmailConfig   `mapstructure:"gmail"`
	IMAP    IMAPConfig    `mapstructure:"imap"`
}

// Config is the top-level service configuration
type Config struct {
	HTTP      HTTPConfig      `mapstructure:"http"`
	Log       LogConfig       `mapstructure:"log"`
	Store     StoreConfig     `mapstructure:"store"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Sync      SyncConfig      `mapstructure:"sync"`
	Providers ProvidersConfig `mapstructure:"providers"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.path", "data/firemail.db")
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.stream", "MAIL_EVENTS")
	v.SetDefault("auth.jwks_url", "")
	v.SetDefault("sync.workers", 5)
	v.SetDefault("sync.batch_size", 5)
	v.SetDefault("sync.check_interval", 5*time.Minute)
	v.SetDefault("sync.min_check_interval", 30*time.Second)
	v.SetDefault("sync.interactive_timeout", 5*time.Minute)
	v.SetDefault("sync.shutdown_grace", 10*time.Second)
	v.SetDefault("sync.look_back", 60*24*time.Hour)
	v.SetDefault("sync.autostart_realtime", false)
	v.SetDefault("sync.retry.max_attempts", 5)
	v.SetDefault("sync.retry.initial_delay", time.Second)
	v.SetDefault("sync.retry.max_delay", 30*time.Second)
	v.SetDefault("providers.outlook.tenant", "common")
	v.SetDefault("providers.outlook.client_id", "")
	v.SetDefault("providers.gmail.client_id", "")
	v.SetDefault("providers.gmail.client_secret", "")
	v.SetDefault("providers.imap.timeout", 30*time.Second)
}

// Load reads configuration from the YAML file at path, if any, applies
// defaults and overlays FIREMAIL_* environment variables.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			var pathErr *os.PathError
			if !errors.As(err, &notFound) && !errors.As(err, &pathErr) {
				return nil, fmt.Errorf("reading config %s: %w", path, err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the service cannot run with
func (c *Config) Validate() error {
	if c.Sync.Workers < 1 {
		return fmt.Errorf("sync.workers must be positive, got %d", c.Sync.Workers)
	}
	if c.Sync.BatchSize < 1 {
		return fmt.Errorf("sync.batch_size must be positive, got %d", c.Sync.BatchSize)
	}
	if c.Sync.Retry.MaxAttempts < 1 {
		return fmt.Errorf("sync.retry.max_attempts must be positive, got %d", c.Sync.Retry.MaxAttempts)
	}
	switch c.Store.Driver {
	case "sqlite", "sqlite3":
	default:
		return fmt.Errorf("unknown store.driver %q", c.Store.Driver)
	}
	if c.Store.Path == "" {
		return errors.New("store.path is required")
	}
	return nil
}
