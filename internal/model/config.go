package model

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/viper"
)

// AccountConfig holds the configuration for a single IMAP account.
type AccountConfig struct {
	// ID is the unique identifier for this account. Generated on load
	// when absent.
	ID string `mapstructure:"id" yaml:"id"`

	// Name is the user-defined label for this account.
	Name string `mapstructure:"name" yaml:"name"`

	Host     string `mapstructure:"host" yaml:"host"`
	Port     int    `mapstructure:"port" yaml:"port"`
	Username string `mapstructure:"username" yaml:"username"`

	// TLS selects implicit TLS; otherwise STARTTLS is used.
	TLS bool `mapstructure:"tls" yaml:"tls"`

	// Enabled controls whether this account is synchronized.
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// MaxFolderMessages bounds how many messages the cache retains per
	// folder.
	MaxFolderMessages int `mapstructure:"max_folder_messages" yaml:"max_folder_messages"`

	// RecentMessageCount is how many of the newest messages the first
	// refresh phase asks the server for.
	RecentMessageCount int `mapstructure:"recent_message_count" yaml:"recent_message_count"`

	FolderPrefix          string `mapstructure:"folder_prefix" yaml:"folder_prefix"`
	OnlySubscribedFolders bool   `mapstructure:"only_subscribed_folders" yaml:"only_subscribed_folders"`
	MaxFolderDepth        int    `mapstructure:"max_folder_depth" yaml:"max_folder_depth"`
	SentFolder            string `mapstructure:"sent_folder" yaml:"sent_folder"`

	// PollIntervalSec is how often (in seconds) folders are refreshed.
	PollIntervalSec int `mapstructure:"poll_interval_sec" yaml:"poll_interval_sec"`
}

// Addr returns the host:port dial address.
func (a AccountConfig) Addr() string {
	return fmt.Sprintf("%s:%d", a.Host, a.Port)
}

// CredentialKey is the keyring key holding this account's password.
func (a AccountConfig) CredentialKey() string {
	return "imap-" + a.ID
}

// CacheConfig selects and configures the folder message cache.
type CacheConfig struct {
	// Driver is "sqlite" or "memory".
	Driver string `mapstructure:"driver" yaml:"driver"`
	Path   string `mapstructure:"path" yaml:"path"`
}

// LogConfig holds logging preferences.
type LogConfig struct {
	Level    string `mapstructure:"level" yaml:"level"`
	Console  bool   `mapstructure:"console" yaml:"console"`
	Sanitize bool   `mapstructure:"sanitize" yaml:"sanitize"`
}

// SyncConfig holds engine-wide timing settings.
type SyncConfig struct {
	OperationTimeoutSec int `mapstructure:"operation_timeout_sec" yaml:"operation_timeout_sec"`
}

// AppConfig is the top-level application configuration.
type AppConfig struct {
	Accounts []AccountConfig `mapstructure:"accounts" yaml:"accounts"`
	Cache    CacheConfig     `mapstructure:"cache" yaml:"cache"`
	Log      LogConfig       `mapstructure:"log" yaml:"log"`
	Sync     SyncConfig      `mapstructure:"sync" yaml:"sync"`
}

// Account returns the account with the given ID or name.
func (c *AppConfig) Account(key string) (AccountConfig, bool) {
	for _, a := range c.Accounts {
		if a.ID == key || strings.EqualFold(a.Name, key) {
			return a, true
		}
	}
	return AccountConfig{}, false
}

const (
	defaultMaxFolderMessages  = 250
	defaultRecentMessageCount = 25
	defaultMaxFolderDepth     = 4
	defaultPollIntervalSec    = 300
)

// DefaultConfigPath returns the default path for the configuration file,
// located at ~/.config/mailsync/config.yaml.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "config.yaml")
	}
	return filepath.Join(home, ".config", "mailsync", "config.yaml")
}

// defaultCachePath returns the default SQLite cache location next to the
// config file.
func defaultCachePath() string {
	return filepath.Join(filepath.Dir(DefaultConfigPath()), "cache.db")
}

// defaultAppConfig returns a sensible default configuration.
func defaultAppConfig() *AppConfig {
	return &AppConfig{
		Accounts: []AccountConfig{},
		Cache: CacheConfig{
			Driver: "sqlite",
			Path:   defaultCachePath(),
		},
		Log: LogConfig{
			Level:   "info",
			Console: true,
		},
		Sync: SyncConfig{
			OperationTimeoutSec: 60,
		},
	}
}

// LoadConfig reads configuration from the given YAML file path using Viper.
// If the file does not exist, it returns a default configuration.
// Scalar settings may be overridden by MAILSYNC_* environment variables,
// e.g. MAILSYNC_LOG_LEVEL=debug.
func LoadConfig(path string) (*AppConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("mailsync")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Set defaults so missing keys resolve to sensible values.
	v.SetDefault("cache.driver", "sqlite")
	v.SetDefault("cache.path", defaultCachePath())
	v.SetDefault("log.level", "info")
	v.SetDefault("log.console", true)
	v.SetDefault("log.sanitize", false)
	v.SetDefault("sync.operation_timeout_sec", 60)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(*os.PathError); ok {
			return defaultAppConfig(), nil
		}
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return defaultAppConfig(), nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg := defaultAppConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	// Apply defaults for each account entry.
	for i := range cfg.Accounts {
		a := &cfg.Accounts[i]
		if a.ID == "" {
			a.ID = uuid.New().String()
		}
		if a.Port == 0 {
			if a.TLS {
				a.Port = 993
			} else {
				a.Port = 143
			}
		}
		if a.MaxFolderMessages == 0 {
			a.MaxFolderMessages = defaultMaxFolderMessages
		}
		if a.RecentMessageCount == 0 {
			a.RecentMessageCount = defaultRecentMessageCount
		}
		if a.MaxFolderDepth == 0 {
			a.MaxFolderDepth = defaultMaxFolderDepth
		}
		if a.PollIntervalSec == 0 {
			a.PollIntervalSec = defaultPollIntervalSec
		}
		if !a.Enabled {
			// Viper unmarshals missing bools as false; treat unset as true.
			key := fmt.Sprintf("accounts.%d.enabled", i)
			if !v.IsSet(key) {
				a.Enabled = true
			}
		}
	}

	return cfg, nil
}

// SaveConfig writes the given configuration to a YAML file at path,
// creating parent directories if needed.
func SaveConfig(path string, cfg *AppConfig) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating config directory %s: %w", dir, err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.Set("accounts", cfg.Accounts)
	v.Set("cache", cfg.Cache)
	v.Set("log", cfg.Log)
	v.Set("sync", cfg.Sync)

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}

	return nil
}
