package model

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// AccountConfig describes one account entry in the YAML configuration.
// Configured accounts are seeded into the local store at startup.
type AccountConfig struct {
	// ID is optional; a UUID is generated when absent.
	ID string `mapstructure:"id" yaml:"id"`

	Name     string `mapstructure:"name" yaml:"name"`
	Host     string `mapstructure:"host" yaml:"host"`
	Port     int    `mapstructure:"port" yaml:"port"`
	Username string `mapstructure:"username" yaml:"username"`

	// Password may be given inline or referenced from the system keyring
	// via PasswordKey.
	Password    string `mapstructure:"password" yaml:"password"`
	PasswordKey string `mapstructure:"password_key" yaml:"password_key"`

	TLS     bool   `mapstructure:"tls" yaml:"tls"`
	Mailbox string `mapstructure:"mailbox" yaml:"mailbox"`
}

// SyncConfig holds tunables for the synchronization engine.
type SyncConfig struct {
	// BootstrapLimit bounds the first-ever sync to the most recent N
	// messages.
	BootstrapLimit int `mapstructure:"bootstrap_limit" yaml:"bootstrap_limit"`
}

// AppConfig is the top-level daemon configuration.
type AppConfig struct {
	// Listen is the address for the push-channel HTTP listener.
	Listen string `mapstructure:"listen" yaml:"listen"`

	// Database is the path to the SQLite database file.
	Database string `mapstructure:"database" yaml:"database"`

	Sync     SyncConfig      `mapstructure:"sync" yaml:"sync"`
	Accounts []AccountConfig `mapstructure:"accounts" yaml:"accounts"`
}

// DefaultConfigPath returns the default path for the configuration file,
// located at ~/.config/mailmirror/config.yaml.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "config.yaml")
	}
	return filepath.Join(home, ".config", "mailmirror", "config.yaml")
}

// defaultAppConfig returns a sensible default configuration.
func defaultAppConfig() *AppConfig {
	home, _ := os.UserHomeDir()
	return &AppConfig{
		Listen:   "127.0.0.1:8743",
		Database: filepath.Join(home, ".config", "mailmirror", "mailmirror.db"),
		Sync: SyncConfig{
			BootstrapLimit: 50,
		},
	}
}

// LoadConfig reads configuration from the given YAML file path using Viper.
// If the file does not exist, it returns a default configuration.
func LoadConfig(path string) (*AppConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	// Set defaults so missing keys resolve to sensible values.
	v.SetDefault("listen", "127.0.0.1:8743")
	v.SetDefault("sync.bootstrap_limit", 50)

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
		if cfg.Accounts[i].Port == 0 {
			cfg.Accounts[i].Port = 993
		}
		if cfg.Accounts[i].Mailbox == "" {
			cfg.Accounts[i].Mailbox = "INBOX"
		}
		if !cfg.Accounts[i].TLS {
			// Viper unmarshals missing bools as false; treat unset as true.
			key := fmt.Sprintf("accounts.%d.tls", i)
			if !v.IsSet(key) {
				cfg.Accounts[i].TLS = true
			}
		}
	}

	return cfg, nil
}
