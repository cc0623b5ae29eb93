// Package config loads the server configuration from a YAML file and
// GRID_* environment variables.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. GRID_STORE_BACKEND
const EnvPrefix = "GRID"

// Config is the typed server configuration
type Config struct {
	Domain                string           `mapstructure:"domain"`
	DataDir               string           `mapstructure:"data_dir"`
	SigningKey            string           `mapstructure:"signing_key"`
	GenerateKey           bool             `mapstructure:"generate_key"`
	DefaultChannelVersion string           `mapstructure:"default_channel_version"`
	Log                   LogConfig        `mapstructure:"log"`
	Store                 StoreConfig      `mapstructure:"store"`
	Federation            FederationConfig `mapstructure:"federation"`
	HTTP                  HTTPConfig       `mapstructure:"http"`
	Sync                  SyncConfig       `mapstructure:"sync"`
	Limits                LimitsConfig     `mapstructure:"limits"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type StoreConfig struct {
	Backend string `mapstructure:"backend"`
	Path    string `mapstructure:"path"`
}

type FederationConfig struct {
	Listen         string        `mapstructure:"listen"`
	Peers          []PeerConfig  `mapstructure:"peers"`
	PushWorkers    int           `mapstructure:"push_workers"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	BackoffBase    time.Duration `mapstructure:"backoff_base"`
	BackoffMax     time.Duration `mapstructure:"backoff_max"`
}

// PeerConfig names a remote server. PublicKey is the unpadded base64
// ed25519 key used to verify its events; empty disables verification.
type PeerConfig struct {
	Domain    string `mapstructure:"domain"`
	Address   string `mapstructure:"address"`
	PublicKey string `mapstructure:"public_key"`
}

type HTTPConfig struct {
	Listen string `mapstructure:"listen"`
}

type SyncConfig struct {
	MaxWait time.Duration `mapstructure:"max_wait"`
}

type LimitsConfig struct {
	MaxEventSize string `mapstructure:"max_event_size"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("domain", "")
	v.SetDefault("data_dir", "./data")
	v.SetDefault("signing_key", "")
	v.SetDefault("generate_key", true)
	v.SetDefault("default_channel_version", "0")
	v.SetDefault("log.level", "info")
	v.SetDefault("store.backend", "leveldb")
	v.SetDefault("store.path", "")
	v.SetDefault("federation.listen", ":8448")
	v.SetDefault("federation.peers", []PeerConfig{})
	v.SetDefault("federation.push_workers", 8)
	v.SetDefault("federation.request_timeout", 10*time.Second)
	v.SetDefault("federation.backoff_base", 500*time.Millisecond)
	v.SetDefault("federation.backoff_max", 5*time.Minute)
	v.SetDefault("http.listen", ":8080")
	v.SetDefault("sync.max_wait", 30*time.Second)
	v.SetDefault("limits.max_event_size", "64KiB")
}

// Load reads path (if not empty), applies environment overrides and
// validates the result
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.applyDerived()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDerived fills paths that default to locations under data_dir
func (c *Config) applyDerived() {
	if c.SigningKey == "" {
		c.SigningKey = filepath.Join(c.DataDir, "signing.key")
	}
	if c.Store.Path == "" {
		switch c.Store.Backend {
		case "leveldb":
			c.Store.Path = filepath.Join(c.DataDir, "events")
		case "sqlite":
			c.Store.Path = filepath.Join(c.DataDir, "grid.db")
		}
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	var errs []error
	if c.Domain == "" {
		errs = append(errs, errors.New("domain is required"))
	}
	switch c.Store.Backend {
	case "memory", "leveldb", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("unknown store backend %q", c.Store.Backend))
	}
	if c.Federation.PushWorkers <= 0 {
		errs = append(errs, errors.New("federation.push_workers must be positive"))
	}
	if c.Federation.RequestTimeout <= 0 {
		errs = append(errs, errors.New("federation.request_timeout must be positive"))
	}
	if c.Federation.BackoffMax < c.Federation.BackoffBase {
		errs = append(errs, errors.New("federation.backoff_max is below federation.backoff_base"))
	}
	seen := map[string]bool{}
	for i, p := range c.Federation.Peers {
		switch {
		case p.Domain == "" || p.Address == "":
			errs = append(errs, fmt.Errorf("federation.peers[%d] needs a domain and an address", i))
		case p.Domain == c.Domain:
			errs = append(errs, fmt.Errorf("federation.peers[%d] is the local domain", i))
		case seen[p.Domain]:
			errs = append(errs, fmt.Errorf("federation.peers[%d] repeats %s", i, p.Domain))
		}
		seen[p.Domain] = true
	}
	if _, err := c.MaxEventSize(); err != nil {
		errs = append(errs, fmt.Errorf("limits.max_event_size: %w", err))
	}
	if c.Sync.MaxWait < 0 {
		errs = append(errs, errors.New("sync.max_wait cannot be negative"))
	}
	return errors.Join(errs...)
}

// MaxEventSize returns the inbound event size limit in bytes
func (c *Config) MaxEventSize() (int64, error) {
	n, err := ParseDataSize(c.Limits.MaxEventSize)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, errors.New("must be positive")
	}
	return n, nil
}
