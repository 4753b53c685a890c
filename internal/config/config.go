// Package config loads runtime configuration from the environment and
// the device identity profile from disk.
package config

import (
	"fmt"
	"time"

	env "github.com/Netflix/go-env"
)

type Config struct {
	// BridgeKind selects the radio implementation: mcast or ble.
	BridgeKind  string `env:"BEACON_BRIDGE,default=mcast"`
	ProfilePath string `env:"BEACON_PROFILE,default=beacon-profile.yaml"`
	StorePath   string `env:"BEACON_DB,default=beacon.sqlite3"`

	// ListenHost is the interface the message socket binds when hosting;
	// empty means all interfaces.
	ListenHost string `env:"BEACON_LISTEN_HOST"`
	Port       int    `env:"BEACON_PORT,default=8888"`

	MulticastGroup string        `env:"BEACON_MCAST_GROUP,default=239.76.87.66:8889"`
	BeaconInterval time.Duration `env:"BEACON_INTERVAL,default=2s"`

	DialTimeout   time.Duration `env:"BEACON_DIAL_TIMEOUT,default=10s"`
	AcceptTimeout time.Duration `env:"BEACON_ACCEPT_TIMEOUT,default=45s"`
	MaxAttempts   int           `env:"BEACON_MAX_ATTEMPTS,default=3"`
	RetryBase     time.Duration `env:"BEACON_RETRY_BASE,default=500ms"`
	RetryCap      time.Duration `env:"BEACON_RETRY_CAP,default=4s"`

	HistoryLimit int `env:"BEACON_HISTORY_LIMIT,default=1000"`

	// FeedAddr enables the local WebSocket event feed when set, e.g.
	// "127.0.0.1:7777". Empty disables it.
	FeedAddr string `env:"BEACON_FEED_ADDR"`

	LogLevel string `env:"BEACON_LOG_LEVEL,default=info"`
	LogFile  string `env:"BEACON_LOG_FILE"`
}

// Load reads the configuration from the process environment.
func Load() (Config, error) {
	var cfg Config
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.BridgeKind {
	case "mcast", "ble":
	default:
		return fmt.Errorf("config: unknown bridge kind %q", c.BridgeKind)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: invalid port %d", c.Port)
	}
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("config: max attempts must be positive, got %d", c.MaxAttempts)
	}
	if c.BeaconInterval <= 0 {
		return fmt.Errorf("config: beacon interval must be positive, got %v", c.BeaconInterval)
	}
	if c.RetryBase <= 0 || c.RetryCap < c.RetryBase {
		return fmt.Errorf("config: invalid retry window %v..%v", c.RetryBase, c.RetryCap)
	}
	return nil
}
