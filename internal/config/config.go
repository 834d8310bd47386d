package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.chatsync/config.toml.
type Config struct {
	DefaultProfile string `toml:"default_profile"`
	UserID         string `toml:"user_id"`

	Broker       Broker       `toml:"broker"`
	Outbox       Outbox       `toml:"outbox"`
	Connectivity Connectivity `toml:"connectivity"`
	Delivery     Delivery     `toml:"delivery"`
}

// Broker configures the remote channel transport. An empty URL selects the
// in-process memory channel (local/dev mode).
type Broker struct {
	URL      string `toml:"url"`
	Exchange string `toml:"exchange"`
}

// Outbox configures dispatch retry policy.
type Outbox struct {
	MaxAttempts       int   `toml:"max_attempts"`
	BackoffBaseMs     int64 `toml:"backoff_base_ms"`
	BackoffCapMs      int64 `toml:"backoff_cap_ms"`
	DispatchTimeoutMs int64 `toml:"dispatch_timeout_ms"`
}

// Connectivity configures the reachability monitor.
type Connectivity struct {
	SettleMs int64 `toml:"settle_ms"`
}

// Delivery configures delivery-status approximation. DeliveredAfterMs promotes
// sent messages to delivered when the channel supplies no receipt; zero
// disables the approximation.
type Delivery struct {
	DeliveredAfterMs int64 `toml:"delivered_after_ms"`
}

// Default returns a config populated with conservative defaults.
func Default() *Config {
	return &Config{
		DefaultProfile: "main",
		Broker: Broker{
			Exchange: "chatsync.messages",
		},
		Outbox: Outbox{
			MaxAttempts:       5,
			BackoffBaseMs:     1000,
			BackoffCapMs:      30000,
			DispatchTimeoutMs: 10000,
		},
		Connectivity: Connectivity{
			SettleMs: 750,
		},
		Delivery: Delivery{
			DeliveredAfterMs: 5000,
		},
	}
}

// Load reads config from the given path, layering the file over defaults.
// A missing file is a fresh install, not an error: defaults apply until the
// user writes a config. A malformed file is still an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	_, err := toml.DecodeFile(path, cfg)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

// BackoffBase returns the retry backoff base as a duration.
func (o Outbox) BackoffBase() time.Duration { return time.Duration(o.BackoffBaseMs) * time.Millisecond }

// BackoffCap returns the retry backoff cap as a duration.
func (o Outbox) BackoffCap() time.Duration { return time.Duration(o.BackoffCapMs) * time.Millisecond }

// DispatchTimeout returns the per-dispatch timeout as a duration.
func (o Outbox) DispatchTimeout() time.Duration {
	return time.Duration(o.DispatchTimeoutMs) * time.Millisecond
}

// Settle returns the connectivity settle delay as a duration.
func (c Connectivity) Settle() time.Duration { return time.Duration(c.SettleMs) * time.Millisecond }

// DeliveredAfter returns the delivered-approximation delay as a duration.
func (d Delivery) DeliveredAfter() time.Duration {
	return time.Duration(d.DeliveredAfterMs) * time.Millisecond
}
