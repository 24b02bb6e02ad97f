// Package config loads settings for the relay and the chat client from a
// YAML file with environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config aggregates every setting.
type Config struct {
	Relay   RelayConfig   `yaml:"relay"`
	Client  ClientConfig  `yaml:"client"`
	Store   StoreConfig   `yaml:"store"`
	Limits  LimitsConfig  `yaml:"limits"`
	Push    PushConfig    `yaml:"push"`
	Storage StorageConfig `yaml:"storage"`
}

// RelayConfig configures the broadcast/presence relay server.
type RelayConfig struct {
	ListenAddr    string        `yaml:"listen_addr"`
	MaxConns      int           `yaml:"max_conns"`
	RoomCapacity  int           `yaml:"room_capacity"`
	IdleTimeout   time.Duration `yaml:"idle_timeout"`
	UpgradeLimit  int           `yaml:"upgrade_limit"`
	UpgradeWindow time.Duration `yaml:"upgrade_window"`
}

// ClientConfig identifies the local user and the relay to dial.
type ClientConfig struct {
	RelayURL    string `yaml:"relay_url"`
	UserID      string `yaml:"user_id"`
	DisplayName string `yaml:"display_name"`
	AvatarURL   string `yaml:"avatar_url"`
	Room        string `yaml:"room"`
	PageSize    int    `yaml:"page_size"`
}

// StoreConfig selects the durable backend.
type StoreConfig struct {
	Driver      string `yaml:"driver"` // "redis" or "postgres"
	RedisAddr   string `yaml:"redis_addr"`
	PostgresURL string `yaml:"postgres_url"`
}

// LimitsConfig holds the engine's timing and throttling knobs.
type LimitsConfig struct {
	SendLimit     int           `yaml:"send_limit"`
	SendWindow    time.Duration `yaml:"send_window"`
	SendCooldown  time.Duration `yaml:"send_cooldown"`
	TypingQuiet   time.Duration `yaml:"typing_quiet"`
	TypingTTL     time.Duration `yaml:"typing_ttl"`
	NotifyHorizon time.Duration `yaml:"notify_horizon"`
	ReadPoll      time.Duration `yaml:"read_poll"`
}

// PushConfig points at the push relay.
type PushConfig struct {
	Endpoint string `yaml:"endpoint"`
}

// StorageConfig points at object storage.
type StorageConfig struct {
	BaseURL string `yaml:"base_url"`
	Token   string `yaml:"token"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Relay: RelayConfig{
			ListenAddr:    ":8080",
			IdleTimeout:   5 * time.Minute,
			UpgradeLimit:  30,
			UpgradeWindow: time.Minute,
		},
		Client: ClientConfig{
			RelayURL: "ws://localhost:8080/ws",
			Room:     "general",
			PageSize: 50,
		},
		Store: StoreConfig{
			Driver:    "redis",
			RedisAddr: "localhost:6379",
		},
		Limits: LimitsConfig{
			SendLimit:     5,
			SendWindow:    time.Second,
			SendCooldown:  10 * time.Second,
			TypingQuiet:   1500 * time.Millisecond,
			TypingTTL:     5 * time.Second,
			NotifyHorizon: 60 * time.Second,
			ReadPoll:      15 * time.Second,
		},
	}
}

// Load reads path over the defaults, then applies environment overrides.
// A missing file is not an error; path may be empty.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("config: parse %s: %w", path, err)
			}
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	set := func(dst *string, key string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	set(&c.Relay.ListenAddr, "LISTEN_ADDR")
	set(&c.Store.RedisAddr, "REDIS_ADDR")
	set(&c.Store.PostgresURL, "DATABASE_URL")
	set(&c.Client.RelayURL, "RELAY_URL")
	set(&c.Client.UserID, "CHAT_USER_ID")
	set(&c.Client.DisplayName, "CHAT_DISPLAY_NAME")
	set(&c.Push.Endpoint, "PUSH_RELAY_URL")
	set(&c.Storage.BaseURL, "STORAGE_URL")
	set(&c.Storage.Token, "STORAGE_TOKEN")

	if os.Getenv("DATABASE_URL") != "" && os.Getenv("STORE_DRIVER") == "" {
		c.Store.Driver = "postgres"
	}
	set(&c.Store.Driver, "STORE_DRIVER")
}

// Validate checks values that would otherwise fail later in obscure ways.
func (c *Config) Validate() error {
	if c.Limits.SendLimit <= 0 || c.Limits.SendWindow <= 0 {
		return fmt.Errorf("config: send_limit and send_window must be positive")
	}
	if c.Client.PageSize <= 0 {
		return fmt.Errorf("config: page_size must be positive")
	}
	switch c.Store.Driver {
	case "redis", "postgres":
	default:
		return fmt.Errorf("config: unknown store driver %q", c.Store.Driver)
	}
	return nil
}
