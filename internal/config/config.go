package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tailscale/hujson"
	"gopkg.in/yaml.v3"
)

const (
	TransportStdio     = "stdio"
	TransportWebsocket = "websocket"
	TransportStub      = "stub"
)

type Config struct {
	Host     HostConfig     `json:"host" yaml:"host"`
	Client   ClientConfig   `json:"client" yaml:"client"`
	Store    StoreConfig    `json:"store" yaml:"store"`
	StubHost StubHostConfig `json:"stub_host" yaml:"stub_host"`
	Log      LogConfig      `json:"log" yaml:"log"`
}

type HostConfig struct {
	// Transport is one of stdio, websocket or stub.
	Transport string `json:"transport" yaml:"transport"`
	// Command starts the host for the stdio transport.
	Command   []string `json:"command,omitempty" yaml:"command,omitempty"`
	URL       string   `json:"url,omitempty" yaml:"url,omitempty"`
	AuthToken string   `json:"auth_token,omitempty" yaml:"auth_token,omitempty"`
	Codec     string   `json:"codec" yaml:"codec"`

	RequestTimeoutSeconds int `json:"request_timeout_seconds" yaml:"request_timeout_seconds"`
	DialTimeoutSeconds    int `json:"dial_timeout_seconds" yaml:"dial_timeout_seconds"`
	MaxRetries            int `json:"max_retries" yaml:"max_retries"`
}

type ClientConfig struct {
	Version    string `json:"version" yaml:"version"`
	APIVersion int    `json:"api_version" yaml:"api_version"`
	UserAgent  string `json:"user_agent" yaml:"user_agent"`
	// Locale overrides the LC_ALL/LC_MESSAGES/LANG fallback used until the
	// host reports one.
	Locale             string `json:"locale,omitempty" yaml:"locale,omitempty"`
	NotifyWindowMillis int    `json:"notify_window_millis" yaml:"notify_window_millis"`
}

type StoreConfig struct {
	RedisAddr          string `json:"redis_addr,omitempty" yaml:"redis_addr,omitempty"`
	SnapshotTTLSeconds int    `json:"snapshot_ttl_seconds" yaml:"snapshot_ttl_seconds"`
	SettledTTLSeconds  int    `json:"settled_ttl_seconds" yaml:"settled_ttl_seconds"`
}

type StubHostConfig struct {
	ListenAddr        string `json:"listen_addr" yaml:"listen_addr"`
	Path              string `json:"path" yaml:"path"`
	AuthToken         string `json:"auth_token,omitempty" yaml:"auth_token,omitempty"`
	APIVersion        int    `json:"api_version" yaml:"api_version"`
	Version           string `json:"version" yaml:"version"`
	Platform          string `json:"platform" yaml:"platform"`
	IsValidatedOnHost *bool  `json:"is_validated_on_host,omitempty" yaml:"is_validated_on_host,omitempty"`
}

type LogConfig struct {
	Level       string `json:"level" yaml:"level"`
	Development bool   `json:"development" yaml:"development"`
}

func Default() Config {
	return Config{
		Host: HostConfig{
			Transport:             TransportStdio,
			URL:                   os.Getenv("NATIVEBRIDGE_HOST_URL"),
			AuthToken:             os.Getenv("NATIVEBRIDGE_HOST_TOKEN"),
			Codec:                 "json",
			RequestTimeoutSeconds: 60,
			DialTimeoutSeconds:    10,
			MaxRetries:            5,
		},
		Client: ClientConfig{
			Version:            "1.0.0",
			APIVersion:         3,
			UserAgent:          "nativebridge",
			NotifyWindowMillis: 40,
		},
		Store: StoreConfig{
			RedisAddr:          os.Getenv("REDIS_ADDR"),
			SnapshotTTLSeconds: 86400,
			SettledTTLSeconds:  3600,
		},
		StubHost: StubHostConfig{
			ListenAddr: ":8080",
			Path:       "/ws/host",
			APIVersion: 3,
			Version:    "7.0.0",
			Platform:   "linux",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads path over Default. Files ending in .yaml or .yml are YAML;
// anything else is JSON with comments and trailing commas allowed.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, cfg.normalize()
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config failed: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(content, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config failed: %w", err)
		}
	default:
		standard, err := hujson.Standardize(content)
		if err != nil {
			return Config{}, fmt.Errorf("parse config failed: %w", err)
		}
		if err := json.Unmarshal(standard, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config failed: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) normalize() error {
	c.Host.Transport = strings.ToLower(strings.TrimSpace(c.Host.Transport))
	if c.Host.Transport == "" {
		c.Host.Transport = TransportStdio
	}
	switch c.Host.Transport {
	case TransportStdio:
		if len(c.Host.Command) == 0 && c.Host.URL != "" {
			c.Host.Transport = TransportWebsocket
		}
	case TransportWebsocket:
		if c.Host.URL == "" {
			return fmt.Errorf("host.url is required for the websocket transport")
		}
	case TransportStub:
	default:
		return fmt.Errorf("unknown host.transport %q", c.Host.Transport)
	}
	if c.Host.Codec == "" {
		c.Host.Codec = "json"
	}
	if c.Host.RequestTimeoutSeconds <= 0 {
		c.Host.RequestTimeoutSeconds = 60
	}
	if c.Host.DialTimeoutSeconds <= 0 {
		c.Host.DialTimeoutSeconds = 10
	}
	if c.Host.MaxRetries <= 0 {
		c.Host.MaxRetries = 5
	}
	if c.Client.NotifyWindowMillis <= 0 {
		c.Client.NotifyWindowMillis = 40
	}
	if c.Store.SnapshotTTLSeconds <= 0 {
		c.Store.SnapshotTTLSeconds = 86400
	}
	if c.Store.SettledTTLSeconds <= 0 {
		c.Store.SettledTTLSeconds = 3600
	}
	if c.StubHost.ListenAddr == "" {
		c.StubHost.ListenAddr = ":8080"
	}
	if c.StubHost.Path == "" {
		c.StubHost.Path = "/ws/host"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	return nil
}

func (h HostConfig) RequestTimeout() time.Duration {
	return time.Duration(h.RequestTimeoutSeconds) * time.Second
}

func (h HostConfig) DialTimeout() time.Duration {
	return time.Duration(h.DialTimeoutSeconds) * time.Second
}

func (c ClientConfig) NotifyWindow() time.Duration {
	return time.Duration(c.NotifyWindowMillis) * time.Millisecond
}

func (s StoreConfig) SnapshotTTL() time.Duration {
	return time.Duration(s.SnapshotTTLSeconds) * time.Second
}

func (s StoreConfig) SettledTTL() time.Duration {
	return time.Duration(s.SettledTTLSeconds) * time.Second
}
