package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"
)

// AppConfig carries settings for both the client and the server binaries.
// Values come from an optional YAML file (ARENA_CONFIG) overridden by
// environment variables.
type AppConfig struct {
	// client
	ArenaWSURL      string        `yaml:"arena_ws_url"`
	IdentityBaseURL string        `yaml:"identity_base_url"`
	UserID          string        `yaml:"user_id"`
	AuthToken       string        `yaml:"auth_token"`
	ReconnectDelay  time.Duration `yaml:"reconnect_delay"`

	// server
	ListenAddr string `yaml:"listen_addr"`
	RedisURL   string `yaml:"redis_url"`
}

func Load() (*AppConfig, error) {
	cfg := &AppConfig{
		ReconnectDelay: time.Second,
		ListenAddr:     ":8787",
	}

	if path := strings.TrimSpace(os.Getenv("ARENA_CONFIG")); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	if v := strings.TrimSpace(os.Getenv("ARENA_WS_URL")); v != "" {
		cfg.ArenaWSURL = v
	}
	if v := strings.TrimSpace(os.Getenv("IDENTITY_BASE_URL")); v != "" {
		cfg.IdentityBaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv("ARENA_USER_ID")); v != "" {
		cfg.UserID = v
	}
	if v := strings.TrimSpace(os.Getenv("ARENA_AUTH_TOKEN")); v != "" {
		cfg.AuthToken = v
	}
	if v := strings.TrimSpace(os.Getenv("ARENA_RECONNECT_DELAY")); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.ReconnectDelay = d
		}
	}
	if v := strings.TrimSpace(os.Getenv("ARENA_LISTEN_ADDR")); v != "" {
		cfg.ListenAddr = v
	}
	if v := strings.TrimSpace(os.Getenv("REDIS_URL")); v != "" {
		cfg.RedisURL = v
	}

	return cfg, nil
}

// ValidateClient checks the fields the arena client needs.
func (c *AppConfig) ValidateClient() error {
	if strings.TrimSpace(c.ArenaWSURL) == "" {
		return errors.New("ARENA_WS_URL is required")
	}
	if strings.TrimSpace(c.IdentityBaseURL) == "" && strings.TrimSpace(c.UserID) == "" {
		return errors.New("either IDENTITY_BASE_URL or ARENA_USER_ID is required")
	}
	return nil
}

// ValidateServer checks the fields the coordination server needs.
func (c *AppConfig) ValidateServer() error {
	if strings.TrimSpace(c.RedisURL) == "" {
		return errors.New("REDIS_URL is required")
	}
	if strings.TrimSpace(c.ListenAddr) == "" {
		return errors.New("ARENA_LISTEN_ADDR is required")
	}
	return nil
}
