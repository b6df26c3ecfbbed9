package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nightvote/gamesync/internal/automation"
	"github.com/nightvote/gamesync/internal/poll"
	"github.com/nightvote/gamesync/internal/push"
	"github.com/nightvote/gamesync/internal/session"
)

// Config holds client configuration, loadable from a YAML file with
// environment-variable fallbacks.
type Config struct {
	ServerURL   string `yaml:"server_url"`
	PushURL     string `yaml:"push_url"`
	Token       string `yaml:"token"`
	SessionID   string `yaml:"session_id"`
	MetricsAddr string `yaml:"metrics_addr"`

	HeartbeatIntervalSec  int `yaml:"heartbeat_interval_sec"`
	BaseReconnectDelayMs  int `yaml:"base_reconnect_delay_ms"`
	MaxReconnectDelayMs   int `yaml:"max_reconnect_delay_ms"`
	PollBaseIntervalMs    int `yaml:"poll_base_interval_ms"`
	PollRelaxedIntervalMs int `yaml:"poll_relaxed_interval_ms"`
	AdvanceDelayMs        int `yaml:"advance_delay_ms"`
	RequestTimeoutSec     int `yaml:"request_timeout_sec"`
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// FromEnv builds a config from environment variables with defaults.
func FromEnv() *Config {
	return &Config{
		ServerURL:             getEnv("GAMESYNC_SERVER_URL", "http://localhost:8080"),
		PushURL:               getEnv("GAMESYNC_PUSH_URL", "ws://localhost:8080/ws"),
		Token:                 getEnv("GAMESYNC_TOKEN", ""),
		SessionID:             getEnv("GAMESYNC_SESSION_ID", ""),
		MetricsAddr:           getEnv("GAMESYNC_METRICS_ADDR", ":9091"),
		HeartbeatIntervalSec:  getEnvAsInt("GAMESYNC_HEARTBEAT_INTERVAL_SEC", 30),
		BaseReconnectDelayMs:  getEnvAsInt("GAMESYNC_BASE_RECONNECT_DELAY_MS", 3000),
		MaxReconnectDelayMs:   getEnvAsInt("GAMESYNC_MAX_RECONNECT_DELAY_MS", 30000),
		PollBaseIntervalMs:    getEnvAsInt("GAMESYNC_POLL_BASE_INTERVAL_MS", 2000),
		PollRelaxedIntervalMs: getEnvAsInt("GAMESYNC_POLL_RELAXED_INTERVAL_MS", 10000),
		AdvanceDelayMs:        getEnvAsInt("GAMESYNC_ADVANCE_DELAY_MS", 1500),
		RequestTimeoutSec:     getEnvAsInt("GAMESYNC_REQUEST_TIMEOUT_SEC", 10),
	}
}

// Load reads a YAML config file and overlays it on the env defaults.
func Load(path string) (*Config, error) {
	cfg := FromEnv()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

// SessionConfig converts the flat config into the facade's form.
func (c *Config) SessionConfig() session.Config {
	return session.Config{
		SessionID: c.SessionID,
		PushURL:   c.PushURL,
		Token:     c.Token,
		Push: push.Config{
			HeartbeatInterval:  time.Duration(c.HeartbeatIntervalSec) * time.Second,
			BaseReconnectDelay: time.Duration(c.BaseReconnectDelayMs) * time.Millisecond,
			MaxReconnectDelay:  time.Duration(c.MaxReconnectDelayMs) * time.Millisecond,
		},
		Poll: poll.Config{
			BaseInterval:    time.Duration(c.PollBaseIntervalMs) * time.Millisecond,
			RelaxedInterval: time.Duration(c.PollRelaxedIntervalMs) * time.Millisecond,
		},
		Automation: automation.Config{
			AdvanceDelay:   time.Duration(c.AdvanceDelayMs) * time.Millisecond,
			RequestTimeout: time.Duration(c.RequestTimeoutSec) * time.Second,
		},
	}
}
