package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the session gateway.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	AllowAnyOrigin bool

	RedisAddr     string
	RedisPassword string
	DatabaseURL   string

	SessionTTL       time.Duration
	HeartbeatTimeout time.Duration
	DisconnectGrace  time.Duration

	DefaultAgent    string
	DefaultWorkflow string

	StoreConnectAttempts int
	StoreBackoffBase     time.Duration
	StoreBackoffCap      time.Duration

	BackendDialTimeout time.Duration
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:             envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:     envOrDefault("APP_METRICS_NAMESPACE", "switchboard"),
		AllowAnyOrigin:       false,
		RedisAddr:            stringsTrimSpace("REDIS_ADDR"),
		RedisPassword:        stringsTrimSpace("REDIS_PASSWORD"),
		DatabaseURL:          stringsTrimSpace("DATABASE_URL"),
		DefaultAgent:         envOrDefault("DEFAULT_AGENT", "triage"),
		DefaultWorkflow:      envOrDefault("DEFAULT_WORKFLOW", "banking"),
		ShutdownTimeout:      15 * time.Second,
		SessionTTL:           time.Hour,
		HeartbeatTimeout:     30 * time.Second,
		DisconnectGrace:      60 * time.Second,
		StoreConnectAttempts: 5,
		StoreBackoffBase:     time.Second,
		StoreBackoffCap:      10 * time.Second,
		BackendDialTimeout:   4 * time.Second,
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionTTL, err = durationFromEnv("SESSION_TTL", cfg.SessionTTL)
	if err != nil {
		return Config{}, err
	}
	cfg.HeartbeatTimeout, err = durationFromEnv("HEARTBEAT_TIMEOUT", cfg.HeartbeatTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.DisconnectGrace, err = durationFromEnv("DISCONNECT_GRACE", cfg.DisconnectGrace)
	if err != nil {
		return Config{}, err
	}
	cfg.StoreBackoffBase, err = durationFromEnv("STORE_BACKOFF_BASE", cfg.StoreBackoffBase)
	if err != nil {
		return Config{}, err
	}
	cfg.StoreBackoffCap, err = durationFromEnv("STORE_BACKOFF_CAP", cfg.StoreBackoffCap)
	if err != nil {
		return Config{}, err
	}
	cfg.BackendDialTimeout, err = durationFromEnv("BACKEND_DIAL_TIMEOUT", cfg.BackendDialTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.StoreConnectAttempts, err = intFromEnv("STORE_CONNECT_ATTEMPTS", cfg.StoreConnectAttempts)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}

	if strings.TrimSpace(cfg.DefaultAgent) == "" {
		return Config{}, fmt.Errorf("DEFAULT_AGENT must not be empty")
	}
	if cfg.SessionTTL < time.Minute {
		return Config{}, fmt.Errorf("SESSION_TTL must be at least 1m")
	}
	if cfg.HeartbeatTimeout < time.Second {
		return Config{}, fmt.Errorf("HEARTBEAT_TIMEOUT must be at least 1s")
	}
	if cfg.StoreConnectAttempts <= 0 {
		return Config{}, fmt.Errorf("STORE_CONNECT_ATTEMPTS must be positive")
	}
	if cfg.StoreBackoffBase <= 0 || cfg.StoreBackoffCap < cfg.StoreBackoffBase {
		return Config{}, fmt.Errorf("store backoff window is invalid")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
