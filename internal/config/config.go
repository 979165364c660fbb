package config

import (
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all server settings. Values come from an optional YAML
// file (TRACKER_CONFIG) overridden by environment variables.
type Config struct {
	DatabaseURL string `yaml:"database_url"`
	HTTPAddr    string `yaml:"http_addr"`
	JWTSecret   string `yaml:"jwt_secret"`

	TokenTTL          time.Duration `yaml:"token_ttl"`
	SkewTolerance     time.Duration `yaml:"skew_tolerance"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	LostInterval      time.Duration `yaml:"lost_interval"`
	TrustWindow       time.Duration `yaml:"trust_window"`
	WifiGracePeriod   time.Duration `yaml:"wifi_grace_period"`
	CommandTimeout    time.Duration `yaml:"command_timeout"`
	SweepEvery        time.Duration `yaml:"sweep_every"`
}

// Defaults returns the baseline configuration.
func Defaults() Config {
	return Config{
		HTTPAddr:          ":8080",
		TokenTTL:          10 * time.Minute,
		SkewTolerance:     5 * time.Minute,
		HeartbeatInterval: 15 * time.Minute,
		LostInterval:      5 * time.Minute,
		TrustWindow:       24 * time.Hour,
		WifiGracePeriod:   24 * time.Hour,
		CommandTimeout:    10 * time.Minute,
		SweepEvery:        time.Minute,
	}
}

// Load reads the config file named by TRACKER_CONFIG (if any) and then
// applies environment overrides.
func Load() (Config, error) {
	cfg := Defaults()

	if path := os.Getenv("TRACKER_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, err
		}
	}

	cfg.DatabaseURL = getenvDefault("DATABASE_URL", getenvDefault("PG_DSN", cfg.DatabaseURL))
	cfg.HTTPAddr = getenvDefault("HTTP_ADDR", cfg.HTTPAddr)
	cfg.JWTSecret = getenvDefault("AUTH_JWT_SECRET", getenvDefault("JWT_SECRET", cfg.JWTSecret))
	cfg.TokenTTL = getenvDuration("ENROLL_TOKEN_TTL", cfg.TokenTTL)
	cfg.SkewTolerance = getenvDuration("TELEMETRY_MAX_SKEW", cfg.SkewTolerance)
	cfg.HeartbeatInterval = getenvDuration("HEARTBEAT_INTERVAL", cfg.HeartbeatInterval)
	cfg.LostInterval = getenvDuration("LOST_HEARTBEAT_INTERVAL", cfg.LostInterval)
	cfg.TrustWindow = getenvDuration("BASELINE_TRUST_WINDOW", cfg.TrustWindow)
	cfg.WifiGracePeriod = getenvDuration("WIFI_GRACE_PERIOD", cfg.WifiGracePeriod)
	cfg.CommandTimeout = getenvDuration("COMMAND_TIMEOUT", cfg.CommandTimeout)
	cfg.SweepEvery = getenvDuration("SWEEP_EVERY", cfg.SweepEvery)

	return cfg, nil
}

func getenvDefault(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		if seconds, serr := strconv.Atoi(value); serr == nil {
			return time.Duration(seconds) * time.Second
		}
		return fallback
	}
	return parsed
}
