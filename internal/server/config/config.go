// Package config loads the server's environment configuration. A .env
// file is honored in development; real deployments set the variables
// directly.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"

	"github.com/endpointmon/backend/internal/wire"
)

// OrgSeed is one org the server provisions at boot: id, display name,
// raw API key (hashed before storage) and per-minute ingest rate limit.
type OrgSeed struct {
	OrgID     string `json:"org_id"`
	Name      string `json:"name"`
	APIKey    string `json:"api_key"`
	RateLimit int    `json:"rate_limit_per_min"`
}

// Config is the server runtime configuration.
type Config struct {
	Host string
	Port int

	DatabaseURL string
	RedisURL    string

	Orgs []OrgSeed

	ReplayWindowSeconds  int
	MaxPayloadBytes      int
	MaxComputeSeconds    int
	RecomputeWorkers     int
	SweepIntervalMinutes int

	EnforceHTTPS bool
	MetricsToken string
}

// Load reads configuration from the environment, optionally seeded from
// a .env file.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Host:                 envString("EM_HOST", "0.0.0.0"),
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		RedisURL:             envString("REDIS_URL", "redis://127.0.0.1:6379/0"),
		ReplayWindowSeconds:  envInt("EM_REPLAY_WINDOW_SECONDS", 300),
		MaxPayloadBytes:      envInt("EM_MAX_PAYLOAD_BYTES", wire.MaxPayloadBytes),
		MaxComputeSeconds:    envInt("EM_MAX_INGEST_COMPUTE_SECONDS", 3),
		RecomputeWorkers:     envInt("EM_RECOMPUTE_WORKERS", 4),
		SweepIntervalMinutes: envInt("EM_SWEEP_INTERVAL_MINUTES", 60),
		EnforceHTTPS:         envBool("EM_ENFORCE_HTTPS", false),
		MetricsToken:         os.Getenv("EM_METRICS_TOKEN"),
	}
	cfg.Port = envInt("EM_PORT", 8000)

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.ReplayWindowSeconds < 1 {
		return nil, fmt.Errorf("EM_REPLAY_WINDOW_SECONDS must be positive")
	}
	if cfg.MaxPayloadBytes < 1 {
		return nil, fmt.Errorf("EM_MAX_PAYLOAD_BYTES must be positive")
	}
	if cfg.MaxComputeSeconds < 1 {
		return nil, fmt.Errorf("EM_MAX_INGEST_COMPUTE_SECONDS must be positive")
	}

	if raw := os.Getenv("EM_ORGS_JSON"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &cfg.Orgs); err != nil {
			return nil, fmt.Errorf("parse EM_ORGS_JSON: %w", err)
		}
		for i, seed := range cfg.Orgs {
			if seed.OrgID == "" || seed.APIKey == "" {
				return nil, fmt.Errorf("EM_ORGS_JSON[%d]: org_id and api_key are required", i)
			}
			if seed.RateLimit < 1 {
				cfg.Orgs[i].RateLimit = 120
			}
		}
	}
	return cfg, nil
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func envString(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func envInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}

func envBool(key string, fallback bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return value
}
