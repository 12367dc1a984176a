// Package config aggregates environment-driven configuration for the
// call service.
package config

import (
	"fmt"
	"strings"
	"time"

	"fitconnect-backend/internal/database"
	"fitconnect-backend/pkg/constants"
	"fitconnect-backend/pkg/env"
)

// Config holds the complete service configuration
type Config struct {
	// Server
	Port        int
	Environment string

	// Auth
	JWTSecret     string
	TokenDuration time.Duration

	// Call behavior
	RingTimeout time.Duration

	// Backends
	Firebase  database.FirebaseConfig
	Redis     database.RedisConfig
	Cockroach database.CockroachConfig

	// Feature toggles driven by available backends
	RedisEnabled     bool
	CockroachEnabled bool

	// CORS
	AllowedOrigins []string
}

// Load builds the configuration from the environment
func Load() (*Config, error) {
	cfg := &Config{
		Port:        env.GetInt("PORT", 8084),
		Environment: env.GetString("ENVIRONMENT", "development"),

		JWTSecret:     env.GetStringFromFile("JWT_SECRET", ""),
		TokenDuration: env.GetDuration("TOKEN_DURATION", 24*time.Hour),

		RingTimeout: env.GetDuration("RING_TIMEOUT", constants.DefaultRingTimeout),

		Firebase: database.FirebaseConfig{
			ProjectID:       env.GetString("FIREBASE_PROJECT_ID", ""),
			CredentialsPath: env.GetString("FIREBASE_CREDENTIALS_PATH", ""),
		},
		Redis: database.RedisConfig{
			Host:     env.GetString("REDIS_HOST", "localhost"),
			Port:     env.GetInt("REDIS_PORT", 6379),
			Password: env.GetStringFromFile("REDIS_PASSWORD", ""),
			DB:       env.GetInt("REDIS_DB", 0),
			PoolSize: env.GetInt("REDIS_POOL_SIZE", 10),
			Timeout:  env.GetDuration("REDIS_TIMEOUT", 5*time.Second),
		},
		Cockroach: database.CockroachConfig{
			Host:     env.GetString("COCKROACH_HOST", "localhost"),
			Port:     env.GetInt("COCKROACH_PORT", 26257),
			User:     env.GetString("COCKROACH_USER", "root"),
			Password: env.GetStringFromFile("COCKROACH_PASSWORD", ""),
			Database: env.GetString("COCKROACH_DATABASE", "fitconnect"),
			SSLMode:  env.GetString("COCKROACH_SSL_MODE", "disable"),
		},

		RedisEnabled:     env.GetBool("REDIS_ENABLED", true),
		CockroachEnabled: env.GetBool("COCKROACH_ENABLED", true),
	}

	if origins := env.GetString("ALLOWED_ORIGINS", ""); origins != "" {
		for _, origin := range strings.Split(origins, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				cfg.AllowedOrigins = append(cfg.AllowedOrigins, origin)
			}
		}
	}

	if cfg.IsProduction() {
		if cfg.JWTSecret == "" {
			return nil, fmt.Errorf("JWT_SECRET is required in production")
		}
		if cfg.Firebase.ProjectID == "" {
			return nil, fmt.Errorf("FIREBASE_PROJECT_ID is required in production")
		}
	}
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret-do-not-use-in-production"
	}

	return cfg, nil
}

// IsProduction reports whether the service runs in production mode
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// FirestoreConfigured reports whether Firebase credentials are present
func (c *Config) FirestoreConfigured() bool {
	return c.Firebase.ProjectID != "" && c.Firebase.CredentialsPath != ""
}
