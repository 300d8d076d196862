// Copyright 2025 Enclava
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"
)

// Config holds the gateway's runtime configuration, read from the
// environment at startup.
type Config struct {
	Port string

	// DatabaseURL is built from the DATABASE_* variables, or taken
	// from DATABASE_URL directly.
	DatabaseURL string

	// RedisURL enables distributed rate limiting when set.
	RedisURL string

	// JWTSecret verifies session tokens. Session-authenticated users
	// without an API key are budget-exempt.
	JWTSecret string

	// TEEBaseURL and TEEAPIKey configure the default provider.
	TEEBaseURL string
	TEEAPIKey  string
	TEEModel   string

	// ProvidersFile optionally points at a YAML file declaring
	// additional providers.
	ProvidersFile string

	// RateLimitPerMinute is the per-identity request ceiling
	// (0 = disabled).
	RateLimitPerMinute int

	// ProviderTimeout bounds each upstream call.
	ProviderTimeout time.Duration
}

// LoadConfig reads configuration from the environment.
func LoadConfig() Config {
	cfg := Config{
		Port:               getEnv("PORT", "8080"),
		DatabaseURL:        databaseURLFromEnv(),
		RedisURL:           os.Getenv("REDIS_URL"),
		JWTSecret:          os.Getenv("JWT_SECRET"),
		TEEBaseURL:         os.Getenv("TEE_BASE_URL"),
		TEEAPIKey:          os.Getenv("TEE_API_KEY"),
		TEEModel:           getEnv("TEE_DEFAULT_MODEL", "tee-llama-3-8b"),
		ProvidersFile:      os.Getenv("PROVIDERS_CONFIG_FILE"),
		RateLimitPerMinute: getEnvInt("RATE_LIMIT_PER_MINUTE", 60),
		ProviderTimeout:    time.Duration(getEnvInt("PROVIDER_TIMEOUT_SECONDS", 120)) * time.Second,
	}
	return cfg
}

// databaseURLFromEnv builds a connection string from the separate
// DATABASE_* variables, falling back to DATABASE_URL.
func databaseURLFromEnv() string {
	host := os.Getenv("DATABASE_HOST")
	password := os.Getenv("DATABASE_PASSWORD")
	if host == "" || password == "" {
		return os.Getenv("DATABASE_URL")
	}

	port := getEnv("DATABASE_PORT", "5432")
	name := getEnv("DATABASE_NAME", "enclava")
	user := getEnv("DATABASE_USER", "enclava_app")
	sslMode := getEnv("DATABASE_SSLMODE", "require")

	// Password is URL-encoded to survive special characters in the URI
	// format.
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		url.QueryEscape(user), url.QueryEscape(password), host, port, name, sslMode)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
