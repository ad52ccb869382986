package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	DBFile        string
	APIAddr       string
	BaseURL       string
	UploadsPath   string
	AuthSecret    string
	TokenExpiry   time.Duration
	AnonymousRead bool
}

func Load() (*Config, error) {
	tokenExpiry, err := time.ParseDuration(getEnv("TOKEN_EXPIRY", "24h"))
	if err != nil {
		return nil, err
	}

	anonymousRead, err := strconv.ParseBool(getEnv("ANONYMOUS_READ", "true"))
	if err != nil {
		return nil, fmt.Errorf("ANONYMOUS_READ must be a boolean: %w", err)
	}

	cfg := &Config{
		DBFile:        getEnv("RELIEFHUB_DB", "reliefhub.db"),
		APIAddr:       getEnv("API_ADDR", ":8080"),
		BaseURL:       getEnv("BASE_URL", "http://localhost:8080"),
		UploadsPath:   getEnv("UPLOADS_PATH", "uploads"),
		AuthSecret:    os.Getenv("AUTH_SECRET"),
		TokenExpiry:   tokenExpiry,
		AnonymousRead: anonymousRead,
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.AuthSecret == "" {
		return fmt.Errorf("AUTH_SECRET is required")
	}

	if c.TokenExpiry <= 0 {
		return fmt.Errorf("TOKEN_EXPIRY must be greater than 0")
	}

	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
