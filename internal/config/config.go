// Package config loads the node configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
)

// Config holds all configuration for the Burrow node.
type Config struct {
	Port        int
	ServerName  string // public host, e.g. example.com
	Environment string // "development" disables outgoing webmentions
	PageSize    int

	Database string // PostgreSQL DSN; empty selects the in-memory store
	MediaDir string

	RequireVouch bool

	Owner     OwnerConfig
	Telemetry TelemetryConfig
}

// OwnerConfig is the site owner's h-card.
type OwnerConfig struct {
	Name             string
	Email            string
	PhotoDescription string
	Note             string
	Language         string
	SiteName         string
	SiteDescription  string
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		Port:        envInt("PORT", 8080),
		ServerName:  envStr("SERVER_NAME", "localhost:8080"),
		Environment: envStr("ENVIRONMENT", "production"),
		PageSize:    envInt("PAGE_SIZE", 20),

		Database: envStr("DATABASE", ""),
		MediaDir: envStr("MEDIA", "media"),

		RequireVouch: envBool("REQUIRE_VOUCH", false),

		Owner: OwnerConfig{
			Name:             envStr("NAME", ""),
			Email:            envStr("EMAIL", ""),
			PhotoDescription: envStr("PHOTO_DESCRIPTION", ""),
			Note:             envStr("NOTE", ""),
			Language:         envStr("LANGUAGE", "en"),
			SiteName:         envStr("SITE_NAME", ""),
			SiteDescription:  envStr("SITE_DESCRIPTION", ""),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", false),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "burrow"),
		},
	}
}

// BaseURL returns the site's public origin.
func (c *Config) BaseURL() string {
	scheme := "https"
	if c.Development() {
		scheme = "http"
	}
	return fmt.Sprintf("%s://%s", scheme, c.ServerName)
}

// FeedURL returns the WebSub topic root: every valid topic starts with it.
func (c *Config) FeedURL() string {
	return c.BaseURL() + "/feed"
}

// Development reports whether the node runs in development mode.
func (c *Config) Development() bool {
	return c.Environment == "development"
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
