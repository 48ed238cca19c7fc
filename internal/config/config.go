// Package config loads mangaforge's runtime configuration from the
// environment, grounded on the teacher's config.go (env-tag driven struct,
// godotenv for local .env loading, explicit default/required loaders).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is the full set of environment-tunable settings for the admin
// server and its workers.
type Config struct {
	GoEnv string `env:"GO_ENV" default:"development"`

	// Admin HTTP surface
	HTTPPort int `env:"HTTP_PORT" default:"8080"`
	// AdminJWTSecret signs and verifies the single admin bearer token this
	// server issues (see internal/adminauth); empty disables the check,
	// which is only acceptable in development.
	AdminJWTSecret string `env:"ADMIN_JWT_SECRET" default:""`

	// Database
	DatabaseURL string `env:"DATABASE_URL" required:"true"`

	// Redis backs the cross-replica broadcast channel (internal/notify).
	// Empty disables it; the in-process broadcaster still works alone.
	RedisURL      string `env:"REDIS_URL" default:""`
	RedisPassword string `env:"REDIS_PASSWORD" default:""`

	// Extension Host
	PluginDir string `env:"PLUGIN_DIR" default:"/app/data/plugins"`

	// Download Worker
	DownloadRoot string `env:"DOWNLOAD_ROOT" default:"/app/data/downloads"`

	// Update Worker
	ChapterUpdateInterval  time.Duration `env:"CHAPTER_UPDATE_INTERVAL" default:"1h"`
	EnforceMinimumInterval bool          `env:"ENFORCE_MINIMUM_INTERVAL" default:"true"`
	ServerUpdateInterval   time.Duration `env:"SERVER_UPDATE_INTERVAL" default:"24h"`
	ClearCacheInterval     time.Duration `env:"CLEAR_CACHE_INTERVAL" default:"72h"`
	CacheMaxAge            time.Duration `env:"CACHE_MAX_AGE" default:"240h"`
	CacheDir               string        `env:"CACHE_DIR" default:"/app/data/cache"`
	PluginRepoURL          string        `env:"PLUGIN_REPO_URL" default:""`
	GitHubOwner            string        `env:"GITHUB_OWNER" default:"mangaforge"`
	GitHubRepo             string        `env:"GITHUB_REPO" default:"mangaforge"`
	AppVersion             string        `env:"APP_VERSION" default:"0.1.0"`

	// Notification Fan-out
	WebhookURL string `env:"NOTIFY_WEBHOOK_URL" default:""`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" default:"info"`
	LogFormat string `env:"LOG_FORMAT" default:"json"`
}

// LoadConfig loads configuration from environment variables, optionally
// seeded by a .env file in the working directory.
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(".env"); err != nil {
		fmt.Fprintf(os.Stderr, "warning: .env file not found: %v\n", err)
	}

	cfg := &Config{}

	if err := loadEnvString(&cfg.GoEnv, "GO_ENV", "development"); err != nil {
		return nil, err
	}
	if err := loadEnvInt(&cfg.HTTPPort, "HTTP_PORT", 8080); err != nil {
		return nil, err
	}
	if err := loadEnvString(&cfg.AdminJWTSecret, "ADMIN_JWT_SECRET", ""); err != nil {
		return nil, err
	}
	if err := loadEnvStringRequired(&cfg.DatabaseURL, "DATABASE_URL"); err != nil {
		return nil, err
	}
	if err := loadEnvString(&cfg.RedisURL, "REDIS_URL", ""); err != nil {
		return nil, err
	}
	if err := loadEnvString(&cfg.RedisPassword, "REDIS_PASSWORD", ""); err != nil {
		return nil, err
	}
	if err := loadEnvString(&cfg.PluginDir, "PLUGIN_DIR", "/app/data/plugins"); err != nil {
		return nil, err
	}
	if err := loadEnvString(&cfg.DownloadRoot, "DOWNLOAD_ROOT", "/app/data/downloads"); err != nil {
		return nil, err
	}
	if err := loadEnvDuration(&cfg.ChapterUpdateInterval, "CHAPTER_UPDATE_INTERVAL", time.Hour); err != nil {
		return nil, err
	}
	if err := loadEnvBool(&cfg.EnforceMinimumInterval, "ENFORCE_MINIMUM_INTERVAL", true); err != nil {
		return nil, err
	}
	if err := loadEnvDuration(&cfg.ServerUpdateInterval, "SERVER_UPDATE_INTERVAL", 24*time.Hour); err != nil {
		return nil, err
	}
	if err := loadEnvDuration(&cfg.ClearCacheInterval, "CLEAR_CACHE_INTERVAL", 72*time.Hour); err != nil {
		return nil, err
	}
	if err := loadEnvDuration(&cfg.CacheMaxAge, "CACHE_MAX_AGE", 240*time.Hour); err != nil {
		return nil, err
	}
	if err := loadEnvString(&cfg.CacheDir, "CACHE_DIR", "/app/data/cache"); err != nil {
		return nil, err
	}
	if err := loadEnvString(&cfg.PluginRepoURL, "PLUGIN_REPO_URL", ""); err != nil {
		return nil, err
	}
	if err := loadEnvString(&cfg.GitHubOwner, "GITHUB_OWNER", "mangaforge"); err != nil {
		return nil, err
	}
	if err := loadEnvString(&cfg.GitHubRepo, "GITHUB_REPO", "mangaforge"); err != nil {
		return nil, err
	}
	if err := loadEnvString(&cfg.AppVersion, "APP_VERSION", "0.1.0"); err != nil {
		return nil, err
	}
	if err := loadEnvString(&cfg.WebhookURL, "NOTIFY_WEBHOOK_URL", ""); err != nil {
		return nil, err
	}
	if err := loadEnvString(&cfg.LogLevel, "LOG_LEVEL", "info"); err != nil {
		return nil, err
	}
	if err := loadEnvString(&cfg.LogFormat, "LOG_FORMAT", "json"); err != nil {
		return nil, err
	}

	return cfg, nil
}

func loadEnvString(target *string, key, defaultValue string) error {
	if value := os.Getenv(key); value != "" {
		*target = value
	} else {
		*target = defaultValue
	}
	return nil
}

func loadEnvStringRequired(target *string, key string) error {
	value := os.Getenv(key)
	if value == "" {
		return fmt.Errorf("required environment variable %s is not set", key)
	}
	*target = value
	return nil
}

func loadEnvInt(target *int, key string, defaultValue int) error {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid integer value for %s: %v", key, err)
		}
		*target = parsed
	} else {
		*target = defaultValue
	}
	return nil
}

func loadEnvBool(target *bool, key string, defaultValue bool) error {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid boolean value for %s: %v", key, err)
		}
		*target = parsed
	} else {
		*target = defaultValue
	}
	return nil
}

func loadEnvDuration(target *time.Duration, key string, defaultValue time.Duration) error {
	if value := os.Getenv(key); value != "" {
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration value for %s: %v", key, err)
		}
		*target = parsed
	} else {
		*target = defaultValue
	}
	return nil
}

// IsDevelopment reports whether GoEnv is "development".
func (c *Config) IsDevelopment() bool { return c.GoEnv == "development" }

// IsProduction reports whether GoEnv is "production".
func (c *Config) IsProduction() bool { return c.GoEnv == "production" }
