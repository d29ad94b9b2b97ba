// Package config loads chatwarden settings from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	// General
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	HTTPPort    int    `envconfig:"HTTP_PORT" default:"8080"`

	// Telegram
	BotToken    string  `envconfig:"BOT_TOKEN" required:"true"`
	AdminIDs    []int64 `envconfig:"ADMIN_IDS"` // comma-separated user IDs treated as privileged in every chat
	PollTimeout int     `envconfig:"POLL_TIMEOUT" default:"30"`

	// Deletion delays
	RoutineDelay   time.Duration `envconfig:"ROUTINE_DELETE_DELAY" default:"5m"`
	ReplyDelay     time.Duration `envconfig:"REPLY_DELETE_DELAY" default:"3m"`
	ViolationDelay time.Duration `envconfig:"VIOLATION_DELETE_DELAY" default:"0s"`

	// Deletion scheduler
	DeleteMaxAttempts int           `envconfig:"DELETE_MAX_ATTEMPTS" default:"3"`
	DeleteRetryBase   time.Duration `envconfig:"DELETE_RETRY_BASE" default:"2s"`
	DeleteRetryMax    time.Duration `envconfig:"DELETE_RETRY_MAX" default:"1m"`
	DeleteRetryJitter bool          `envconfig:"DELETE_RETRY_JITTER" default:"true"`
	DeleteWorkers     int           `envconfig:"DELETE_WORKERS" default:"2"`
	DeleteQueueSize   int           `envconfig:"DELETE_QUEUE_SIZE" default:"1024"`
	DeleteCallTimeout time.Duration `envconfig:"DELETE_CALL_TIMEOUT" default:"10s"`
	DeleteRatePerSec  float64       `envconfig:"DELETE_RATE_PER_SEC" default:"20"`
	DeleteRateBurst   int           `envconfig:"DELETE_RATE_BURST" default:"5"`

	// Moderation
	PolicyFile    string        `envconfig:"POLICY_FILE"` // optional YAML overriding the built-in policy
	WarnDBPath    string        `envconfig:"WARN_DB_PATH" default:"chatwarden.db"`
	AdminCacheTTL time.Duration `envconfig:"ADMIN_CACHE_TTL" default:"5m"`
	MuteDuration  time.Duration `envconfig:"MUTE_DURATION" default:"1h"` // 0 replies without restricting

	// Store retention
	LogRetention      time.Duration `envconfig:"LOG_RETENTION" default:"720h"`
	RetentionInterval time.Duration `envconfig:"RETENTION_INTERVAL" default:"1h"`
}

// IsAdmin reports whether userID is in the configured admin set.
func (c *Config) IsAdmin(userID int64) bool {
	for _, id := range c.AdminIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// Validate checks cross-field constraints envconfig cannot express.
func (c *Config) Validate() error {
	if c.BotToken == "" {
		return fmt.Errorf("BOT_TOKEN must not be empty")
	}
	if c.DeleteMaxAttempts < 1 {
		return fmt.Errorf("DELETE_MAX_ATTEMPTS must be >= 1, got %d", c.DeleteMaxAttempts)
	}
	if c.DeleteWorkers < 1 {
		return fmt.Errorf("DELETE_WORKERS must be >= 1, got %d", c.DeleteWorkers)
	}
	if c.RoutineDelay < 0 || c.ReplyDelay < 0 || c.ViolationDelay < 0 {
		return fmt.Errorf("deletion delays must not be negative")
	}
	return nil
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	return LoadWithPrefix("")
}

// LoadWithPrefix reads configuration with a prefix.
func LoadWithPrefix(prefix string) (*Config, error) {
	var cfg Config
	if err := envconfig.Process(prefix, &cfg); err != nil {
		return nil, fmt.Errorf("loading config with prefix %s: %w", prefix, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}
