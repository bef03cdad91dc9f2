// Package config loads the assistant configuration from YAML or JSON5
// files, with environment expansion, $include merging, and live reload of
// the sections that are safe to swap at runtime.
package config

import (
	"fmt"
	"time"

	"github.com/haasonsaas/coda/internal/alerts"
	"github.com/haasonsaas/coda/internal/bus"
	"github.com/haasonsaas/coda/internal/confirm"
	"github.com/haasonsaas/coda/internal/health"
	"github.com/haasonsaas/coda/internal/ratelimit"
	"github.com/haasonsaas/coda/internal/scheduler"
	"github.com/haasonsaas/coda/internal/skills"
	"github.com/haasonsaas/coda/internal/subagent"
)

// Config is the root configuration document.
type Config struct {
	Logging   LoggingConfig   `yaml:"logging"`
	Redis     RedisConfig     `yaml:"redis"`
	Database  DatabaseConfig  `yaml:"database"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Providers ProvidersConfig `yaml:"providers"`

	Bus        bus.Config                  `yaml:"bus"`
	Health     health.Config               `yaml:"health"`
	RateLimits map[string]ratelimit.Config `yaml:"rate_limits"`
	Skills     skills.Config               `yaml:"skills"`
	Confirm    confirm.Config              `yaml:"confirm"`
	Subagents  subagent.Config             `yaml:"subagents"`
	Alerts     alerts.Config               `yaml:"alerts"`
	Scheduler  SchedulerConfig             `yaml:"scheduler"`
	Channels   ChannelsConfig              `yaml:"channels"`
}

// LoggingConfig controls the structured logger.
type LoggingConfig struct {
	// Level is debug, info, warn, or error.
	Level string `yaml:"level"`
	// Format is "json" or "text".
	Format string `yaml:"format"`
}

// RedisConfig locates the Redis instance backing the event bus, cooldowns,
// and distributed rate limits.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// DatabaseConfig locates the SQLite database for alert history, subagent
// run archives, and user preferences.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// ProvidersConfig holds model-provider credentials. Values are usually
// populated through ${VAR} expansion.
type ProvidersConfig struct {
	// Default selects the provider for subagent runs: "anthropic" or
	// "openai".
	Default   string         `yaml:"default"`
	Anthropic ProviderConfig `yaml:"anthropic"`
	OpenAI    ProviderConfig `yaml:"openai"`
}

// ProviderConfig is one provider's credentials and model choice.
type ProviderConfig struct {
	APIKey string `yaml:"api_key"`
	Model  string `yaml:"model"`
}

// SchedulerConfig carries per-task overrides keyed by task name.
type SchedulerConfig struct {
	Tasks map[string]scheduler.Override `yaml:"tasks"`
}

// ChannelsConfig configures the alert delivery sinks.
type ChannelsConfig struct {
	Slack    SlackConfig    `yaml:"slack"`
	Discord  DiscordConfig  `yaml:"discord"`
	Telegram TelegramConfig `yaml:"telegram"`
}

// SlackConfig configures the Slack sink.
type SlackConfig struct {
	Enabled   bool   `yaml:"enabled"`
	BotToken  string `yaml:"bot_token"`
	ChannelID string `yaml:"channel_id"`
}

// DiscordConfig configures the Discord sink.
type DiscordConfig struct {
	Enabled   bool   `yaml:"enabled"`
	BotToken  string `yaml:"bot_token"`
	ChannelID string `yaml:"channel_id"`
}

// TelegramConfig configures the Telegram sink.
type TelegramConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BotToken string `yaml:"bot_token"`
	ChatID   int64  `yaml:"chat_id"`
}

// Default returns the full default configuration.
func Default() *Config {
	return &Config{
		Logging:  LoggingConfig{Level: "info", Format: "json"},
		Redis:    RedisConfig{Addr: "localhost:6379"},
		Database: DatabaseConfig{Path: "coda.db"},
		Metrics:  MetricsConfig{Enabled: true, Addr: ":9090"},
		Providers: ProvidersConfig{
			Default: "anthropic",
		},
		Bus:    bus.DefaultConfig(),
		Health: health.DefaultConfig(),
		RateLimits: map[string]ratelimit.Config{
			"message":        {MaxRequests: 30, Window: time.Minute},
			"tool_exec":      {MaxRequests: 60, Window: time.Minute},
			"subagent_spawn": {MaxRequests: 10, Window: 5 * time.Minute},
		},
		Skills:    skills.DefaultConfig(),
		Confirm:   confirm.DefaultConfig(),
		Subagents: subagent.DefaultConfig(),
		Alerts:    alerts.DefaultConfig(),
	}
}

// Validate checks cross-field constraints that the decoder cannot express.
func (c *Config) Validate() error {
	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "", "json", "text":
	default:
		return fmt.Errorf("logging.format %q is not json or text", c.Logging.Format)
	}
	switch c.Providers.Default {
	case "", "anthropic", "openai":
	default:
		return fmt.Errorf("providers.default %q is not anthropic or openai", c.Providers.Default)
	}
	for scope, rl := range c.RateLimits {
		if rl.MaxRequests <= 0 {
			return fmt.Errorf("rate_limits.%s.max_requests must be positive", scope)
		}
		if rl.Window <= 0 {
			return fmt.Errorf("rate_limits.%s.window must be positive", scope)
		}
	}
	if c.Subagents.MaxTimeout < c.Subagents.DefaultTimeout {
		return fmt.Errorf("subagents.max_timeout is below subagents.default_timeout")
	}
	return nil
}
