package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	Engine    EngineConfig    `json:"engine"`
	Providers ProvidersConfig `json:"providers"`
	Gateway   GatewayConfig   `json:"gateway"`
	Sweep     SweepConfig     `json:"sweep"`
	Log       LogConfig       `json:"log"`
}

type EngineConfig struct {
	Workspace      string `json:"workspace" env:"REVERIE_ENGINE_WORKSPACE"`
	Locale         string `json:"locale" env:"REVERIE_ENGINE_LOCALE"`
	Timezone       string `json:"timezone" env:"REVERIE_ENGINE_TIMEZONE"`
	HistoryWindow  int    `json:"history_window" env:"REVERIE_ENGINE_HISTORY_WINDOW"`
	MemoryCapacity int    `json:"memory_capacity" env:"REVERIE_ENGINE_MEMORY_CAPACITY"`
}

type ProvidersConfig struct {
	Primary   string          `json:"primary" env:"REVERIE_PROVIDERS_PRIMARY"`
	Secondary string          `json:"secondary" env:"REVERIE_PROVIDERS_SECONDARY"`
	OpenAI    OpenAIConfig    `json:"openai"`
	Anthropic AnthropicConfig `json:"anthropic"`
}

type OpenAIConfig struct {
	APIKey  string `json:"api_key" env:"REVERIE_PROVIDERS_OPENAI_API_KEY"`
	APIBase string `json:"api_base" env:"REVERIE_PROVIDERS_OPENAI_API_BASE"`
	Model   string `json:"model" env:"REVERIE_PROVIDERS_OPENAI_MODEL"`
	Proxy   string `json:"proxy,omitempty" env:"REVERIE_PROVIDERS_OPENAI_PROXY"`
}

type AnthropicConfig struct {
	APIKey  string `json:"api_key" env:"REVERIE_PROVIDERS_ANTHROPIC_API_KEY"`
	APIBase string `json:"api_base" env:"REVERIE_PROVIDERS_ANTHROPIC_API_BASE"`
	Model   string `json:"model" env:"REVERIE_PROVIDERS_ANTHROPIC_MODEL"`
}

// GatewayConfig tunes the fallback decorator and per-provider hardening.
type GatewayConfig struct {
	RetryOnPrimary    int  `json:"retry_on_primary" env:"REVERIE_GATEWAY_RETRY_ON_PRIMARY"`
	RequestsPerMinute int  `json:"requests_per_minute" env:"REVERIE_GATEWAY_REQUESTS_PER_MINUTE"`
	BreakerEnabled    bool `json:"breaker_enabled" env:"REVERIE_GATEWAY_BREAKER_ENABLED"`
	TimeoutSeconds    int  `json:"timeout_seconds" env:"REVERIE_GATEWAY_TIMEOUT_SECONDS"`
}

type SweepConfig struct {
	Schedule      string `json:"schedule" env:"REVERIE_SWEEP_SCHEDULE"`
	FlagSchedule  string `json:"flag_schedule" env:"REVERIE_SWEEP_FLAG_SCHEDULE"`
	BatchSize     int    `json:"batch_size" env:"REVERIE_SWEEP_BATCH_SIZE"`
	FlagIdleHours int    `json:"flag_idle_hours" env:"REVERIE_SWEEP_FLAG_IDLE_HOURS"`
}

type LogConfig struct {
	Level  string `json:"level" env:"REVERIE_LOG_LEVEL"`
	Format string `json:"format" env:"REVERIE_LOG_FORMAT"`
}

func DefaultConfig() *Config {
	return &Config{
		Engine: EngineConfig{
			Workspace:      "~/.reverie/workspace",
			Locale:         "en",
			Timezone:       "UTC",
			HistoryWindow:  30,
			MemoryCapacity: 100,
		},
		Providers: ProvidersConfig{
			Primary:   "openai",
			Secondary: "anthropic",
			OpenAI: OpenAIConfig{
				APIBase: "https://api.openai.com/v1",
			},
			Anthropic: AnthropicConfig{
				APIBase: "https://api.anthropic.com",
			},
		},
		Gateway: GatewayConfig{
			RetryOnPrimary:    1,
			RequestsPerMinute: 60,
			BreakerEnabled:    true,
			TimeoutSeconds:    60,
		},
		Sweep: SweepConfig{
			Schedule:      "12 4 * * *",
			FlagSchedule:  "42 3 * * *",
			BatchSize:     50,
			FlagIdleHours: 72,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			if err := env.Parse(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, err
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func SaveConfig(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

func (c *Config) WorkspacePath() string {
	return expandHome(c.Engine.Workspace)
}

// Location resolves the configured IANA timezone. The calendar-day greeting
// boundary depends on it; a bad name falls back to UTC rather than failing.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Engine.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func (c *Config) GatewayTimeout() time.Duration {
	if c.Gateway.TimeoutSeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.Gateway.TimeoutSeconds) * time.Second
}

func (c *Config) Validate() error {
	if c.Providers.Primary == "" {
		return fmt.Errorf("providers.primary is required")
	}
	if c.Providers.Primary == c.Providers.Secondary {
		return fmt.Errorf("providers.primary and providers.secondary must differ")
	}
	return nil
}

func expandHome(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) > 1 && path[1] == '/' {
			return home + path[1:]
		}
		return home
	}
	return path
}
