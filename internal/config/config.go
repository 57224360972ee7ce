// Package config manages application configuration from a YAML file,
// RELAY_* environment variables, and default values.
package config

import (
	"errors"
	"fmt"
	"time"
)

// ErrConfiguration marks every error returned by Load.
var ErrConfiguration = errors.New("configuration error")

// Config defines the application configuration.
type Config struct {
	Logger    LoggerConfig    `mapstructure:"logger"`
	Database  DatabaseConfig  `mapstructure:"database"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Telegram  TelegramConfig  `mapstructure:"telegram"`
	Gemini    GeminiConfig    `mapstructure:"gemini"`
	OpenAI    OpenAIConfig    `mapstructure:"openai"`
	Breaker   BreakerConfig   `mapstructure:"ai_breaker"`
	Relay     RelayConfig     `mapstructure:"relay"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
}

type LoggerConfig struct {
	Level string `mapstructure:"level" validate:"required,oneof=debug info warn error"`
	JSON  bool   `mapstructure:"json"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path" validate:"required"`
}

// HTTPConfig configures the webhook and admin listener.
// PublicURL is the externally reachable base used when registering webhooks.
type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"             validate:"required,hostname_port"`
	PublicURL       string        `mapstructure:"public_url"       validate:"required,url"`
	AdminToken      string        `mapstructure:"admin_token"      validate:"required,min=16"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"     validate:"min=1s"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"    validate:"min=1s"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"min=1s"`
}

type TelegramConfig struct {
	RequestTimeout time.Duration `mapstructure:"request_timeout" validate:"min=1s,max=5m"`
}

type GeminiConfig struct {
	APIKey      string        `mapstructure:"api_key"`
	Model       string        `mapstructure:"model"       validate:"required"`
	Temperature float32       `mapstructure:"temperature" validate:"min=0,max=2"`
	MaxRetries  int           `mapstructure:"max_retries" validate:"min=0,max=10"`
	RetryDelay  time.Duration `mapstructure:"retry_delay" validate:"min=0,max=1m"`
	Timeout     time.Duration `mapstructure:"timeout"     validate:"min=1s,max=10m"`
}

type OpenAIConfig struct {
	APIKey      string        `mapstructure:"api_key"`
	BaseURL     string        `mapstructure:"base_url"    validate:"required,url"`
	Model       string        `mapstructure:"model"       validate:"required"`
	Temperature float32       `mapstructure:"temperature" validate:"min=0,max=2"`
	Timeout     time.Duration `mapstructure:"timeout"     validate:"min=1s,max=10m"`
}

// BreakerConfig guards each AI provider with a circuit breaker. After
// MaxFailures consecutive failures the provider is skipped for OpenTimeout.
type BreakerConfig struct {
	MaxFailures int           `mapstructure:"max_failures" validate:"min=1,max=100"`
	OpenTimeout time.Duration `mapstructure:"open_timeout" validate:"min=1s,max=1h"`
}

// RelayConfig tunes turn scheduling and the persistent relay queue.
type RelayConfig struct {
	FirstDelayMin   time.Duration `mapstructure:"first_delay_min"   validate:"min=0"`
	FirstDelayMax   time.Duration `mapstructure:"first_delay_max"   validate:"min=0"`
	ChainDelayMin   time.Duration `mapstructure:"chain_delay_min"   validate:"min=0"`
	ChainDelayMax   time.Duration `mapstructure:"chain_delay_max"   validate:"min=0"`
	ContextWindow   int           `mapstructure:"context_window"    validate:"min=1,max=200"`
	MaxAttempts     int           `mapstructure:"max_attempts"      validate:"min=1,max=10"`
	BackoffBase     time.Duration `mapstructure:"backoff_base"      validate:"min=10ms"`
	RetainCompleted time.Duration `mapstructure:"retain_completed"  validate:"min=0"`
	RetainFailed    time.Duration `mapstructure:"retain_failed"     validate:"min=0"`
	DeliveryTimeout time.Duration `mapstructure:"delivery_timeout"  validate:"min=1s"`
	Instruction     string        `mapstructure:"instruction"       validate:"required"`
}

type RateLimitConfig struct {
	Window   time.Duration `mapstructure:"window"   validate:"min=1ms"`
	Capacity int           `mapstructure:"capacity" validate:"min=1"`
}

// SchedulerConfig holds the periodic maintenance tasks keyed by task name.
type SchedulerConfig struct {
	Tasks map[string]TaskConfig `mapstructure:"tasks" validate:"dive"`
}

type TaskConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Schedule string `mapstructure:"schedule" validate:"required_if=Enabled true"`
}

// Validate applies the cross-field rules that struct tags cannot express.
func (c *Config) Validate() error {
	if c.Gemini.APIKey == "" && c.OpenAI.APIKey == "" {
		return errors.New("at least one AI provider must be configured (gemini.api_key or openai.api_key)")
	}
	if c.Relay.FirstDelayMin > c.Relay.FirstDelayMax {
		return fmt.Errorf("relay.first_delay_min (%s) exceeds relay.first_delay_max (%s)",
			c.Relay.FirstDelayMin, c.Relay.FirstDelayMax)
	}
	if c.Relay.ChainDelayMin > c.Relay.ChainDelayMax {
		return fmt.Errorf("relay.chain_delay_min (%s) exceeds relay.chain_delay_max (%s)",
			c.Relay.ChainDelayMin, c.Relay.ChainDelayMax)
	}
	return nil
}
