package config

import "time"

// Default values for configuration
const (
	DefaultLogLevel = "info"

	DefaultDBPath = "relaybot.db"

	DefaultHTTPAddr            = ":8080"
	DefaultHTTPReadTimeout     = 10 * time.Second
	DefaultHTTPWriteTimeout    = 30 * time.Second
	DefaultHTTPShutdownTimeout = 10 * time.Second

	DefaultTelegramRequestTimeout = 30 * time.Second

	DefaultGeminiModel       = "gemini-2.0-flash"
	DefaultGeminiTemperature = 1.0
	DefaultGeminiMaxRetries  = 3
	DefaultGeminiRetryDelay  = 2 * time.Second
	DefaultGeminiTimeout     = 2 * time.Minute

	DefaultOpenAIBaseURL     = "https://api.openai.com/v1"
	DefaultOpenAIModel       = "gpt-4o-mini"
	DefaultOpenAITemperature = 1.0
	DefaultOpenAITimeout     = 2 * time.Minute

	DefaultBreakerMaxFailures = 5
	DefaultBreakerOpenTimeout = 30 * time.Second

	DefaultFirstDelayMin   = 300 * time.Millisecond
	DefaultFirstDelayMax   = 900 * time.Millisecond
	DefaultChainDelayMin   = 3 * time.Second
	DefaultChainDelayMax   = 8 * time.Second
	DefaultContextWindow   = 20
	DefaultMaxAttempts     = 3
	DefaultBackoffBase     = time.Second
	DefaultRetainCompleted = 24 * time.Hour
	DefaultRetainFailed    = 7 * 24 * time.Hour
	DefaultDeliveryTimeout = 3 * time.Minute
	DefaultInstruction     = "You are one of several bots chatting in a Telegram group. " +
		"Stay in character, keep replies short and conversational, and respond to the latest messages."

	DefaultRateLimitWindow   = time.Second
	DefaultRateLimitCapacity = 1
)

// defaultTasks are the periodic maintenance tasks and their cron schedules.
var defaultTasks = map[string]TaskConfig{
	"sql_maintenance":     {Enabled: true, Schedule: "0 4 * * 0"},
	"relay_job_retention": {Enabled: true, Schedule: "*/30 * * * *"},
}

var defaults = map[string]any{
	"logger.level": DefaultLogLevel,
	"logger.json":  false,

	"database.path": DefaultDBPath,

	"http.addr":             DefaultHTTPAddr,
	"http.public_url":       "",
	"http.admin_token":      "",
	"http.read_timeout":     DefaultHTTPReadTimeout,
	"http.write_timeout":    DefaultHTTPWriteTimeout,
	"http.shutdown_timeout": DefaultHTTPShutdownTimeout,

	"telegram.request_timeout": DefaultTelegramRequestTimeout,

	"gemini.api_key":     "",
	"gemini.model":       DefaultGeminiModel,
	"gemini.temperature": DefaultGeminiTemperature,
	"gemini.max_retries": DefaultGeminiMaxRetries,
	"gemini.retry_delay": DefaultGeminiRetryDelay,
	"gemini.timeout":     DefaultGeminiTimeout,

	"openai.api_key":     "",
	"openai.base_url":    DefaultOpenAIBaseURL,
	"openai.model":       DefaultOpenAIModel,
	"openai.temperature": DefaultOpenAITemperature,
	"openai.timeout":     DefaultOpenAITimeout,

	"ai_breaker.max_failures": DefaultBreakerMaxFailures,
	"ai_breaker.open_timeout": DefaultBreakerOpenTimeout,

	"relay.first_delay_min":  DefaultFirstDelayMin,
	"relay.first_delay_max":  DefaultFirstDelayMax,
	"relay.chain_delay_min":  DefaultChainDelayMin,
	"relay.chain_delay_max":  DefaultChainDelayMax,
	"relay.context_window":   DefaultContextWindow,
	"relay.max_attempts":     DefaultMaxAttempts,
	"relay.backoff_base":     DefaultBackoffBase,
	"relay.retain_completed": DefaultRetainCompleted,
	"relay.retain_failed":    DefaultRetainFailed,
	"relay.delivery_timeout": DefaultDeliveryTimeout,
	"relay.instruction":      DefaultInstruction,

	"rate_limit.window":   DefaultRateLimitWindow,
	"rate_limit.capacity": DefaultRateLimitCapacity,
}
