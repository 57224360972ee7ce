package ai

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/sashabaranov/go-openai"

	"github.com/edgard/relaybot/internal/config"
	"github.com/edgard/relaybot/internal/logger"
)

type chatCompleter interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// OpenAIProvider talks to any OpenAI-compatible chat completions endpoint.
type OpenAIProvider struct {
	client      chatCompleter
	model       string
	temperature float32
	log         *slog.Logger
}

// NewOpenAIProvider creates a provider for the configured endpoint.
func NewOpenAIProvider(cfg config.OpenAIConfig, log *slog.Logger) (*OpenAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai API key is required")
	}

	openAICfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		openAICfg.BaseURL = cfg.BaseURL
	}
	openAICfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}

	p := newOpenAIProvider(openai.NewClientWithConfig(openAICfg), cfg, log)
	p.log.Info("OpenAI provider initialized", "model", cfg.Model, "base_url", openAICfg.BaseURL)
	return p, nil
}

func newOpenAIProvider(client chatCompleter, cfg config.OpenAIConfig, log *slog.Logger) *OpenAIProvider {
	if log == nil {
		log = logger.Discard()
	}
	return &OpenAIProvider{
		client:      client,
		model:       cfg.Model,
		temperature: cfg.Temperature,
		log:         log.With("component", "openai_provider"),
	}
}

func (p *OpenAIProvider) Name() string { return "openai" }

// Complete maps the prompt onto a chat completion request.
func (p *OpenAIProvider) Complete(ctx context.Context, prompt Prompt) (string, error) {
	messages := make([]openai.ChatCompletionMessage, 0, len(prompt.Turns)+1)
	if prompt.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: prompt.System,
		})
	}
	for _, t := range prompt.Turns {
		role := openai.ChatMessageRoleUser
		if t.Role == RoleModel {
			role = openai.ChatMessageRoleAssistant
		}
		messages = append(messages, openai.ChatCompletionMessage{Role: role, Content: t.Text})
	}

	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       p.model,
		Messages:    messages,
		Temperature: p.temperature,
	})
	if err != nil {
		return "", fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: no choices", ErrEmptyResponse)
	}

	p.log.DebugContext(ctx, "Chat completion received",
		"finish_reason", resp.Choices[0].FinishReason,
		"total_tokens", resp.Usage.TotalTokens)
	return resp.Choices[0].Message.Content, nil
}
