// Package ai generates bot replies from conversation context.
// Providers are tried in a fixed order (Gemini first, then an OpenAI-compatible
// endpoint); the first non-empty answer wins.
package ai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/edgard/relaybot/internal/database"
	"github.com/edgard/relaybot/internal/logger"
	"github.com/edgard/relaybot/internal/text"
)

// Role of a conversation turn as seen by the model.
type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// Turn is one entry of the conversation sent to a provider.
type Turn struct {
	Role Role
	Text string
}

// Prompt is the provider-neutral request: a system instruction plus the turns.
type Prompt struct {
	System string
	Turns  []Turn
}

// PromptFunc turns a bot persona and the chronological history into a Prompt.
type PromptFunc func(personality string, history []database.ContextMessage, handle string) Prompt

// Provider is a single AI backend.
type Provider interface {
	Name() string
	Complete(ctx context.Context, prompt Prompt) (string, error)
}

// GenerationError reports that every provider failed or returned empty text.
type GenerationError struct {
	Failures map[string]error
}

func (e *GenerationError) Error() string {
	if len(e.Failures) == 0 {
		return "ai generation failed: no providers"
	}
	parts := make([]string, 0, len(e.Failures))
	for name, err := range e.Failures {
		parts = append(parts, fmt.Sprintf("%s: %v", name, err))
	}
	return "ai generation failed: " + strings.Join(parts, "; ")
}

// ErrEmptyResponse is recorded for a provider that answered with no usable text.
var ErrEmptyResponse = errors.New("empty response")

// Generator produces replies using the configured providers in order.
type Generator struct {
	providers []Provider
	prompt    PromptFunc
	sanitizer *text.Sanitizer
	log       *slog.Logger
}

// NewGenerator builds a Generator. At least one provider is required.
func NewGenerator(prompt PromptFunc, log *slog.Logger, providers ...Provider) (*Generator, error) {
	if len(providers) == 0 {
		return nil, errors.New("at least one AI provider is required")
	}
	if prompt == nil {
		return nil, errors.New("prompt function is required")
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Generator{
		providers: providers,
		prompt:    prompt,
		sanitizer: text.NewSanitizer(),
		log:       log.With("component", "ai_generator"),
	}, nil
}

// Generate asks each provider in turn for a reply as handle and returns the first
// non-empty answer, reduced to plain text with any self-addressing prefix removed.
func (g *Generator) Generate(ctx context.Context, personality string, history []database.ContextMessage, handle string) (string, error) {
	prompt := g.prompt(personality, history, handle)
	failures := make(map[string]error)

	for _, p := range g.providers {
		if err := ctx.Err(); err != nil {
			failures[p.Name()] = err
			break
		}

		reply, err := p.Complete(ctx, prompt)
		if err != nil {
			g.log.WarnContext(ctx, "Provider failed, trying next", "provider", p.Name(), "error", err)
			failures[p.Name()] = err
			continue
		}

		reply = StripSelfPrefix(g.sanitizer.Plain(reply), handle)
		if reply == "" {
			g.log.WarnContext(ctx, "Provider returned empty text", "provider", p.Name())
			failures[p.Name()] = ErrEmptyResponse
			continue
		}

		g.log.DebugContext(ctx, "Reply generated", "provider", p.Name(), "handle", handle, "length", len(reply))
		return reply, nil
	}

	return "", &GenerationError{Failures: failures}
}

// StripSelfPrefix removes leading speaker labels such as "@handle:" or
// "[2025-01-01 10:00:00] handle:" that models tend to echo from the transcript.
func StripSelfPrefix(text, handle string) string {
	text = strings.TrimSpace(text)
	if handle == "" {
		return text
	}

	re := regexp.MustCompile(`(?i)^(?:\[[^\]]*\]\s*)?@?` + regexp.QuoteMeta(strings.TrimPrefix(handle, "@")) + `\s*:\s*`)
	for {
		stripped := re.ReplaceAllString(text, "")
		if stripped == text {
			break
		}
		text = strings.TrimSpace(stripped)
	}
	return text
}
