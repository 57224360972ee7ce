package ai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/sony/gobreaker"

	"github.com/edgard/relaybot/internal/config"
	"github.com/edgard/relaybot/internal/logger"
)

// ErrCircuitOpen is returned while a provider's circuit breaker rejects calls.
var ErrCircuitOpen = errors.New("provider circuit open")

type breakerProvider struct {
	next Provider
	cb   *gobreaker.CircuitBreaker
}

// WithBreaker wraps p so that after cfg.MaxFailures consecutive failures it
// fails fast for cfg.OpenTimeout, letting the next provider answer at once.
// Cancellation and empty answers do not count as failures.
func WithBreaker(p Provider, cfg config.BreakerConfig, log *slog.Logger) Provider {
	if log == nil {
		log = logger.Discard()
	}
	maxFailures := uint32(max(cfg.MaxFailures, 1))

	settings := gobreaker.Settings{
		Name:        p.Name(),
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled) || errors.Is(err, ErrEmptyResponse)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("AI provider circuit changed", "provider", name, "from", from.String(), "to", to.String())
		},
	}

	return &breakerProvider{next: p, cb: gobreaker.NewCircuitBreaker(settings)}
}

func (b *breakerProvider) Name() string { return b.next.Name() }

func (b *breakerProvider) Complete(ctx context.Context, prompt Prompt) (string, error) {
	out, err := b.cb.Execute(func() (interface{}, error) {
		return b.next.Complete(ctx, prompt)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return "", fmt.Errorf("%w: %s: %w", ErrCircuitOpen, b.Name(), err)
	}
	if err != nil {
		return "", err
	}
	text, _ := out.(string)
	return text, nil
}
