package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/edgard/relaybot/internal/ai"
	"github.com/edgard/relaybot/internal/bot"
	"github.com/edgard/relaybot/internal/bot/handlers"
	"github.com/edgard/relaybot/internal/bot/tasks"
	"github.com/edgard/relaybot/internal/config"
	"github.com/edgard/relaybot/internal/database"
	"github.com/edgard/relaybot/internal/logger"
	"github.com/edgard/relaybot/internal/platform"
	"github.com/edgard/relaybot/internal/ratelimit"
	"github.com/edgard/relaybot/internal/registration"
	"github.com/edgard/relaybot/internal/relay"
	"github.com/edgard/relaybot/internal/server"
)

func migrate(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger.NewLogger(cfg.Logger.Level, cfg.Logger.JSON)

	db, err := database.NewDB(cfg.Database.Path)
	if err != nil {
		return err
	}
	database.CloseDB(db)
	return nil
}

// serve wires every component and blocks until ctx is cancelled.
func serve(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log := logger.NewLogger(cfg.Logger.Level, cfg.Logger.JSON)
	log.Info("Logger initialized", "level", cfg.Logger.Level, "json", cfg.Logger.JSON)

	db, err := database.NewDB(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to open database %s: %w", cfg.Database.Path, err)
	}
	defer database.CloseDB(db)
	store := database.NewStore(db, log)

	generator, err := newGenerator(ctx, cfg, log)
	if err != nil {
		return err
	}

	tg := platform.NewTelegram(log, cfg.Telegram.RequestTimeout)
	limiter := ratelimit.New(store, cfg.RateLimit.Window, cfg.RateLimit.Capacity, log)

	dispatcher, err := relay.NewGocronDispatcher(log)
	if err != nil {
		return err
	}
	queue := relay.NewQueue(store, dispatcher, relay.QueueOptions{
		MaxAttempts: cfg.Relay.MaxAttempts,
		BackoffBase: cfg.Relay.BackoffBase,
		JobTimeout:  cfg.Relay.DeliveryTimeout,
	}, log)

	selector := relay.NewSelector(store, log)
	scheduler := relay.NewScheduler(store, selector, queue, generator, tg, limiter, relay.SchedulerOptions{
		First:         relay.DelayWindow{Min: cfg.Relay.FirstDelayMin, Max: cfg.Relay.FirstDelayMax},
		Chained:       relay.DelayWindow{Min: cfg.Relay.ChainDelayMin, Max: cfg.Relay.ChainDelayMax},
		ContextWindow: cfg.Relay.ContextWindow,
	}, log)
	queue.SetHandler(scheduler.Deliver)

	ingress := handlers.NewIngress(handlers.HandlerDeps{
		Logger:    log,
		Store:     store,
		Selector:  selector,
		Scheduler: scheduler,
	})
	tg.SetUpdateHandler(handlers.NewHandlerFactory(ingress))

	reg := registration.NewService(store, tg, cfg.HTTP.PublicURL, log)
	srv := server.New(cfg.HTTP, server.Deps{
		Logger:       log,
		Store:        store,
		Registration: reg,
		Webhooks:     tg,
	})

	periodic, err := bot.NewScheduler(log, &cfg.Scheduler, tasks.RegisterAllTasks(tasks.TaskDeps{
		Logger: log,
		Store:  store,
		Queue:  queue,
		Config: cfg,
	}))
	if err != nil {
		return err
	}

	app := bot.NewBot(log, srv, queue, tg, periodic)
	if err := app.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// newGenerator builds the provider chain: Gemini first when configured, then
// the OpenAI-compatible fallback, each behind its own circuit breaker.
func newGenerator(ctx context.Context, cfg *config.Config, log *slog.Logger) (*ai.Generator, error) {
	var providers []ai.Provider

	if cfg.Gemini.APIKey != "" {
		gemini, err := ai.NewGeminiProvider(ctx, cfg.Gemini, log)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize gemini provider: %w", err)
		}
		providers = append(providers, ai.WithBreaker(gemini, cfg.Breaker, log))
	}
	if cfg.OpenAI.APIKey != "" {
		openai, err := ai.NewOpenAIProvider(cfg.OpenAI, log)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize openai provider: %w", err)
		}
		providers = append(providers, ai.WithBreaker(openai, cfg.Breaker, log))
	}

	return ai.NewGenerator(ai.DefaultPrompt(cfg.Relay.Instruction), log, providers...)
}
