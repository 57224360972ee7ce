// Package bot orchestrates the relay process: the HTTP listener, the relay
// queue and the periodic maintenance scheduler share one lifecycle.
package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// Server is the HTTP listener.
type Server interface {
	Run(ctx context.Context) error
}

// RelayQueue is the persistent delayed queue executing relay turns.
type RelayQueue interface {
	Start(ctx context.Context) error
	Stop() error
}

// Platform is the bot-platform client cache, closed on shutdown.
type Platform interface {
	Close()
}

// Bot manages the lifecycle of the relay components.
type Bot struct {
	logger    *slog.Logger
	server    Server
	queue     RelayQueue
	platform  Platform
	scheduler *Scheduler
}

// NewBot creates a new orchestrator.
func NewBot(logger *slog.Logger, server Server, queue RelayQueue, platform Platform, scheduler *Scheduler) *Bot {
	return &Bot{
		logger:    logger.With("component", "bot_orchestrator"),
		server:    server,
		queue:     queue,
		platform:  platform,
		scheduler: scheduler,
	}
}

// Run starts every component and blocks until ctx is cancelled or one of them
// fails. Pending relay jobs from a previous run are resumed on start.
func (b *Bot) Run(ctx context.Context) error {
	b.logger.Info("Starting relay orchestrator")

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return b.server.Run(gCtx)
	})

	g.Go(func() error {
		if err := b.queue.Start(gCtx); err != nil {
			return fmt.Errorf("failed to start relay queue: %w", err)
		}

		<-gCtx.Done()
		b.logger.Info("Shutdown signal received, stopping relay queue")
		if err := b.queue.Stop(); err != nil {
			b.logger.Error("Error stopping relay queue", "error", err)
		}
		b.platform.Close()
		return nil
	})

	g.Go(func() error {
		if err := b.scheduler.Start(gCtx); err != nil {
			return fmt.Errorf("failed to start scheduler: %w", err)
		}

		<-gCtx.Done()
		if err := b.scheduler.Stop(); err != nil {
			b.logger.Error("Error stopping scheduler", "error", err)
		}
		return nil
	})

	err := g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		b.logger.Error("Relay orchestrator stopped due to error", "error", err)
		return err
	}

	b.logger.Info("Relay orchestrator stopped gracefully")
	return nil
}
