package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/edgard/relaybot/internal/database"
	"github.com/edgard/relaybot/internal/logger"
)

// SchedulerStore is the data access used by scheduling and delivery.
type SchedulerStore interface {
	GetBot(ctx context.Context, id string) (*database.Bot, error)
	GetRecentContext(ctx context.Context, groupID int64, limit int) ([]database.ContextMessage, error)
	SaveMessage(ctx context.Context, msg *database.Message) (bool, error)
	GetLatestMessageID(ctx context.Context, groupID int64) (int64, error)
	GetLatestAIMessage(ctx context.Context, groupID int64) (*database.Message, error)
}

// Generator produces a reply for a bot persona.
type Generator interface {
	Generate(ctx context.Context, personality string, history []database.ContextMessage, handle string) (string, error)
}

// Sender posts a message as a bot and returns the platform message id.
type Sender interface {
	SendText(ctx context.Context, bot database.Bot, chatID int64, text string, replyTo int64) (int64, error)
}

// Admitter blocks until the bot may send.
type Admitter interface {
	WaitForAdmission(ctx context.Context, botID string) error
}

// Enqueuer accepts jobs; Queue implements it.
type Enqueuer interface {
	Enqueue(ctx context.Context, key string, job Job, delay time.Duration) (string, bool, error)
	Unfinished(ctx context.Context, keyPrefix string) (int, error)
}

// DelayWindow is an inclusive range a random delay is drawn from.
type DelayWindow struct {
	Min time.Duration
	Max time.Duration
}

// Pick draws a uniform delay from the window.
func (w DelayWindow) Pick() time.Duration {
	if w.Max <= w.Min {
		return w.Min
	}
	return w.Min + rand.N(w.Max-w.Min+1)
}

// SchedulerOptions tunes delays and context size.
type SchedulerOptions struct {
	First         DelayWindow
	Chained       DelayWindow
	ContextWindow int
}

// Scheduler turns selections into queued jobs and executes them.
type Scheduler struct {
	store    SchedulerStore
	selector *Selector
	queue    Enqueuer
	gen      Generator
	sender   Sender
	limiter  Admitter
	opts     SchedulerOptions
	log      *slog.Logger
}

// NewScheduler wires the relay pipeline together.
func NewScheduler(
	store SchedulerStore,
	selector *Selector,
	queue Enqueuer,
	gen Generator,
	sender Sender,
	limiter Admitter,
	opts SchedulerOptions,
	log *slog.Logger,
) *Scheduler {
	if opts.ContextWindow <= 0 {
		opts.ContextWindow = 20
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Scheduler{
		store:    store,
		selector: selector,
		queue:    queue,
		gen:      gen,
		sender:   sender,
		limiter:  limiter,
		opts:     opts,
		log:      log.With("component", "relay_scheduler"),
	}
}

// Schedule queues job after a random delay from the window of kind. It reports
// false when an identical turn was already queued, or, for a first turn, when
// the group already has a turn pending or running: the conversation in flight
// picks the new message up through its context window.
func (s *Scheduler) Schedule(ctx context.Context, job Job, kind Kind) (bool, error) {
	job.Kind = kind
	window := s.opts.First
	if kind == KindChained {
		window = s.opts.Chained
	}

	if kind == KindFirst {
		n, err := s.queue.Unfinished(ctx, GroupKeyPrefix(job.GroupID))
		if err != nil {
			return false, fmt.Errorf("failed to check turns in flight: %w", err)
		}
		if n > 0 {
			s.log.DebugContext(ctx, "Turn already in flight, first turn skipped",
				"group_id", job.GroupID, "bot_id", job.BotID)
			return false, nil
		}
	}

	seq, err := s.store.GetLatestMessageID(ctx, job.GroupID)
	if err != nil {
		return false, fmt.Errorf("failed to read rotation sequence: %w", err)
	}

	delay := window.Pick()
	_, enqueued, err := s.queue.Enqueue(ctx, IdempotencyKey(job.GroupID, job.BotID, seq), job, delay)
	if err != nil {
		return false, err
	}
	return enqueued, nil
}

// Deliver executes one turn: wait for the rate limiter, generate, send,
// persist, then hand the turn to the next bot. Failures before the chain step
// are returned as TransientError.
func (s *Scheduler) Deliver(ctx context.Context, job Job) error {
	log := s.log.With("bot_id", job.BotID, "group_id", job.GroupID, "kind", job.Kind)

	bot, err := s.store.GetBot(ctx, job.BotID)
	if err != nil {
		return Transient("load bot", err)
	}
	if bot == nil || !bot.Active {
		log.InfoContext(ctx, "Speaker gone or inactive, passing the turn on")
		s.skip(ctx, log, job)
		return nil
	}

	if err := s.limiter.WaitForAdmission(ctx, bot.ID); err != nil {
		return Transient("rate limit", err)
	}

	history, err := s.store.GetRecentContext(ctx, job.GroupID, s.opts.ContextWindow)
	if err != nil {
		return Transient("load context", err)
	}

	text, err := s.gen.Generate(ctx, bot.Personality, history, bot.Handle)
	if err != nil {
		return Transient("generate", err)
	}

	msgID, err := s.sender.SendText(ctx, *bot, job.ChatID, text, job.ReplyToMsgID)
	if err != nil {
		return Transient("send", err)
	}

	msg := &database.Message{
		BotID:         bot.ID,
		GroupID:       job.GroupID,
		Text:          text,
		IsAI:          true,
		PlatformMsgID: msgID,
	}
	if _, err := s.store.SaveMessage(ctx, msg); err != nil {
		return Transient("persist reply", err)
	}
	log.InfoContext(ctx, "Reply delivered", "message_id", msg.ID, "platform_msg_id", msgID)

	s.chain(ctx, log, bot.ID, job)
	return nil
}

// skip hands a dropped turn to the next active bot. The last bot that
// actually spoke is excluded so a lone survivor does not answer itself.
func (s *Scheduler) skip(ctx context.Context, log *slog.Logger, job Job) {
	excluded := job.BotID
	last, err := s.store.GetLatestAIMessage(ctx, job.GroupID)
	if err != nil {
		log.WarnContext(ctx, "Failed to load last speaker, chain ends", "error", err)
		return
	}
	if last != nil {
		excluded = last.BotID
	}
	s.chain(ctx, log, excluded, job)
}

func (s *Scheduler) chain(ctx context.Context, log *slog.Logger, excluded string, job Job) {
	next, ok := s.selector.SelectNext(ctx, job.GroupID, excluded)
	if !ok {
		log.DebugContext(ctx, "No next speaker, chain ends")
		return
	}

	enqueued, err := s.Schedule(ctx, NewJob(*next, job.ChatID, 0, KindChained), KindChained)
	switch {
	case err != nil && !errors.Is(err, context.Canceled):
		log.WarnContext(ctx, "Failed to schedule chained turn", "next_bot_id", next.ID, "error", err)
	case err == nil && enqueued:
		log.DebugContext(ctx, "Chained turn scheduled", "next_bot_id", next.ID)
	}
}
