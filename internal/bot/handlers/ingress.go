package handlers

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-telegram/bot/models"

	"github.com/edgard/relaybot/internal/database"
	"github.com/edgard/relaybot/internal/relay"
)

// Inbound is the part of a platform message the relay cares about.
type Inbound struct {
	ChatID    int64
	ChatType  models.ChatType
	MessageID int64
	SenderID  int64
	Text      string
}

// Outcome reports what Process did with an inbound message.
type Outcome int

const (
	OutcomeIgnored Outcome = iota
	OutcomeStored
	OutcomeScheduled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeStored:
		return "stored"
	case OutcomeScheduled:
		return "scheduled"
	default:
		return "ignored"
	}
}

// Ingress classifies messages seen by one of the registered bots.
type Ingress struct {
	deps HandlerDeps
}

// NewIngress creates an Ingress.
func NewIngress(deps HandlerDeps) *Ingress {
	return &Ingress{deps: deps}
}

// Process stores an inbound group message and, when local is the bot whose
// turn it is, schedules its first reply. Each registered bot in a group sees
// the same message; only the selected one schedules.
func (i *Ingress) Process(ctx context.Context, local database.Bot, in Inbound) (Outcome, error) {
	deps := i.deps
	log := deps.Logger.With("handler", "ingress", "bot_id", local.ID, "chat_id", in.ChatID, "message_id", in.MessageID)

	if strings.TrimSpace(in.Text) == "" || !isGroupChat(in.ChatType) {
		log.DebugContext(ctx, "Ignoring non-text or non-group message", "chat_type", in.ChatType)
		return OutcomeIgnored, nil
	}

	current, err := deps.Store.GetBot(ctx, local.ID)
	if err != nil {
		return OutcomeIgnored, fmt.Errorf("failed to reload bot %s: %w", local.ID, err)
	}
	if current == nil || !current.Active {
		log.DebugContext(ctx, "Ignoring message for removed or inactive bot")
		return OutcomeIgnored, nil
	}
	local = *current

	group, err := deps.Store.GetGroupByChatID(ctx, in.ChatID)
	if err != nil {
		return OutcomeIgnored, fmt.Errorf("failed to load group for chat %d: %w", in.ChatID, err)
	}
	if group == nil || group.ID != local.GroupID {
		log.DebugContext(ctx, "Ignoring message from a group the bot is not registered in")
		return OutcomeIgnored, nil
	}

	sender, err := deps.Store.GetBotByPlatformUserID(ctx, in.SenderID)
	if err != nil {
		return OutcomeIgnored, fmt.Errorf("failed to resolve sender %d: %w", in.SenderID, err)
	}

	msg := &database.Message{
		BotID:         local.ID,
		GroupID:       group.ID,
		Text:          in.Text,
		IsAI:          sender != nil,
		PlatformMsgID: in.MessageID,
	}
	excluded := ""
	if sender != nil {
		msg.BotID = sender.ID
		excluded = sender.ID
	}

	inserted, err := deps.Store.SaveMessage(ctx, msg)
	if err != nil {
		return OutcomeIgnored, fmt.Errorf("failed to save message: %w", err)
	}
	if !inserted {
		log.DebugContext(ctx, "Message already stored by another bot")
	}

	next, ok := deps.Selector.SelectNext(ctx, group.ID, excluded)
	if !relay.ShouldEnqueue(next, local) {
		if ok {
			log.DebugContext(ctx, "Another bot holds the turn", "next_bot_id", next.ID)
		}
		return OutcomeStored, nil
	}

	var replyTo int64
	if sender == nil {
		replyTo = in.MessageID
	}

	enqueued, err := deps.Scheduler.Schedule(ctx, relay.NewJob(local, group.ChatID, replyTo, relay.KindFirst), relay.KindFirst)
	if err != nil {
		return OutcomeStored, fmt.Errorf("failed to schedule reply: %w", err)
	}
	if !enqueued {
		log.DebugContext(ctx, "Turn already queued")
		return OutcomeStored, nil
	}

	log.InfoContext(ctx, "Reply scheduled", "human_sender", sender == nil)
	return OutcomeScheduled, nil
}

func isGroupChat(t models.ChatType) bool {
	return t == models.ChatTypeGroup || t == models.ChatTypeSupergroup
}
