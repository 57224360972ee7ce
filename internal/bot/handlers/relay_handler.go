package handlers

import (
	"context"

	tgbot "github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/edgard/relaybot/internal/database"
)

type relayHandler struct {
	ingress *Ingress
	local   database.Bot
}

// NewRelayHandler returns the default update handler for one registered bot.
func NewRelayHandler(ingress *Ingress, local database.Bot) tgbot.HandlerFunc {
	return relayHandler{ingress: ingress, local: local}.Handle
}

// NewHandlerFactory builds a relay handler per bot, for use as the platform's
// update handler factory.
func NewHandlerFactory(ingress *Ingress) func(database.Bot) tgbot.HandlerFunc {
	return func(local database.Bot) tgbot.HandlerFunc {
		return NewRelayHandler(ingress, local)
	}
}

func (h relayHandler) Handle(ctx context.Context, _ *tgbot.Bot, update *models.Update) {
	log := h.ingress.deps.Logger.With("handler", "relay", "bot_id", h.local.ID)

	msg := update.Message
	if msg == nil || msg.From == nil {
		log.DebugContext(ctx, "Ignoring update without a message sender", "update_id", update.ID)
		return
	}

	in := Inbound{
		ChatID:    msg.Chat.ID,
		ChatType:  msg.Chat.Type,
		MessageID: int64(msg.ID),
		SenderID:  msg.From.ID,
		Text:      msg.Text,
	}

	outcome, err := h.ingress.Process(ctx, h.local, in)
	if err != nil {
		log.ErrorContext(ctx, "Failed to process message", "error", err, "chat_id", in.ChatID, "message_id", in.MessageID)
		return
	}
	log.DebugContext(ctx, "Message processed", "outcome", outcome.String(), "update_id", update.ID)
}
