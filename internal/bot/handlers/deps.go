// Package handlers turns Telegram updates delivered to registered bots into
// stored messages and relay turns.
package handlers

import (
	"context"
	"log/slog"

	"github.com/edgard/relaybot/internal/database"
	"github.com/edgard/relaybot/internal/relay"
)

// TurnSelector picks the next bot to speak in a group.
type TurnSelector interface {
	SelectNext(ctx context.Context, groupID int64, excludedBotID string) (*database.Bot, bool)
}

// TurnScheduler queues a relay turn.
type TurnScheduler interface {
	Schedule(ctx context.Context, job relay.Job, kind relay.Kind) (bool, error)
}

// HandlerDeps provides dependencies for update handlers.
type HandlerDeps struct {
	Logger    *slog.Logger
	Store     database.Store
	Selector  TurnSelector
	Scheduler TurnScheduler
}
