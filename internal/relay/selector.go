package relay

import (
	"context"
	"log/slog"

	"github.com/edgard/relaybot/internal/database"
	"github.com/edgard/relaybot/internal/logger"
)

// SelectorStore is the read access the turn selector needs.
type SelectorStore interface {
	ListActiveBotsInGroup(ctx context.Context, groupID int64) ([]database.Bot, error)
	GetLatestAIMessage(ctx context.Context, groupID int64) (*database.Message, error)
}

// Selector picks the next speaker of a group by round-robin over the
// group's active bots in registration order.
type Selector struct {
	store SelectorStore
	log   *slog.Logger
}

func NewSelector(store SelectorStore, log *slog.Logger) *Selector {
	if log == nil {
		log = logger.Discard()
	}
	return &Selector{store: store, log: log.With("component", "turn_selector")}
}

// SelectNext returns the bot that should speak next in groupID, never
// excludedBotID. It returns false when nobody is eligible; lookup failures are
// logged and treated the same way.
func (s *Selector) SelectNext(ctx context.Context, groupID int64, excludedBotID string) (*database.Bot, bool) {
	order, err := s.store.ListActiveBotsInGroup(ctx, groupID)
	if err != nil {
		s.log.WarnContext(ctx, "Failed to load rotation, no next bot", "group_id", groupID, "error", err)
		return nil, false
	}

	last, err := s.store.GetLatestAIMessage(ctx, groupID)
	if err != nil {
		s.log.WarnContext(ctx, "Failed to load last AI message, no next bot", "group_id", groupID, "error", err)
		return nil, false
	}

	var lastAuthor string
	if last != nil {
		lastAuthor = last.BotID
	}

	next, ok := NextInRotation(order, lastAuthor, excludedBotID)
	if ok {
		s.log.DebugContext(ctx, "Next speaker selected",
			"group_id", groupID, "bot_id", next.ID, "last_author", lastAuthor, "excluded", excludedBotID)
	}
	return next, ok
}

// NextInRotation walks order starting right after lastAuthor (wrapping) and
// returns the first bot that is not excluded. When lastAuthor is empty or not
// in order, the walk starts at the beginning.
func NextInRotation(order []database.Bot, lastAuthor, excluded string) (*database.Bot, bool) {
	if len(order) == 0 {
		return nil, false
	}

	start := 0
	if lastAuthor != "" {
		for i := range order {
			if order[i].ID == lastAuthor {
				start = i + 1
				break
			}
		}
	}

	for n := range len(order) {
		candidate := order[(start+n)%len(order)]
		if candidate.ID == excluded {
			continue
		}
		return &candidate, true
	}
	return nil, false
}

// ShouldEnqueue is the single-writer guard: only the bot that received an
// update may schedule the reaction, and only if it is the selected speaker.
func ShouldEnqueue(selected *database.Bot, local database.Bot) bool {
	return selected != nil && selected.ID == local.ID
}
