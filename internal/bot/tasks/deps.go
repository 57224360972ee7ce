// Package tasks implements the periodic maintenance tasks of the relay:
// database upkeep and retention of relay queue records.
package tasks

import (
	"context"
	"log/slog"
	"time"

	"github.com/edgard/relaybot/internal/config"
	"github.com/edgard/relaybot/internal/database"
)

// JobPurger removes finished relay jobs past their retention.
type JobPurger interface {
	Purge(ctx context.Context, retainCompleted, retainFailed time.Duration) (int64, error)
}

// TaskDeps contains all dependencies required by scheduled tasks.
type TaskDeps struct {
	Logger *slog.Logger
	Store  database.Store
	Queue  JobPurger
	Config *config.Config
}
