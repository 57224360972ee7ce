package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
)

// ErrNotFound is returned by mutating operations whose target row does not exist.
var ErrNotFound = errors.New("record not found")

// Store defines the interface for database operations.
// Lookups return nil, nil when the row does not exist.
type Store interface {
	// Ping checks the database connection.
	Ping(ctx context.Context) error

	// RunSQLMaintenance performs database maintenance tasks like VACUUM.
	RunSQLMaintenance(ctx context.Context) error

	// CreateBot inserts a bot and bumps its group's active bot count.
	CreateBot(ctx context.Context, bot *Bot) error
	GetBot(ctx context.Context, id string) (*Bot, error)
	GetBotByToken(ctx context.Context, token string) (*Bot, error)
	GetBotByPlatformUserID(ctx context.Context, platformUserID int64) (*Bot, error)
	ListBots(ctx context.Context) ([]Bot, error)

	// ListActiveBotsInGroup returns the group's active bots in rotation order
	// (registration time ascending).
	ListActiveBotsInGroup(ctx context.Context, groupID int64) ([]Bot, error)

	// SetBotActive toggles a bot and keeps the group's active bot count in step.
	SetBotActive(ctx context.Context, id string, active bool) error

	// DeleteBot removes a bot together with the messages it owns.
	DeleteBot(ctx context.Context, id string) error

	UpsertGroup(ctx context.Context, chatID int64, name string) (*Group, error)
	GetGroup(ctx context.Context, id int64) (*Group, error)
	GetGroupByChatID(ctx context.Context, chatID int64) (*Group, error)

	FindMessage(ctx context.Context, groupID, platformMsgID int64) (*Message, error)

	// SaveMessage inserts msg unless a message with the same (group, platform id)
	// already exists. It reports whether a row was inserted; either way msg.ID is set.
	SaveMessage(ctx context.Context, msg *Message) (bool, error)

	// GetRecentContext returns up to limit most recent messages of a group in
	// chronological order, annotated with their author's handle.
	GetRecentContext(ctx context.Context, groupID int64, limit int) ([]ContextMessage, error)
	GetLatestAIMessage(ctx context.Context, groupID int64) (*Message, error)
	GetLatestMessageID(ctx context.Context, groupID int64) (int64, error)

	ListRateEntries(ctx context.Context, botID string) ([]int64, error)
	AddRateEntry(ctx context.Context, botID string, admittedAtMs int64) error
	PurgeRateEntries(ctx context.Context, botID string, beforeMs int64) error
	PurgeStaleRateEntries(ctx context.Context, beforeMs int64) (int64, error)

	// InsertRelayJob stores a queue record; it returns false when a record with
	// the same idempotency key already exists.
	InsertRelayJob(ctx context.Context, rec *RelayJobRecord) (bool, error)
	GetRelayJob(ctx context.Context, id string) (*RelayJobRecord, error)
	UpdateRelayJob(ctx context.Context, rec *RelayJobRecord) error
	ListUnfinishedRelayJobs(ctx context.Context) ([]RelayJobRecord, error)
	CountUnfinishedRelayJobs(ctx context.Context, keyPrefix string) (int, error)
	PurgeRelayJobs(ctx context.Context, status string, finishedBefore time.Time) (int64, error)
}

// sqlxStore provides an implementation of the Store interface using sqlx.
type sqlxStore struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStore creates a new Store implementation backed by sqlx.
// It requires a connected sqlx.DB instance and a logger.
func NewStore(db *sqlx.DB, logger *slog.Logger) Store {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &sqlxStore{
		db:     db,
		logger: logger.With("component", "store"),
	}
}

const (
	botColumns     = `id, token, handle, platform_user_id, personality, group_id, active, webhook_secret, created_at`
	groupColumns   = `id, chat_id, name, bot_count, created_at, updated_at`
	messageColumns = `id, bot_id, group_id, text, is_ai, platform_msg_id, created_at`
	jobColumns     = `id, idempotency_key, payload, status, attempts, max_attempts, run_at, last_error, created_at, updated_at, finished_at`
)

// Ping checks the database connection.
func (s *sqlxStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// RunSQLMaintenance executes a VACUUM command on the SQLite database.
func (s *sqlxStore) RunSQLMaintenance(ctx context.Context) error {
	if ctx.Err() != nil {
		s.logger.WarnContext(ctx, "Context cancelled or timed out before starting VACUUM", "error", ctx.Err())
		return ctx.Err()
	}

	s.logger.InfoContext(ctx, "Starting database maintenance (VACUUM)...")

	// VACUUM must run outside a transaction in SQLite
	_, err := s.db.ExecContext(ctx, "VACUUM;")

	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		s.logger.WarnContext(ctx, "VACUUM operation timed out or was cancelled", "error", err)
		return fmt.Errorf("database maintenance (VACUUM) timed out: %w", err)

	case err != nil:
		s.logger.ErrorContext(ctx, "Database maintenance (VACUUM) failed", "error", err)
		return fmt.Errorf("failed to execute VACUUM: %w", err)

	default:
		s.logger.InfoContext(ctx, "Database maintenance (VACUUM) completed successfully")
	}

	return nil
}

// withTx runs fn inside a transaction, rolling back unless fn succeeds and the commit goes through.
func (s *sqlxStore) withTx(ctx context.Context, op string, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to begin transaction", "operation", op, "error", err)
		return fmt.Errorf("failed to begin transaction for %s: %w", op, err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(); rollbackErr != nil && !errors.Is(rollbackErr, sql.ErrTxDone) {
			s.logger.WarnContext(ctx, "Error rolling back transaction", "operation", op, "error", rollbackErr)
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		s.logger.ErrorContext(ctx, "Failed to commit transaction", "operation", op, "error", err)
		return fmt.Errorf("failed to commit transaction for %s: %w", op, err)
	}
	return nil
}

// --- Bots ---

// CreateBot inserts a new bot; CreatedAt is set when zero.
func (s *sqlxStore) CreateBot(ctx context.Context, bot *Bot) error {
	if bot == nil {
		return fmt.Errorf("cannot save nil bot")
	}
	if bot.ID == "" || bot.Token == "" || bot.GroupID == 0 {
		return fmt.Errorf("bot must have id, token and group_id")
	}
	if bot.CreatedAt.IsZero() {
		bot.CreatedAt = time.Now().UTC()
	}

	err := s.withTx(ctx, "create bot", func(tx *sqlx.Tx) error {
		query := `
			INSERT INTO bots (` + botColumns + `)
			VALUES (:id, :token, :handle, :platform_user_id, :personality, :group_id, :active, :webhook_secret, :created_at);
		`
		if _, err := tx.NamedExecContext(ctx, query, bot); err != nil {
			return fmt.Errorf("failed to insert bot %s: %w", bot.ID, err)
		}
		if bot.Active {
			if err := adjustBotCount(ctx, tx, bot.GroupID, 1); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "Error creating bot", "bot_id", bot.ID, "group_id", bot.GroupID, "error", err)
		return err
	}

	s.logger.DebugContext(ctx, "Bot created", "bot_id", bot.ID, "handle", bot.Handle, "group_id", bot.GroupID)
	return nil
}

func (s *sqlxStore) getBot(ctx context.Context, where string, arg any) (*Bot, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	var bot Bot
	err := s.db.GetContext(ctx, &bot, `SELECT `+botColumns+` FROM bots WHERE `+where+` LIMIT 1`, arg)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, nil
	case err != nil:
		s.logger.ErrorContext(ctx, "Error getting bot", "where", where, "error", err)
		return nil, fmt.Errorf("failed to get bot: %w", err)
	}
	return &bot, nil
}

// GetBot retrieves a bot by its id. Returns nil, nil if not found.
func (s *sqlxStore) GetBot(ctx context.Context, id string) (*Bot, error) {
	return s.getBot(ctx, "id = ?", id)
}

// GetBotByToken retrieves a bot by its platform credential.
func (s *sqlxStore) GetBotByToken(ctx context.Context, token string) (*Bot, error) {
	return s.getBot(ctx, "token = ?", token)
}

// GetBotByPlatformUserID retrieves the registered bot behind a Telegram user id.
func (s *sqlxStore) GetBotByPlatformUserID(ctx context.Context, platformUserID int64) (*Bot, error) {
	return s.getBot(ctx, "platform_user_id = ?", platformUserID)
}

// ListBots returns every registered bot in registration order.
func (s *sqlxStore) ListBots(ctx context.Context) ([]Bot, error) {
	var bots []Bot
	query := `SELECT ` + botColumns + ` FROM bots ORDER BY created_at ASC, rowid ASC`
	if err := s.db.SelectContext(ctx, &bots, query); err != nil {
		s.logger.ErrorContext(ctx, "Error listing bots", "error", err)
		return nil, fmt.Errorf("failed to list bots: %w", err)
	}
	return bots, nil
}

// ListActiveBotsInGroup returns the group's active bots ordered by registration time.
// The order is the rotation order and must stay stable.
func (s *sqlxStore) ListActiveBotsInGroup(ctx context.Context, groupID int64) ([]Bot, error) {
	if groupID == 0 {
		return nil, fmt.Errorf("group_id cannot be zero")
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	var bots []Bot
	query := `
		SELECT ` + botColumns + `
		FROM bots
		WHERE group_id = ? AND active = 1
		ORDER BY created_at ASC, rowid ASC;
	`
	err := s.db.SelectContext(ctx, &bots, query, groupID)
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		s.logger.WarnContext(ctx, "Context timeout or cancellation while listing active bots",
			"group_id", groupID, "error", err)
		return nil, err
	}
	if err != nil {
		s.logger.ErrorContext(ctx, "Error listing active bots", "group_id", groupID, "error", err)
		return nil, fmt.Errorf("failed to list active bots for group %d: %w", groupID, err)
	}

	s.logger.DebugContext(ctx, "Listed active bots", "group_id", groupID, "count", len(bots))
	return bots, nil
}

// SetBotActive flips the active flag. The group's count only moves when the flag changes.
func (s *sqlxStore) SetBotActive(ctx context.Context, id string, active bool) error {
	err := s.withTx(ctx, "set bot active", func(tx *sqlx.Tx) error {
		var bot Bot
		err := tx.GetContext(ctx, &bot, `SELECT `+botColumns+` FROM bots WHERE id = ?`, id)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to load bot %s: %w", id, err)
		}
		if bot.Active == active {
			return nil
		}

		if _, err := tx.ExecContext(ctx, `UPDATE bots SET active = ? WHERE id = ?`, active, id); err != nil {
			return fmt.Errorf("failed to update bot %s: %w", id, err)
		}
		delta := -1
		if active {
			delta = 1
		}
		return adjustBotCount(ctx, tx, bot.GroupID, delta)
	})
	if err != nil && !errors.Is(err, ErrNotFound) {
		s.logger.ErrorContext(ctx, "Error toggling bot", "bot_id", id, "active", active, "error", err)
		return err
	}
	if err == nil {
		s.logger.DebugContext(ctx, "Bot active flag updated", "bot_id", id, "active", active)
	}
	return err
}

// DeleteBot removes the bot, the messages credited to it, and its rate-limit entries.
func (s *sqlxStore) DeleteBot(ctx context.Context, id string) error {
	var messagesDeleted int64
	err := s.withTx(ctx, "delete bot", func(tx *sqlx.Tx) error {
		var bot Bot
		err := tx.GetContext(ctx, &bot, `SELECT `+botColumns+` FROM bots WHERE id = ?`, id)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to load bot %s: %w", id, err)
		}

		res, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE bot_id = ?`, id)
		if err != nil {
			return fmt.Errorf("failed to delete messages of bot %s: %w", id, err)
		}
		messagesDeleted, _ = res.RowsAffected()

		if _, err := tx.ExecContext(ctx, `DELETE FROM rate_window WHERE bot_id = ?`, id); err != nil {
			return fmt.Errorf("failed to delete rate entries of bot %s: %w", id, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM bots WHERE id = ?`, id); err != nil {
			return fmt.Errorf("failed to delete bot %s: %w", id, err)
		}
		if bot.Active {
			return adjustBotCount(ctx, tx, bot.GroupID, -1)
		}
		return nil
	})
	if err != nil && !errors.Is(err, ErrNotFound) {
		s.logger.ErrorContext(ctx, "Error deleting bot", "bot_id", id, "error", err)
		return err
	}
	if err == nil {
		s.logger.InfoContext(ctx, "Bot deleted", "bot_id", id, "messages_deleted", messagesDeleted)
	}
	return err
}

func adjustBotCount(ctx context.Context, tx *sqlx.Tx, groupID int64, delta int) error {
	query := `UPDATE chat_groups SET bot_count = MAX(bot_count + ?, 0), updated_at = ? WHERE id = ?`
	if _, err := tx.ExecContext(ctx, query, delta, time.Now().UTC(), groupID); err != nil {
		return fmt.Errorf("failed to adjust bot count for group %d: %w", groupID, err)
	}
	return nil
}

// --- Groups ---

// UpsertGroup creates the group for chatID or refreshes its name.
func (s *sqlxStore) UpsertGroup(ctx context.Context, chatID int64, name string) (*Group, error) {
	if chatID == 0 {
		return nil, fmt.Errorf("chat_id cannot be zero")
	}

	var group Group
	err := s.withTx(ctx, "upsert group", func(tx *sqlx.Tx) error {
		now := time.Now().UTC()
		query := `
			INSERT INTO chat_groups (chat_id, name, bot_count, created_at, updated_at)
			VALUES (?, ?, 0, ?, ?)
			ON CONFLICT(chat_id) DO UPDATE SET
				name = CASE WHEN excluded.name = '' THEN chat_groups.name ELSE excluded.name END,
				updated_at = excluded.updated_at;
		`
		if _, err := tx.ExecContext(ctx, query, chatID, name, now, now); err != nil {
			return fmt.Errorf("failed to upsert group %d: %w", chatID, err)
		}
		if err := tx.GetContext(ctx, &group, `SELECT `+groupColumns+` FROM chat_groups WHERE chat_id = ?`, chatID); err != nil {
			return fmt.Errorf("failed to reload group %d: %w", chatID, err)
		}
		return nil
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "Error upserting group", "chat_id", chatID, "error", err)
		return nil, err
	}

	s.logger.DebugContext(ctx, "Group upserted", "group_id", group.ID, "chat_id", chatID)
	return &group, nil
}

func (s *sqlxStore) getGroup(ctx context.Context, where string, arg any) (*Group, error) {
	var group Group
	err := s.db.GetContext(ctx, &group, `SELECT `+groupColumns+` FROM chat_groups WHERE `+where, arg)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, nil
	case err != nil:
		s.logger.ErrorContext(ctx, "Error getting group", "where", where, "error", err)
		return nil, fmt.Errorf("failed to get group: %w", err)
	}
	return &group, nil
}

// GetGroup retrieves a group by its store id.
func (s *sqlxStore) GetGroup(ctx context.Context, id int64) (*Group, error) {
	return s.getGroup(ctx, "id = ?", id)
}

// GetGroupByChatID retrieves a group by its Telegram chat id.
func (s *sqlxStore) GetGroupByChatID(ctx context.Context, chatID int64) (*Group, error) {
	return s.getGroup(ctx, "chat_id = ?", chatID)
}

// --- Messages ---

// FindMessage looks a message up by its (group, platform id) pair.
func (s *sqlxStore) FindMessage(ctx context.Context, groupID, platformMsgID int64) (*Message, error) {
	var msg Message
	query := `SELECT ` + messageColumns + ` FROM messages WHERE group_id = ? AND platform_msg_id = ? LIMIT 1`
	err := s.db.GetContext(ctx, &msg, query, groupID, platformMsgID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, nil
	case err != nil:
		s.logger.ErrorContext(ctx, "Error finding message", "group_id", groupID, "platform_msg_id", platformMsgID, "error", err)
		return nil, fmt.Errorf("failed to find message: %w", err)
	}
	return &msg, nil
}

// SaveMessage performs the existence check and the insert in one transaction.
func (s *sqlxStore) SaveMessage(ctx context.Context, msg *Message) (bool, error) {
	if msg == nil {
		return false, fmt.Errorf("cannot save nil message")
	}
	if msg.GroupID == 0 {
		return false, fmt.Errorf("message must have a non-zero group_id")
	}
	if msg.BotID == "" {
		return false, fmt.Errorf("message must have an owning bot")
	}
	if msg.Text == "" {
		return false, fmt.Errorf("message must have non-empty text")
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	inserted := false
	err := s.withTx(ctx, "save message", func(tx *sqlx.Tx) error {
		var existingID int64
		err := tx.GetContext(ctx, &existingID,
			`SELECT id FROM messages WHERE group_id = ? AND platform_msg_id = ? LIMIT 1`,
			msg.GroupID, msg.PlatformMsgID)
		if err == nil {
			msg.ID = existingID
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("failed to check for existing message: %w", err)
		}

		query := `
			INSERT INTO messages (bot_id, group_id, text, is_ai, platform_msg_id, created_at)
			VALUES (:bot_id, :group_id, :text, :is_ai, :platform_msg_id, :created_at);
		`
		result, err := tx.NamedExecContext(ctx, query, msg)
		if err != nil {
			return fmt.Errorf("failed to save message (group %d, platform id %d): %w", msg.GroupID, msg.PlatformMsgID, err)
		}
		id, err := result.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to read inserted message id: %w", err)
		}
		msg.ID = id
		inserted = true
		return nil
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "Error saving message", "group_id", msg.GroupID, "bot_id", msg.BotID, "error", err)
		return false, err
	}

	if inserted {
		s.logger.DebugContext(ctx, "Message saved successfully",
			"group_id", msg.GroupID, "bot_id", msg.BotID, "message_id", msg.ID, "is_ai", msg.IsAI)
	} else {
		s.logger.DebugContext(ctx, "Duplicate message skipped",
			"group_id", msg.GroupID, "platform_msg_id", msg.PlatformMsgID, "message_id", msg.ID)
	}
	return inserted, nil
}

// GetRecentContext fetches the newest messages first and returns them oldest first.
func (s *sqlxStore) GetRecentContext(ctx context.Context, groupID int64, limit int) ([]ContextMessage, error) {
	if groupID == 0 {
		return nil, fmt.Errorf("group_id cannot be zero")
	}
	if limit <= 0 {
		limit = 20
		s.logger.DebugContext(ctx, "Invalid limit provided, using default", "group_id", groupID, "default_limit", limit)
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	var msgs []ContextMessage
	query := `
		SELECT COALESCE(b.handle, '') AS handle, m.text, m.is_ai, m.created_at
		FROM messages m
		LEFT JOIN bots b ON b.id = m.bot_id
		WHERE m.group_id = ?
		ORDER BY m.id DESC
		LIMIT ?;
	`
	err := s.db.SelectContext(ctx, &msgs, query, groupID, limit)
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		s.logger.WarnContext(ctx, "Context timeout or cancellation while fetching context", "group_id", groupID, "error", err)
		return nil, err
	}
	if err != nil {
		s.logger.ErrorContext(ctx, "Error getting recent messages", "group_id", groupID, "limit", limit, "error", err)
		return nil, fmt.Errorf("failed to get recent messages for group %d: %w", groupID, err)
	}

	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}

	s.logger.DebugContext(ctx, "Fetched recent messages successfully", "group_id", groupID, "count", len(msgs))
	return msgs, nil
}

// GetLatestAIMessage returns the newest AI-generated message of a group.
func (s *sqlxStore) GetLatestAIMessage(ctx context.Context, groupID int64) (*Message, error) {
	var msg Message
	query := `SELECT ` + messageColumns + ` FROM messages WHERE group_id = ? AND is_ai = 1 ORDER BY id DESC LIMIT 1`
	err := s.db.GetContext(ctx, &msg, query, groupID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, nil
	case err != nil:
		s.logger.ErrorContext(ctx, "Error getting latest AI message", "group_id", groupID, "error", err)
		return nil, fmt.Errorf("failed to get latest AI message for group %d: %w", groupID, err)
	}
	return &msg, nil
}

// GetLatestMessageID returns the id of the newest message in a group, or 0 when there is none.
func (s *sqlxStore) GetLatestMessageID(ctx context.Context, groupID int64) (int64, error) {
	var id int64
	err := s.db.GetContext(ctx, &id, `SELECT COALESCE(MAX(id), 0) FROM messages WHERE group_id = ?`, groupID)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error getting latest message id", "group_id", groupID, "error", err)
		return 0, fmt.Errorf("failed to get latest message id for group %d: %w", groupID, err)
	}
	return id, nil
}

// --- Rate window ---

// ListRateEntries returns a bot's admission timestamps (unix ms), oldest first.
func (s *sqlxStore) ListRateEntries(ctx context.Context, botID string) ([]int64, error) {
	var entries []int64
	query := `SELECT admitted_at_ms FROM rate_window WHERE bot_id = ? ORDER BY admitted_at_ms ASC`
	if err := s.db.SelectContext(ctx, &entries, query, botID); err != nil {
		return nil, fmt.Errorf("failed to list rate entries for bot %s: %w", botID, err)
	}
	return entries, nil
}

// AddRateEntry records an admission.
func (s *sqlxStore) AddRateEntry(ctx context.Context, botID string, admittedAtMs int64) error {
	query := `INSERT INTO rate_window (bot_id, admitted_at_ms) VALUES (?, ?)`
	if _, err := s.db.ExecContext(ctx, query, botID, admittedAtMs); err != nil {
		return fmt.Errorf("failed to add rate entry for bot %s: %w", botID, err)
	}
	return nil
}

// PurgeRateEntries drops a bot's entries older than beforeMs.
func (s *sqlxStore) PurgeRateEntries(ctx context.Context, botID string, beforeMs int64) error {
	query := `DELETE FROM rate_window WHERE bot_id = ? AND admitted_at_ms < ?`
	if _, err := s.db.ExecContext(ctx, query, botID, beforeMs); err != nil {
		return fmt.Errorf("failed to purge rate entries for bot %s: %w", botID, err)
	}
	return nil
}

// PurgeStaleRateEntries drops entries of all bots older than beforeMs.
func (s *sqlxStore) PurgeStaleRateEntries(ctx context.Context, beforeMs int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM rate_window WHERE admitted_at_ms < ?`, beforeMs)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error purging stale rate entries", "error", err)
		return 0, fmt.Errorf("failed to purge stale rate entries: %w", err)
	}
	count, _ := res.RowsAffected()
	return count, nil
}

// --- Relay jobs ---

// InsertRelayJob inserts rec unless its idempotency key is already taken.
func (s *sqlxStore) InsertRelayJob(ctx context.Context, rec *RelayJobRecord) (bool, error) {
	if rec == nil {
		return false, fmt.Errorf("cannot save nil relay job")
	}
	if rec.ID == "" || rec.IdempotencyKey == "" {
		return false, fmt.Errorf("relay job must have id and idempotency key")
	}
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	query := `
		INSERT INTO relay_jobs (` + jobColumns + `)
		VALUES (:id, :idempotency_key, :payload, :status, :attempts, :max_attempts, :run_at, :last_error, :created_at, :updated_at, :finished_at)
		ON CONFLICT(idempotency_key) DO NOTHING;
	`
	result, err := s.db.NamedExecContext(ctx, query, rec)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error inserting relay job", "job_id", rec.ID, "key", rec.IdempotencyKey, "error", err)
		return false, fmt.Errorf("failed to insert relay job %s: %w", rec.ID, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows for relay job %s: %w", rec.ID, err)
	}
	return affected == 1, nil
}

// GetRelayJob loads a queue record by id.
func (s *sqlxStore) GetRelayJob(ctx context.Context, id string) (*RelayJobRecord, error) {
	var rec RelayJobRecord
	err := s.db.GetContext(ctx, &rec, `SELECT `+jobColumns+` FROM relay_jobs WHERE id = ?`, id)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, nil
	case err != nil:
		s.logger.ErrorContext(ctx, "Error getting relay job", "job_id", id, "error", err)
		return nil, fmt.Errorf("failed to get relay job %s: %w", id, err)
	}
	return &rec, nil
}

// UpdateRelayJob persists the mutable fields of a queue record.
func (s *sqlxStore) UpdateRelayJob(ctx context.Context, rec *RelayJobRecord) error {
	rec.UpdatedAt = time.Now().UTC()
	query := `
		UPDATE relay_jobs SET
			status = :status,
			attempts = :attempts,
			run_at = :run_at,
			last_error = :last_error,
			updated_at = :updated_at,
			finished_at = :finished_at
		WHERE id = :id;
	`
	result, err := s.db.NamedExecContext(ctx, query, rec)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error updating relay job", "job_id", rec.ID, "error", err)
		return fmt.Errorf("failed to update relay job %s: %w", rec.ID, err)
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListUnfinishedRelayJobs returns pending and running records, earliest first.
func (s *sqlxStore) ListUnfinishedRelayJobs(ctx context.Context) ([]RelayJobRecord, error) {
	var recs []RelayJobRecord
	query := `SELECT ` + jobColumns + ` FROM relay_jobs WHERE status IN (?, ?) ORDER BY run_at ASC`
	if err := s.db.SelectContext(ctx, &recs, query, JobStatusPending, JobStatusRunning); err != nil {
		s.logger.ErrorContext(ctx, "Error listing unfinished relay jobs", "error", err)
		return nil, fmt.Errorf("failed to list unfinished relay jobs: %w", err)
	}
	return recs, nil
}

// CountUnfinishedRelayJobs counts pending and running records whose
// idempotency key starts with keyPrefix.
func (s *sqlxStore) CountUnfinishedRelayJobs(ctx context.Context, keyPrefix string) (int, error) {
	var n int
	query := `SELECT COUNT(*) FROM relay_jobs WHERE status IN (?, ?) AND substr(idempotency_key, 1, ?) = ?`
	if err := s.db.GetContext(ctx, &n, query, JobStatusPending, JobStatusRunning, len(keyPrefix), keyPrefix); err != nil {
		return 0, fmt.Errorf("failed to count unfinished relay jobs: %w", err)
	}
	return n, nil
}

// PurgeRelayJobs deletes records in the given final status finished before the cutoff.
func (s *sqlxStore) PurgeRelayJobs(ctx context.Context, status string, finishedBefore time.Time) (int64, error) {
	query := `DELETE FROM relay_jobs WHERE status = ? AND finished_at IS NOT NULL AND finished_at < ?`
	res, err := s.db.ExecContext(ctx, query, status, finishedBefore.UTC())
	if err != nil {
		s.logger.ErrorContext(ctx, "Error purging relay jobs", "status", status, "error", err)
		return 0, fmt.Errorf("failed to purge %s relay jobs: %w", status, err)
	}
	count, _ := res.RowsAffected()
	s.logger.DebugContext(ctx, "Purged relay jobs", "status", status, "count", count)
	return count, nil
}
