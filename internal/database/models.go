package database

import (
	"database/sql"
	"time"
)

// Bot is a registered Telegram bot account taking part in a group's rotation.
// Token is the platform credential and must never be logged in full.
type Bot struct {
	ID             string    `db:"id"`
	Token          string    `db:"token"`
	Handle         string    `db:"handle"`
	PlatformUserID int64     `db:"platform_user_id"`
	Personality    string    `db:"personality"`
	GroupID        int64     `db:"group_id"`
	Active         bool      `db:"active"`
	WebhookSecret  string    `db:"webhook_secret"`
	CreatedAt      time.Time `db:"created_at"`
}

// Group is a Telegram chat monitored by one or more bots.
// ID is the store key, ChatID the platform key.
type Group struct {
	ID        int64     `db:"id"`
	ChatID    int64     `db:"chat_id"`
	Name      string    `db:"name"`
	BotCount  int       `db:"bot_count"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// Message is an append-only record of a message seen in a group.
// BotID is the bot credited with producing or receiving it.
type Message struct {
	ID            int64     `db:"id"`
	BotID         string    `db:"bot_id"`
	GroupID       int64     `db:"group_id"`
	Text          string    `db:"text"`
	IsAI          bool      `db:"is_ai"`
	PlatformMsgID int64     `db:"platform_msg_id"`
	CreatedAt     time.Time `db:"created_at"`
}

// ContextMessage is a message annotated with its author's handle, used to build AI context.
type ContextMessage struct {
	Handle    string    `db:"handle"`
	Text      string    `db:"text"`
	IsAI      bool      `db:"is_ai"`
	CreatedAt time.Time `db:"created_at"`
}

// Relay job states.
const (
	JobStatusPending   = "pending"
	JobStatusRunning   = "running"
	JobStatusCompleted = "completed"
	JobStatusFailed    = "failed"
)

// RelayJobRecord is the persisted form of a queued relay job.
// Payload holds the JSON encoded job; it is requeued in place on retry.
type RelayJobRecord struct {
	ID             string       `db:"id"`
	IdempotencyKey string       `db:"idempotency_key"`
	Payload        string       `db:"payload"`
	Status         string       `db:"status"`
	Attempts       int          `db:"attempts"`
	MaxAttempts    int          `db:"max_attempts"`
	RunAt          time.Time    `db:"run_at"`
	LastError      string       `db:"last_error"`
	CreatedAt      time.Time    `db:"created_at"`
	UpdatedAt      time.Time    `db:"updated_at"`
	FinishedAt     sql.NullTime `db:"finished_at"`
}
