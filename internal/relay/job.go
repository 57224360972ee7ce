// Package relay decides which bot speaks next in a group and drives delivery
// of its reply through a persistent delayed queue.
package relay

import (
	"encoding/json"
	"fmt"

	"github.com/edgard/relaybot/internal/database"
)

// Kind distinguishes the reaction to an inbound message from a chain continuation.
type Kind string

const (
	KindFirst   Kind = "first"
	KindChained Kind = "chained"
)

// Job is the queued unit of work: one bot producing one reply in one group.
type Job struct {
	BotID        string `json:"bot_id"`
	Token        string `json:"token"`
	GroupID      int64  `json:"group_id"`
	ChatID       int64  `json:"chat_id"`
	Handle       string `json:"handle"`
	Personality  string `json:"personality"`
	ReplyToMsgID int64  `json:"reply_to_msg_id,omitempty"`
	Kind         Kind   `json:"kind"`
}

// NewJob builds a job for bot speaking in the chat identified by chatID.
func NewJob(bot database.Bot, chatID int64, replyTo int64, kind Kind) Job {
	return Job{
		BotID:        bot.ID,
		Token:        bot.Token,
		GroupID:      bot.GroupID,
		ChatID:       chatID,
		Handle:       bot.Handle,
		Personality:  bot.Personality,
		ReplyToMsgID: replyTo,
		Kind:         kind,
	}
}

func encodeJob(job Job) (string, error) {
	b, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("failed to encode relay job: %w", err)
	}
	return string(b), nil
}

func decodeJob(payload string) (Job, error) {
	var job Job
	if err := json.Unmarshal([]byte(payload), &job); err != nil {
		return Job{}, fmt.Errorf("failed to decode relay job: %w", err)
	}
	return job, nil
}

// IdempotencyKey identifies one turn: the same speaker cannot be queued twice
// for the same state of the group's history.
func IdempotencyKey(groupID int64, speakerID string, seq int64) string {
	return fmt.Sprintf("%s%s:%d", GroupKeyPrefix(groupID), speakerID, seq)
}

// GroupKeyPrefix is the idempotency key prefix shared by every turn of a group.
func GroupKeyPrefix(groupID int64) string {
	return fmt.Sprintf("%d:", groupID)
}
