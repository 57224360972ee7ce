package ai

import (
	"fmt"
	"strings"

	"github.com/edgard/relaybot/internal/database"
)

// personaHeader is prepended to the configured instruction. It expects the
// handle twice and the personality.
const personaHeader = `You are @%s, a bot taking part in a Telegram group conversation with humans and other bots.
Your personality: %s

[CRITICAL] Reply only with your message text. Do NOT start with your name, "@%s:", a timestamp, or any other speaker label.

`

// DefaultPrompt returns the PromptFunc used in production. The speaking bot's
// own earlier messages become model turns; everything else is labelled with
// its author and passed as user turns.
func DefaultPrompt(instruction string) PromptFunc {
	return func(personality string, history []database.ContextMessage, handle string) Prompt {
		if personality == "" {
			personality = "friendly and curious"
		}

		prompt := Prompt{
			System: fmt.Sprintf(personaHeader, handle, personality, handle) + instruction,
			Turns:  make([]Turn, 0, len(history)),
		}

		for _, m := range history {
			text := strings.TrimSpace(m.Text)
			if text == "" {
				continue
			}
			if m.IsAI && strings.EqualFold(m.Handle, handle) {
				prompt.Turns = append(prompt.Turns, Turn{Role: RoleModel, Text: text})
				continue
			}

			author := "human"
			if m.IsAI && m.Handle != "" {
				author = "@" + m.Handle
			}
			prompt.Turns = append(prompt.Turns, Turn{
				Role: RoleUser,
				Text: fmt.Sprintf("[%s] %s: %s", m.CreatedAt.UTC().Format("2006-01-02 15:04:05"), author, text),
			})
		}

		if len(prompt.Turns) == 0 || prompt.Turns[len(prompt.Turns)-1].Role == RoleModel {
			prompt.Turns = append(prompt.Turns, Turn{Role: RoleUser, Text: "(continue the conversation)"})
		}
		return prompt
	}
}
