package bridgeapi

import (
	"strings"

	"telegram-bridge/internal/domain"
)

// BuildHistory turns displayed conversation turns into the history sent with
// a request: the system message first, then each turn's user text followed by
// the bot answer when there is one.
func BuildHistory(turns []domain.Turn, systemMessage string) []domain.ChatMessage {
	history := make([]domain.ChatMessage, 0, 2*len(turns)+1)
	if s := strings.TrimSpace(systemMessage); s != "" {
		history = append(history, domain.ChatMessage{Role: domain.RoleSystem, Content: s})
	}
	for _, t := range turns {
		history = append(history, domain.ChatMessage{Role: domain.RoleUser, Content: t.User})
		if t.Bot != "" {
			history = append(history, domain.ChatMessage{Role: domain.RoleAssistant, Content: t.Bot})
		}
	}
	return history
}
