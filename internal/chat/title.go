package chat

import (
	"strings"
	"unicode/utf8"

	"github.com/xaenox/querychat/internal/models"
)

const (
	DefaultTitle       = "New Chat"
	DefaultTitleMaxLen = 40
)

// DeriveTitle returns the first user message's text, whitespace collapsed
// and truncated to maxLen runes, or DefaultTitle when there is none.
func DeriveTitle(messages []models.Message, maxLen int) string {
	if maxLen <= 0 {
		maxLen = DefaultTitleMaxLen
	}
	for _, msg := range messages {
		if msg.Author != models.AuthorUser {
			continue
		}
		text := strings.Join(strings.Fields(msg.Text), " ")
		if text == "" {
			continue
		}
		if utf8.RuneCountInString(text) <= maxLen {
			return text
		}
		runes := []rune(text)
		return strings.TrimSpace(string(runes[:maxLen])) + "…"
	}
	return DefaultTitle
}
