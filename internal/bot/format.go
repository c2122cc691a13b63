package bot

import (
	"fmt"
	"strings"

	"github.com/xaenox/querychat/internal/chat"
	"github.com/xaenox/querychat/internal/models"
)

const (
	historyLimit = 20
	welcomeText  = `Welcome to QueryChat! 💬
Ask me anything and I'll forward it to the assistant.
Use /help to see all available commands.`

	helpText = `Available commands:
/login <username> <password> - Sign in
/register <username> <password> <password> [phone] - Create an account
/logout - Sign out
/new - Start a new chat
/chats - List your chats
/switch <number|id> - Switch to another chat
/history - Show the current chat
/retry [id] - Resend a failed message
/status - Show your session
/help - Show this help message

Any other text is sent to the assistant in the current chat.`

	loginHint = "Use /login <username> <password> to sign in, or /register to create an account."
)

// escapeMarkdown escapes special characters for MarkdownV2
func escapeMarkdown(text string) string {
	specialChars := []string{"\\", "_", "*", "[", "]", "(", ")", "~", "`", ">", "#", "+", "-", "=", "|", "{", "}", ".", "!"}
	escaped := text
	for _, char := range specialChars {
		escaped = strings.ReplaceAll(escaped, char, "\\"+char)
	}
	return escaped
}

// escapeCode escapes text placed inside a MarkdownV2 code span.
func escapeCode(text string) string {
	return strings.NewReplacer("\\", "\\\\", "`", "\\`").Replace(text)
}

func formatThreads(threads []models.Thread, activeID string) string {
	if len(threads) == 0 {
		return "You don't have any chats yet\\."
	}

	var b strings.Builder
	b.WriteString("*Your chats:*\n")
	for i, t := range threads {
		marker := ""
		if t.ID == activeID {
			marker = " ⬅️"
		}
		fmt.Fprintf(&b, "%d\\. %s%s\n`%s`\n", i+1, escapeMarkdown(t.Title), marker, escapeCode(t.ID))
	}
	b.WriteString("\nSend /switch followed by a number to open a chat\\.")
	return b.String()
}

func formatHistory(title string, messages []models.Message) string {
	var b strings.Builder
	fmt.Fprintf(&b, "*%s*\n\n", escapeMarkdown(title))
	if len(messages) == 0 {
		b.WriteString("_No messages yet\\. Send some text to start\\._")
		return b.String()
	}

	if len(messages) > historyLimit {
		fmt.Fprintf(&b, "_%d earlier messages not shown_\n\n", len(messages)-historyLimit)
		messages = messages[len(messages)-historyLimit:]
	}
	for _, msg := range messages {
		switch msg.Author {
		case models.AuthorUser:
			fmt.Fprintf(&b, "🧑 %s %s\n", escapeMarkdown(msg.Text), statusIcon(msg.Status))
			if msg.Status == models.StatusFailed {
				fmt.Fprintf(&b, "    _%s_ /retry `%s`\n", escapeMarkdown(msg.Error), escapeCode(msg.ID))
			}
		default:
			fmt.Fprintf(&b, "🤖 %s\n", escapeMarkdown(msg.Text))
		}
	}
	return b.String()
}

func statusIcon(s models.Status) string {
	switch s {
	case models.StatusPending:
		return "⏳"
	case models.StatusSent:
		return "✔️"
	case models.StatusDelivered:
		return "✅"
	case models.StatusFailed:
		return "⚠️"
	default:
		return ""
	}
}

// resolveThread accepts a 1-based position in the thread listing or a
// thread id.
func resolveThread(arg string, threads []models.Thread) (string, bool) {
	var n int
	if _, err := fmt.Sscanf(arg, "%d", &n); err == nil && fmt.Sprint(n) == arg {
		if n >= 1 && n <= len(threads) {
			return threads[n-1].ID, true
		}
		return "", false
	}
	if !strings.HasPrefix(arg, chat.ThreadPrefix) {
		arg = chat.ThreadPrefix + arg
	}
	for _, t := range threads {
		if t.ID == arg {
			return t.ID, true
		}
	}
	return "", false
}

// lastFailed returns the most recent failed user message of a log.
func lastFailed(messages []models.Message) (models.Message, bool) {
	for i := len(messages) - 1; i >= 0; i-- {
		msg := messages[i]
		if msg.Author == models.AuthorUser && msg.Status == models.StatusFailed {
			return msg, true
		}
	}
	return models.Message{}, false
}
