package bot

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/xaenox/querychat/internal/chat"
	"github.com/xaenox/querychat/internal/models"
	"github.com/xaenox/querychat/internal/session"
	"go.uber.org/zap"
)

const keyPrefix = "tg-"

func profileKey(userID int64) string {
	return keyPrefix + strconv.FormatInt(userID, 10)
}

func userFromKey(key string) (int64, bool) {
	raw, ok := strings.CutPrefix(key, keyPrefix)
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	return id, err == nil
}

// client is the state of one Telegram user: a guard and a chat session,
// the equivalent of one browser tab.
type client struct {
	userID int64
	chatID int64
	guard  *session.Guard

	// handling serializes the updates of one user so each handler's
	// mutations are atomic with respect to the next.
	handling sync.Mutex

	mu      sync.Mutex
	chat    *chat.Session
	origins map[string]int
}

func (c *client) session() *chat.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.chat
}

func (c *client) setSession(s *chat.Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chat = s
	c.origins = make(map[string]int)
}

// send queues text on the chat session and links the new message to the
// Telegram message that carried it, so the reply can be threaded under its
// request. The link is in place before the reply can be observed.
func (c *client) send(ctx context.Context, text string, telegramID int) (models.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	msg, err := c.chat.Send(ctx, text)
	if err != nil {
		return msg, err
	}
	if telegramID != 0 {
		c.origins[msg.ID] = telegramID
	}
	return msg, nil
}

func (c *client) origin(messageID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.origins[messageID]
}

func (b *Bot) client(ctx context.Context, userID, chatID int64) (*client, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if c, ok := b.clients[userID]; ok {
		return c, nil
	}

	guard, err := session.New(ctx, profileKey(userID), b.store, b.backend, b.logger, b.guardOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create guard: %w", err)
	}
	c := &client{
		userID: userID,
		chatID: chatID,
		guard:  guard,
	}
	c.setSession(b.newChat(c))
	b.clients[userID] = c
	return c, nil
}

func (b *Bot) lookupClient(userID int64) (*client, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.clients[userID]
	return c, ok
}

func (b *Bot) newChat(c *client) *chat.Session {
	cfg := b.chatCfg
	cfg.Observer = &observer{bot: b, client: c}
	return chat.New(b.backend, c.guard, cfg, b.logger.With(zap.Int64("user_id", c.userID)))
}

// observer forwards send completions to the user's Telegram chat.
type observer struct {
	bot    *Bot
	client *client
}

func (o *observer) Delivered(msg models.Message, reply *models.Message) {
	if reply == nil {
		return
	}
	text := reply.Text
	if active, ok := o.client.session().Active(); ok && active.ID != msg.ThreadID {
		text = fmt.Sprintf("[%s]\n%s", o.client.session().Title(msg.ThreadID), text)
	}
	o.bot.sendReply(o.client.chatID, o.client.origin(msg.ID), text)
}

func (o *observer) Failed(msg models.Message, reason string) {
	o.bot.sendErrorMessage(o.client.chatID, fmt.Sprintf("%s\nUse /retry %s to try again.", reason, msg.ID))
}

func (o *observer) Expired(msg models.Message) {
	d := o.client.guard.Evaluate(context.Background(), session.PathChat)
	if d.Action != session.RedirectToLogin {
		return
	}
	o.bot.promptLogin(o.client.chatID, d.Reason)
}
