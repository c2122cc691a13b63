package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/xaenox/querychat/internal/backend"
	"github.com/xaenox/querychat/internal/chat"
	"github.com/xaenox/querychat/internal/session"
	"github.com/xaenox/querychat/internal/storage"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Backend is everything the bot needs from the remote API.
type Backend interface {
	session.Authenticator
	chat.Querier
}

// telegramAPI is the sending half of *tgbotapi.BotAPI.
type telegramAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

type Options struct {
	Query       backend.QueryOptions
	TitleMaxLen int
	SendRate    float64
	SendBurst   int
}

type Bot struct {
	api       *tgbotapi.BotAPI
	tg        telegramAPI
	backend   Backend
	store     storage.Storage
	chatCfg   chat.Config
	guardOpts []session.Option
	limiter   *rate.Limiter
	logger    *zap.Logger

	mu      sync.Mutex
	clients map[int64]*client
	inboxes map[int64]chan *tgbotapi.Message
	workers sync.WaitGroup
}

// inboxSize bounds the updates buffered per user before polling blocks.
const inboxSize = 32

func New(token string, be Backend, store storage.Storage, opts Options, logger *zap.Logger) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}

	b := newBot(api, be, store, opts, logger)
	b.api = api
	return b, nil
}

func newBot(tg telegramAPI, be Backend, store storage.Storage, opts Options, logger *zap.Logger) *Bot {
	if opts.SendRate <= 0 {
		opts.SendRate = 25
	}
	if opts.SendBurst <= 0 {
		opts.SendBurst = 5
	}

	return &Bot{
		tg:      tg,
		backend: be,
		store:   store,
		chatCfg: chat.Config{
			Options:     opts.Query,
			TitleMaxLen: opts.TitleMaxLen,
		},
		limiter: rate.NewLimiter(rate.Limit(opts.SendRate), opts.SendBurst),
		logger:  logger,
		clients: make(map[int64]*client),
		inboxes: make(map[int64]chan *tgbotapi.Message),
	}
}

// Run polls Telegram for updates and, when changes is not nil, applies
// session changes made by other clients sharing the store. It returns when
// ctx is cancelled or either loop fails.
func (b *Bot) Run(ctx context.Context, changes <-chan storage.Change) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return b.pollUpdates(ctx)
	})
	if changes != nil {
		g.Go(func() error {
			return b.watchStore(ctx, changes)
		})
	}

	err := g.Wait()
	b.workers.Wait()
	b.wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (b *Bot) pollUpdates(ctx context.Context) error {
	if b.api == nil {
		return errors.New("bot has no Telegram connection")
	}

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := b.api.GetUpdatesChan(u)
	defer b.api.StopReceivingUpdates()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			if update.Message == nil {
				continue
			}
			b.enqueue(ctx, update.Message)
		}
	}
}

// enqueue hands message to its sender's worker. Each user has one worker,
// so updates of one user are handled one at a time in arrival order.
func (b *Bot) enqueue(ctx context.Context, message *tgbotapi.Message) {
	if message.From == nil {
		return
	}

	b.mu.Lock()
	inbox, ok := b.inboxes[message.From.ID]
	if !ok {
		inbox = make(chan *tgbotapi.Message, inboxSize)
		b.inboxes[message.From.ID] = inbox
		b.workers.Add(1)
		go b.drain(ctx, inbox)
	}
	b.mu.Unlock()

	select {
	case inbox <- message:
	case <-ctx.Done():
	}
}

func (b *Bot) drain(ctx context.Context, inbox <-chan *tgbotapi.Message) {
	defer b.workers.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case message := <-inbox:
			b.handleMessage(ctx, message)
		}
	}
}

func (b *Bot) watchStore(ctx context.Context, changes <-chan storage.Change) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case change, ok := <-changes:
			if !ok {
				return nil
			}
			b.applyChange(ctx, change)
		}
	}
}

// applyChange re-evaluates the session of the user whose record changed
// in another process.
func (b *Bot) applyChange(ctx context.Context, change storage.Change) {
	userID, ok := userFromKey(change.Key)
	if !ok {
		return
	}
	c, ok := b.lookupClient(userID)
	if !ok {
		return
	}

	signedOut, err := c.guard.Sync(ctx)
	if err != nil {
		b.logger.Error("Failed to sync session",
			zap.Error(err),
			zap.Int64("user_id", userID))
		return
	}
	if signedOut {
		b.sendMessage(c.chatID, "You were signed out from another device.\n"+loginHint)
	}
}

// wait blocks until in-flight sends of every client have completed.
func (b *Bot) wait() {
	b.mu.Lock()
	clients := make([]*client, 0, len(b.clients))
	for _, c := range b.clients {
		clients = append(clients, c)
	}
	b.mu.Unlock()

	for _, c := range clients {
		c.session().Wait()
	}
}

func (b *Bot) handleMessage(ctx context.Context, message *tgbotapi.Message) {
	if message.From == nil {
		return
	}

	c, err := b.client(ctx, message.From.ID, message.Chat.ID)
	if err != nil {
		b.logger.Error("Failed to load session",
			zap.Error(err),
			zap.Int64("user_id", message.From.ID))
		b.sendErrorMessage(message.Chat.ID, "Sorry, I couldn't load your session. Please try again.")
		return
	}

	c.handling.Lock()
	defer c.handling.Unlock()

	var r route
	if message.IsCommand() {
		r = parseCommand(message.Command(), message.CommandArguments())
	} else {
		// Get content from message
		content := message.Text
		if message.Caption != "" {
			content = message.Caption
		}
		r = textRoute(content)
	}

	switch r.kind {
	case routeUnknown:
		b.sendMessage(c.chatID, "Unknown command. Use /help to see available commands.")
		return
	case routeLogout:
		b.handleLogout(ctx, c)
		return
	case routeLogin, routeRegister:
		// Credentials should not stay in the chat history.
		b.deleteMessage(c.chatID, message.MessageID)
	}

	d := c.guard.Evaluate(ctx, r.path)
	switch d.Action {
	case session.RedirectToLogin:
		if r.kind == routeWelcome {
			b.sendMessage(c.chatID, welcomeText)
		}
		b.promptLogin(c.chatID, d.Reason)
		return
	case session.RedirectToHome:
		b.sendMessage(c.chatID, "You are already signed in.")
		b.dispatch(ctx, c, routeForPath(d.Target), 0)
		return
	}

	b.dispatch(ctx, c, r, message.MessageID)
}

// dispatch runs an admitted route.
func (b *Bot) dispatch(ctx context.Context, c *client, r route, telegramID int) {
	switch r.kind {
	case routeHelp:
		b.sendMessage(c.chatID, helpText)
		return
	case routeLogin:
		b.handleLogin(ctx, c, r.args)
		return
	case routeRegister:
		b.handleRegister(ctx, c, r.args)
		return
	}

	// Entering the chat surface always leaves an active thread behind.
	chatSession := c.session()
	chatSession.EnsureThread()

	switch r.kind {
	case routeWelcome:
		b.sendMessage(c.chatID, welcomeText)
		b.showHistory(c)
	case routeNewThread:
		chatSession.CreateThread()
		b.sendMessage(c.chatID, "Started a new chat. Send a message to begin.")
	case routeThreads:
		b.handleThreads(c)
	case routeSwitch:
		b.handleSwitch(c, r.args)
	case routeRetry:
		b.handleRetry(ctx, c, r.args)
	case routeStatus:
		b.handleStatus(ctx, c)
	case routeStop:
		chatSession.Stop()
		b.sendMessage(c.chatID, "Replies already requested will still arrive.")
	case routeHistory:
		b.showHistory(c)
	case routeSend:
		b.handleSend(ctx, c, r.text, telegramID)
	}
}

func (b *Bot) handleLogin(ctx context.Context, c *client, args []string) {
	if len(args) != 2 {
		b.sendMessage(c.chatID, "Usage: /login <username> <password>")
		return
	}

	destination, err := c.guard.Login(ctx, args[0], args[1])
	if err != nil {
		b.sendErrorMessage(c.chatID, session.ErrorReason(err))
		return
	}
	b.signedIn(ctx, c, destination)
}

func (b *Bot) handleRegister(ctx context.Context, c *client, args []string) {
	if len(args) < 3 || len(args) > 4 {
		b.sendMessage(c.chatID, "Usage: /register <username> <password> <password again> [phone]")
		return
	}

	in := session.RegisterInput{
		Username:        args[0],
		Password:        args[1],
		ConfirmPassword: args[2],
	}
	if len(args) == 4 {
		in.PhoneNumber = args[3]
	}

	destination, err := c.guard.Register(ctx, in)
	if err != nil {
		b.sendErrorMessage(c.chatID, session.ErrorReason(err))
		return
	}
	b.signedIn(ctx, c, destination)
}

func (b *Bot) signedIn(ctx context.Context, c *client, destination string) {
	identity, _ := c.guard.Identity()
	b.sendMessage(c.chatID, fmt.Sprintf("Signed in as %s.", identity.Username))
	b.dispatch(ctx, c, routeForPath(destination), 0)
}

func (b *Bot) handleLogout(ctx context.Context, c *client) {
	c.guard.Logout(ctx)
	// Conversations are session-local and leave with the session.
	c.setSession(b.newChat(c))
	b.sendMessage(c.chatID, "You have been signed out.")
}

func (b *Bot) handleThreads(c *client) {
	chatSession := c.session()
	active, _ := chatSession.Active()
	b.sendMarkdown(c.chatID, formatThreads(chatSession.Threads(), active.ID))
}

func (b *Bot) handleSwitch(c *client, args []string) {
	if len(args) != 1 {
		b.sendMessage(c.chatID, "Usage: /switch <number|id>. Use /chats to list your chats.")
		return
	}

	chatSession := c.session()
	id, ok := resolveThread(args[0], chatSession.Threads())
	if !ok {
		b.sendErrorMessage(c.chatID, "No such chat. Use /chats to list your chats.")
		return
	}
	if err := chatSession.SwitchThread(id); err != nil {
		b.sendErrorMessage(c.chatID, "No such chat. Use /chats to list your chats.")
		return
	}
	b.showHistory(c)
}

func (b *Bot) handleRetry(ctx context.Context, c *client, args []string) {
	chatSession := c.session()

	var id string
	if len(args) > 0 {
		id = args[0]
	} else {
		failed, ok := lastFailed(chatSession.ActiveMessages())
		if !ok {
			b.sendMessage(c.chatID, "There is no failed message to retry.")
			return
		}
		id = failed.ID
	}

	msg, err := chatSession.Retry(ctx, id)
	switch {
	case errors.Is(err, chat.ErrMessageNotFound):
		b.sendErrorMessage(c.chatID, "No such message.")
	case errors.Is(err, chat.ErrRetryInFlight):
		b.sendMessage(c.chatID, "That message is already being resent.")
	case errors.Is(err, chat.ErrNotRetryable):
		b.sendMessage(c.chatID, "Only failed messages can be retried.")
	case err != nil:
		b.sendErrorMessage(c.chatID, "Sorry, I couldn't resend your message.")
	default:
		b.sendTyping(c.chatID)
		b.logger.Debug("Retry dispatched", zap.String("message_id", msg.ID))
	}
}

func (b *Bot) handleStatus(ctx context.Context, c *client) {
	identity, _ := c.guard.Identity()
	var text strings.Builder
	fmt.Fprintf(&text, "Signed in as %s (%s).\n", identity.Username, identity.Role)
	if exp := c.guard.Expiry(); !exp.IsZero() {
		fmt.Fprintf(&text, "Session valid until %s.\n", exp.Format(time.RFC1123))
	}
	fmt.Fprintf(&text, "Chats: %d.\n", len(c.session().Threads()))

	token, ok := c.guard.Token()
	if !ok {
		b.sendMessage(c.chatID, text.String())
		b.promptLogin(c.chatID, session.ReasonExpired)
		return
	}
	profile, err := b.backend.Profile(ctx, token)
	switch {
	case errors.Is(err, backend.ErrUnauthorized):
		c.guard.Reject(token)
		d := c.guard.Evaluate(ctx, pathProfile)
		b.promptLogin(c.chatID, d.Reason)
		return
	case err != nil:
		fmt.Fprintf(&text, "Server: %s", backend.Reason(err))
	default:
		fmt.Fprintf(&text, "Server: online. Max upload size: %d bytes.", profile.MaxFileSize)
	}
	b.sendMessage(c.chatID, text.String())
}

func (b *Bot) handleSend(ctx context.Context, c *client, text string, telegramID int) {
	_, err := c.send(ctx, text, telegramID)
	switch {
	case errors.Is(err, chat.ErrEmptyMessage):
		return
	case err != nil:
		b.logger.Error("Failed to send message",
			zap.Error(err),
			zap.Int64("user_id", c.userID))
		b.sendErrorMessage(c.chatID, "Sorry, I couldn't send your message. Please try again.")
		return
	}

	b.sendTyping(c.chatID)
}

func (b *Bot) showHistory(c *client) {
	chatSession := c.session()
	active, ok := chatSession.Active()
	if !ok {
		return
	}
	b.sendMarkdown(c.chatID, formatHistory(active.Title, chatSession.Messages(active.ID)))
}

func (b *Bot) promptLogin(chatID int64, reason session.Reason) {
	b.sendMessage(chatID, session.ReasonText(reason)+"\n"+loginHint)
}

func (b *Bot) send(c tgbotapi.Chattable) error {
	if err := b.limiter.Wait(context.Background()); err != nil {
		return err
	}
	_, err := b.tg.Send(c)
	return err
}

func (b *Bot) sendMessage(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	if err := b.send(msg); err != nil {
		b.logger.Error("Failed to send message",
			zap.Error(err),
			zap.Int64("chat_id", chatID))
	}
}

func (b *Bot) sendMarkdown(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = "MarkdownV2"
	if err := b.send(msg); err != nil {
		b.logger.Error("Failed to send markdown message",
			zap.Error(err),
			zap.Int64("chat_id", chatID))
	}
}

func (b *Bot) sendReply(chatID int64, replyToID int, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ReplyToMessageID = replyToID
	if err := b.send(msg); err != nil {
		b.logger.Error("Failed to send reply",
			zap.Error(err),
			zap.Int64("chat_id", chatID))
	}
}

func (b *Bot) sendErrorMessage(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, "⚠️ "+text)
	if err := b.send(msg); err != nil {
		b.logger.Error("Failed to send error message",
			zap.Error(err),
			zap.Int64("chat_id", chatID))
	}
}

func (b *Bot) sendTyping(chatID int64) {
	if _, err := b.tg.Request(tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping)); err != nil {
		b.logger.Debug("Failed to send typing action", zap.Error(err))
	}
}

func (b *Bot) deleteMessage(chatID int64, messageID int) {
	if _, err := b.tg.Request(tgbotapi.NewDeleteMessage(chatID, messageID)); err != nil {
		b.logger.Debug("Failed to delete message", zap.Error(err))
	}
}
