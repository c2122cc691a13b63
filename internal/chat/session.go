package chat

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/xaenox/querychat/internal/backend"
	"github.com/xaenox/querychat/internal/models"
	"go.uber.org/zap"
)

var (
	ErrNoActiveThread  = errors.New("no active thread")
	ErrEmptyMessage    = errors.New("message is empty")
	ErrThreadNotFound  = errors.New("thread not found")
	ErrMessageNotFound = errors.New("message not found")
	ErrNotRetryable    = errors.New("only failed messages can be retried")
	ErrRetryInFlight   = errors.New("a retry for this message is already in flight")
)

// ThreadPrefix namespaces client-generated thread ids.
const ThreadPrefix = "chat-"

// Credentials is the narrow view of the session guard the chat needs: the
// bearer token for outgoing requests and a way to report its rejection.
type Credentials interface {
	Token() (string, bool)
	Reject(token string)
}

type Querier interface {
	Query(ctx context.Context, token string, in backend.QueryRequest) (*backend.QueryResponse, error)
}

// Observer receives the completion of every send attempt. Callbacks run on
// the goroutine that finished the attempt, outside the session lock.
type Observer interface {
	// Delivered reports a successful attempt. reply is nil when the backend
	// accepted the query without answering (status sent).
	Delivered(msg models.Message, reply *models.Message)
	Failed(msg models.Message, reason string)
	// Expired reports an attempt refused because the session ended.
	Expired(msg models.Message)
}

type Config struct {
	Options     backend.QueryOptions
	TitleMaxLen int
	Observer    Observer
	Now         func() time.Time
}

// Session owns the threads and messages of one signed-in client and drives
// the optimistic send lifecycle. Every mutation happens under mu; backend
// calls never hold it.
type Session struct {
	mu sync.Mutex

	querier  Querier
	creds    Credentials
	observer Observer
	opts     backend.QueryOptions
	titleMax int
	now      func() time.Time
	logger   *zap.Logger

	threads  map[string]*models.Thread
	messages map[string][]*models.Message
	byID     map[string]*models.Message
	inFlight map[string]bool
	active   string

	wg sync.WaitGroup
}

func New(querier Querier, creds Credentials, cfg Config, logger *zap.Logger) *Session {
	if cfg.Observer == nil {
		cfg.Observer = nopObserver{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.TitleMaxLen <= 0 {
		cfg.TitleMaxLen = DefaultTitleMaxLen
	}

	return &Session{
		querier:  querier,
		creds:    creds,
		observer: cfg.Observer,
		opts:     cfg.Options.WithDefaults(),
		titleMax: cfg.TitleMaxLen,
		now:      cfg.Now,
		logger:   logger,
		threads:  make(map[string]*models.Thread),
		messages: make(map[string][]*models.Message),
		byID:     make(map[string]*models.Message),
		inFlight: make(map[string]bool),
	}
}

// CreateThread allocates an empty thread and makes it active.
func (s *Session) CreateThread() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createThreadLocked()
}

func (s *Session) createThreadLocked() string {
	now := s.now()
	id := ThreadPrefix + uuid.NewString()
	s.threads[id] = &models.Thread{
		ID:             id,
		Title:          DefaultTitle,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	s.messages[id] = nil
	s.active = id

	s.logger.Debug("Thread created", zap.String("thread_id", id))
	return id
}

// EnsureThread returns the active thread id, creating a thread first when
// none exists yet.
func (s *Session) EnsureThread() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active != "" {
		return s.active
	}
	return s.createThreadLocked()
}

func (s *Session) SwitchThread(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.threads[id]; !ok {
		return ErrThreadNotFound
	}
	s.active = id
	return nil
}

func (s *Session) Active() (models.Thread, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.threads[s.active]
	if !ok {
		return models.Thread{}, false
	}
	return *t, true
}

// Threads lists all threads, most recently active first.
func (s *Session) Threads() []models.Thread {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.Thread, 0, len(s.threads))
	for _, t := range s.threads {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastActivityAt.Equal(out[j].LastActivityAt) {
			return out[i].LastActivityAt.After(out[j].LastActivityAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Messages returns a copy of the log of threadID. Unknown threads have no
// messages.
func (s *Session) Messages(threadID string) []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.messagesLocked(threadID)
}

func (s *Session) ActiveMessages() []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.messagesLocked(s.active)
}

func (s *Session) messagesLocked(threadID string) []models.Message {
	log := s.messages[threadID]
	out := make([]models.Message, len(log))
	for i, msg := range log {
		out[i] = *msg
	}
	return out
}

func (s *Session) Message(id string) (models.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.byID[id]
	if !ok {
		return models.Message{}, false
	}
	return *msg, true
}

func (s *Session) Title(threadID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return DeriveTitle(s.messagesLocked(threadID), s.titleMax)
}

// Send appends text to the active thread as a pending message and queries
// the backend in the background. Whitespace-only text is a no-op.
// Concurrent sends on the same thread are allowed; replies are linked to
// their request through ReplyTo, not through arrival order.
func (s *Session) Send(ctx context.Context, text string) (models.Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return models.Message{}, ErrEmptyMessage
	}

	s.mu.Lock()
	if s.active == "" {
		s.mu.Unlock()
		return models.Message{}, ErrNoActiveThread
	}
	msg := &models.Message{
		ID:       uuid.NewString(),
		ThreadID: s.active,
		Author:   models.AuthorUser,
		Text:     text,
		Status:   models.StatusPending,
	}
	s.appendLocked(msg)
	s.inFlight[msg.ID] = true
	out := *msg
	s.mu.Unlock()

	s.logger.Debug("Message queued",
		zap.String("thread_id", out.ThreadID),
		zap.String("message_id", out.ID))

	s.dispatch(ctx, out)
	return out, nil
}

// Retry re-sends a failed user message. At most one attempt per message is
// outstanding at any time.
func (s *Session) Retry(ctx context.Context, id string) (models.Message, error) {
	s.mu.Lock()
	msg, ok := s.byID[id]
	switch {
	case !ok:
		s.mu.Unlock()
		return models.Message{}, ErrMessageNotFound
	case s.inFlight[id]:
		s.mu.Unlock()
		return models.Message{}, ErrRetryInFlight
	case msg.Author != models.AuthorUser || msg.Status != models.StatusFailed:
		s.mu.Unlock()
		return models.Message{}, ErrNotRetryable
	}
	msg.Status = models.StatusPending
	msg.Error = ""
	s.inFlight[id] = true
	out := *msg
	s.mu.Unlock()

	s.logger.Debug("Retrying message",
		zap.String("thread_id", out.ThreadID),
		zap.String("message_id", out.ID))

	s.dispatch(ctx, out)
	return out, nil
}

// Stop is a placeholder: in-flight sends are not cancelled, they run until
// the backend answers or the client timeout fires.
func (s *Session) Stop() {
	s.logger.Debug("Stop requested; in-flight sends continue")
}

// Wait blocks until every send attempt started so far has completed.
func (s *Session) Wait() {
	s.wg.Wait()
}

func (s *Session) dispatch(ctx context.Context, msg models.Message) {
	// The attempt outlives the caller's handler; keep its values only.
	ctx = context.WithoutCancel(ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.attempt(ctx, msg)
	}()
}

func (s *Session) attempt(ctx context.Context, msg models.Message) {
	token, ok := s.creds.Token()
	if !ok {
		s.fail(msg.ID, &backend.Error{Op: "query", Kind: backend.ErrUnauthorized}, true)
		return
	}

	resp, err := s.querier.Query(ctx, token, backend.QueryRequest{
		Query:       msg.Text,
		ChatID:      msg.ThreadID,
		Model:       s.opts.Model,
		MaxTokens:   s.opts.MaxTokens,
		Temperature: s.opts.Temperature,
	})
	if err != nil {
		expired := errors.Is(err, backend.ErrUnauthorized)
		if expired {
			s.creds.Reject(token)
		}
		s.fail(msg.ID, err, expired)
		return
	}

	s.complete(msg.ID, resp)
}

func (s *Session) complete(id string, resp *backend.QueryResponse) {
	s.mu.Lock()
	msg := s.byID[id]
	delete(s.inFlight, id)

	if resp.ChatID != "" && resp.ChatID != msg.ThreadID {
		s.logger.Warn("Reply addressed to another thread",
			zap.String("thread_id", msg.ThreadID),
			zap.String("reply_chat_id", resp.ChatID))
	}

	var reply *models.Message
	msg.QueryID = resp.QueryID
	if strings.TrimSpace(resp.Response) == "" {
		msg.Status = models.StatusSent
	} else {
		msg.Status = models.StatusDelivered
		reply = &models.Message{
			ID:       uuid.NewString(),
			ThreadID: msg.ThreadID,
			Author:   models.AuthorAssistant,
			Text:     resp.Response,
			Status:   models.StatusDelivered,
			ReplyTo:  msg.ID,
			QueryID:  resp.QueryID,
		}
		s.appendLocked(reply)
	}
	out := *msg
	var replyOut *models.Message
	if reply != nil {
		r := *reply
		replyOut = &r
	}
	s.mu.Unlock()

	s.logger.Debug("Message delivered",
		zap.String("thread_id", out.ThreadID),
		zap.String("message_id", out.ID),
		zap.Int64("query_id", out.QueryID))
	s.observer.Delivered(out, replyOut)
}

func (s *Session) fail(id string, err error, expired bool) {
	reason := backend.Reason(err)

	s.mu.Lock()
	msg := s.byID[id]
	delete(s.inFlight, id)
	msg.Status = models.StatusFailed
	msg.Error = reason
	out := *msg
	s.mu.Unlock()

	s.logger.Info("Message failed",
		zap.String("thread_id", out.ThreadID),
		zap.String("message_id", out.ID),
		zap.Bool("expired", expired),
		zap.Error(err))

	if expired {
		s.observer.Expired(out)
		return
	}
	s.observer.Failed(out, reason)
}

// appendLocked adds msg to its thread. Creation times never go backwards
// within a thread, so log order and time order agree.
func (s *Session) appendLocked(msg *models.Message) {
	log := s.messages[msg.ThreadID]
	created := s.now()
	if n := len(log); n > 0 && created.Before(log[n-1].CreatedAt) {
		created = log[n-1].CreatedAt
	}
	msg.CreatedAt = created

	s.messages[msg.ThreadID] = append(log, msg)
	s.byID[msg.ID] = msg

	if t, ok := s.threads[msg.ThreadID]; ok {
		t.LastActivityAt = created
		t.Title = DeriveTitle(s.messagesLocked(msg.ThreadID), s.titleMax)
	}
}

type nopObserver struct{}

func (nopObserver) Delivered(models.Message, *models.Message) {}
func (nopObserver) Failed(models.Message, string)             {}
func (nopObserver) Expired(models.Message)                    {}
