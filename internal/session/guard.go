package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/xaenox/querychat/internal/backend"
	"github.com/xaenox/querychat/internal/models"
	"github.com/xaenox/querychat/internal/storage"
	"go.uber.org/zap"
)

type State int

const (
	Unauthenticated State = iota
	Authenticated
	Expired
)

func (s State) String() string {
	switch s {
	case Unauthenticated:
		return "unauthenticated"
	case Authenticated:
		return "authenticated"
	case Expired:
		return "expired"
	default:
		return "unknown"
	}
}

// Authenticator is the part of the backend the guard needs.
type Authenticator interface {
	Login(ctx context.Context, username, password string) (*backend.TokenResponse, error)
	Register(ctx context.Context, in backend.RegisterRequest) (*backend.RegisterResponse, error)
	Profile(ctx context.Context, token string) (*backend.Profile, error)
}

type RegisterInput struct {
	Username        string
	Password        string
	ConfirmPassword string
	PhoneNumber     string
	Role            string
}

// Guard owns the session of one profile: the token, its decoded expiry and
// the identity. All mutation goes through its methods.
type Guard struct {
	mu sync.Mutex

	key    string
	store  storage.Storage
	auth   Authenticator
	now    func() time.Time
	logger *zap.Logger

	state      State
	token      string
	expiry     time.Time
	identity   models.Identity
	returnPath string
}

type Option func(*Guard)

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(g *Guard) {
		g.now = now
	}
}

// New creates a guard for the profile key and restores a session persisted
// by an earlier run, if any.
func New(ctx context.Context, key string, store storage.Storage, auth Authenticator, logger *zap.Logger, opts ...Option) (*Guard, error) {
	g := &Guard{
		key:    key,
		store:  store,
		auth:   auth,
		now:    time.Now,
		logger: logger.With(zap.String("profile", key)),
	}
	for _, opt := range opts {
		opt(g)
	}

	rec, err := store.Load(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return g, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to restore session: %w", err)
	}
	g.adopt(rec)
	return g, nil
}

// adopt installs a stored record. Expiry is not checked here; the next
// Evaluate or Token call handles it.
func (g *Guard) adopt(rec *storage.Record) {
	g.token = rec.Token
	g.expiry = time.Time{}
	if info, err := DecodeToken(rec.Token); err == nil {
		g.expiry = info.ExpiresAt
	}
	if rec.Identity != nil {
		g.identity = *rec.Identity
	} else {
		g.identity = models.PlaceholderIdentity()
	}
	g.state = Authenticated
}

func (g *Guard) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

func (g *Guard) Identity() (models.Identity, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.identity, g.token != ""
}

// Expiry is zero when the token carries no expiry.
func (g *Guard) Expiry() time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.expiry
}

// Evaluate runs one navigation through the gate and applies its side
// effects: clearing an expired or undecodable token and remembering the
// return path for the login flow.
func (g *Guard) Evaluate(ctx context.Context, path string) Decision {
	g.mu.Lock()
	defer g.mu.Unlock()

	d := Evaluate(path, g.token, g.now())
	switch {
	case d.Reason != ReasonNone:
		// Proactive expiry or an undecodable token.
		g.logger.Info("Session ended on navigation",
			zap.String("path", path),
			zap.String("reason", string(d.Reason)))
		g.clearLocked(ctx)
	case g.state == Expired:
		// Rejected by the backend since the last navigation.
		d.Reason = ReasonExpired
		if d.Action == RedirectToLogin {
			d = redirectToLogin(d.ReturnPath, ReasonExpired)
		}
		g.state = Unauthenticated
	}

	switch d.Action {
	case RedirectToLogin:
		g.returnPath = d.ReturnPath
	case RedirectToHome:
		if d.Target == PathChat && g.returnPath != "" {
			if next, ok := ResolveReturnPath(g.returnPath); ok {
				d.Target = next
			}
		}
		g.returnPath = ""
	}
	return d
}

// Login exchanges credentials for a session and returns where to navigate
// next. On failure the session is left as it was.
func (g *Guard) Login(ctx context.Context, username, password string) (string, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return "", &ValidationError{Field: "username", Message: "Username is required."}
	}
	if password == "" {
		return "", &ValidationError{Field: "password", Message: "Password is required."}
	}

	resp, err := g.auth.Login(ctx, username, password)
	if err != nil {
		g.logger.Info("Login failed", zap.String("username", username), zap.Error(err))
		return "", err
	}

	info, err := DecodeToken(resp.AccessToken)
	if err != nil || info.Expired(g.now()) {
		g.logger.Warn("Login returned unusable token", zap.String("username", username), zap.Error(err))
		return "", ErrUnusableToken
	}

	identity := g.lookupIdentity(ctx, resp.AccessToken, info)

	g.mu.Lock()
	defer g.mu.Unlock()

	rec := &storage.Record{
		Token:    resp.AccessToken,
		Identity: &identity,
		SavedAt:  g.now(),
	}
	if err := g.store.Save(ctx, g.key, rec); err != nil {
		return "", fmt.Errorf("failed to persist session: %w", err)
	}

	g.token = resp.AccessToken
	g.expiry = info.ExpiresAt
	g.identity = identity
	g.state = Authenticated

	destination := PathChat
	if next, ok := ResolveReturnPath(g.returnPath); ok {
		destination = next
	}
	g.returnPath = ""

	g.logger.Info("Signed in",
		zap.String("username", identity.Username),
		zap.String("destination", destination))
	return destination, nil
}

// lookupIdentity prefers the profile endpoint, then the token subject, then
// a placeholder. A failing profile call never fails the login.
func (g *Guard) lookupIdentity(ctx context.Context, token string, info TokenInfo) models.Identity {
	profile, err := g.auth.Profile(ctx, token)
	if err == nil && profile.Username != "" {
		role := profile.Role
		if role == "" {
			role = models.PlaceholderIdentity().Role
		}
		return models.Identity{Username: profile.Username, Role: role}
	}
	if err != nil {
		g.logger.Debug("Profile lookup failed", zap.Error(err))
	}

	identity := models.PlaceholderIdentity()
	if info.Subject != "" {
		identity.Username = info.Subject
	}
	return identity
}

// Register creates the account and signs in with the same credentials.
func (g *Guard) Register(ctx context.Context, in RegisterInput) (string, error) {
	username := strings.TrimSpace(in.Username)
	switch {
	case username == "":
		return "", &ValidationError{Field: "username", Message: "Username is required."}
	case in.Password == "":
		return "", &ValidationError{Field: "password", Message: "Password is required."}
	case in.Password != in.ConfirmPassword:
		return "", &ValidationError{Field: "confirm_password", Message: "Passwords do not match."}
	}

	resp, err := g.auth.Register(ctx, backend.RegisterRequest{
		Username:    username,
		Password:    in.Password,
		PhoneNumber: strings.TrimSpace(in.PhoneNumber),
		Role:        strings.TrimSpace(in.Role),
	})
	if err != nil {
		g.logger.Info("Registration failed", zap.String("username", username), zap.Error(err))
		return "", err
	}
	g.logger.Info("Registered", zap.String("username", username), zap.Int64("backend_user_id", resp.UserID))

	return g.Login(ctx, username, in.Password)
}

// Logout clears the session. It needs no network and always succeeds.
func (g *Guard) Logout(ctx context.Context) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.clearLocked(ctx)
	g.returnPath = ""
	g.logger.Info("Signed out")
}

// Token returns the bearer token for an outgoing request. A token past its
// expiry is cleared instead of returned.
func (g *Guard) Token() (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.token == "" {
		return "", false
	}
	if !g.expiry.IsZero() && !g.now().Before(g.expiry) {
		g.clearLocked(context.Background())
		g.state = Expired
		return "", false
	}
	return g.token, true
}

// Reject records that the backend refused token. Rejections of a token that
// has since been replaced are ignored.
func (g *Guard) Reject(token string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.token == "" || g.token != token {
		return
	}
	g.clearLocked(context.Background())
	g.state = Expired
	g.logger.Info("Session rejected by backend")
}

// Sync re-reads the shared store after a change notification. It reports
// whether this guard lost its session because the record was cleared
// elsewhere.
func (g *Guard) Sync(ctx context.Context) (bool, error) {
	rec, err := g.store.Load(ctx, g.key)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return false, fmt.Errorf("failed to sync session: %w", err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if rec == nil {
		if g.token == "" {
			return false, nil
		}
		g.resetLocked()
		g.logger.Info("Session cleared by another client")
		return true, nil
	}
	if rec.Token != g.token {
		g.adopt(rec)
		g.logger.Info("Session replaced by another client")
	}
	return false, nil
}

func (g *Guard) resetLocked() {
	g.token = ""
	g.expiry = time.Time{}
	g.identity = models.Identity{}
	g.state = Unauthenticated
}

// clearLocked resets the in-memory session and removes the durable record.
func (g *Guard) clearLocked(ctx context.Context) {
	g.resetLocked()
	if err := g.store.Delete(ctx, g.key); err != nil {
		g.logger.Error("Failed to clear stored session", zap.Error(err))
	}
}
