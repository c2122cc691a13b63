package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

const (
	DefaultTimeout   = 30 * time.Second
	DefaultMaxTokens = 1024

	DefaultTemperature = 0.7

	// maxResponseSize bounds how much of a response body is read.
	maxResponseSize = 1 << 20
)

// DefaultModel is the model requested when none is configured.
const DefaultModel = openai.GPT3Dot5Turbo

var knownModels = map[string]bool{
	openai.GPT3Dot5Turbo: true,
	openai.GPT4:          true,
	openai.GPT4Turbo:     true,
	openai.GPT4o:         true,
	openai.GPT4oMini:     true,
}

// KnownModel reports whether model is one the backend is documented to
// accept. Unknown models are still sent; callers may warn about them.
func KnownModel(model string) bool {
	return knownModels[model]
}

// QueryOptions are the optional model parameters of a query. A nil
// Temperature means unset; zero is a valid, deterministic setting.
type QueryOptions struct {
	Model       string   `json:"model"`
	MaxTokens   int      `json:"max_tokens"`
	Temperature *float64 `json:"temperature"`
}

// Temperature returns a pointer for QueryOptions.Temperature.
func Temperature(v float64) *float64 {
	return &v
}

func DefaultQueryOptions() QueryOptions {
	return QueryOptions{
		Model:       DefaultModel,
		MaxTokens:   DefaultMaxTokens,
		Temperature: Temperature(DefaultTemperature),
	}
}

// WithDefaults fills unset fields from DefaultQueryOptions.
func (o QueryOptions) WithDefaults() QueryOptions {
	d := DefaultQueryOptions()
	if o.Model == "" {
		o.Model = d.Model
	}
	if o.MaxTokens <= 0 {
		o.MaxTokens = d.MaxTokens
	}
	if o.Temperature == nil {
		o.Temperature = d.Temperature
	} else {
		o.Temperature = Temperature(*o.Temperature)
	}
	return o
}

func (o QueryOptions) Validate() error {
	if o.MaxTokens < 0 {
		return fmt.Errorf("max_tokens must not be negative, got %d", o.MaxTokens)
	}
	if t := o.Temperature; t != nil && (*t < 0 || *t > 2) {
		return fmt.Errorf("temperature must be within [0, 2], got %g", *t)
	}
	return nil
}

type RegisterRequest struct {
	Username    string `json:"username"`
	Password    string `json:"password"`
	PhoneNumber string `json:"phone_number,omitempty"`
	Role        string `json:"role,omitempty"`
}

type RegisterResponse struct {
	Message string `json:"message"`
	UserID  int64  `json:"userId"`
}

type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

type QueryRequest struct {
	Query       string   `json:"query"`
	ChatID      string   `json:"chat_id"`
	Model       string   `json:"model,omitempty"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
}

type QueryResponse struct {
	Response string `json:"response"`
	Query    string `json:"query"`
	ChatID   string `json:"chat_id"`
	QueryID  int64  `json:"queryId"`
}

type Profile struct {
	UserID      int64  `json:"userId"`
	Username    string `json:"username"`
	Role        string `json:"role"`
	PhoneNumber string `json:"phone_number"`
	MaxFileSize int64  `json:"max_file_size"`
}

// Client speaks the backend's HTTP contract. Every call is bounded by the
// client timeout in addition to the caller's context.
type Client struct {
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
	logger     *zap.Logger
}

func New(baseURL string, timeout time.Duration, logger *zap.Logger) (*Client, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid backend URL %q", baseURL)
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	return &Client{
		baseURL:    strings.TrimSuffix(u.String(), "/"),
		httpClient: &http.Client{},
		timeout:    timeout,
		logger:     logger,
	}, nil
}

func (c *Client) Register(ctx context.Context, in RegisterRequest) (*RegisterResponse, error) {
	body, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("failed to encode register request: %w", err)
	}

	var out RegisterResponse
	if err := c.do(ctx, "register", http.MethodPost, "/register", "", "application/json", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Login exchanges credentials for a bearer token.
func (c *Client) Login(ctx context.Context, username, password string) (*TokenResponse, error) {
	form := url.Values{}
	form.Set("username", username)
	form.Set("password", password)

	var out TokenResponse
	if err := c.do(ctx, "login", http.MethodPost, "/token", "", "application/x-www-form-urlencoded", []byte(form.Encode()), &out); err != nil {
		return nil, err
	}
	if out.AccessToken == "" {
		return nil, &Error{Op: "login", Kind: ErrUnavailable, Err: errors.New("response carried no access token")}
	}
	return &out, nil
}

func (c *Client) Query(ctx context.Context, token string, in QueryRequest) (*QueryResponse, error) {
	body, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("failed to encode query: %w", err)
	}

	var out QueryResponse
	if err := c.do(ctx, "query", http.MethodPost, "/query", token, "application/json", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Profile(ctx context.Context, token string) (*Profile, error) {
	var out Profile
	if err := c.do(ctx, "profile", http.MethodGet, "/profile", token, "", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, op, method, path, token, contentType string, body []byte, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build %s request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("Backend call failed",
			zap.String("op", op),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err))
		return &Error{Op: op, Kind: ErrUnavailable, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return &Error{Op: op, Status: resp.StatusCode, Kind: ErrUnavailable, Err: err}
	}

	c.logger.Debug("Backend call completed",
		zap.String("op", op),
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration", time.Since(start)))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail := errorDetail(data)
		c.logger.Info("Backend rejected call",
			zap.String("op", op),
			zap.Int("status", resp.StatusCode),
			zap.String("detail", detail))
		return statusError(op, resp.StatusCode, detail, op == "login")
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &Error{Op: op, Status: resp.StatusCode, Kind: ErrUnavailable, Err: fmt.Errorf("failed to decode response: %w", err)}
	}
	return nil
}

// errorDetail extracts a human-readable message from an error body shaped
// like {"detail": "..."}, {"error": "..."} or {"message": "..."}.
func errorDetail(data []byte) string {
	var body map[string]json.RawMessage
	if err := json.Unmarshal(data, &body); err != nil {
		return ""
	}
	for _, field := range []string{"detail", "error", "message"} {
		raw, ok := body[field]
		if !ok {
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil && s != "" {
			return s
		}
	}
	return ""
}
