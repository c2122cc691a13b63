package backend

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := New(srv.URL+"/", time.Second, zaptest.NewLogger(t))
	require.NoError(t, err)
	return c
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func TestNew(t *testing.T) {
	for _, raw := range []string{"", "localhost:8000", "ftp://example.com", "http://"} {
		_, err := New(raw, 0, zaptest.NewLogger(t))
		assert.Error(t, err, raw)
	}

	c, err := New(" https://api.example.com/ ", 0, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, "https://api.example.com", c.baseURL)
	assert.Equal(t, DefaultTimeout, c.timeout)
}

func TestLogin(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/token", r.URL.Path)
		assert.Equal(t, "application/x-www-form-urlencoded", r.Header.Get("Content-Type"))
		assert.NoError(t, r.ParseForm())

		if r.PostForm.Get("username") != "alice" || r.PostForm.Get("password") != "s3cret&more" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Incorrect username or password"})
			return
		}
		writeJSON(w, http.StatusOK, TokenResponse{AccessToken: "tok123", TokenType: "bearer"})
	}))

	resp, err := c.Login(context.Background(), "alice", "s3cret&more")
	require.NoError(t, err)
	assert.Equal(t, "tok123", resp.AccessToken)

	_, err = c.Login(context.Background(), "alice", "wrong")
	require.ErrorIs(t, err, ErrInvalidCredentials)
	assert.NotErrorIs(t, err, ErrUnauthorized)
	assert.Equal(t, "Invalid username or password.", Reason(err))

	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.Status)
	assert.Equal(t, "Incorrect username or password", apiErr.Detail)
}

func TestLoginWithoutToken(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"token_type": "bearer"})
	}))

	_, err := c.Login(context.Background(), "alice", "pw")
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestRegister(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/register", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var in RegisterRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		if in.Username == "taken" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "Username already registered"})
			return
		}
		writeJSON(w, http.StatusOK, RegisterResponse{Message: "User created", UserID: 42})
	}))

	resp, err := c.Register(context.Background(), RegisterRequest{Username: "bob", Password: "pw"})
	require.NoError(t, err)
	assert.Equal(t, int64(42), resp.UserID)

	_, err = c.Register(context.Background(), RegisterRequest{Username: "taken", Password: "pw"})
	require.ErrorIs(t, err, ErrBadRequest)
	assert.Equal(t, "Username already registered", Reason(err))
}

func TestQuery(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/query", r.URL.Path)
		if r.Header.Get("Authorization") != "Bearer tok123" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Could not validate credentials"})
			return
		}

		var in QueryRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		assert.Equal(t, "chat-1", in.ChatID)
		assert.Equal(t, DefaultModel, in.Model)
		writeJSON(w, http.StatusOK, QueryResponse{Response: "42", Query: in.Query, ChatID: in.ChatID, QueryID: 5})
	}))

	opts := DefaultQueryOptions()
	req := QueryRequest{Query: "meaning?", ChatID: "chat-1", Model: opts.Model, MaxTokens: opts.MaxTokens, Temperature: opts.Temperature}

	resp, err := c.Query(context.Background(), "tok123", req)
	require.NoError(t, err)
	assert.Equal(t, "42", resp.Response)
	assert.Equal(t, int64(5), resp.QueryID)

	_, err = c.Query(context.Background(), "expired", req)
	require.ErrorIs(t, err, ErrUnauthorized)
	assert.NotErrorIs(t, err, ErrInvalidCredentials)
	assert.Equal(t, "Your session has expired. Please sign in again.", Reason(err))
}

func TestProfile(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "Bearer tok123", r.Header.Get("Authorization"))
		writeJSON(w, http.StatusOK, Profile{UserID: 1, Username: "alice", Role: "user", MaxFileSize: 1024})
	}))

	p, err := c.Profile(context.Background(), "tok123")
	require.NoError(t, err)
	assert.Equal(t, "alice", p.Username)
	assert.Equal(t, int64(1024), p.MaxFileSize)
}

func TestServerErrors(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/profile":
			w.WriteHeader(http.StatusBadGateway)
		default:
			w.Write([]byte("not json"))
		}
	}))

	_, err := c.Profile(context.Background(), "tok123")
	require.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, "The server could not answer right now. Please try again.", Reason(err))

	_, err = c.Query(context.Background(), "tok123", QueryRequest{Query: "q", ChatID: "c"})
	require.ErrorIs(t, err, ErrUnavailable)
}

func TestTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })

	c, err := New(srv.URL, 50*time.Millisecond, zaptest.NewLogger(t))
	require.NoError(t, err)

	_, err = c.Profile(context.Background(), "tok123")
	require.ErrorIs(t, err, ErrUnavailable)
	assert.True(t, IsTimeout(err))
	assert.Equal(t, "The server took too long to respond. Please try again.", Reason(err))
}

func TestUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c, err := New(url, time.Second, zaptest.NewLogger(t))
	require.NoError(t, err)

	_, err = c.Login(context.Background(), "alice", "pw")
	require.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, "Could not reach the server. Check your connection and try again.", Reason(err))
}

func TestReason(t *testing.T) {
	assert.Empty(t, Reason(nil))
	assert.Equal(t, "The request was rejected by the server.", Reason(statusError("query", http.StatusUnprocessableEntity, "", false)))
	assert.Equal(t, "Something went wrong. Please try again.", Reason(errors.New("boom")))
}

func TestErrorDetail(t *testing.T) {
	assert.Equal(t, "a", errorDetail([]byte(`{"detail":"a"}`)))
	assert.Equal(t, "b", errorDetail([]byte(`{"error":"b"}`)))
	assert.Equal(t, "c", errorDetail([]byte(`{"message":"c"}`)))
	assert.Empty(t, errorDetail([]byte(`{"detail":[{"msg":"x"}]}`)))
	assert.Empty(t, errorDetail([]byte(`oops`)))
}

func TestQueryOptions(t *testing.T) {
	opts := QueryOptions{MaxTokens: 10}.WithDefaults()
	assert.Equal(t, DefaultModel, opts.Model)
	assert.Equal(t, 10, opts.MaxTokens)
	require.NotNil(t, opts.Temperature)
	assert.Equal(t, DefaultTemperature, *opts.Temperature)

	zero := QueryOptions{Temperature: Temperature(0)}
	require.NoError(t, zero.Validate())
	got := zero.WithDefaults()
	require.NotNil(t, got.Temperature)
	assert.Zero(t, *got.Temperature)

	assert.NoError(t, DefaultQueryOptions().Validate())
	assert.Error(t, QueryOptions{Temperature: Temperature(2.5)}.Validate())
	assert.Error(t, QueryOptions{Temperature: Temperature(-0.1)}.Validate())
	assert.Error(t, QueryOptions{MaxTokens: -1}.Validate())

	assert.True(t, KnownModel(DefaultModel))
	assert.False(t, KnownModel("my-local-model"))
}

func TestQueryTemperatureOnTheWire(t *testing.T) {
	bodies := make(chan map[string]json.RawMessage, 2)
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]json.RawMessage
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		bodies <- body
		writeJSON(w, http.StatusOK, QueryResponse{Response: "ok"})
	}))

	_, err := c.Query(context.Background(), "tok123", QueryRequest{Query: "q", ChatID: "c", Temperature: Temperature(0)})
	require.NoError(t, err)
	body := <-bodies
	require.Contains(t, body, "temperature")
	assert.JSONEq(t, "0", string(body["temperature"]))

	_, err = c.Query(context.Background(), "tok123", QueryRequest{Query: "q", ChatID: "c"})
	require.NoError(t, err)
	assert.NotContains(t, <-bodies, "temperature")
}
