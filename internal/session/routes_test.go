package session

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func signToken(t *testing.T, subject string, expiresAt time.Time) string {
	t.Helper()
	claims := jwt.RegisteredClaims{Subject: subject}
	if !expiresAt.IsZero() {
		claims.ExpiresAt = jwt.NewNumericDate(expiresAt)
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return token
}

func TestEvaluate(t *testing.T) {
	valid := signToken(t, "alice", testNow.Add(time.Hour))
	expired := signToken(t, "alice", testNow.Add(-time.Minute))

	tests := []struct {
		name  string
		path  string
		token string
		want  Decision
	}{
		{
			name: "protected path without token",
			path: "/chat",
			want: Decision{Action: RedirectToLogin, Target: "/login?next=%2Fchat", ReturnPath: "/chat"},
		},
		{
			name: "return path keeps query order",
			path: "/chat?x=1&a=2",
			want: Decision{
				Action:     RedirectToLogin,
				Target:     "/login?next=%2Fchat%3Fx%3D1%26a%3D2",
				ReturnPath: "/chat?x=1&a=2",
			},
		},
		{
			name: "public path without token",
			path: "/login",
			want: Decision{Action: Allow},
		},
		{
			name: "public prefix",
			path: "/static/app.js",
			want: Decision{Action: Allow},
		},
		{
			name:  "protected path with valid token",
			path:  "/chat",
			token: valid,
			want:  Decision{Action: Allow},
		},
		{
			name:  "opaque token is valid",
			path:  "/chat",
			token: "tok123",
			want:  Decision{Action: Allow},
		},
		{
			name:  "expired token",
			path:  "/chat",
			token: expired,
			want: Decision{
				Action:     RedirectToLogin,
				Target:     "/login?next=%2Fchat&reason=expired",
				ReturnPath: "/chat",
				Reason:     ReasonExpired,
			},
		},
		{
			name:  "malformed token",
			path:  "/profile",
			token: "a.b.c",
			want: Decision{
				Action:     RedirectToLogin,
				Target:     "/login?next=%2Fprofile&reason=invalid_token",
				ReturnPath: "/profile",
				Reason:     ReasonInvalidToken,
			},
		},
		{
			name:  "expired token on public path",
			path:  "/login",
			token: expired,
			want:  Decision{Action: Allow, Reason: ReasonExpired},
		},
		{
			name:  "auth form with valid token",
			path:  "/login",
			token: valid,
			want:  Decision{Action: RedirectToHome, Target: PathChat},
		},
		{
			name:  "auth form honours next",
			path:  "/register?next=%2Fchats",
			token: valid,
			want:  Decision{Action: RedirectToHome, Target: "/chats"},
		},
		{
			name:  "auth form ignores foreign next",
			path:  "/login?next=//evil.example",
			token: valid,
			want:  Decision{Action: RedirectToHome, Target: PathChat},
		},
		{
			name: "dot segments cannot reach a public prefix",
			path: "/static/../chat",
			want: Decision{
				Action:     RedirectToLogin,
				Target:     "/login?next=%2Fstatic%2F..%2Fchat",
				ReturnPath: "/static/../chat",
			},
		},
		{
			name: "escaped question mark stays in the path",
			path: "/chat/1%3Fx",
			want: Decision{
				Action:     RedirectToLogin,
				Target:     "/login?next=%2Fchat%2F1%253Fx",
				ReturnPath: "/chat/1%3Fx",
			},
		},
		{
			name: "escaped slash stays one segment",
			path: "/chat/a%2Fb",
			want: Decision{
				Action:     RedirectToLogin,
				Target:     "/login?next=%2Fchat%2Fa%252Fb",
				ReturnPath: "/chat/a%2Fb",
			},
		},
		{
			name: "escaped space",
			path: "/chat/a%20b?q=1",
			want: Decision{
				Action:     RedirectToLogin,
				Target:     "/login?next=%2Fchat%2Fa%2520b%3Fq%3D1",
				ReturnPath: "/chat/a%20b?q=1",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Evaluate(tt.path, tt.token, testNow))
		})
	}
}

func TestResolveReturnPath(t *testing.T) {
	tests := []struct {
		raw  string
		want string
		ok   bool
	}{
		{raw: "/chats", want: "/chats", ok: true},
		{raw: "/chat?x=1", want: "/chat?x=1", ok: true},
		{raw: "/a/../profile", want: "/profile", ok: true},
		{raw: "/chat/1%3Fx", want: "/chat/1%3Fx", ok: true},
		{raw: "/chat/a%2Fb?q=1", want: "/chat/a%2Fb?q=1", ok: true},
		{raw: "/%6Cogin"},
		{raw: ""},
		{raw: "chat"},
		{raw: "//evil.example"},
		{raw: "https://evil.example/chat"},
		{raw: `/\evil.example`},
		{raw: "/login"},
		{raw: "/register?next=/chat"},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, ok := ResolveReturnPath(tt.raw)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestReturnPathIsTheRequestedPath(t *testing.T) {
	for _, p := range []string{"/chat", "/chats?page=2&a=b", "/chat/1%3Fx", "/chat/a%2Fb", "/chat/a%20b", "/profile/"} {
		d := Evaluate(p, "", testNow)
		assert.Equal(t, RedirectToLogin, d.Action, p)
		assert.Equal(t, p, d.ReturnPath)

		next, ok := ResolveReturnPath(d.ReturnPath)
		if p == "/profile/" {
			assert.Equal(t, "/profile", next)
			continue
		}
		assert.True(t, ok, p)
		assert.Equal(t, p, next)
	}
}

func TestIsPublic(t *testing.T) {
	assert.True(t, IsPublic("/login"))
	assert.True(t, IsPublic("/help"))
	assert.True(t, IsPublic("/icons/192.png"))
	assert.False(t, IsPublic("/"))
	assert.False(t, IsPublic("/chat"))
	assert.False(t, IsPublic("/staticfile"))
}
