package models

import "time"

type Author string

const (
	AuthorUser      Author = "user"
	AuthorAssistant Author = "assistant"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
)

// Terminal reports whether a message in this status is never revisited.
func (s Status) Terminal() bool {
	return s == StatusSent || s == StatusDelivered
}

// Identity is the minimal descriptor of the signed-in user
type Identity struct {
	Username string `json:"username"`
	Role     string `json:"role"`
}

// PlaceholderIdentity is used when only the presence of a token is known.
func PlaceholderIdentity() Identity {
	return Identity{Username: "user", Role: "user"}
}

// Thread represents a conversation identified by an opaque id
type Thread struct {
	ID             string    `json:"id"`
	Title          string    `json:"title"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

// Message represents a single entry of a thread's log
type Message struct {
	ID        string    `json:"id"`
	ThreadID  string    `json:"thread_id"`
	Author    Author    `json:"author"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
	Status    Status    `json:"status"`
	Error     string    `json:"error,omitempty"`

	// ReplyTo links an assistant reply to the user message that produced it.
	ReplyTo string `json:"reply_to,omitempty"`
	QueryID int64  `json:"query_id,omitempty"`
}
