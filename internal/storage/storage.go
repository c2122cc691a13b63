package storage

import (
	"context"
	"errors"
	"regexp"
	"time"

	"github.com/xaenox/querychat/internal/models"
)

var (
	ErrNotFound   = errors.New("record not found")
	ErrInvalidKey = errors.New("invalid profile key")
)

// Record is the durable client-side state of one profile: the bearer token
// and an optional cached identity.
type Record struct {
	Token    string           `json:"token"`
	Identity *models.Identity `json:"identity,omitempty"`
	SavedAt  time.Time        `json:"saved_at"`
}

// Storage persists one Record per profile key. Load returns ErrNotFound
// when nothing is stored for the key.
type Storage interface {
	Load(ctx context.Context, key string) (*Record, error)
	Save(ctx context.Context, key string, rec *Record) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// Change is emitted when a profile record is modified outside the caller,
// e.g. by another process sharing the same store.
type Change struct {
	Key     string
	Removed bool
}

var keyPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

func validateKey(key string) error {
	if !keyPattern.MatchString(key) {
		return ErrInvalidKey
	}
	return nil
}
