package session

import (
	"errors"

	"github.com/xaenox/querychat/internal/backend"
)

// ValidationError is raised before any network call for input that can
// never succeed. Field names the offending form field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

var ErrUnusableToken = errors.New("server returned an unusable token")

// ErrorReason returns the user-facing sentence for an error returned by Guard.
func ErrorReason(err error) string {
	var verr *ValidationError
	if errors.As(err, &verr) {
		return verr.Message
	}
	if errors.Is(err, ErrUnusableToken) {
		return "The server returned an invalid session. Please try again."
	}
	return backend.Reason(err)
}

// ReasonText describes why a session ended.
func ReasonText(r Reason) string {
	switch r {
	case ReasonExpired:
		return "Your session has expired. Please sign in again."
	case ReasonInvalidToken:
		return "Your session could not be verified. Please sign in again."
	default:
		return "Please sign in to continue."
	}
}
