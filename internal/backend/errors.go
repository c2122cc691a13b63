package backend

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

var (
	// ErrInvalidCredentials is a 401 from the token endpoint.
	ErrInvalidCredentials = errors.New("invalid username or password")

	// ErrUnauthorized is a 401 from any authenticated call: the bearer token
	// expired or was revoked.
	ErrUnauthorized = errors.New("authentication rejected")

	// ErrBadRequest is a 4xx other than 401.
	ErrBadRequest = errors.New("request rejected")

	// ErrUnavailable covers connectivity loss, timeouts and 5xx answers.
	ErrUnavailable = errors.New("backend unavailable")
)

// Error describes a failed backend call. Kind is one of the sentinel errors
// above; Err is the underlying transport or decoding error, if any.
type Error struct {
	Op     string
	Status int
	Detail string
	Kind   error
	Err    error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %v", e.Op, e.Kind)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (HTTP %d)", e.Status)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func statusError(op string, status int, detail string, loginCall bool) *Error {
	e := &Error{Op: op, Status: status, Detail: detail}
	switch {
	case status == http.StatusUnauthorized && loginCall:
		e.Kind = ErrInvalidCredentials
	case status == http.StatusUnauthorized:
		e.Kind = ErrUnauthorized
	case status >= 500:
		e.Kind = ErrUnavailable
	default:
		e.Kind = ErrBadRequest
	}
	return e
}

// IsTimeout reports whether err comes from a call that ran out of time.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// Reason turns any backend error into a sentence that can be shown to the
// user. Transport details are never included.
func Reason(err error) string {
	if err == nil {
		return ""
	}

	var apiErr *Error
	hasAPIErr := errors.As(err, &apiErr)

	switch {
	case errors.Is(err, ErrInvalidCredentials):
		return "Invalid username or password."
	case errors.Is(err, ErrUnauthorized):
		return "Your session has expired. Please sign in again."
	case errors.Is(err, ErrBadRequest):
		if hasAPIErr && apiErr.Detail != "" {
			return apiErr.Detail
		}
		return "The request was rejected by the server."
	case IsTimeout(err):
		return "The server took too long to respond. Please try again."
	case errors.Is(err, ErrUnavailable):
		if hasAPIErr && apiErr.Status >= 500 {
			return "The server could not answer right now. Please try again."
		}
		return "Could not reach the server. Check your connection and try again."
	default:
		return "Something went wrong. Please try again."
	}
}
