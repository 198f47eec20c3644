package outbound

import (
	"fmt"
	"time"
)

// Error is a send rejection carrying the HTTP status the API layer
// should answer with. Send is called from three places (the emails API,
// the QStash receiver, the scheduler), so the status rides on the error
// instead of being chosen at each call site.
type Error struct {
	Status  int
	Message string

	// RetryAfter is set on rate-limit rejections.
	RetryAfter time.Duration
	// Suppressed lists the recipients that blocked the send.
	Suppressed []string
	// Cause is the underlying failure when Message is a sanitized
	// API-facing summary.
	Cause error
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func reject(status int, format string, args ...interface{}) *Error {
	return &Error{Status: status, Message: fmt.Sprintf(format, args...)}
}
