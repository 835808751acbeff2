package domain

import (
	"errors"
	"fmt"
)

var (
	ErrSessionNotFound  = errors.New("session not found")
	ErrSessionEnded     = errors.New("session ended")
	ErrNotConnected     = errors.New("not connected")
	ErrOverloaded       = errors.New("session inbox full")
	ErrRetriesExhausted = errors.New("delivery retries exhausted")
	ErrUnauthorized     = errors.New("unauthorized")
)

// ConnectionError wraps a transport-level failure. The lifecycle manager
// retries these under the backoff policy.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string { return fmt.Sprintf("connection %s: %v", e.Op, e.Err) }
func (e *ConnectionError) Unwrap() error { return e.Err }

// MessageTimeoutError reports that no response correlated to a client
// message id arrived in time. Recoverable: a late response may still
// match and clear it.
type MessageTimeoutError struct {
	ClientMessageID string
}

func (e *MessageTimeoutError) Error() string {
	return fmt.Sprintf("no response for message %s within timeout", e.ClientMessageID)
}

// QuotaExceededError is returned by a quota port denial.
type QuotaExceededError struct {
	SessionID SessionID
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("quota exceeded for session %s", e.SessionID)
}

// ResponderError reports an upstream failure while producing a reply for
// one message. The session stays usable.
type ResponderError struct {
	ClientMessageID string
	Err             error
}

func (e *ResponderError) Error() string {
	return fmt.Sprintf("responder failed for message %s: %v", e.ClientMessageID, e.Err)
}
func (e *ResponderError) Unwrap() error { return e.Err }
