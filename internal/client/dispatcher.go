package client

import (
	"fmt"
	"log/slog"
)

// Response is a completed assistant reply, whether it arrived in one
// envelope or was assembled from a stream.
type Response struct {
	ClientMessageID string
	ServerMessageID string
	Text            string
	Seq             int64
	Late            bool
	Streamed        bool
}

// FailedMessage is a message the client has given up sending. It stays
// listed until Retry requeues it.
type FailedMessage struct {
	ClientMessageID string
	Text            string
	Attempts        int
	LastError       error
}

// ServerError is a correlated error envelope surfaced to the
// application.
type ServerError struct {
	Kind          string
	Message       string
	Retryable     bool
	CorrelationID string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error (%s): %s", e.Kind, e.Message)
}

// Callbacks receives connection and conversation events. Every field
// is optional. Callbacks run on the client's internal goroutines and
// must not block; hand work off to the application's own loop.
type Callbacks struct {
	OnStateChange func(state State)
	OnResponse    func(resp Response)
	OnStreamStart func(s *Stream)
	OnStreamChunk func(s *Stream, text string, index int)
	OnStreamEnd   func(resp Response)
	OnTimeout     func(clientMessageID string)
	OnSendFailed  func(msg FailedMessage)
	OnError       func(err error)
	OnSystem      func(event string, meta map[string]string)
}

// dispatcher guards the optional callbacks so call sites stay terse.
type dispatcher struct {
	cb  Callbacks
	log *slog.Logger
}

func (d *dispatcher) stateChange(s State) {
	if d.cb.OnStateChange != nil {
		d.cb.OnStateChange(s)
	}
}

func (d *dispatcher) response(r Response) {
	if d.cb.OnResponse != nil {
		d.cb.OnResponse(r)
	}
}

func (d *dispatcher) streamStart(s *Stream) {
	if d.cb.OnStreamStart != nil {
		d.cb.OnStreamStart(s)
	}
}

func (d *dispatcher) streamChunk(s *Stream, text string, index int) {
	if d.cb.OnStreamChunk != nil {
		d.cb.OnStreamChunk(s, text, index)
	}
}

func (d *dispatcher) streamEnd(r Response) {
	if d.cb.OnStreamEnd != nil {
		d.cb.OnStreamEnd(r)
	}
}

func (d *dispatcher) timeout(clientMessageID string) {
	if d.cb.OnTimeout != nil {
		d.cb.OnTimeout(clientMessageID)
	}
}

func (d *dispatcher) sendFailed(m FailedMessage) {
	if d.cb.OnSendFailed != nil {
		d.cb.OnSendFailed(m)
	}
}

func (d *dispatcher) failure(err error) {
	if d.cb.OnError != nil {
		d.cb.OnError(err)
	}
}

func (d *dispatcher) system(event string, meta map[string]string) {
	if d.cb.OnSystem != nil {
		d.cb.OnSystem(event, meta)
	}
}
