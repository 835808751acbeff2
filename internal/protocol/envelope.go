// Package protocol defines the wire schema shared by the client and the
// server: one JSON envelope shape for every frame, discriminated by type.
package protocol

import "time"

// Type discriminates wire envelopes.
type Type string

const (
	TypeUserMessage  Type = "user_message"
	TypeAIResponse   Type = "ai_response"
	TypeStreamStart  Type = "stream_start"
	TypeStreamChunk  Type = "stream_chunk"
	TypeStreamEnd    Type = "stream_end"
	TypeCancelStream Type = "cancel_stream"
	TypeHeartbeat    Type = "heartbeat"
	TypeAck          Type = "ack"
	TypeError        Type = "error"
	TypeSystem       Type = "system"
)

// Envelope is the single frame exchanged over a session socket. Optional
// fields are omitted when empty; which fields are required per type is
// enforced by Validate.
type Envelope struct {
	Type      Type   `json:"type"`
	SessionID string `json:"sessionId"`

	// Seq is a per-connection counter assigned by whichever side writes
	// the frame. It resets on reconnect; the durable per-session cursor
	// travels in message metadata instead.
	Seq int64 `json:"sequence"`

	// ClientMessageID is the sender-assigned id of a user message or
	// heartbeat. Every response, ack or error produced for a user message
	// carries that message's original id; the server never substitutes
	// its own identifier as the correlation key.
	ClientMessageID string `json:"clientMessageId,omitempty"`
	ServerMessageID string `json:"serverMessageId,omitempty"`

	// CorrelationID links stream frames to their stream_start, and echo
	// frames (heartbeat acks) to the frame they answer.
	CorrelationID string `json:"correlationId,omitempty"`

	// Timestamp is unix milliseconds at send time.
	Timestamp int64 `json:"timestamp"`

	Content string            `json:"content,omitempty"`
	Meta    map[string]string `json:"metadata,omitempty"`

	// ChunkIndex is 1-based so that the zero value means "not set".
	// Receivers treat gaps as a warning, not an error.
	ChunkIndex int `json:"chunkIndex,omitempty"`
	ChunkTotal int `json:"chunkTotal,omitempty"`

	Error *ErrorBody `json:"error,omitempty"`
}

// ErrorBody is the payload of an error envelope.
type ErrorBody struct {
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
}

// Error kinds carried on the wire.
const (
	ErrKindQuota      = "quota-exceeded"
	ErrKindOverloaded = "overloaded"
	ErrKindResponder  = "responder"
	ErrKindProtocol   = "protocol"
	ErrKindSession    = "session-ended"
	ErrKindAuth       = "unauthorized"
	ErrKindInternal   = "internal"
)

// Metadata keys understood by both sides.
const (
	MetaEvent    = "event"     // system envelope discriminator
	MetaRequest  = "request"   // client-initiated system request
	MetaAfterSeq = "after_seq" // sync cursor
	MetaStatus   = "status"
	MetaMsgCount = "message_count"
	MetaLastSeq  = "last_seq"
	MetaSeq      = "seq"    // durable per-session position of a message
	MetaAuthor   = "author" // role of a replayed message
	MetaReason   = "reason"
)

// System events and requests.
const (
	EventHello   = "hello"
	EventExpired = "expired"
	EventEnded   = "ended"
	RequestSync  = "sync"
)

// UnixMS converts a time to the wire timestamp representation.
func UnixMS(t time.Time) int64 { return t.UnixMilli() }

// Time converts the wire timestamp back.
func (e *Envelope) Time() time.Time { return time.UnixMilli(e.Timestamp) }
