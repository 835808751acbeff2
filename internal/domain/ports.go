package domain

import "context"

// Responder defines how the core application obtains a reply from an LLM
// service. The core never inspects how the reply is produced.
type Responder interface {
	GenerateReply(ctx context.Context, prompt string, convCtx ConversationContext) (string, error)
}

// StreamingResponder is implemented by responders that can emit a reply
// incrementally. emit is called once per chunk in order; returning an
// error aborts the stream.
type StreamingResponder interface {
	Responder
	StreamReply(ctx context.Context, prompt string, convCtx ConversationContext, emit func(chunk string) error) error
}

// ConversationContext gives the responder minimal context about the
// conversation.
type ConversationContext struct {
	SessionID SessionID
	UserID    UserID
	Title     string
	History   []*Message // trimmed to the session's context budget
}

// SessionStore defines session persistence.
type SessionStore interface {
	CreateSession(session *Session) error
	UpdateSession(session *Session) error
	GetSession(id SessionID) (*Session, error)
	ListSessionsByUser(userID UserID, limit int) ([]*Session, error)
}

// MessageStore defines message persistence.
type MessageStore interface {
	AppendMessage(msg *Message) error
	GetMessagesBySession(sessionID SessionID, limit int) ([]*Message, error)
	// ListMessagesSince returns messages with Seq > afterSeq in ascending
	// order, at most limit (0 means no cap). Reconnecting clients use it
	// to replay what they missed.
	ListMessagesSince(sessionID SessionID, afterSeq int64, limit int) ([]*Message, error)
}

// QuotaService decides whether a session may send one more message and
// records consumption. Policy lives entirely behind this port.
type QuotaService interface {
	Allow(ctx context.Context, sessionID SessionID) error
	Consume(ctx context.Context, sessionID SessionID, units int) error
}

// Authorizer checks the opaque credential presented at connect time.
type Authorizer interface {
	Authorize(ctx context.Context, sessionID SessionID, token string) error
}
