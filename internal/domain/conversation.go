package domain

// Message represents any message in a session timeline (user or assistant).
type Message struct {
	ID        MessageID
	SessionID SessionID
	Author    Role
	Text      string
	CreatedAt Timestamp

	// Seq is the per-session position assigned when the message is
	// accepted. It is the cursor clients use to resync after a reconnect.
	Seq int64

	// ClientMessageID is the sender-assigned idempotency key. Present on
	// user messages; responses echo the id of the message they answer.
	ClientMessageID string

	// Tokens is the estimated token cost of Text.
	Tokens int
}

// Session represents one dialogue between a user and the assistant
// (could stay open for days).
type Session struct {
	ID        SessionID
	UserID    UserID
	Status    SessionStatus
	Title     string
	CreatedAt Timestamp

	// LastActivityAt moves on every accepted message; the expiry sweep
	// compares it against the idle TTL.
	LastActivityAt Timestamp

	MessageCount int
	Usage        TokenUsage

	// ContextBudget caps the tokens retained in the in-session context
	// window. Zero means the server default applies.
	ContextBudget int
}

// TokenUsage accumulates the token cost of a session.
type TokenUsage struct {
	Prompt int
	Reply  int
}

func (u TokenUsage) Total() int { return u.Prompt + u.Reply }

// EstimateTokens approximates the token cost of a text. Good enough for
// window trimming and usage accounting; the responder may report exact
// counts later.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + 3) / 4
}
