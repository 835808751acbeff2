package domain

import "time"

type SessionID string
type UserID string
type MessageID string
type ClientID string

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

type SessionStatus string

const (
	SessionActive  SessionStatus = "active"  // accepting messages
	SessionEnded   SessionStatus = "ended"   // closed deliberately
	SessionExpired SessionStatus = "expired" // reaped after idle timeout
)

type Timestamp = time.Time
