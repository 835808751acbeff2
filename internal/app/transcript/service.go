// Package transcript reads the recorded side of conversations: history
// for the REST surface and catch-up replay for reconnecting sockets.
package transcript

import (
	"context"
	"fmt"

	"github.com/PabloGalante/parley/internal/domain"
)

const defaultHistoryLimit = 50

// Service exposes read access to persisted sessions and messages.
type Service struct {
	sessions domain.SessionStore
	messages domain.MessageStore
}

// NewService creates a transcript service over the two stores.
func NewService(sessions domain.SessionStore, messages domain.MessageStore) *Service {
	return &Service{
		sessions: sessions,
		messages: messages,
	}
}

// Session returns the stored session record.
func (s *Service) Session(ctx context.Context, id domain.SessionID) (*domain.Session, error) {
	sess, err := s.sessions.GetSession(id)
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// History returns the last `limit` messages of a session in ascending
// order. If limit <= 0, a reasonable default value is used.
func (s *Service) History(
	ctx context.Context,
	sessionID domain.SessionID,
	limit int,
) ([]*domain.Message, error) {

	if _, err := s.sessions.GetSession(sessionID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	msgs, err := s.messages.GetMessagesBySession(sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("load history for session %s: %w", sessionID, err)
	}
	return msgs, nil
}

// Since returns the messages a reconnecting client missed: everything
// recorded after the given durable sequence, oldest first, capped at
// `limit` so a long-dead client cannot ask for the whole transcript in
// one burst.
func (s *Service) Since(
	ctx context.Context,
	sessionID domain.SessionID,
	afterSeq int64,
	limit int,
) ([]*domain.Message, error) {

	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	msgs, err := s.messages.ListMessagesSince(sessionID, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("replay session %s after seq %d: %w", sessionID, afterSeq, err)
	}
	return msgs, nil
}
