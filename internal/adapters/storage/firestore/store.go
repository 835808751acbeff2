package firestore

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/PabloGalante/parley/internal/domain"
)

type Store struct {
	client *firestore.Client
}

// NewStore creates a Firestore store.
// Uses the project passed (PARLEY_GCP_PROJECT).
func NewStore(ctx context.Context, projectID string) (*Store, error) {
	if projectID == "" {
		return nil, fmt.Errorf("projectID is required for Firestore store")
	}

	client, err := firestore.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("creating firestore client: %w", err)
	}

	return &Store{client: client}, nil
}

func (s *Store) Close() error {
	return s.client.Close()
}

// ─────────────────────────────────────────
// Helpers
// ─────────────────────────────────────────

func (s *Store) sessionsCol() *firestore.CollectionRef {
	return s.client.Collection("sessions")
}

func (s *Store) sessionDoc(id domain.SessionID) *firestore.DocumentRef {
	return s.sessionsCol().Doc(string(id))
}

func (s *Store) messagesCol(sessionID domain.SessionID) *firestore.CollectionRef {
	return s.sessionDoc(sessionID).Collection("messages")
}

func (s *Store) messageDoc(sessionID domain.SessionID, msgID domain.MessageID) *firestore.DocumentRef {
	return s.messagesCol(sessionID).Doc(string(msgID))
}

// ─────────────────────────────────────────
// Firestore Types
// ─────────────────────────────────────────

type sessionDoc struct {
	UserID         string    `firestore:"user_id"`
	Status         string    `firestore:"status"`
	Title          string    `firestore:"title"`
	CreatedAt      time.Time `firestore:"created_at"`
	LastActivityAt time.Time `firestore:"last_activity_at"`
	MessageCount   int       `firestore:"message_count"`
	PromptTokens   int       `firestore:"prompt_tokens"`
	ReplyTokens    int       `firestore:"reply_tokens"`
	ContextBudget  int       `firestore:"context_budget"`
}

func (d sessionDoc) toDomain(id domain.SessionID) *domain.Session {
	return &domain.Session{
		ID:             id,
		UserID:         domain.UserID(d.UserID),
		Status:         domain.SessionStatus(d.Status),
		Title:          d.Title,
		CreatedAt:      d.CreatedAt,
		LastActivityAt: d.LastActivityAt,
		MessageCount:   d.MessageCount,
		Usage:          domain.TokenUsage{Prompt: d.PromptTokens, Reply: d.ReplyTokens},
		ContextBudget:  d.ContextBudget,
	}
}

type messageDoc struct {
	SessionID       string    `firestore:"session_id"`
	Author          string    `firestore:"author"`
	Text            string    `firestore:"text"`
	CreatedAt       time.Time `firestore:"created_at"`
	Seq             int64     `firestore:"seq"`
	ClientMessageID string    `firestore:"client_message_id"`
	Tokens          int       `firestore:"tokens"`
}

func (d messageDoc) toDomain(id domain.MessageID) *domain.Message {
	return &domain.Message{
		ID:              id,
		SessionID:       domain.SessionID(d.SessionID),
		Author:          domain.Role(d.Author),
		Text:            d.Text,
		CreatedAt:       d.CreatedAt,
		Seq:             d.Seq,
		ClientMessageID: d.ClientMessageID,
		Tokens:          d.Tokens,
	}
}

// ─────────────────────────────────────────
// SessionStore implementation
// ─────────────────────────────────────────

func (s *Store) CreateSession(session *domain.Session) error {
	ctx := context.Background()

	doc := sessionDoc{
		UserID:         string(session.UserID),
		Status:         string(session.Status),
		Title:          session.Title,
		CreatedAt:      session.CreatedAt,
		LastActivityAt: session.LastActivityAt,
		MessageCount:   session.MessageCount,
		PromptTokens:   session.Usage.Prompt,
		ReplyTokens:    session.Usage.Reply,
		ContextBudget:  session.ContextBudget,
	}

	_, err := s.sessionDoc(session.ID).Create(ctx, doc)
	if err != nil {
		return fmt.Errorf("firestore CreateSession: %w", err)
	}
	return nil
}

func (s *Store) UpdateSession(session *domain.Session) error {
	ctx := context.Background()

	doc := map[string]interface{}{
		"status":           string(session.Status),
		"title":            session.Title,
		"last_activity_at": session.LastActivityAt,
		"message_count":    session.MessageCount,
		"prompt_tokens":    session.Usage.Prompt,
		"reply_tokens":     session.Usage.Reply,
		"context_budget":   session.ContextBudget,
	}

	_, err := s.sessionDoc(session.ID).Set(ctx, doc, firestore.MergeAll)
	if err != nil {
		return fmt.Errorf("firestore UpdateSession: %w", err)
	}
	return nil
}

func (s *Store) GetSession(id domain.SessionID) (*domain.Session, error) {
	ctx := context.Background()

	snap, err := s.sessionDoc(id).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, domain.ErrSessionNotFound
		}
		return nil, fmt.Errorf("firestore GetSession: %w", err)
	}

	var doc sessionDoc
	if err := snap.DataTo(&doc); err != nil {
		return nil, fmt.Errorf("firestore GetSession decode: %w", err)
	}
	return doc.toDomain(id), nil
}

func (s *Store) ListSessionsByUser(userID domain.UserID, limit int) ([]*domain.Session, error) {
	ctx := context.Background()

	q := s.sessionsCol().Where("user_id", "==", string(userID)).OrderBy("created_at", firestore.Desc)
	if limit > 0 {
		q = q.Limit(limit)
	}

	iter := q.Documents(ctx)
	defer iter.Stop()

	var out []*domain.Session
	for {
		snap, err := iter.Next()
		if err != nil {
			if err == iterator.Done {
				break
			}
			return nil, fmt.Errorf("firestore ListSessionsByUser: %w", err)
		}

		var doc sessionDoc
		if err := snap.DataTo(&doc); err != nil {
			return nil, fmt.Errorf("decode sessionDoc: %w", err)
		}
		out = append(out, doc.toDomain(domain.SessionID(snap.Ref.ID)))
	}
	return out, nil
}

// ─────────────────────────────────────────
// MessageStore implementation
// ─────────────────────────────────────────

func (s *Store) AppendMessage(msg *domain.Message) error {
	ctx := context.Background()

	doc := messageDoc{
		SessionID:       string(msg.SessionID),
		Author:          string(msg.Author),
		Text:            msg.Text,
		CreatedAt:       msg.CreatedAt,
		Seq:             msg.Seq,
		ClientMessageID: msg.ClientMessageID,
		Tokens:          msg.Tokens,
	}

	_, err := s.messageDoc(msg.SessionID, msg.ID).Set(ctx, doc)
	if err != nil {
		return fmt.Errorf("firestore AppendMessage: %w", err)
	}
	return nil
}

// GetMessagesBySession returns the most recent limit messages in
// ascending seq order, or everything when limit is zero.
func (s *Store) GetMessagesBySession(sessionID domain.SessionID, limit int) ([]*domain.Message, error) {
	ctx := context.Background()

	q := s.messagesCol(sessionID).OrderBy("seq", firestore.Asc)
	if limit > 0 {
		// grab the tail, then restore ascending order below
		q = s.messagesCol(sessionID).OrderBy("seq", firestore.Desc).Limit(limit)
	}

	out, err := s.collectMessages(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("firestore GetMessagesBySession: %w", err)
	}
	if limit > 0 {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	return out, nil
}

func (s *Store) ListMessagesSince(sessionID domain.SessionID, afterSeq int64, limit int) ([]*domain.Message, error) {
	ctx := context.Background()

	q := s.messagesCol(sessionID).Where("seq", ">", afterSeq).OrderBy("seq", firestore.Asc)
	if limit > 0 {
		q = q.Limit(limit)
	}

	out, err := s.collectMessages(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("firestore ListMessagesSince: %w", err)
	}
	return out, nil
}

func (s *Store) collectMessages(ctx context.Context, q firestore.Query) ([]*domain.Message, error) {
	iter := q.Documents(ctx)
	defer iter.Stop()

	var out []*domain.Message
	for {
		snap, err := iter.Next()
		if err != nil {
			if err == iterator.Done {
				break
			}
			return nil, err
		}

		var doc messageDoc
		if err := snap.DataTo(&doc); err != nil {
			return nil, fmt.Errorf("decode messageDoc: %w", err)
		}
		out = append(out, doc.toDomain(domain.MessageID(snap.Ref.ID)))
	}
	return out, nil
}
