package transcript_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/PabloGalante/parley/internal/adapters/storage/memory"
	"github.com/PabloGalante/parley/internal/app/transcript"
	"github.com/PabloGalante/parley/internal/domain"
)

func seedSession(t *testing.T, sessions *memory.SessionStore, messages *memory.MessageStore, count int) domain.SessionID {
	t.Helper()
	id := domain.SessionID("sess-1")
	err := sessions.CreateSession(&domain.Session{
		ID:        id,
		UserID:    "user-1",
		Status:    domain.SessionActive,
		CreatedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	for i := 1; i <= count; i++ {
		author := domain.RoleUser
		if i%2 == 0 {
			author = domain.RoleAssistant
		}
		err := messages.AppendMessage(&domain.Message{
			ID:        domain.MessageID(fmt.Sprintf("msg-%d", i)),
			SessionID: id,
			Author:    author,
			Text:      fmt.Sprintf("message %d", i),
			Seq:       int64(i),
			CreatedAt: time.Now(),
		})
		if err != nil {
			t.Fatalf("append message %d: %v", i, err)
		}
	}
	return id
}

func TestHistoryReturnsAscendingTail(t *testing.T) {
	sessions := memory.NewSessionStore()
	messages := memory.NewMessageStore()
	id := seedSession(t, sessions, messages, 5)

	svc := transcript.NewService(sessions, messages)
	got, err := svc.History(context.Background(), id, 3)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	for i, want := range []int64{3, 4, 5} {
		if got[i].Seq != want {
			t.Fatalf("position %d has seq %d, want %d", i, got[i].Seq, want)
		}
	}
}

func TestHistoryRejectsUnknownSession(t *testing.T) {
	svc := transcript.NewService(memory.NewSessionStore(), memory.NewMessageStore())
	_, err := svc.History(context.Background(), "ghost", 10)
	if !errors.Is(err, domain.ErrSessionNotFound) {
		t.Fatalf("error = %v, want ErrSessionNotFound", err)
	}
}

func TestSinceReplaysOnlyMissedMessages(t *testing.T) {
	sessions := memory.NewSessionStore()
	messages := memory.NewMessageStore()
	id := seedSession(t, sessions, messages, 5)

	svc := transcript.NewService(sessions, messages)
	got, err := svc.Since(context.Background(), id, 2, 0)
	if err != nil {
		t.Fatalf("Since: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d, want the 3 messages after seq 2", len(got))
	}
	for i, want := range []int64{3, 4, 5} {
		if got[i].Seq != want {
			t.Fatalf("position %d has seq %d, want %d", i, got[i].Seq, want)
		}
	}

	caught, err := svc.Since(context.Background(), id, 5, 0)
	if err != nil {
		t.Fatalf("Since at head: %v", err)
	}
	if len(caught) != 0 {
		t.Fatalf("client at the head got %d messages, want none", len(caught))
	}
}
