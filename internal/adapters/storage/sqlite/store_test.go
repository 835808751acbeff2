package sqlite_test

import (
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/PabloGalante/parley/internal/adapters/storage/sqlite"
	"github.com/PabloGalante/parley/internal/domain"
)

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	dir := t.TempDir()
	s, err := sqlite.NewStore(filepath.Join(dir, "parley.db"))
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seedSession(t *testing.T, s *sqlite.Store, id, user string, createdAt time.Time) *domain.Session {
	t.Helper()
	sess := &domain.Session{
		ID:             domain.SessionID(id),
		UserID:         domain.UserID(user),
		Status:         domain.SessionActive,
		Title:          "untitled",
		CreatedAt:      createdAt,
		LastActivityAt: createdAt,
	}
	if err := s.CreateSession(sess); err != nil {
		t.Fatalf("create session: %v", err)
	}
	return sess
}

func TestSessionRoundTrip(t *testing.T) {
	s := newTestStore(t)
	created := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	seedSession(t, s, "s1", "u1", created)

	got, err := s.GetSession("s1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got.UserID != "u1" || got.Status != domain.SessionActive {
		t.Errorf("unexpected session %+v", got)
	}
	if !got.CreatedAt.Equal(created) {
		t.Errorf("created_at drifted: want %v, got %v", created, got.CreatedAt)
	}

	got.Status = domain.SessionEnded
	got.MessageCount = 7
	got.Usage = domain.TokenUsage{Prompt: 120, Reply: 340}
	got.LastActivityAt = created.Add(time.Hour)
	if err := s.UpdateSession(got); err != nil {
		t.Fatalf("update session: %v", err)
	}

	again, err := s.GetSession("s1")
	if err != nil {
		t.Fatalf("get after update: %v", err)
	}
	if again.Status != domain.SessionEnded || again.MessageCount != 7 {
		t.Errorf("update not persisted: %+v", again)
	}
	if again.Usage.Total() != 460 {
		t.Errorf("expected usage total 460, got %d", again.Usage.Total())
	}
}

func TestUnknownSessionReturnsNotFound(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.GetSession("ghost"); !errors.Is(err, domain.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
	err := s.UpdateSession(&domain.Session{ID: "ghost", Status: domain.SessionEnded})
	if !errors.Is(err, domain.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound on update, got %v", err)
	}
}

func TestListSessionsByUserNewestFirst(t *testing.T) {
	s := newTestStore(t)
	base := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	seedSession(t, s, "s1", "u1", base)
	seedSession(t, s, "s2", "u1", base.Add(time.Minute))
	seedSession(t, s, "s3", "u2", base.Add(2*time.Minute))

	got, err := s.ListSessionsByUser("u1", 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 || got[0].ID != "s2" || got[1].ID != "s1" {
		t.Fatalf("expected [s2 s1], got %+v", got)
	}

	capped, err := s.ListSessionsByUser("u1", 1)
	if err != nil {
		t.Fatalf("list with limit: %v", err)
	}
	if len(capped) != 1 || capped[0].ID != "s2" {
		t.Fatalf("expected just s2, got %+v", capped)
	}
}

func seedMessages(t *testing.T, s *sqlite.Store, sessionID string, n int) {
	t.Helper()
	base := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	for i := 1; i <= n; i++ {
		author := domain.RoleUser
		if i%2 == 0 {
			author = domain.RoleAssistant
		}
		err := s.AppendMessage(&domain.Message{
			ID:        domain.MessageID(fmt.Sprintf("m%d", i)),
			SessionID: domain.SessionID(sessionID),
			Author:    author,
			Text:      fmt.Sprintf("message %d", i),
			CreatedAt: base.Add(time.Duration(i) * time.Second),
			Seq:       int64(i),
		})
		if err != nil {
			t.Fatalf("append message %d: %v", i, err)
		}
	}
}

func TestMessageTailStaysAscending(t *testing.T) {
	s := newTestStore(t)
	seedSession(t, s, "s1", "u1", time.Now())
	seedMessages(t, s, "s1", 5)

	tail, err := s.GetMessagesBySession("s1", 2)
	if err != nil {
		t.Fatalf("get tail: %v", err)
	}
	if len(tail) != 2 || tail[0].Seq != 4 || tail[1].Seq != 5 {
		t.Fatalf("expected seqs [4 5], got %+v", tail)
	}

	all, err := s.GetMessagesBySession("s1", 0)
	if err != nil {
		t.Fatalf("get all: %v", err)
	}
	if len(all) != 5 || all[0].Seq != 1 || all[4].Seq != 5 {
		t.Fatalf("expected all 5 ascending, got %d messages", len(all))
	}
}

func TestListMessagesSinceCursor(t *testing.T) {
	s := newTestStore(t)
	seedSession(t, s, "s1", "u1", time.Now())
	seedMessages(t, s, "s1", 5)

	missed, err := s.ListMessagesSince("s1", 2, 0)
	if err != nil {
		t.Fatalf("since: %v", err)
	}
	if len(missed) != 3 || missed[0].Seq != 3 || missed[2].Seq != 5 {
		t.Fatalf("expected seqs [3 4 5], got %+v", missed)
	}

	capped, err := s.ListMessagesSince("s1", 2, 2)
	if err != nil {
		t.Fatalf("since with limit: %v", err)
	}
	if len(capped) != 2 || capped[1].Seq != 4 {
		t.Fatalf("expected seqs [3 4], got %+v", capped)
	}

	none, err := s.ListMessagesSince("s1", 5, 0)
	if err != nil {
		t.Fatalf("since tip: %v", err)
	}
	if len(none) != 0 {
		t.Fatalf("expected no messages past the tip, got %d", len(none))
	}
}

func TestReopenKeepsData(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "parley.db")

	s, err := sqlite.NewStore(path)
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	seedSession(t, s, "s1", "u1", time.Now())
	seedMessages(t, s, "s1", 3)
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := sqlite.NewStore(path)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer reopened.Close()

	msgs, err := reopened.GetMessagesBySession("s1", 0)
	if err != nil {
		t.Fatalf("get after reopen: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages after reopen, got %d", len(msgs))
	}
}
