package session_test

import (
	"testing"

	"github.com/PabloGalante/parley/internal/app/session"
	"github.com/PabloGalante/parley/internal/domain"
)

func msg(seq int64, author domain.Role, tokens int) *domain.Message {
	return &domain.Message{
		ID:     domain.MessageID("msg"),
		Seq:    seq,
		Author: author,
		Tokens: tokens,
	}
}

func TestWindowTrimDropsOldestFirst(t *testing.T) {
	w := session.NewWindow()
	w.Append(msg(1, domain.RoleUser, 10))
	w.Append(msg(2, domain.RoleAssistant, 10))
	w.Append(msg(3, domain.RoleUser, 10))

	dropped := w.Trim(20)
	if dropped != 1 {
		t.Fatalf("expected 1 dropped, got %d", dropped)
	}
	hist := w.History()
	if len(hist) != 2 || hist[0].Seq != 2 {
		t.Fatalf("expected oldest dropped, got %+v", hist)
	}
	if w.Tokens() != 20 {
		t.Fatalf("token accounting off: %d", w.Tokens())
	}
}

func TestWindowTrimNeverDropsNewestMessage(t *testing.T) {
	w := session.NewWindow()
	w.Append(msg(1, domain.RoleUser, 5))
	w.Append(msg(2, domain.RoleUser, 100))

	w.Trim(10)
	hist := w.History()
	if len(hist) != 1 || hist[0].Seq != 2 {
		t.Fatalf("newest message must survive trimming, got %+v", hist)
	}

	// even a single over-budget message stays
	if dropped := w.Trim(10); dropped != 0 {
		t.Fatalf("lone message must not be dropped, dropped %d", dropped)
	}
	if w.Len() != 1 {
		t.Fatalf("window emptied unexpectedly")
	}
}

func TestWindowNoBudgetMeansNoTrim(t *testing.T) {
	w := session.NewWindow()
	for i := int64(1); i <= 10; i++ {
		w.Append(msg(i, domain.RoleUser, 1000))
	}
	if dropped := w.Trim(0); dropped != 0 {
		t.Fatalf("budget 0 must disable trimming, dropped %d", dropped)
	}
	if w.Len() != 10 {
		t.Fatalf("expected all messages kept, got %d", w.Len())
	}
}

func TestWindowLoadSeedsTokens(t *testing.T) {
	w := session.NewWindow()
	w.Load([]*domain.Message{
		msg(1, domain.RoleUser, 7),
		msg(2, domain.RoleAssistant, 3),
	})
	if w.Tokens() != 10 || w.Len() != 2 {
		t.Fatalf("load accounting off: tokens=%d len=%d", w.Tokens(), w.Len())
	}
}
