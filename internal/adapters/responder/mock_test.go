package responder_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/PabloGalante/parley/internal/adapters/responder"
	"github.com/PabloGalante/parley/internal/domain"
)

func TestMockStreamAssemblesToGenerateReply(t *testing.T) {
	ctx := context.Background()
	m := responder.NewMock()
	convCtx := domain.ConversationContext{SessionID: "s1", UserID: "u1"}

	want, err := m.GenerateReply(ctx, "hello", convCtx)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	var chunks []string
	err = m.StreamReply(ctx, "hello", convCtx, func(chunk string) error {
		chunks = append(chunks, chunk)
		return nil
	})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if len(chunks) < 2 {
		t.Fatalf("expected several chunks, got %d", len(chunks))
	}
	if got := strings.Join(chunks, ""); got != want {
		t.Errorf("streamed text diverged:\n want %q\n got  %q", want, got)
	}
}

func TestMockReplyIsDeterministic(t *testing.T) {
	ctx := context.Background()
	m := responder.NewMock()
	convCtx := domain.ConversationContext{SessionID: "s1", UserID: "u1"}

	a, _ := m.GenerateReply(ctx, "same prompt", convCtx)
	b, _ := m.GenerateReply(ctx, "same prompt", convCtx)
	if a != b {
		t.Errorf("same prompt produced different replies:\n%q\n%q", a, b)
	}

	convCtx.History = []*domain.Message{
		{Author: domain.RoleUser, Text: "one"},
		{Author: domain.RoleAssistant, Text: "two"},
	}
	c, _ := m.GenerateReply(ctx, "same prompt", convCtx)
	if c == a {
		t.Error("expected the turn counter to change the reply")
	}
}

func TestMockStreamStopsOnEmitError(t *testing.T) {
	m := responder.NewMock()
	boom := errors.New("sink full")

	calls := 0
	err := m.StreamReply(context.Background(), "hello", domain.ConversationContext{}, func(string) error {
		calls++
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected emit error back, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected stream to stop after first emit error, got %d calls", calls)
	}
}

func TestMockStreamHonorsCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	m := responder.NewMock()
	err := m.StreamReply(ctx, "hello", domain.ConversationContext{}, func(string) error {
		t.Fatal("emit after cancel")
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
