package responder

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/PabloGalante/parley/internal/domain"
)

// Mock is the local responder: deterministic replies, streamed word by
// word. It keeps the serve and chat commands usable without GCP
// credentials.
type Mock struct {
	chunkDelay time.Duration
}

func NewMock() *Mock {
	return &Mock{}
}

// NewMockWithDelay spaces stream chunks out, approximating a real
// model's cadence.
func NewMockWithDelay(d time.Duration) *Mock {
	return &Mock{chunkDelay: d}
}

func (m *Mock) GenerateReply(ctx context.Context, prompt string, convCtx domain.ConversationContext) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return m.reply(prompt, convCtx), nil
}

func (m *Mock) StreamReply(ctx context.Context, prompt string, convCtx domain.ConversationContext, emit func(chunk string) error) error {
	words := strings.Fields(m.reply(prompt, convCtx))
	for i, w := range words {
		if m.chunkDelay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(m.chunkDelay):
			}
		} else if err := ctx.Err(); err != nil {
			return err
		}
		chunk := w
		if i < len(words)-1 {
			chunk += " "
		}
		if err := emit(chunk); err != nil {
			return err
		}
	}
	return nil
}

func (m *Mock) reply(prompt string, convCtx domain.ConversationContext) string {
	turn := len(convCtx.History)/2 + 1
	return fmt.Sprintf("I hear you. You said %q. Tell me more about what you have in mind (turn %d).", prompt, turn)
}
