package session

import "github.com/PabloGalante/parley/internal/domain"

// Window is the in-session context window: the recent messages handed to
// the responder, kept under a token budget.
type Window struct {
	msgs   []*domain.Message
	tokens int
}

func NewWindow() *Window {
	return &Window{}
}

// Load seeds the window from persisted history (ascending order).
func (w *Window) Load(msgs []*domain.Message) {
	w.msgs = append(w.msgs[:0], msgs...)
	w.tokens = 0
	for _, m := range msgs {
		w.tokens += m.Tokens
	}
}

func (w *Window) Append(msg *domain.Message) {
	w.msgs = append(w.msgs, msg)
	w.tokens += msg.Tokens
}

// Trim drops the oldest messages until the window fits the budget. The
// newest message is never dropped, whatever its cost. A budget <= 0
// means no limit. Returns how many messages were dropped.
func (w *Window) Trim(budget int) int {
	if budget <= 0 {
		return 0
	}
	dropped := 0
	for w.tokens > budget && len(w.msgs) > 1 {
		w.tokens -= w.msgs[0].Tokens
		w.msgs[0] = nil
		w.msgs = w.msgs[1:]
		dropped++
	}
	return dropped
}

// History returns a copy of the current window.
func (w *Window) History() []*domain.Message {
	out := make([]*domain.Message, len(w.msgs))
	copy(out, w.msgs)
	return out
}

func (w *Window) Tokens() int { return w.tokens }
func (w *Window) Len() int    { return len(w.msgs) }
