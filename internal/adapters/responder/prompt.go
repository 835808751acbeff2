package responder

import (
	"strings"

	"github.com/PabloGalante/parley/internal/domain"
)

const systemPreamble = `
You are the assistant side of an ongoing dialogue session.

Guidelines:
- Answer in the SAME LANGUAGE as the user.
- Be concise: short paragraphs, no filler.
- Use the conversation history for continuity; do not repeat it back.
- When you are unsure, say so instead of inventing details.
`

// BuildSystemPrompt returns the system instruction for one session.
func BuildSystemPrompt(convCtx domain.ConversationContext) string {
	system := strings.TrimSpace(systemPreamble)
	if convCtx.Title != "" {
		system += "\n\nSession topic: " + convCtx.Title
	}
	return system
}
