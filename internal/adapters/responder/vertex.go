package responder

import (
	"context"
	"fmt"

	"google.golang.org/genai"

	"github.com/PabloGalante/parley/internal/domain"
)

// Vertex produces replies through Vertex AI (Gemini). It implements
// both the atomic and the streaming responder ports.
type Vertex struct {
	client    *genai.Client
	modelName string
}

func NewVertex(ctx context.Context, projectID, location, modelName string) (*Vertex, error) {
	if projectID == "" || location == "" {
		return nil, fmt.Errorf("vertex responder needs a GCP project and location")
	}
	if modelName == "" {
		modelName = "gemini-2.5-flash"
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		Project:  projectID,
		Location: location,
		Backend:  genai.BackendVertexAI,
	})
	if err != nil {
		return nil, fmt.Errorf("creating Vertex AI client: %w", err)
	}

	return &Vertex{
		client:    client,
		modelName: modelName,
	}, nil
}

// GenerateReply implements domain.Responder using Vertex AI.
func (v *Vertex) GenerateReply(ctx context.Context, userMessage string, convCtx domain.ConversationContext) (string, error) {
	contents, cfg := v.request(userMessage, convCtx)

	res, err := v.client.Models.GenerateContent(ctx, v.modelName, contents, cfg)
	if err != nil {
		return "", fmt.Errorf("vertex generate content: %w", err)
	}

	text := res.Text()
	if text == "" {
		return "", fmt.Errorf("vertex returned empty text")
	}
	return text, nil
}

// StreamReply implements domain.StreamingResponder: chunks are emitted
// as Vertex produces them.
func (v *Vertex) StreamReply(ctx context.Context, userMessage string, convCtx domain.ConversationContext, emit func(chunk string) error) error {
	contents, cfg := v.request(userMessage, convCtx)

	for res, err := range v.client.Models.GenerateContentStream(ctx, v.modelName, contents, cfg) {
		if err != nil {
			return fmt.Errorf("vertex stream: %w", err)
		}
		text := res.Text()
		if text == "" {
			continue
		}
		if err := emit(text); err != nil {
			return err
		}
	}
	return nil
}

func (v *Vertex) request(userMessage string, convCtx domain.ConversationContext) ([]*genai.Content, *genai.GenerateContentConfig) {
	var contents []*genai.Content
	for _, m := range convCtx.History {
		var role genai.Role
		switch m.Author {
		case domain.RoleAssistant:
			role = genai.RoleModel
		default:
			role = genai.RoleUser
		}
		contents = append(contents, genai.NewContentFromText(m.Text, role))
	}
	contents = append(contents, genai.NewContentFromText(userMessage, genai.RoleUser))

	temp := float32(0.7)
	topP := float32(0.9)

	cfg := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(BuildSystemPrompt(convCtx), genai.RoleUser),
		Temperature:       &temp,
		TopP:              &topP,
		MaxOutputTokens:   int32(8192),
	}
	return contents, cfg
}
