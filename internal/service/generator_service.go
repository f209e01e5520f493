package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/maheshrc27/postpilot/internal/apperr"
	"github.com/maheshrc27/postpilot/internal/models"
	"google.golang.org/genai"
)

type GenerateRequest struct {
	Platform    models.Platform
	ContentType string
	Theme       string
	City        string
	Audience    string
	Notes       string
}

// ContentGenerator drafts post text. Output always goes through approval or
// the normal create path, never straight to a platform.
type ContentGenerator interface {
	GeneratePost(ctx context.Context, req GenerateRequest) (string, error)
	Model() string
}

type genaiGenerator struct {
	client *genai.Client
	model  string
}

func NewGenAIGenerator(ctx context.Context, apiKey, model string) (ContentGenerator, error) {
	if apiKey == "" {
		return nil, apperr.New(apperr.Configuration, "generator", "GENAI_API_KEY is not set")
	}
	if model == "" {
		model = "gemini-2.0-flash"
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return &genaiGenerator{client: client, model: model}, nil
}

func (g *genaiGenerator) Model() string {
	return g.model
}

func (g *genaiGenerator) GeneratePost(ctx context.Context, req GenerateRequest) (string, error) {
	cfg := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(systemPrompt(req.Platform), genai.RoleUser),
		Temperature:       genai.Ptr[float32](0.8),
	}

	resp, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(userPrompt(req)), cfg)
	if err != nil {
		return "", apperr.Wrap(apperr.TransientNetwork, "generator", err)
	}

	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return "", apperr.New(apperr.ContentRejected, "generator", "model returned no text")
	}
	return text, nil
}

func systemPrompt(p models.Platform) string {
	return fmt.Sprintf(
		"You write social media posts for %s. Reply with the post text only, no preamble. "+
			"Stay under %d characters including hashtags.", p, p.MaxTextLength())
}

func userPrompt(req GenerateRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Write a %s post", orDefault(req.ContentType, "general"))
	if req.Theme != "" {
		fmt.Fprintf(&b, " about %s", req.Theme)
	}
	if req.City != "" {
		fmt.Fprintf(&b, " for people in %s", req.City)
	}
	b.WriteString(".")
	if req.Audience != "" {
		fmt.Fprintf(&b, " Audience: %s.", req.Audience)
	}
	if req.Notes != "" {
		fmt.Fprintf(&b, " Notes: %s", req.Notes)
	}
	return b.String()
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// TrimToLimit cuts text to at most limit runes, preferring a word boundary.
func TrimToLimit(text string, limit int) string {
	runes := []rune(text)
	if limit <= 0 || len(runes) <= limit {
		return text
	}
	cut := string(runes[:limit])
	if i := strings.LastIndexAny(cut, " \n"); i > limit/2 {
		cut = cut[:i]
	}
	return strings.TrimSpace(cut)
}
