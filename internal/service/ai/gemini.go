package ai

import (
	"context"
	"errors"
	"fmt"

	"github.com/zhouzirui/novel-mvp/backend/internal/config"
	"github.com/zhouzirui/novel-mvp/backend/internal/model/conversation"
	"google.golang.org/genai"
)

// GeminiCompleter 通过 Gemini API 生成回复。
type GeminiCompleter struct {
	client *genai.Client
	model  string
}

// NewGeminiCompleter 需要 GEMINI_API_KEY。
func NewGeminiCompleter(ctx context.Context, cfg config.AIConfig) (*GeminiCompleter, error) {
	if cfg.GeminiAPIKey == "" {
		return nil, errors.New("GEMINI_API_KEY is required for the gemini provider")
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.GeminiAPIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}

	return &GeminiCompleter{client: client, model: cfg.GeminiModel}, nil
}

func (c *GeminiCompleter) Complete(ctx context.Context, system string, history []conversation.Turn) (string, error) {
	res, err := c.client.Models.GenerateContent(ctx, c.model, buildContents(history), &genai.GenerateContentConfig{
		// SystemInstruction 的 role 使用 user
		SystemInstruction: genai.NewContentFromText(system, genai.RoleUser),
	})
	if err != nil {
		return "", fmt.Errorf("gemini generate content: %w", err)
	}
	return res.Text(), nil
}

func buildContents(turns []conversation.Turn) []*genai.Content {
	if len(turns) > historyLimit {
		turns = turns[len(turns)-historyLimit:]
	}

	contents := make([]*genai.Content, 0, len(turns))
	for _, turn := range turns {
		var role genai.Role = genai.RoleUser
		if turn.Role == conversation.RoleAssistant {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(turn.Content, role))
	}
	return contents
}
