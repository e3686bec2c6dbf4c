package ai

import (
	"context"
	"errors"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/responses"
	"github.com/zhouzirui/novel-mvp/backend/internal/config"
	"github.com/zhouzirui/novel-mvp/backend/internal/model/conversation"
)

// OpenAICompleter 使用 Responses API 完成对话。
type OpenAICompleter struct {
	client openai.Client
	model  string
}

// NewOpenAICompleter 需要 OPENAI_API_KEY 与 OPENAI_MODEL。
func NewOpenAICompleter(cfg config.AIConfig) (*OpenAICompleter, error) {
	if cfg.OpenAIAPIKey == "" {
		return nil, errors.New("OPENAI_API_KEY is required for the openai provider")
	}
	return &OpenAICompleter{
		client: openai.NewClient(option.WithAPIKey(cfg.OpenAIAPIKey)),
		model:  cfg.OpenAIModel,
	}, nil
}

func (c *OpenAICompleter) Complete(ctx context.Context, system string, history []conversation.Turn) (string, error) {
	params := responses.ResponseNewParams{
		Model:        c.model,
		Instructions: openai.String(system),
		Input: responses.ResponseNewParamsInputUnion{
			OfInputItemList: buildInputItems(history),
		},
	}

	resp, err := c.client.Responses.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("openai responses: %w", err)
	}
	return resp.OutputText(), nil
}

func buildInputItems(turns []conversation.Turn) []responses.ResponseInputItemUnionParam {
	if len(turns) > historyLimit {
		turns = turns[len(turns)-historyLimit:]
	}

	items := make([]responses.ResponseInputItemUnionParam, 0, len(turns))
	for _, turn := range turns {
		role := responses.EasyInputMessageRoleUser
		if turn.Role == conversation.RoleAssistant {
			role = responses.EasyInputMessageRoleAssistant
		}
		items = append(items, responses.ResponseInputItemParamOfMessage(turn.Content, role))
	}
	return items
}
