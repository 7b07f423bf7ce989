package council

import (
	"context"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/conarylabs/mira/internal/merrors"
)

// claudeProvider wraps the Anthropic Messages API.
type claudeProvider struct {
	client anthropic.Client
	model  string
}

// ClaudeConfig configures newClaudeProvider.
type ClaudeConfig struct {
	APIKey string
	Model  string // defaults to claude-opus-4-5
}

func newClaudeProvider(cfg ClaudeConfig) (Provider, error) {
	if cfg.APIKey == "" {
		return nil, merrors.Newf(merrors.InvalidInput, "council.newClaudeProvider", "API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = "claude-opus-4-5"
	}
	return &claudeProvider{
		client: anthropic.NewClient(option.WithAPIKey(cfg.APIKey)),
		model:  cfg.Model,
	}, nil
}

func (p *claudeProvider) Name() Model { return ModelClaude }

func (p *claudeProvider) Complete(ctx context.Context, req Request) (Response, error) {
	const op = "council.claudeProvider.Complete"

	messages := make([]anthropic.MessageParam, 0, len(req.History)+1)
	for _, h := range req.History {
		if h.Role == "assistant" {
			messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(h.Content)))
		} else {
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(h.Content)))
		}
	}
	messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(req.Message)))

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model),
		MaxTokens: 4096,
		Messages:  messages,
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}

	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return Response{}, merrors.New(merrors.Backend, op, err)
	}

	var text string
	for _, block := range msg.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	return Response{
		Model: ModelClaude,
		Text:  text,
		Usage: Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
	}, nil
}
