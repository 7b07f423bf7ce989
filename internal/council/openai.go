package council

import (
	"context"

	openai "github.com/sashabaranov/go-openai"

	"github.com/conarylabs/mira/internal/merrors"
)

// gptProvider wraps the OpenAI Chat Completions API.
type gptProvider struct {
	client *openai.Client
	model  string
}

// GPTConfig configures newGPTProvider.
type GPTConfig struct {
	APIKey string
	Model  string // defaults to gpt-5.2
}

func newGPTProvider(cfg GPTConfig) (Provider, error) {
	if cfg.APIKey == "" {
		return nil, merrors.Newf(merrors.InvalidInput, "council.newGPTProvider", "API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-5.2"
	}
	return &gptProvider{
		client: openai.NewClient(cfg.APIKey),
		model:  cfg.Model,
	}, nil
}

func (p *gptProvider) Name() Model { return ModelGPT }

func (p *gptProvider) Complete(ctx context.Context, req Request) (Response, error) {
	const op = "council.gptProvider.Complete"

	messages := make([]openai.ChatCompletionMessage, 0, len(req.History)+2)
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.System})
	}
	for _, h := range req.History {
		role := openai.ChatMessageRoleUser
		if h.Role == "assistant" {
			role = openai.ChatMessageRoleAssistant
		}
		messages = append(messages, openai.ChatCompletionMessage{Role: role, Content: h.Content})
	}
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: req.Message})

	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    p.model,
		Messages: messages,
	})
	if err != nil {
		return Response{}, merrors.New(merrors.Backend, op, err)
	}
	if len(resp.Choices) == 0 {
		return Response{}, merrors.Newf(merrors.Backend, op, "no choices returned")
	}

	return Response{
		Model: ModelGPT,
		Text:  resp.Choices[0].Message.Content,
		Usage: Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}, nil
}
