package council

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/conarylabs/mira/internal/merrors"
)

// bedrockProvider wraps a Bedrock-hosted foundation model via the
// non-streaming Converse API — the council fans out one request per
// provider and waits for all of them, so there is no benefit to the
// incremental ConverseStream API here.
type bedrockProvider struct {
	client *bedrockruntime.Client
	model  string
}

// BedrockCouncilConfig configures newBedrockProvider.
type BedrockCouncilConfig struct {
	Region string
	Model  string // defaults to an Anthropic model hosted on Bedrock
}

func newBedrockProvider(ctx context.Context, cfg BedrockCouncilConfig) (Provider, error) {
	const op = "council.newBedrockProvider"
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if cfg.Model == "" {
		cfg.Model = "anthropic.claude-3-5-sonnet-20241022-v2:0"
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, merrors.New(merrors.Backend, op, err)
	}
	return &bedrockProvider{
		client: bedrockruntime.NewFromConfig(awsCfg),
		model:  cfg.Model,
	}, nil
}

func (p *bedrockProvider) Name() Model { return ModelBedrock }

func (p *bedrockProvider) Complete(ctx context.Context, req Request) (Response, error) {
	const op = "council.bedrockProvider.Complete"

	messages := make([]types.Message, 0, len(req.History)+1)
	for _, h := range req.History {
		role := types.ConversationRoleUser
		if h.Role == "assistant" {
			role = types.ConversationRoleAssistant
		}
		messages = append(messages, types.Message{
			Role:    role,
			Content: []types.ContentBlock{&types.ContentBlockMemberText{Value: h.Content}},
		})
	}
	messages = append(messages, types.Message{
		Role:    types.ConversationRoleUser,
		Content: []types.ContentBlock{&types.ContentBlockMemberText{Value: req.Message}},
	})

	input := &bedrockruntime.ConverseInput{
		ModelId:  aws.String(p.model),
		Messages: messages,
	}
	if req.System != "" {
		input.System = []types.SystemContentBlock{&types.SystemContentBlockMemberText{Value: req.System}}
	}

	out, err := p.client.Converse(ctx, input)
	if err != nil {
		return Response{}, merrors.New(merrors.Backend, op, err)
	}

	var text string
	if msgOutput, ok := out.Output.(*types.ConverseOutputMemberMessage); ok {
		for _, block := range msgOutput.Value.Content {
			if textBlock, ok := block.(*types.ContentBlockMemberText); ok {
				text += textBlock.Value
			}
		}
	}

	usage := Usage{}
	if out.Usage != nil {
		usage = Usage{
			InputTokens:  int(out.Usage.InputTokens),
			OutputTokens: int(out.Usage.OutputTokens),
		}
	}
	return Response{Model: ModelBedrock, Text: text, Usage: usage}, nil
}
