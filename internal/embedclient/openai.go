package embedclient

import (
	"context"
	"errors"

	openai "github.com/sashabaranov/go-openai"
)

// openAIDimension is the output size of text-embedding-ada-002, the
// default model. Dimension reports this value whatever model Config.Model
// names; Config has no dimension setting.
const openAIDimension = 1536

const openAIMaxBatch = 96

// openAIProvider embeds via the OpenAI embeddings endpoint.
type openAIProvider struct {
	client *openai.Client
	model  string
}

func newOpenAIProvider(cfg Config) (*openAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("embedclient: openai provider requires an API key")
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	model := cfg.Model
	if model == "" {
		model = string(openai.AdaEmbeddingV2)
	}
	return &openAIProvider{client: openai.NewClientWithConfig(clientCfg), model: model}, nil
}

func (p *openAIProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := p.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (p *openAIProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	resp, err := p.client.CreateEmbeddings(ctx, openai.EmbeddingRequestStrings{
		Input: texts,
		Model: openai.EmbeddingModel(p.model),
	})
	if err != nil {
		return nil, err
	}
	out := make([][]float32, len(resp.Data))
	for i, d := range resp.Data {
		out[i] = d.Embedding
	}
	return out, nil
}

func (p *openAIProvider) Name() string      { return "openai:" + p.model }
func (p *openAIProvider) Dimension() int    { return openAIDimension }
func (p *openAIProvider) MaxBatchSize() int { return openAIMaxBatch }
