package embedclient

import (
	"context"

	"golang.org/x/time/rate"
)

// defaultRequestsPerSecond caps outbound embedding calls so a burst of
// recall/index activity can't blow through the provider's own rate
// limit and start returning 429s that just feed the retry loop.
const defaultRequestsPerSecond = 10

// rateLimitedProvider throttles Embed/EmbedBatch calls through a token
// bucket, one token per call regardless of batch size — a single
// EmbedBatch round trip costs the provider the same whether it holds one
// text or MaxBatchSize of them.
type rateLimitedProvider struct {
	Provider
	limiter *rate.Limiter
}

func withRateLimit(p Provider, perSecond float64) Provider {
	if perSecond <= 0 {
		perSecond = defaultRequestsPerSecond
	}
	return &rateLimitedProvider{Provider: p, limiter: rate.NewLimiter(rate.Limit(perSecond), 1)}
}

func (p *rateLimitedProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return p.Provider.Embed(ctx, text)
}

func (p *rateLimitedProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return p.Provider.EmbedBatch(ctx, texts)
}
