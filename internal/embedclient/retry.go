package embedclient

import (
	"context"

	"github.com/cenkalti/backoff/v4"
)

// retryingProvider wraps a Provider with bounded exponential backoff,
// matching the retry shape the agent/providers clients use for transient
// HTTP failures, but driven by the real backoff library instead of a
// hand-rolled sleep loop.
type retryingProvider struct {
	Provider
}

func withRetry(p Provider) Provider {
	return &retryingProvider{Provider: p}
}

func (p *retryingProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	var out []float32
	err := retry(ctx, func() error {
		v, err := p.Provider.Embed(ctx, text)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

func (p *retryingProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	var out [][]float32
	err := retry(ctx, func() error {
		v, err := p.Provider.EmbedBatch(ctx, texts)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

func retry(ctx context.Context, op func() error) error {
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	return backoff.Retry(op, b)
}
