package embedclient

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type countingProvider struct {
	calls int64
}

func (p *countingProvider) Embed(context.Context, string) ([]float32, error) {
	atomic.AddInt64(&p.calls, 1)
	return []float32{1, 2, 3}, nil
}

func (p *countingProvider) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	atomic.AddInt64(&p.calls, 1)
	out := make([][]float32, len(texts))
	return out, nil
}

func (p *countingProvider) Name() string      { return "counting" }
func (p *countingProvider) Dimension() int    { return 3 }
func (p *countingProvider) MaxBatchSize() int { return 100 }

func TestWithRateLimitAllowsImmediateFirstCall(t *testing.T) {
	base := &countingProvider{}
	limited := withRateLimit(base, 10)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := limited.Embed(ctx, "hello")
	require.NoError(t, err)
	require.EqualValues(t, 1, base.calls)
}

func TestWithRateLimitDefaultsWhenNonPositive(t *testing.T) {
	base := &countingProvider{}
	limited := withRateLimit(base, 0)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := limited.Embed(ctx, "hello")
	require.NoError(t, err)
}

func TestWithRateLimitThrottlesBurstyCalls(t *testing.T) {
	base := &countingProvider{}
	// One token per second, burst of one: a second immediate call must wait.
	limited := withRateLimit(base, 1)

	ctx := context.Background()
	_, err := limited.Embed(ctx, "first")
	require.NoError(t, err)

	start := time.Now()
	_, err = limited.Embed(ctx, "second")
	require.NoError(t, err)
	require.GreaterOrEqual(t, time.Since(start), 500*time.Millisecond)
}

func TestWithRateLimitEmbedBatchChargesOneToken(t *testing.T) {
	base := &countingProvider{}
	limited := withRateLimit(base, 10)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	out, err := limited.EmbedBatch(ctx, []string{"a", "b", "c"})
	require.NoError(t, err)
	require.Len(t, out, 3)
	require.EqualValues(t, 1, base.calls)
}

func TestWithRateLimitRespectsContextCancellation(t *testing.T) {
	base := &countingProvider{}
	limited := withRateLimit(base, 1)

	ctx := context.Background()
	_, err := limited.Embed(ctx, "first")
	require.NoError(t, err)

	cancelCtx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = limited.Embed(cancelCtx, "second")
	require.Error(t, err)
}
