// Package embedclient provides the embedding-provider abstraction used by
// the memory and code-intelligence stores, with an LRU cache and
// exponential-backoff retry wrapping whichever concrete provider is
// configured.
package embedclient

import "context"

// Provider generates vector embeddings for text. Implementations must be
// safe for concurrent use.
type Provider interface {
	// Embed generates an embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts in one round trip.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Name returns the provider's identifier, used in config and logs.
	Name() string

	// Dimension returns the embedding vector length this provider produces.
	Dimension() int

	// MaxBatchSize returns the largest EmbedBatch call the provider accepts.
	MaxBatchSize() int
}

// Config holds provider configuration common across backends. Only the
// fields relevant to Config.Provider are read.
type Config struct {
	Provider string `yaml:"provider"` // "openai" or "disabled"
	APIKey   string `yaml:"api_key"`
	BaseURL  string `yaml:"base_url"`
	Model    string `yaml:"model"`

	// CacheSize bounds the in-process LRU embedding cache. Zero disables
	// caching.
	CacheSize int `yaml:"cache_size"`

	// RequestsPerSecond caps outbound embedding calls. Zero uses
	// defaultRequestsPerSecond.
	RequestsPerSecond float64 `yaml:"requests_per_second"`
}

// New constructs a Provider from cfg, wrapping it with rate limiting,
// retrying, and (optionally) caching decorators. An empty or "disabled"
// Config.Provider yields Disabled(), so the memory and codeintel
// packages never need a nil check.
func New(cfg Config) (Provider, error) {
	var base Provider
	switch cfg.Provider {
	case "", "disabled":
		return Disabled(), nil
	case "openai":
		p, err := newOpenAIProvider(cfg)
		if err != nil {
			return nil, err
		}
		base = p
	default:
		return nil, &unsupportedProviderError{Provider: cfg.Provider}
	}

	wrapped := withRetry(withRateLimit(base, cfg.RequestsPerSecond))
	if cfg.CacheSize > 0 {
		wrapped = withCache(wrapped, cfg.CacheSize)
	}
	return wrapped, nil
}

type unsupportedProviderError struct{ Provider string }

func (e *unsupportedProviderError) Error() string {
	return "embedclient: unsupported provider " + e.Provider
}
