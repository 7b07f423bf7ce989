package embedclient

import (
	"context"

	"github.com/conarylabs/mira/internal/merrors"
)

// disabledProvider is returned by New when no embedding backend is
// configured. Every call fails with merrors.Unavailable so callers (the
// memory and codeintel recall paths) fall back to keyword search instead
// of erroring out.
type disabledProvider struct{}

// Disabled returns a Provider that always reports itself unavailable.
func Disabled() Provider { return disabledProvider{} }

func (disabledProvider) Embed(context.Context, string) ([]float32, error) {
	return nil, merrors.New(merrors.Unavailable, "embedclient.Embed", errNoProvider)
}

func (disabledProvider) EmbedBatch(context.Context, []string) ([][]float32, error) {
	return nil, merrors.New(merrors.Unavailable, "embedclient.EmbedBatch", errNoProvider)
}

func (disabledProvider) Name() string      { return "disabled" }
func (disabledProvider) Dimension() int    { return 0 }
func (disabledProvider) MaxBatchSize() int { return 0 }

var errNoProvider = disabledErr("no embedding provider configured")

type disabledErr string

func (e disabledErr) Error() string { return string(e) }
