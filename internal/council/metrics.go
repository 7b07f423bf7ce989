package council

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the ambient observability counters every council round
// updates. Hot paths get instrumented unconditionally, independent of
// which deliberation features are in scope for a given build.
var (
	roundsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mira_council_rounds_total",
		Help: "Total council deliberation rounds run, by outcome.",
	}, []string{"outcome"})

	modelTimeoutsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mira_council_model_timeouts_total",
		Help: "Total per-provider timeouts during a council round, by model.",
	}, []string{"model"})
)
