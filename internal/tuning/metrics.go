package tuning

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	resolveTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tunedb_resolve_total",
		Help: "Resolved parameter sets by kernel family and matching tier",
	}, []string{"family", "tier"})

	resolveErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tunedb_resolve_errors_total",
		Help: "Failed resolutions by reason",
	}, []string{"reason"})

	overrideUpdates = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tunedb_override_updates_total",
		Help: "Override table mutations by operation (set, clear)",
	}, []string{"op"})

	overrideWarnings = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tunedb_override_warnings_total",
		Help: "Diagnostics raised by the override validator",
	})
)
