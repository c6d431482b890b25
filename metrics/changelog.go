package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricClaimed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "movesync_changelog_claimed_total",
			Help: "Change log entries claimed for an upsync attempt.",
		},
		[]string{
			"kind", // "move", "state"
		},
	)
	metricPruned = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "movesync_changelog_pruned_total",
			Help: "Messages whose pending change log entries were pruned without upsync.",
		},
		[]string{
			"kind",   // "move", "state"
			"reason", // "noop", "unsynced"
		},
	)
	metricInconsistency = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "movesync_changelog_inconsistency_total",
			Help: "Detected non-fatal inconsistencies while collapsing the change log.",
		},
		[]string{
			"kind",    // "move", "state"
			"problem", // "order", "chain"
		},
	)
	metricUpsync = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "movesync_upsync_total",
			Help: "Upsync outcomes applied back to the change log, per message.",
		},
		[]string{
			"kind",   // "move", "state"
			"result", // "ok", "retry", "fail"
		},
	)
	metricSweepPanics = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "movesync_sweep_panics_total",
			Help: "Unhandled panics recovered during account sweeps.",
		},
	)
)

func ClaimedAdd(kind string, n int) {
	metricClaimed.WithLabelValues(kind).Add(float64(n))
}

func PrunedAdd(kind, reason string, n int) {
	metricPruned.WithLabelValues(kind, reason).Add(float64(n))
}

func InconsistencyInc(kind, problem string) {
	metricInconsistency.WithLabelValues(kind, problem).Inc()
}

func UpsyncAdd(kind, result string, n int) {
	metricUpsync.WithLabelValues(kind, result).Add(float64(n))
}

func PanicInc() {
	metricSweepPanics.Inc()
}
