package points

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	operationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "points_engine_operations_total",
			Help: "Engine operations by outcome",
		},
		[]string{"op", "outcome"},
	)

	pointsMovedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "points_engine_points_total",
			Help: "Absolute points moved, by transaction type",
		},
		[]string{"type"},
	)

	ledgerInconsistenciesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "points_engine_ledger_inconsistencies_total",
			Help: "Units of work rolled back because the ledger disagreed with entity state",
		},
	)
)

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case IsClientError(err):
		return "rejected"
	default:
		return "error"
	}
}

func recordPoints(t TransactionType, pts int64) {
	if pts < 0 {
		pts = -pts
	}
	pointsMovedTotal.WithLabelValues(string(t)).Add(float64(pts))
}
