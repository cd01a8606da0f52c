package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Lifecycle metrics
	OperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cephvol_operations_total",
			Help: "Lifecycle operations by operation and outcome",
		},
		[]string{"operation", "outcome"},
	)

	OperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cephvol_operation_duration_seconds",
			Help:    "Lifecycle operation duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
		},
		[]string{"operation"},
	)

	VolumesByState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cephvol_volumes",
			Help: "Known volumes by lifecycle state",
		},
		[]string{"state"},
	)

	MappedDevices = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cephvol_mapped_devices",
			Help: "RBD devices currently mapped on this host",
		},
	)

	ReconcileConflictsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cephvol_reconcile_conflicts_total",
			Help: "Registry records that disagreed with the cluster's mapped devices",
		},
	)
)

// Register registers all collectors with the default registry
func Register() {
	prometheus.MustRegister(
		OperationsTotal,
		OperationDuration,
		VolumesByState,
		MappedDevices,
		ReconcileConflictsTotal,
	)
}

// Handler returns the HTTP handler exposing the metrics endpoint
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveOperation records one lifecycle operation's outcome and duration
func ObserveOperation(operation string, start time.Time, err error) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	OperationsTotal.WithLabelValues(operation, outcome).Inc()
	OperationDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}
