package pipeline

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes pipeline counters to Prometheus.
type Metrics struct {
	runsTotal          *prometheus.CounterVec
	recordsLoaded      *prometheus.CounterVec
	recordsRejected    *prometheus.CounterVec
	triggersSkipped    *prometheus.CounterVec
	batchCommitSeconds *prometheus.HistogramVec
	batchRecords       *prometheus.HistogramVec
}

// NewMetrics registers pipeline metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		runsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_runs_total",
			Help: "Completed pipeline runs by source and terminal status.",
		}, []string{"source", "status"}),
		recordsLoaded: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_records_loaded_total",
			Help: "Records durably committed to the store.",
		}, []string{"source"}),
		recordsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_records_rejected_total",
			Help: "Records rejected at transform or load time.",
		}, []string{"source"}),
		triggersSkipped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_triggers_skipped_total",
			Help: "Cadence triggers skipped because a run was already in flight.",
		}, []string{"source"}),
		batchCommitSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ingest_batch_commit_seconds",
			Help:    "Wall time of one atomic batch commit.",
			Buckets: prometheus.DefBuckets,
		}, []string{"source"}),
		batchRecords: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ingest_batch_records",
			Help:    "Records per committed batch.",
			Buckets: prometheus.ExponentialBuckets(1, 4, 6),
		}, []string{"source"}),
	}
}

// RunFinished records a terminal run.
func (m *Metrics) RunFinished(source string, run *Run) {
	if m == nil {
		return
	}
	m.runsTotal.WithLabelValues(source, string(run.Status)).Inc()
	m.recordsLoaded.WithLabelValues(source).Add(float64(run.Counts.Loaded))
	m.recordsRejected.WithLabelValues(source).Add(float64(run.Counts.Rejected))
}

// BatchCommitted records one successful batch commit.
func (m *Metrics) BatchCommitted(source string, records int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.batchCommitSeconds.WithLabelValues(source).Observe(elapsed.Seconds())
	m.batchRecords.WithLabelValues(source).Observe(float64(records))
}

// TriggerSkipped records a skipped cadence trigger.
func (m *Metrics) TriggerSkipped(source string) {
	if m == nil {
		return
	}
	m.triggersSkipped.WithLabelValues(source).Inc()
}
