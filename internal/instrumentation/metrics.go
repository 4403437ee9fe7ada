package instrumentation

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the scoring service.
type Metrics struct {
	TicksTotal       prometheus.Counter
	TicksSkipped     prometheus.Counter
	CycleLatencyMs   prometheus.Histogram
	ScoreDist        prometheus.Histogram
	FlaggedTotal     prometheus.Counter
	StageErrorsTotal *prometheus.CounterVec
	SinkRetriesTotal prometheus.Counter
	StreamLagMs      prometheus.Histogram
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		TicksTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "marketwatch_ticks_processed_total",
			Help: "Total number of ticks accepted into the scoring pipeline",
		}),

		TicksSkipped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "marketwatch_ticks_skipped_total",
			Help: "Ticks dropped before the pipeline (unwatched security, invalid payload, stale timestamp)",
		}),

		CycleLatencyMs: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "marketwatch_cycle_latency_ms",
			Help:    "Time to run one scoring cycle (aggregate, feature, score, explain, persist) in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		ScoreDist: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "marketwatch_anomaly_score",
			Help:    "Distribution of anomaly scores",
			Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
		}),

		FlaggedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "marketwatch_flagged_total",
			Help: "Total number of results flagged above the anomaly threshold",
		}),

		StageErrorsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "marketwatch_stage_errors_total",
			Help: "Total number of scoring cycle failures by pipeline stage",
		}, []string{"stage"}),

		SinkRetriesTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "marketwatch_sink_retries_total",
			Help: "Total number of retried result sink writes",
		}),

		StreamLagMs: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "marketwatch_stream_lag_ms",
			Help:    "Time between tick timestamp and processing time in milliseconds",
			Buckets: []float64{10, 50, 100, 250, 500, 1000, 2000, 5000},
		}),
	}
}

// RecordTick increments the accepted-tick counter and observes stream lag.
func (m *Metrics) RecordTick(lagMs float64) {
	m.TicksTotal.Inc()
	m.StreamLagMs.Observe(lagMs)
}

// RecordSkip increments the skipped-tick counter.
func (m *Metrics) RecordSkip() {
	m.TicksSkipped.Inc()
}

// RecordCycle observes one completed scoring cycle.
func (m *Metrics) RecordCycle(latencyMs float64, score float64, flagged bool) {
	m.CycleLatencyMs.Observe(latencyMs)
	m.ScoreDist.Observe(score)
	if flagged {
		m.FlaggedTotal.Inc()
	}
}

// RecordStageError increments the per-stage failure counter.
func (m *Metrics) RecordStageError(stage string) {
	m.StageErrorsTotal.WithLabelValues(stage).Inc()
}

// RecordSinkRetry increments the sink retry counter.
func (m *Metrics) RecordSinkRetry() {
	m.SinkRetriesTotal.Inc()
}
