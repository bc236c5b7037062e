package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type prometheusMetrics struct {
	queueDepth          prometheus.Gauge
	passElapsedTime     prometheus.Histogram
	passCandidates      prometheus.Histogram
	pairs               prometheus.Counter
	rollbacks           *prometheus.CounterVec
	entitlementFailures prometheus.Counter
	abandoned           *prometheus.CounterVec
	swept               prometheus.Counter
}

func setupPrometheusMetrics(registry prometheus.Registerer) prometheusMetrics {
	factory := promauto.With(registry)

	return prometheusMetrics{
		queueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "mm_queue_waiting_entries",
			Help: "Number of waiting queue entries after the last scheduler pass",
		}),
		//nolint:promlinter
		passElapsedTime: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "mm_scheduler_pass_elapsed_time_ms",
			Help:    "A histogram of scheduler pass durations in milliseconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
		passCandidates: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "mm_scheduler_pass_candidates",
			Help:    "A histogram of waiting entries considered per scheduler pass",
			Buckets: prometheus.LinearBuckets(0, 10, 11),
		}),
		pairs: factory.NewCounter(prometheus.CounterOpts{
			Name: "mm_scheduler_pairs_total",
			Help: "Pairs materialized into lobbies",
		}),
		rollbacks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mm_scheduler_rollbacks_total",
			Help: "Pairings rolled back to waiting, by reason",
		}, []string{"reason"}),
		entitlementFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "mm_entitlement_lookup_failures_total",
			Help: "Entitlement lookups that failed during a scheduler pass",
		}),
		abandoned: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mm_lobby_abandoned_total",
			Help: "Lobbies or player slots cleared by abandonment detection, by reason",
		}, []string{"reason"}),
		swept: factory.NewCounter(prometheus.CounterOpts{
			Name: "mm_lobby_swept_total",
			Help: "Lobbies closed by the inactivity sweep, idle waiting or stuck playing",
		}),
	}
}

func (m prometheusMetrics) QueueDepth(waiting int) {
	m.queueDepth.Set(float64(waiting))
}

func (m prometheusMetrics) ObservePass(elapsed time.Duration, candidates int) {
	m.passElapsedTime.Observe(float64(elapsed.Milliseconds()))
	m.passCandidates.Observe(float64(candidates))
}

func (m prometheusMetrics) AddPairs(n int) {
	m.pairs.Add(float64(n))
}

func (m prometheusMetrics) AddRollback(reason string) {
	m.rollbacks.With(prometheus.Labels{"reason": reason}).Inc()
}

func (m prometheusMetrics) AddEntitlementFailure() {
	m.entitlementFailures.Inc()
}

func (m prometheusMetrics) AddAbandoned(reason string) {
	m.abandoned.With(prometheus.Labels{"reason": reason}).Inc()
}

func (m prometheusMetrics) AddSwept(n int) {
	m.swept.Add(float64(n))
}
