// Package metrics exposes Prometheus collectors for the harvester service.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	externalCallsTotal  *prometheus.CounterVec
	fetchRetriesTotal   prometheus.Counter
	cacheHitsTotal      prometheus.Counter
	creditsSpentTotal   *prometheus.CounterVec
	tasksFinishedTotal  *prometheus.CounterVec
	governorInFlight    prometheus.Gauge
	resultsStoredTotal  prometheus.Counter
	fetchDurationSecond *prometheus.HistogramVec

	once sync.Once
)

// Init registers the Prometheus collectors. Safe to call multiple times.
func Init() {
	once.Do(func() {
		externalCallsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_external_calls_total",
				Help: "External calls issued through the scraping proxy, labeled by phase and outcome.",
			},
			[]string{"phase", "outcome"},
		)

		fetchRetriesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "harvester_fetch_retries_total",
				Help: "Retry attempts performed by the fetch client.",
			},
		)

		cacheHitsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "harvester_cache_hits_total",
				Help: "Detail records served from the cache without an external call.",
			},
		)

		creditsSpentTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_credits_spent_total",
				Help: "Credits charged against user balances, labeled by phase.",
			},
			[]string{"phase"},
		)

		tasksFinishedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_tasks_finished_total",
				Help: "Tasks reaching a terminal status, labeled by status.",
			},
			[]string{"status"},
		)

		governorInFlight = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "harvester_governor_in_flight",
				Help: "Permits currently held on the process-wide governor.",
			},
		)

		resultsStoredTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "harvester_results_stored_total",
				Help: "Enriched records persisted to the result store.",
			},
		)

		fetchDurationSecond = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "harvester_fetch_duration_seconds",
				Help:    "Latency of external calls, labeled by phase.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"phase"},
		)
	})
}

// ObserveExternalCall records one external call and its latency.
func ObserveExternalCall(phase, outcome string, seconds float64) {
	if externalCallsTotal == nil {
		return
	}
	externalCallsTotal.WithLabelValues(phase, outcome).Inc()
	fetchDurationSecond.WithLabelValues(phase).Observe(seconds)
}

// IncRetry counts one fetch retry attempt.
func IncRetry() {
	if fetchRetriesTotal != nil {
		fetchRetriesTotal.Inc()
	}
}

// AddCacheHits counts detail records served from cache.
func AddCacheHits(n int) {
	if cacheHitsTotal != nil && n > 0 {
		cacheHitsTotal.Add(float64(n))
	}
}

// AddCreditsSpent records charged credits for a phase.
func AddCreditsSpent(phase string, amount float64) {
	if creditsSpentTotal != nil && amount > 0 {
		creditsSpentTotal.WithLabelValues(phase).Add(amount)
	}
}

// IncTaskFinished counts a task reaching a terminal status.
func IncTaskFinished(status string) {
	if tasksFinishedTotal != nil {
		tasksFinishedTotal.WithLabelValues(status).Inc()
	}
}

// SetGovernorInFlight publishes the current permit count.
func SetGovernorInFlight(n int) {
	if governorInFlight != nil {
		governorInFlight.Set(float64(n))
	}
}

// IncResultsStored counts one persisted enriched record.
func IncResultsStored() {
	if resultsStoredTotal != nil {
		resultsStoredTotal.Inc()
	}
}
