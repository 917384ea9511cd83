package observability

import (
	"github.com/prometheus/client_golang/prometheus"

	"fitgpt/internal/domain"
)

var (
	workoutsReconciled = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fitgpt",
		Subsystem: "reconcile",
		Name:      "workouts_total",
		Help:      "Reconciled workout records by source.",
	}, []string{"source"})
	workoutsUnconfirmed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "fitgpt",
		Subsystem: "reconcile",
		Name:      "needs_confirmation_total",
		Help:      "Manual workouts that could not be matched with enough confidence.",
	})
	cacheLookups = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fitgpt",
		Subsystem: "summary_cache",
		Name:      "lookups_total",
		Help:      "Daily summary cache lookups by result.",
	}, []string{"result"})
	cacheStores = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fitgpt",
		Subsystem: "summary_cache",
		Name:      "stores_total",
		Help:      "Daily summary cache store attempts by outcome.",
	}, []string{"outcome"})
	trackerRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fitgpt",
		Subsystem: "tracker",
		Name:      "requests_total",
		Help:      "Tracker API requests by resource and outcome.",
	}, []string{"resource", "outcome"})
)

func init() {
	prometheus.MustRegister(workoutsReconciled, workoutsUnconfirmed, cacheLookups, cacheStores, trackerRequests)
}

// RecordReconciled counts the records of one reconciliation.
func RecordReconciled(records []domain.MergedWorkout) {
	for _, rec := range records {
		workoutsReconciled.WithLabelValues(string(rec.Source)).Inc()
		if rec.NeedsConfirmation {
			workoutsUnconfirmed.Inc()
		}
	}
}

// RecordCacheLookup counts a cache read.
func RecordCacheLookup(hit bool) {
	if hit {
		cacheLookups.WithLabelValues("hit").Inc()
		return
	}
	cacheLookups.WithLabelValues("miss").Inc()
}

// RecordCacheStore counts a store attempt; estimates are never stored.
func RecordCacheStore(stored bool) {
	if stored {
		cacheStores.WithLabelValues("stored").Inc()
		return
	}
	cacheStores.WithLabelValues("skipped_estimate").Inc()
}

// RecordTrackerRequest counts a tracker call. Outcome is one of ok, error,
// rate_limited or no_token.
func RecordTrackerRequest(resource, outcome string) {
	trackerRequests.WithLabelValues(resource, outcome).Inc()
}
