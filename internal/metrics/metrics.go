// Package metrics provides Prometheus instrumentation for the pairing
// engine: queue depth, match throughput, session lifecycle, moderation
// outcomes, bans and janitor health.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// MatchQueueSize tracks the number of waiting entries per category.
	MatchQueueSize = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pairing_match_queue_size",
		Help: "Current number of entries waiting in a matching queue",
	}, []string{"category"})

	// MatchesTotal counts produced matches per category.
	MatchesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pairing_matches_total",
		Help: "Total number of matches produced",
	}, []string{"category"})

	// ClaimConflictsTotal counts candidate claims lost to another worker.
	ClaimConflictsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pairing_claim_conflicts_total",
		Help: "Candidate claims lost to a concurrent searcher",
	})

	// MatchWait records how long a claimed candidate waited in the queue.
	MatchWait = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "pairing_match_wait_seconds",
		Help:    "Time a candidate waited in the queue before being matched",
		Buckets: []float64{1, 2, 5, 10, 15, 30, 60, 120, 300},
	})

	// ActiveSessions tracks sessions currently in the active state.
	ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pairing_active_sessions",
		Help: "Current number of active sessions",
	})

	// SessionDuration records the duration of ended sessions.
	SessionDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pairing_session_duration_seconds",
		Help:    "Duration of ended sessions",
		Buckets: []float64{10, 30, 60, 300, 600, 1800, 3600},
	}, []string{"modality", "reason"})

	// MessagesTotal counts messages by moderation outcome:
	// "delivered", "flagged" or "blocked".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pairing_messages_total",
		Help: "Total number of messages processed",
	}, []string{"outcome"})

	// ModerationScore records toxicity scores produced by the analyzer.
	ModerationScore = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "pairing_moderation_score",
		Help:    "Toxicity score distribution",
		Buckets: []float64{0, .1, .2, .3, .4, .5, .6, .7, .8, .9, 1},
	})

	// BansTotal counts bans applied, labeled by kind: "user" or "network".
	BansTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pairing_bans_total",
		Help: "Total number of bans applied",
	}, []string{"kind"})

	// JanitorStepFailures counts failed sweep steps.
	JanitorStepFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pairing_janitor_step_failures_total",
		Help: "Janitor sweep steps that returned an error or panicked",
	}, []string{"step"})

	// JanitorSwept counts records touched by each sweep step.
	JanitorSwept = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pairing_janitor_swept_total",
		Help: "Records expired or cleaned by janitor steps",
	}, []string{"step"})
)

func init() {
	prometheus.MustRegister(
		MatchQueueSize,
		MatchesTotal,
		ClaimConflictsTotal,
		MatchWait,
		ActiveSessions,
		SessionDuration,
		MessagesTotal,
		ModerationScore,
		BansTotal,
		JanitorStepFailures,
		JanitorSwept,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
