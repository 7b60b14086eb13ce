package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SchemaDegraded is 1 while the registry serves the embedded default
	// schema because the backing store is unreadable.
	SchemaDegraded = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "pald",
		Subsystem: "schema",
		Name:      "degraded",
		Help:      "1 when the schema registry runs on the embedded default schema",
	})

	// SchemaPublished counts schema versions published by this process.
	SchemaPublished = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pald",
		Subsystem: "schema",
		Name:      "published_total",
		Help:      "Total schema versions published",
	})

	// LoopIterations counts consistency loop iterations.
	// Labels: result (scored, retried, failed)
	LoopIterations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pald",
		Subsystem: "loop",
		Name:      "iterations_total",
		Help:      "Total consistency loop iterations by result",
	}, []string{"result"})

	// LoopOutcomes counts finished loops.
	// Labels: status (converged, exhausted, cancelled, failed)
	LoopOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pald",
		Subsystem: "loop",
		Name:      "outcomes_total",
		Help:      "Total finished consistency loops by status",
	}, []string{"status"})

	// LoopSimilarity tracks the similarity of every scored iteration.
	LoopSimilarity = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "pald",
		Subsystem: "loop",
		Name:      "similarity",
		Help:      "Distribution of per-iteration similarity scores",
		Buckets:   []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 0.95, 1.0},
	})

	// ProviderCalls counts external provider calls.
	// Labels: provider, op, status (ok, transient, permanent, rejected)
	ProviderCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pald",
		Subsystem: "provider",
		Name:      "calls_total",
		Help:      "Total external provider calls",
	}, []string{"provider", "op", "status"})

	// JobTransitions counts bias job state transitions.
	// Labels: status (the state entered)
	JobTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pald",
		Subsystem: "bias",
		Name:      "job_transitions_total",
		Help:      "Total bias job state transitions by target status",
	}, []string{"status"})

	// BiasJobs is the bias job queue depth by status at the last check.
	BiasJobs = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "pald",
		Subsystem: "bias",
		Name:      "jobs",
		Help:      "Bias jobs by status at the last monitoring check",
	}, []string{"status"})

	// CandidatesPending is the number of unpromoted field candidates at the
	// last check.
	CandidatesPending = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "pald",
		Subsystem: "candidates",
		Name:      "pending",
		Help:      "Unpromoted field candidates at the last monitoring check",
	})

	// LoopExhaustionRate is the share of loops in the lookback window that
	// ended exhausted.
	LoopExhaustionRate = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "pald",
		Subsystem: "loop",
		Name:      "exhaustion_rate",
		Help:      "Share of finished loops that exhausted within the lookback window",
	})

	// CandidateObservations counts harvested field names.
	// Labels: result (counted, ignored)
	CandidateObservations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pald",
		Subsystem: "candidates",
		Name:      "observations_total",
		Help:      "Total field candidate observations",
	}, []string{"result"})

	// CandidatePromotions counts governance decisions.
	// Labels: decision (promoted, rejected)
	CandidatePromotions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pald",
		Subsystem: "candidates",
		Name:      "decisions_total",
		Help:      "Total candidate governance decisions",
	}, []string{"decision"})
)
