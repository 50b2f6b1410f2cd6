package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Submission results used as the "result" label of SubmissionsTotal.
const (
	ResultAccepted     = "accepted"
	ResultInvalidProof = "invalid_proof"
	ResultReplayed     = "replayed"
	ResultRateLimited  = "rate_limited"
	ResultError        = "error"
)

var (
	// SubmissionsTotal counts submit requests by outcome.
	SubmissionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hyperchain_submissions_total",
			Help: "Nonce submissions by result",
		},
		[]string{"result"},
	)

	// LedgerLength is the number of blocks in the ledger.
	LedgerLength = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hyperchain_ledger_length",
			Help: "Number of blocks in the ledger",
		},
	)

	// Complexity is the complexity currently required of new nonces.
	Complexity = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hyperchain_complexity",
			Help: "Current mining complexity",
		},
	)

	// RetargetsTotal counts retargets that changed the complexity.
	RetargetsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hyperchain_retargets_total",
			Help: "Complexity changes by direction",
		},
		[]string{"direction"}, // up, down
	)

	// SubmitLatency observes the time spent in the submission critical section.
	SubmitLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hyperchain_submit_duration_seconds",
			Help:    "Time to validate and append a submission",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8),
		},
	)
)

func init() {
	prometheus.MustRegister(SubmissionsTotal)
	prometheus.MustRegister(LedgerLength)
	prometheus.MustRegister(Complexity)
	prometheus.MustRegister(RetargetsTotal)
	prometheus.MustRegister(SubmitLatency)
}

// ObserveRetarget records a complexity change from old to new.
func ObserveRetarget(old, new uint32) {
	switch {
	case new > old:
		RetargetsTotal.WithLabelValues("up").Inc()
	case new < old:
		RetargetsTotal.WithLabelValues("down").Inc()
	}
	Complexity.Set(float64(new))
}

// Handler serves the default registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}
