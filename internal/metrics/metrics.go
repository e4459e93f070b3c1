package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	DispatchAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outreach_dispatch_attempts_total",
			Help: "Send attempts recorded in the dispatch ledger",
		},
		[]string{"status"}, // sent, failed
	)

	TickDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "outreach_tick_duration_seconds",
			Help:    "Duration of scheduler ticks",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		},
		[]string{"tick"}, // dispatch, responses
	)

	CircuitTrips = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "outreach_circuit_trips_total",
			Help: "Times the deliverability breaker paused all campaigns",
		},
	)

	VerificationResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outreach_verification_results_total",
			Help: "Verification gate outcomes",
		},
		[]string{"status", "source"}, // source: cache, remote, quota, error
	)

	InboundMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outreach_inbound_messages_total",
			Help: "Correlated inbound messages",
		},
		[]string{"outcome"},
	)
)

func RecordDispatch(status string) {
	DispatchAttempts.WithLabelValues(status).Inc()
}

func RecordTick(tick string, d time.Duration) {
	TickDuration.WithLabelValues(tick).Observe(d.Seconds())
}

func RecordCircuitTrip() {
	CircuitTrips.Inc()
}

func RecordVerification(status, source string) {
	VerificationResults.WithLabelValues(status, source).Inc()
}

func RecordInbound(outcome string) {
	InboundMessages.WithLabelValues(outcome).Inc()
}
