package utils

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	triggers = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bot_trigger_checks_total",
		Help: "Inbound messages evaluated against the trigger keywords",
	}, []string{"result"})
	completions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bot_completions_total",
		Help: "Completion requests by outcome",
	}, []string{"outcome"})
	completionLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "bot_completion_latency_seconds",
		Help:    "Time taken by the completion API",
		Buckets: prometheus.DefBuckets,
	})
	replies = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bot_replies_total",
		Help: "Outgoing replies by result",
	}, []string{"result"})
	reconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bot_reconnects_total",
		Help: "Scheduled reconnection attempts",
	})
	pairingCodes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bot_pairing_codes_total",
		Help: "Pairing code requests by result",
	}, []string{"result"})
	connectionState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bot_connection_state",
		Help: "Current connection state (0 disconnected, 1 connecting, 2 open, 3 logged out)",
	})
)

// RecordTrigger counts a trigger evaluation
func RecordTrigger(matched bool) {
	if matched {
		triggers.WithLabelValues("matched").Inc()
		return
	}
	triggers.WithLabelValues("ignored").Inc()
}

// RecordCompletion records the latency and outcome of a completion call
func RecordCompletion(latency time.Duration, outcome string) {
	completionLatency.Observe(latency.Seconds())
	completions.WithLabelValues(outcome).Inc()
}

// RecordReply counts a reply send attempt
func RecordReply(err error) {
	if err != nil {
		replies.WithLabelValues("failed").Inc()
		return
	}
	replies.WithLabelValues("sent").Inc()
}

// RecordReconnect counts a scheduled reconnection
func RecordReconnect() {
	reconnects.Inc()
}

// RecordPairing counts a pairing code request
func RecordPairing(err error) {
	if err != nil {
		pairingCodes.WithLabelValues("failed").Inc()
		return
	}
	pairingCodes.WithLabelValues("issued").Inc()
}

// SetConnectionState publishes the numeric connection state
func SetConnectionState(state int) {
	connectionState.Set(float64(state))
}
