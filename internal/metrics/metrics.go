// Package metrics holds the Prometheus collectors of the sync server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace is the basic namespace where all metrics are defined under.
const Namespace = "collabtext"

// NewCounter creates a Counter metrics under the global namespace.
func NewCounter(name, subsystem, help string, labels []string) *prometheus.CounterVec {
	return promauto.NewCounterVec(prometheus.CounterOpts{Namespace: Namespace, Subsystem: subsystem, Name: name, Help: help}, labels)
}

// NewGauge creates a Gauge metrics under the global namespace.
func NewGauge(name, subsystem, help string, labels []string) *prometheus.GaugeVec {
	return promauto.NewGaugeVec(prometheus.GaugeOpts{Namespace: Namespace, Subsystem: subsystem, Name: name, Help: help}, labels)
}

var (
	updates = NewCounter(
		"updates_total",
		"document",
		"number of document updates by outcome",
		[]string{"outcome"},
	)
	UpdatesApplied      = updates.WithLabelValues("applied")
	UpdatesDuplicate    = updates.WithLabelValues("duplicate")
	UpdatesUndecodable  = updates.WithLabelValues("undecodable")
	UpdatesMalformed    = updates.WithLabelValues("malformed")
	UpdatesUnauthorized = updates.WithLabelValues("unauthorized")

	// Broadcasts counts deliveries per event kind.
	Broadcasts = NewCounter(
		"deliveries_total",
		"room",
		"number of frames delivered to room members",
		[]string{"event"},
	)
	SlowSessions = NewCounter(
		"slow_sessions_total",
		"room",
		"number of sessions closed because their send buffer was full",
		[]string{},
	).WithLabelValues()

	Sessions = NewGauge(
		"sessions",
		"server",
		"number of open connections",
		[]string{},
	).WithLabelValues()

	admissions = NewCounter(
		"admissions_total",
		"access",
		"admission decisions by resulting status",
		[]string{"status"},
	)
	PendingRequests = NewGauge(
		"pending_requests",
		"access",
		"number of pending access requests",
		[]string{},
	).WithLabelValues()

	RelayDropped = NewCounter(
		"dropped_total",
		"relay",
		"number of updates not relayed because the outbox was full",
		[]string{},
	).WithLabelValues()
	RelayReceived = NewCounter(
		"received_total",
		"relay",
		"number of updates received from other instances",
		[]string{},
	).WithLabelValues()
)

// Admission records an admission decision.
func Admission(status string) {
	admissions.WithLabelValues(status).Inc()
}
