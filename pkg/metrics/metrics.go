// Package metrics declares the Prometheus collectors shared by the mailbox,
// the supervisor and the control API.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "commonroom_http_requests_total",
			Help: "Total control API requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "commonroom_http_request_duration_seconds",
			Help:    "Control API request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"method", "path"},
	)

	// Mailbox metrics
	MessagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "commonroom_messages_sent_total",
			Help: "Messages written to an inbox",
		},
		[]string{"kind"},
	)

	MessagesConsumed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "commonroom_messages_consumed_total",
			Help: "Messages consumed from an inbox",
		},
		[]string{"mode"}, // "drain" or "archive"
	)

	MessagesQuarantined = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "commonroom_messages_quarantined_total",
			Help: "Message files set aside because they could not be parsed",
		},
	)

	MailboxErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "commonroom_mailbox_errors_total",
			Help: "Mailbox I/O failures",
		},
		[]string{"op"},
	)

	// Generation metrics
	GenerationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "commonroom_generation_duration_seconds",
			Help:    "Latency of calls to the generation service",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
	)

	GenerationFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "commonroom_generation_failures_total",
			Help: "Failed calls to the generation service",
		},
	)

	// Supervisor metrics
	ProcessOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "commonroom_process_operations_total",
			Help: "Process control operations by outcome",
		},
		[]string{"op", "outcome"},
	)

	TrackedProcesses = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "commonroom_tracked_processes",
			Help: "Processes currently tracked by the registry",
		},
	)
)
