// Package metrics implements Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FramesTotal counts link frames handed to or accepted from the transport
	FramesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lanchat_link_frames_total",
			Help: "Total number of link frames sent or accepted",
		},
		[]string{"direction"},
	)

	// FramesDroppedTotal counts frames/fragments dropped by layer and reason
	FramesDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lanchat_dropped_total",
			Help: "Total number of frames or fragments dropped",
		},
		[]string{"layer", "reason"},
	)

	// ResolutionMessagesTotal counts resolution requests, replies and announcements
	ResolutionMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lanchat_resolution_messages_total",
			Help: "Total number of resolution protocol messages",
		},
		[]string{"direction", "op"},
	)

	// ResolutionCacheEntries tracks learned network-to-link bindings
	ResolutionCacheEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lanchat_resolution_cache_entries",
			Help: "Number of bindings in the resolution cache",
		},
	)

	// ResolutionPending tracks outstanding resolution requests
	ResolutionPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lanchat_resolution_pending",
			Help: "Number of resolution requests awaiting a reply",
		},
	)

	// ResolutionTimeoutsTotal counts pending requests that expired unanswered
	ResolutionTimeoutsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lanchat_resolution_timeouts_total",
			Help: "Total number of resolution requests that timed out",
		},
	)

	// FragmentsTotal counts fragments sent or accepted
	FragmentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lanchat_fragments_total",
			Help: "Total number of fragments sent or accepted",
		},
		[]string{"direction"},
	)

	// ReassemblyActiveGroups tracks fragment groups awaiting completion
	ReassemblyActiveGroups = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lanchat_reassembly_active_groups",
			Help: "Number of fragment groups in the reassembly table",
		},
	)

	// ReassemblyGroupsTotal counts fragment groups by outcome
	ReassemblyGroupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lanchat_reassembly_groups_total",
			Help: "Total number of fragment groups by outcome",
		},
		[]string{"outcome"}, // completed | expired | evicted | corrupt
	)

	// DeliveriesTotal counts reassembled payloads delivered to consumers
	DeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lanchat_deliveries_total",
			Help: "Total number of payloads delivered to upper consumers",
		},
		[]string{"proto"},
	)

	// TransportErrorsTotal counts transport read/write failures
	TransportErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lanchat_transport_errors_total",
			Help: "Total number of transport errors",
		},
		[]string{"transport", "op"},
	)

	// SendLatencySeconds measures how long a multi-fragment send blocks its caller
	SendLatencySeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "lanchat_send_latency_seconds",
			Help:    "Time spent handing all fragments of a payload to the lower layer",
			Buckets: prometheus.ExponentialBuckets(0.00001, 2, 20), // 10µs to ~5s
		},
	)
)

// Drop records a dropped frame or fragment.
func Drop(layer, reason string) {
	FramesDroppedTotal.WithLabelValues(layer, reason).Inc()
}
