// Package metrics holds the process-wide Prometheus instruments.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MessagesAppended counts messages accepted into conversations.
	MessagesAppended = promauto.NewCounter(prometheus.CounterOpts{
		Name: "courier_messages_appended_total",
		Help: "Messages accepted and stored.",
	})

	// FanoutEvents counts realtime events emitted per event type.
	FanoutEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "courier_fanout_events_total",
		Help: "Realtime events emitted to connected recipients.",
	}, []string{"type"})

	// FanoutDropped counts events dropped under backpressure or absent sockets.
	FanoutDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "courier_fanout_dropped_total",
		Help: "Realtime events dropped instead of delivered.",
	})

	// PushDispatched counts push-notification dispatch attempts per outcome.
	PushDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "courier_push_dispatched_total",
		Help: "Push notification dispatch attempts.",
	}, []string{"outcome"})

	// ActiveConnections tracks live websocket connections.
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "courier_ws_active_connections",
		Help: "Active websocket connections.",
	})

	// AuditRepairs counts consistency repairs performed by the auditor.
	AuditRepairs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "courier_audit_repairs_total",
		Help: "Consistency auditor repairs, by kind.",
	}, []string{"kind"})
)
