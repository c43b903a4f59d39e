// Package metrics provides Prometheus instrumentation for the chat
// coordinator: live sessions, message outcomes, moderation actions and the
// history archive.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of open WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "lounge_connections_total",
		Help: "Current number of open WebSocket connections",
	})

	// SessionsActive tracks joined sessions in the connection registry.
	SessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "lounge_sessions_active",
		Help: "Current number of joined sessions",
	})

	// MessagesTotal counts chat events by kind and outcome
	// ("delivered", "muted", "guest", "rate_limited", "offline", "refused").
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lounge_messages_total",
		Help: "Chat events processed, by kind and outcome",
	}, []string{"kind", "outcome"})

	// FanoutLatency records how long one broadcast takes to enqueue.
	FanoutLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "lounge_fanout_latency_seconds",
		Help:    "Time to enqueue one broadcast to every session",
		Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1},
	})

	// Disconnects counts forced disconnects by reason ("evicted", "banned",
	// "slow", "rejected").
	Disconnects = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lounge_forced_disconnects_total",
		Help: "Sessions disconnected by the coordinator, by reason",
	}, []string{"reason"})

	// ModerationActions counts administrative actions by name.
	ModerationActions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lounge_moderation_actions_total",
		Help: "Administrative actions applied",
	}, []string{"action"})

	// HistoryWindow tracks the number of messages in the active window.
	HistoryWindow = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "lounge_history_window_size",
		Help: "Messages currently held in the active history window",
	})

	// ArchivedTotal counts messages moved to the archive.
	ArchivedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lounge_history_archived_total",
		Help: "Messages moved from the active window to the archive",
	})

	// StoreErrors counts transient storage failures by operation.
	StoreErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lounge_store_errors_total",
		Help: "Transient storage failures, by operation",
	}, []string{"op"})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		SessionsActive,
		MessagesTotal,
		FanoutLatency,
		Disconnects,
		ModerationActions,
		HistoryWindow,
		ArchivedTotal,
		StoreErrors,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
