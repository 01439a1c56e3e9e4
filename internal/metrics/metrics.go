// Package metrics exposes hub counters through Prometheus.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "calpush"

// Hub groups the collectors updated by the real-time hub. A nil *Hub is a
// valid no-op recorder.
type Hub struct {
	connections         prometheus.Gauge
	connectionsTotal    prometheus.Counter
	authFailures        prometheus.Counter
	registrations       *prometheus.CounterVec
	unregistrations     prometheus.Counter
	revocations         prometheus.Counter
	pushes              *prometheus.CounterVec
	importNotifications *prometheus.CounterVec
}

// NewHub creates the collectors and registers them with reg.
func NewHub(reg prometheus.Registerer) *Hub {
	h := &Hub{
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_live",
			Help:      "Number of open websocket connections.",
		}),
		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Number of websocket connections accepted since start.",
		}),
		authFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_failures_total",
			Help:      "Number of connection attempts refused for a bad ticket.",
		}),
		registrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registrations_total",
			Help:      "Register attempts by outcome.",
		}, []string{"outcome"}),
		unregistrations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unregistrations_total",
			Help:      "Unregister requests processed.",
		}),
		revocations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "revoked_subscriptions_total",
			Help:      "Subscriptions removed after an access change.",
		}),
		pushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pushes_total",
			Help:      "Push frames by outcome.",
		}, []string{"outcome"}),
		importNotifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "import_notifications_total",
			Help:      "Import outcomes routed to subscribers, by status.",
		}, []string{"status"}),
	}

	if reg != nil {
		reg.MustRegister(
			h.connections,
			h.connectionsTotal,
			h.authFailures,
			h.registrations,
			h.unregistrations,
			h.revocations,
			h.pushes,
			h.importNotifications,
		)
	}
	return h
}

func (h *Hub) ConnectionOpened() {
	if h == nil {
		return
	}
	h.connections.Inc()
	h.connectionsTotal.Inc()
}

func (h *Hub) ConnectionClosed() {
	if h == nil {
		return
	}
	h.connections.Dec()
}

func (h *Hub) AuthFailed() {
	if h == nil {
		return
	}
	h.authFailures.Inc()
}

// Registration records a register outcome such as "registered" or "Forbidden".
func (h *Hub) Registration(outcome string) {
	if h == nil {
		return
	}
	h.registrations.WithLabelValues(normalizeLabel(outcome)).Inc()
}

func (h *Hub) Unregistered(count int) {
	if h == nil || count <= 0 {
		return
	}
	h.unregistrations.Add(float64(count))
}

func (h *Hub) Revoked(count int) {
	if h == nil || count <= 0 {
		return
	}
	h.revocations.Add(float64(count))
}

func (h *Hub) PushDelivered() {
	if h == nil {
		return
	}
	h.pushes.WithLabelValues("delivered").Inc()
}

func (h *Hub) PushDropped() {
	if h == nil {
		return
	}
	h.pushes.WithLabelValues("dropped").Inc()
}

func (h *Hub) ImportNotified(status string) {
	if h == nil {
		return
	}
	h.importNotifications.WithLabelValues(normalizeLabel(status)).Inc()
}

func normalizeLabel(raw string) string {
	label := strings.TrimSpace(strings.ToLower(raw))
	if label == "" {
		return "unknown"
	}
	return label
}
