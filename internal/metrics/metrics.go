// Package metrics holds the relay's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "relay"

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	connections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "signal",
			Name:      "connections",
			Help:      "Current number of registered transport connections.",
		},
	)

	rooms = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "rooms",
			Name:      "active",
			Help:      "Current number of non-empty rooms.",
		},
	)

	worlds = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "presence",
			Name:      "worlds",
			Help:      "Current number of worlds with at least one present user.",
		},
	)

	broadcasts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rooms",
			Name:      "broadcasts_total",
			Help:      "Total number of room broadcasts.",
		},
	)

	droppedFrames = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rooms",
			Name:      "dropped_frames_total",
			Help:      "Frames not delivered because a member's send buffer was full.",
		},
	)

	relayed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "signals_total",
			Help:      "Negotiation messages forwarded, by type.",
		},
		[]string{"type"},
	)

	rejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "signal",
			Name:      "rejected_total",
			Help:      "Inbound messages rejected, by reason.",
		},
		[]string{"reason"},
	)
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		connections,
		rooms,
		worlds,
		broadcasts,
		droppedFrames,
		relayed,
		rejected,
	)
}

// Handler exposes Registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

func ConnOpened() { connections.Inc() }
func ConnClosed() { connections.Dec() }

func RoomCreated() { rooms.Inc() }
func RoomDeleted() { rooms.Dec() }

func WorldCreated() { worlds.Inc() }
func WorldDeleted() { worlds.Dec() }

// Broadcast records one broadcast and the number of members it could not reach.
func Broadcast(dropped int) {
	broadcasts.Inc()
	if dropped > 0 {
		droppedFrames.Add(float64(dropped))
	}
}

func Relayed(msgType string) { relayed.WithLabelValues(msgType).Inc() }

func Rejected(reason string) { rejected.WithLabelValues(reason).Inc() }
