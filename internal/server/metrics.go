package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics are the relay's operational counters. They live on a private
// registry so several relays (or tests) can coexist in one process.
type metrics struct {
	roomsOpen     prometheus.Gauge
	clientsOpen   prometheus.Gauge
	envelopesIn   *prometheus.CounterVec
	joinsRejected *prometheus.CounterVec
	roomsEvicted  prometheus.Counter
	roomsExpired  prometheus.Counter
	slowClients   prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	return &metrics{
		roomsOpen: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "roomsnap",
			Subsystem: "relay",
			Name:      "rooms_open",
			Help:      "Rooms currently held by the relay.",
		}),
		clientsOpen: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "roomsnap",
			Subsystem: "relay",
			Name:      "clients_connected",
			Help:      "WebSocket clients currently connected.",
		}),
		envelopesIn: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "roomsnap",
			Subsystem: "relay",
			Name:      "envelopes_received_total",
			Help:      "Envelopes received from clients, by message type.",
		}, []string{"type"}),
		joinsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "roomsnap",
			Subsystem: "relay",
			Name:      "joins_rejected_total",
			Help:      "Connection attempts refused before the upgrade, by reason.",
		}, []string{"reason"}),
		roomsEvicted: f.NewCounter(prometheus.CounterOpts{
			Namespace: "roomsnap",
			Subsystem: "relay",
			Name:      "rooms_evicted_total",
			Help:      "Live rooms dropped because the room bound was reached.",
		}),
		roomsExpired: f.NewCounter(prometheus.CounterOpts{
			Namespace: "roomsnap",
			Subsystem: "relay",
			Name:      "rooms_expired_total",
			Help:      "Rooms removed by the sweeper after their session lifetime lapsed.",
		}),
		slowClients: f.NewCounter(prometheus.CounterOpts{
			Namespace: "roomsnap",
			Subsystem: "relay",
			Name:      "clients_dropped_slow_total",
			Help:      "Clients disconnected because their send buffer stayed full.",
		}),
	}
}
