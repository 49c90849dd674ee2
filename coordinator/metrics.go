package coordinator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	roomsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "webrtc_meet",
		Subsystem: "coordinator",
		Name:      "rooms_active",
		Help:      "Number of meetings with at least one attached signaling channel.",
	})
	participants = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "webrtc_meet",
		Subsystem: "coordinator",
		Name:      "participants",
		Help:      "Number of joined participants across all meetings.",
	})
	broadcasts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "webrtc_meet",
		Subsystem: "coordinator",
		Name:      "state_broadcasts_total",
		Help:      "Total number of full room-state broadcasts.",
	})
	evictions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "webrtc_meet",
		Subsystem: "coordinator",
		Name:      "evictions_total",
		Help:      "Total number of participants evicted by the liveness sweep.",
	})
)
