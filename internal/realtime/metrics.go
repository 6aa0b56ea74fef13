package realtime

import "github.com/prometheus/client_golang/prometheus"

var (
	roomsJoined = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "memora_realtime_rooms",
		Help: "Rooms currently joined on the shared push connection.",
	})

	// eventsRouted counts push events by outcome: routed|unrouted.
	eventsRouted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "memora_realtime_events_total",
		Help: "Push events received, by routing outcome.",
	}, []string{"outcome"})
)

func init() {
	prometheus.MustRegister(roomsJoined, eventsRouted)
}
