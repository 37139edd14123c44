package pkg

import "github.com/prometheus/client_golang/prometheus"

var (
	RelayClientsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "signal_relay_clients",
		Help: "A gauge of registered clients on the signaling relay.",
	})

	RelaySessionsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "signal_relay_sessions",
		Help: "A gauge of open websocket sessions on the signaling relay.",
	})

	RelayRoomsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "signal_relay_rooms",
		Help: "A gauge of open rooms on the signaling relay.",
	})

	RelayEnvelopesCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "signal_relay_envelopes_total",
		Help: "A counter for envelopes received by the signaling relay.",
	}, []string{"type"})

	RelayDroppedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "signal_relay_dropped_envelopes_total",
		Help: "A counter for outbound envelopes dropped on full or closed sessions.",
	})

	RelayInFlightGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "signal_relay_in_flight_requests",
		Help: "A gauge of requests being handled by the signaling relay.",
	})

	RelayRequestsCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "signal_relay_requests_total",
		Help: "A counter for requests to the signaling relay.",
	}, []string{"code", "method"})
)

func init() {
	prometheus.MustRegister(
		RelayClientsGauge,
		RelaySessionsGauge,
		RelayRoomsGauge,
		RelayEnvelopesCounter,
		RelayDroppedCounter,
		RelayInFlightGauge,
		RelayRequestsCounter,
	)
}
