package bus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	eventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "watink_bus_events_published_total",
		Help: "Events published to the event exchange by type",
	}, []string{"type"})

	eventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "watink_bus_events_dropped_total",
		Help: "Events dropped because the broker was unavailable, by type",
	}, []string{"type"})

	commandsConsumed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "watink_bus_commands_total",
		Help: "Command deliveries by type and result (ack, nack, bad_json)",
	}, []string{"type", "result"})

	reconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "watink_bus_reconnects_total",
		Help: "Broker connections re-established after a loss",
	})
)
