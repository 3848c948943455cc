package session

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sessionsByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "watink_sessions",
		Help: "Sessions held in memory by last announced status",
	}, []string{"status"})

	statusTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "watink_session_status_transitions_total",
		Help: "Announced session status transitions",
	}, []string{"status"})

	reconnectsScheduled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "watink_session_reconnects_scheduled_total",
		Help: "Reconnect attempts scheduled after a socket close",
	})

	commandsHandled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "watink_session_commands_total",
		Help: "Commands handled by type and result",
	}, []string{"type", "result"})

	sendFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "watink_session_send_failures_total",
		Help: "Outbound sends that failed, by reason",
	}, []string{"reason"})

	echoesSuppressed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "watink_session_echoes_suppressed_total",
		Help: "Inbound copies of our own sends dropped by the de-dup set",
	})
)
