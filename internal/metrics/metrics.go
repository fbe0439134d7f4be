// Package metrics exposes trackcore's Prometheus instrumentation. Every
// counter/gauge is registered once at package init via promauto, mirroring
// the teacher's single-file metrics package but swapping the hand-rolled
// atomic counters + text writer for prometheus/client_golang.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	PositionsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trackcore_positions_ingested_total",
		Help: "Positions accepted by the gateway, labeled by protocol.",
	}, []string{"protocol"})

	PositionInsertSuccess = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trackcore_position_insert_success_total",
		Help: "Positions durably written to the position store.",
	})

	PositionInsertFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trackcore_position_insert_failures_total",
		Help: "Positions that failed to persist after retry.",
	})

	BroadcastChannelDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trackcore_broadcast_channel_drops_total",
		Help: "Messages dropped because a broadcast channel or a subscriber's send buffer was full.",
	})

	AlertsFired = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trackcore_alerts_fired_total",
		Help: "Alert instances fired, labeled by rule kind.",
	}, []string{"kind"})

	AlertEvalErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trackcore_alert_eval_errors_total",
		Help: "Errors raised while evaluating an alert rule, labeled by rule kind.",
	}, []string{"kind"})

	CommandsDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trackcore_commands_dispatched_total",
		Help: "Downstream commands sent to devices, labeled by terminal outcome.",
	}, []string{"status"})

	OnlineDevices = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "trackcore_online_devices",
		Help: "Devices with a live gateway session.",
	})

	HubSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "trackcore_hub_subscribers",
		Help: "Currently connected dashboard websocket subscribers.",
	})
)

// Handler returns the HTTP handler cmd/trackcored mounts at /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
