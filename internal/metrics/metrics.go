// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	SignalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tvrelay_signals_total",
			Help: "Webhook signals by outcome and rejection reason.",
		},
		[]string{"outcome", "reason"},
	)
	OrdersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tvrelay_orders_total",
			Help: "Orders submitted to the exchange by kind, side and result.",
		},
		[]string{"kind", "side", "result"},
	)
	PositionEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tvrelay_position_events_total",
			Help: "Position lifecycle events by type.",
		},
		[]string{"type"},
	)
	TakeProfitFills = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tvrelay_tp_fills_total",
			Help: "Take-profit levels filled, by level.",
		},
		[]string{"level"},
	)
	StopTriggers = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tvrelay_stop_triggers_total",
			Help: "Stops that closed a position, by mechanism (native or monitored).",
		},
		[]string{"mechanism"},
	)
	CriticalFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tvrelay_critical_failures_total",
			Help: "Break-even stop relocations that failed and left a position CLOSING_FAILED.",
		},
	)
	OpenPositions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tvrelay_open_positions",
			Help: "Positions not yet closed.",
		},
	)
	MonitorCycle = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tvrelay_monitor_cycle_seconds",
			Help:    "Duration of one monitor pass.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"monitor"},
	)
)

func init() {
	prometheus.MustRegister(SignalsTotal, OrdersTotal, PositionEvents)
	prometheus.MustRegister(TakeProfitFills, StopTriggers, CriticalFailures)
	prometheus.MustRegister(OpenPositions, MonitorCycle)
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Result labels an order attempt.
func Result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
