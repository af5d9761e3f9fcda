// Package metrics exposes the bot's Prometheus collectors.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	TicksProcessed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "optionbot_ticks_processed_total",
			Help: "Ticks handed to the stop-loss tracker",
		},
	)

	StopLossTriggers = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "optionbot_stoploss_triggers_total",
			Help: "Stop-loss exits attempted",
		},
		[]string{"result"}, // ok|rejected|error
	)

	TrackedTokens = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "optionbot_stoploss_tracked_tokens",
			Help: "Tokens with an active stop-loss threshold",
		},
	)

	PositionsOpened = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "optionbot_positions_opened_total",
			Help: "Positions opened",
		},
		[]string{"index", "direction"},
	)

	PositionExits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "optionbot_position_exits_total",
			Help: "Position exits recorded",
		},
		[]string{"kind", "reason"}, // kind: strategic|stoploss
	)

	Orders = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "optionbot_orders_total",
			Help: "Orders handled by the executor",
		},
		[]string{"side", "status"}, // status: submitted|failed|duplicate|dropped
	)

	IterationErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "optionbot_strategy_errors_total",
			Help: "Errors raised while evaluating an index",
		},
		[]string{"index", "stage"},
	)

	IterationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "optionbot_strategy_iteration_seconds",
			Help:    "Duration of one strategy loop pass over all indices",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
	)

	StoreRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "optionbot_store_retries_total",
			Help: "Store writes retried after a failure",
		},
		[]string{"op"},
	)
)

var registerOnce sync.Once

// Init registers every collector with the default registry. Safe to call
// more than once.
func Init() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			TicksProcessed,
			StopLossTriggers,
			TrackedTokens,
			PositionsOpened,
			PositionExits,
			Orders,
			IterationErrors,
			IterationDuration,
			StoreRetries,
		)
	})
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
