// Package metrics exposes the engine's Prometheus collectors, served at
// /metrics on the main HTTP port.
package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ticksAccepted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_ticks_accepted_total",
			Help: "Ticks accepted by the intake after deduplication",
		},
		[]string{"symbol"},
	)

	ticksDeduped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_ticks_deduped_total",
			Help: "Ticks dropped by the two-window deduplicator",
		},
		[]string{"window"}, // short|long
	)

	listenerDrops = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "engine_listener_drops_total",
			Help: "Ticks dropped on full listener channels",
		},
	)

	candlesFinalized = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_candles_finalized_total",
			Help: "Candles finalized by boundary tick or sweep",
		},
		[]string{"timeframe"},
	)

	signalsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_signals_published_total",
			Help: "Signals persisted ACTIVE, by direction",
		},
		[]string{"direction"},
	)

	intents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_trade_intents_total",
			Help: "Trade intents by validation outcome (approved|rejected)",
		},
		[]string{"outcome"},
	)

	ordersPlaced = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_orders_placed_total",
			Help: "Entry orders placed at the broker, by broker code",
		},
		[]string{"broker"},
	)

	ordersRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_orders_rejected_total",
			Help: "Entry orders rejected, by error code",
		},
		[]string{"code"},
	)

	ordersTimedOut = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "engine_orders_timeout_total",
			Help: "Pending orders timed out without broker confirmation",
		},
	)

	exits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_exits_total",
			Help: "Exit intents by terminal outcome (filled|failed|cancelled) and reason",
		},
		[]string{"outcome", "reason"},
	)

	openTrades = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "engine_open_trades",
			Help: "Trades currently in a non-terminal status",
		},
	)

	busEventsDropped = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "engine_bus_events_dropped",
			Help: "Domain events lost to slow subscribers",
		},
	)

	brokerCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_broker_calls_total",
			Help: "Outbound broker calls by broker and result (ok or error kind)",
		},
		[]string{"broker", "result"},
	)
)

func init() {
	prometheus.MustRegister(
		ticksAccepted, ticksDeduped, listenerDrops,
		candlesFinalized,
		signalsPublished, intents,
		ordersPlaced, ordersRejected, ordersTimedOut,
		exits, openTrades,
		busEventsDropped, brokerCalls,
	)
}

func IncTickAccepted(symbol string) { ticksAccepted.WithLabelValues(symbol).Inc() }

func IncTickDeduped(window string) { ticksDeduped.WithLabelValues(window).Inc() }

func IncListenerDrop() { listenerDrops.Inc() }

func IncCandleFinalized(tf string) { candlesFinalized.WithLabelValues(tf).Inc() }

func IncSignalPublished(dir string) { signalsPublished.WithLabelValues(dir).Inc() }

func IncIntent(outcome string) { intents.WithLabelValues(outcome).Inc() }

func IncOrderPlaced(broker string) { ordersPlaced.WithLabelValues(broker).Inc() }

func IncOrderRejected(code string) { ordersRejected.WithLabelValues(code).Inc() }

func IncOrderTimeout() { ordersTimedOut.Inc() }

func IncExit(outcome, reason string) { exits.WithLabelValues(outcome, reason).Inc() }

func SetOpenTrades(n int) { openTrades.Set(float64(n)) }

func SetBusEventsDropped(n int64) { busEventsDropped.Set(float64(n)) }

func IncBrokerCall(broker, result string) { brokerCalls.WithLabelValues(broker, result).Inc() }

// Handler returns the /metrics handler in Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Serve runs a plain HTTP server exposing /metrics on the given port.
// Blocks until the server fails.
func Serve(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	return fmt.Errorf("metrics server: %w", http.ListenAndServe(fmt.Sprintf(":%d", port), mux))
}
