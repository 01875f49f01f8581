// Package metrics exposes the matching pipeline's Prometheus collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcomes of a processed order.
const (
	OutcomeRested   = "rested"
	OutcomeFilled   = "filled"
	OutcomeDropped  = "dropped"
	OutcomeRejected = "rejected"
)

type Metrics struct {
	registry *prometheus.Registry

	OrdersProcessed *prometheus.CounterVec
	Cancels         *prometheus.CounterVec
	Trades          *prometheus.CounterVec
	TradedQuantity  *prometheus.CounterVec
	RestingOrders   *prometheus.GaugeVec
	MatchLatency    *prometheus.HistogramVec
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		OrdersProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "klear",
			Name:      "orders_processed_total",
			Help:      "Orders fed to the matching engine, by kind and outcome.",
		}, []string{"symbol", "kind", "outcome"}),
		Cancels: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "klear",
			Name:      "cancels_total",
			Help:      "Cancel requests, by result.",
		}, []string{"symbol", "result"}),
		Trades: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "klear",
			Name:      "trades_total",
			Help:      "Trades generated by the matching engine.",
		}, []string{"symbol"}),
		TradedQuantity: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "klear",
			Name:      "traded_quantity_total",
			Help:      "Quantity traded in the matching engine.",
		}, []string{"symbol"}),
		RestingOrders: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "klear",
			Name:      "resting_orders",
			Help:      "Orders currently resting in a book.",
		}, []string{"symbol"}),
		MatchLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "klear",
			Name:      "match_duration_seconds",
			Help:      "Time spent matching one order.",
			Buckets:   prometheus.ExponentialBuckets(0.00001, 4, 10),
		}, []string{"symbol"}),
	}
	m.registry.MustRegister(
		m.OrdersProcessed,
		m.Cancels,
		m.Trades,
		m.TradedQuantity,
		m.RestingOrders,
		m.MatchLatency,
		collectors.NewGoCollector(),
	)
	return m
}

// ObserveMatch records the outcome of matching one order.
func (m *Metrics) ObserveMatch(symbol, kind, outcome string, trades int, quantity float64, took time.Duration, resting int) {
	m.OrdersProcessed.WithLabelValues(symbol, kind, outcome).Inc()
	m.MatchLatency.WithLabelValues(symbol).Observe(took.Seconds())
	m.RestingOrders.WithLabelValues(symbol).Set(float64(resting))
	if trades > 0 {
		m.Trades.WithLabelValues(symbol).Add(float64(trades))
		m.TradedQuantity.WithLabelValues(symbol).Add(quantity)
	}
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
