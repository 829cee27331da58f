package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/uhyunpark/peerbook/pkg/orderbook"
)

// Metrics holds one node's collectors on a private registry, so several
// nodes can live in one process. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	reg *prometheus.Registry

	ordersApplied     prometheus.Counter
	ordersCrossed     prometheus.Counter
	fills             prometheus.Counter
	ordersOriginated  prometheus.Counter
	broadcastFailures *prometheus.CounterVec
	bookSize          prometheus.Gauge
	locksHeld         prometheus.Gauge
	joinPhase         prometheus.Gauge
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		reg: reg,
		ordersApplied: f.NewCounter(prometheus.CounterOpts{
			Name: "peerbook_orders_applied_total",
			Help: "Orders applied to the local book.",
		}),
		ordersCrossed: f.NewCounter(prometheus.CounterOpts{
			Name: "peerbook_orders_crossed_total",
			Help: "Applied orders that consumed at least one resting order.",
		}),
		fills: f.NewCounter(prometheus.CounterOpts{
			Name: "peerbook_fills_total",
			Help: "Resting orders touched by matching.",
		}),
		ordersOriginated: f.NewCounter(prometheus.CounterOpts{
			Name: "peerbook_orders_originated_total",
			Help: "Orders generated and broadcast by this node.",
		}),
		broadcastFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "peerbook_broadcast_failures_total",
			Help: "Outbound broadcasts that returned an error.",
		}, []string{"method"}),
		bookSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "peerbook_book_size",
			Help: "Resting orders across both sides.",
		}),
		locksHeld: f.NewGauge(prometheus.GaugeOpts{
			Name: "peerbook_locks_held",
			Help: "Peers currently holding an advisory lock on this node.",
		}),
		joinPhase: f.NewGauge(prometheus.GaugeOpts{
			Name: "peerbook_join_phase",
			Help: "Current join phase as its ordinal.",
		}),
	}
}

func (m *Metrics) ObservePlace(res orderbook.Result) {
	if m == nil {
		return
	}
	m.ordersApplied.Inc()
	if res.Crossed {
		m.ordersCrossed.Inc()
	}
	m.fills.Add(float64(len(res.Fills)))
	m.bookSize.Set(float64(res.Size))
}

func (m *Metrics) SetBookSize(n int) {
	if m == nil {
		return
	}
	m.bookSize.Set(float64(n))
}

func (m *Metrics) OrderOriginated() {
	if m == nil {
		return
	}
	m.ordersOriginated.Inc()
}

func (m *Metrics) BroadcastFailed(method string) {
	if m == nil {
		return
	}
	m.broadcastFailures.WithLabelValues(method).Inc()
}

func (m *Metrics) SetLocksHeld(n int) {
	if m == nil {
		return
	}
	m.locksHeld.Set(float64(n))
}

func (m *Metrics) SetJoinPhase(p int) {
	if m == nil {
		return
	}
	m.joinPhase.Set(float64(p))
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}
