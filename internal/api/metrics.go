package api

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/atlas-desktop/scalper-backend/internal/algo"
)

// Metrics exposes engine counters to Prometheus. Snapshot-derived series
// are gauge funcs pulled from the coordinator at scrape time; decision
// and client counters are pushed from server callbacks.
type Metrics struct {
	registry *prometheus.Registry

	Decisions *prometheus.CounterVec
	WSClients prometheus.Gauge
}

// NewMetrics builds the registry over a coordinator.
func NewMetrics(coord *algo.Coordinator) *Metrics {
	registry := prometheus.NewRegistry()

	snapshotGauge := func(name, help string, value func(algo.MetricsSnapshot) float64) {
		registry.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{Namespace: "engine", Name: name, Help: help},
			func() float64 { return value(coord.Metrics()) },
		))
	}

	snapshotGauge("ticks_processed_total", "Trade ticks processed.",
		func(m algo.MetricsSnapshot) float64 { return float64(m.TicksProcessed) })
	snapshotGauge("depth_updates_total", "Depth diffs processed.",
		func(m algo.MetricsSnapshot) float64 { return float64(m.DepthUpdates) })
	snapshotGauge("patterns_detected_total", "Order flow patterns detected.",
		func(m algo.MetricsSnapshot) float64 { return float64(m.PatternsDetected) })
	snapshotGauge("signals_accepted_total", "Signals accepted into decisions.",
		func(m algo.MetricsSnapshot) float64 { return float64(m.SignalsAccepted) })
	snapshotGauge("signals_rejected_total", "Signals rejected by gates.",
		func(m algo.MetricsSnapshot) float64 { return float64(m.SignalsRejected) })
	snapshotGauge("cooldown_rejections_total", "Evaluations rejected inside the cooldown window.",
		func(m algo.MetricsSnapshot) float64 { return float64(m.CooldownRejections) })
	snapshotGauge("decisions_emitted_total", "Execution decisions emitted.",
		func(m algo.MetricsSnapshot) float64 { return float64(m.DecisionsEmitted) })
	snapshotGauge("open_trades", "Decisions awaiting a closed-trade result.",
		func(m algo.MetricsSnapshot) float64 { return float64(m.OpenTrades) })
	snapshotGauge("account_balance", "Current account balance.",
		func(m algo.MetricsSnapshot) float64 { return m.Balance.InexactFloat64() })
	snapshotGauge("drawdown", "Current drawdown fraction from peak equity.",
		func(m algo.MetricsSnapshot) float64 { return m.Drawdown })
	snapshotGauge("volatility", "Current volatility estimate.",
		func(m algo.MetricsSnapshot) float64 { return m.Volatility })

	decisions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "engine",
		Name:      "decisions_by_direction_total",
		Help:      "Execution decisions by direction.",
	}, []string{"direction"})
	registry.MustRegister(decisions)

	wsClients := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "engine",
		Name:      "websocket_clients",
		Help:      "Connected operator websocket clients.",
	})
	registry.MustRegister(wsClients)

	return &Metrics{
		registry:  registry,
		Decisions: decisions,
		WSClients: wsClients,
	}
}

// Handler returns the scrape endpoint handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
