// Package metrics exports engine and feed telemetry to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sony/gobreaker"

	"github.com/alanyoungcy/lmsrbot/internal/domain"
	"github.com/alanyoungcy/lmsrbot/internal/engine"
)

// resultIntent labels decisions that produced a trade intent.
const resultIntent = "intent"

// Metrics holds every collector on its own registry. It implements
// engine.Observer; each call only touches in-memory collectors.
type Metrics struct {
	reg *prometheus.Registry

	decisions     *prometheus.CounterVec
	edge          *prometheus.HistogramVec
	latency       *prometheus.HistogramVec
	divergence    *prometheus.GaugeVec
	divergences   *prometheus.CounterVec
	breaker       *prometheus.GaugeVec
	breakerTrips  *prometheus.CounterVec
	realizedPnL   *prometheus.GaugeVec
	fills         *prometheus.CounterVec
	fees          *prometheus.CounterVec
	rejections    *prometheus.CounterVec
	feedConnected *prometheus.GaugeVec
	venueCircuit  *prometheus.GaugeVec
	configVersion prometheus.Gauge
}

// New creates and registers the collectors under namespace.
func New(namespace string) *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),

		decisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "decisions_total",
				Help:      "Decision cycles by asset and result (intent or skip reason).",
			},
			[]string{"asset", "result"},
		),
		edge: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "edge",
				Help:      "Net edge after fees of evaluated decisions, in probability units.",
				Buckets:   []float64{-0.1, -0.05, -0.02, -0.01, 0, 0.005, 0.01, 0.02, 0.03, 0.05, 0.1, 0.2},
			},
			[]string{"asset", "strategy"},
		),
		latency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "decision_latency_seconds",
				Help:      "Time from tick arrival to decision.",
				Buckets:   []float64{0.00001, 0.00005, 0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.05},
			},
			[]string{"asset"},
		),
		divergence: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "feed_divergence_ratio",
				Help:      "Relative divergence between the primary and cross-validation feeds.",
			},
			[]string{"asset"},
		),
		divergences: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "feed_divergence_events_total",
				Help:      "Snapshots whose feeds diverged beyond the threshold.",
			},
			[]string{"asset"},
		),
		breaker: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "risk_breaker_tripped",
				Help:      "1 while the loss window's circuit breaker is tripped.",
			},
			[]string{"asset", "window"},
		),
		breakerTrips: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "risk_breaker_trips_total",
				Help:      "Circuit breaker trips by window.",
			},
			[]string{"asset", "window"},
		),
		realizedPnL: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "realized_pnl_usdc",
				Help:      "Realized P&L since start, net of fees.",
			},
			[]string{"asset"},
		),
		fills: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fills_total",
				Help:      "Confirmed fills.",
			},
			[]string{"asset", "strategy"},
		),
		fees: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fees_paid_usdc_total",
				Help:      "Taker fees paid.",
			},
			[]string{"asset"},
		),
		rejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rejections_total",
				Help:      "Intents rejected by the executor or venue.",
			},
			[]string{"asset"},
		),
		feedConnected: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "feed_connected",
				Help:      "1 while the feed's websocket is connected and subscribed.",
			},
			[]string{"feed"},
		),
		venueCircuit: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "venue_circuit_state",
				Help:      "Venue circuit breaker state: 0 closed, 1 half-open, 2 open.",
			},
			[]string{"venue"},
		),
		configVersion: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "config_version",
			Help:      "Version of the applied configuration.",
		}),
	}

	m.reg.MustRegister(
		m.decisions, m.edge, m.latency,
		m.divergence, m.divergences,
		m.breaker, m.breakerTrips,
		m.realizedPnL, m.fills, m.fees, m.rejections,
		m.feedConnected, m.venueCircuit, m.configVersion,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// CounterFunc registers a counter read from fn at scrape time, e.g. the
// engine's dropped tick count.
func (m *Metrics) CounterFunc(namespace, name, help string, fn func() float64) {
	m.reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn))
}

// OnDecision implements engine.Observer.
func (m *Metrics) OnDecision(d domain.Decision) {
	asset := string(d.Asset)
	result := d.Skipped
	if d.Intent != nil {
		result = resultIntent
	}
	if result == "" {
		result = "none"
	}
	m.decisions.WithLabelValues(asset, result).Inc()
	m.latency.WithLabelValues(asset).Observe(d.Latency.Seconds())
	if d.MarketPrice > 0 {
		m.edge.WithLabelValues(asset, string(domain.StrategyMaker)).Observe(d.EdgeMaker)
		m.edge.WithLabelValues(asset, string(domain.StrategyTaker)).Observe(d.EdgeTaker)
	}
}

// OnStatus implements engine.Observer.
func (m *Metrics) OnStatus(s domain.AssetStatus) {
	asset := string(s.Asset)
	m.divergence.WithLabelValues(asset).Set(s.Snapshot.DivergencePct)
	for _, w := range s.Risk.Windows {
		v := 0.0
		if w.Status == domain.BreakerTripped {
			v = 1
		}
		m.breaker.WithLabelValues(asset, string(w.Window)).Set(v)
	}
}

// OnDivergence implements engine.Observer.
func (m *Metrics) OnDivergence(snap domain.MarketSnapshot) {
	m.divergences.WithLabelValues(string(snap.Asset)).Inc()
	m.divergence.WithLabelValues(string(snap.Asset)).Set(snap.DivergencePct)
}

// OnBreakerTrip implements engine.Observer.
func (m *Metrics) OnBreakerTrip(asset domain.Asset, windows []domain.Window) {
	for _, w := range windows {
		m.breakerTrips.WithLabelValues(string(asset), string(w)).Inc()
		m.breaker.WithLabelValues(string(asset), string(w)).Set(1)
	}
}

// OnFill implements engine.Observer.
func (m *Metrics) OnFill(rec domain.FillRecord) {
	asset := string(rec.Asset)
	m.fills.WithLabelValues(asset, string(rec.Strategy)).Inc()
	m.realizedPnL.WithLabelValues(asset).Add(rec.RealizedPnL)
	if rec.Fee > 0 {
		m.fees.WithLabelValues(asset).Add(rec.Fee)
	}
}

// OnRejection implements engine.Observer.
func (m *Metrics) OnRejection(r domain.Rejection) {
	m.rejections.WithLabelValues(string(r.Asset)).Inc()
}

// FeedConnState records a feed connect or disconnect.
func (m *Metrics) FeedConnState(feed string, connected bool) {
	v := 0.0
	if connected {
		v = 1
	}
	m.feedConnected.WithLabelValues(feed).Set(v)
}

// VenueCircuitChange records a venue circuit breaker transition.
func (m *Metrics) VenueCircuitChange(venue string, _, to gobreaker.State) {
	m.venueCircuit.WithLabelValues(venue).Set(float64(to))
}

// SetConfigVersion records the applied configuration version.
func (m *Metrics) SetConfigVersion(v uint64) {
	m.configVersion.Set(float64(v))
}

var _ engine.Observer = (*Metrics)(nil)
