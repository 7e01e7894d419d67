// Package monitoring exports optimizer counters and latency histograms to
// Prometheus.
package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	slimclaw "github.com/slimclaw/slimclaw"
)

// Options configures the monitor.
type Options struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
}

const defaultNamespace = "slimclaw"

// Monitor owns a private registry so tests and multiple instances never
// collide on the default one. A nil Monitor is a valid no-op.
type Monitor struct {
	registry *prometheus.Registry
	logger   *zap.SugaredLogger

	requestsTotal    *prometheus.CounterVec
	tokensSavedTotal prometheus.Counter
	costSavedTotal   prometheus.Counter
	breakpointsTotal prometheus.Counter
	forwardErrors    *prometheus.CounterVec
	requestLatency   *prometheus.HistogramVec
	budgetRemaining  *prometheus.GaugeVec
}

func NewMonitor(opts Options, logger *zap.SugaredLogger) *Monitor {
	if !opts.Enabled {
		return nil
	}
	namespace := opts.Namespace
	if namespace == "" {
		namespace = defaultNamespace
	}

	monitor := &Monitor{
		registry: prometheus.NewRegistry(),
		logger:   logger,

		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Optimized requests by classified tier and routing reason",
			},
			[]string{"tier", "reason", "mode"},
		),
		tokensSavedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tokens_saved_total",
				Help:      "Estimated tokens saved by windowing",
			},
		),
		costSavedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cost_saved_usd_total",
				Help:      "Estimated USD saved by routing and windowing",
			},
		),
		breakpointsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_breakpoints_total",
				Help:      "Cache breakpoints injected into outgoing requests",
			},
		),
		forwardErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "forward_errors_total",
				Help:      "Upstream forwarding failures by kind",
			},
			[]string{"kind"},
		),
		requestLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_latency_seconds",
				Help:      "End-to-end request latency by target model",
				Buckets:   []float64{0.1, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0, 60.0, 120.0},
			},
			[]string{"model"},
		),
		budgetRemaining: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "budget_remaining_usd",
				Help:      "Remaining budget per tier and window",
			},
			[]string{"tier", "window"},
		),
	}

	monitor.registry.MustRegister(
		monitor.requestsTotal,
		monitor.tokensSavedTotal,
		monitor.costSavedTotal,
		monitor.breakpointsTotal,
		monitor.forwardErrors,
		monitor.requestLatency,
		monitor.budgetRemaining,
	)
	return monitor
}

func (m *Monitor) RecordRequest(tier slimclaw.Tier, reason string, mode slimclaw.Mode) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(string(tier), reason, string(mode)).Inc()
}

func (m *Monitor) RecordSavings(tokensSaved int, costSaved float64) {
	if m == nil {
		return
	}
	if tokensSaved > 0 {
		m.tokensSavedTotal.Add(float64(tokensSaved))
	}
	if costSaved > 0 {
		m.costSavedTotal.Add(costSaved)
	}
}

func (m *Monitor) RecordBreakpoints(count int) {
	if m == nil || count <= 0 {
		return
	}
	m.breakpointsTotal.Add(float64(count))
}

func (m *Monitor) RecordForwardError(kind string) {
	if m == nil {
		return
	}
	m.forwardErrors.WithLabelValues(kind).Inc()
}

func (m *Monitor) ObserveLatency(model string, seconds float64) {
	if m == nil {
		return
	}
	m.requestLatency.WithLabelValues(model).Observe(seconds)
}

func (m *Monitor) SetBudgetRemaining(tier slimclaw.Tier, window string, remaining float64) {
	if m == nil {
		return
	}
	m.budgetRemaining.WithLabelValues(string(tier), window).Set(remaining)
}

// Handler serves the /metrics endpoint for this monitor's registry.
func (m *Monitor) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
