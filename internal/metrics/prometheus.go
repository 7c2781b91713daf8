package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/web3guy0/polyengine/strategy"
)

// Recorder implements core.Recorder using Prometheus. It owns its registry so
// tests and multiple engines never collide on the default one.
type Recorder struct {
	reg *prometheus.Registry

	signals    *prometheus.CounterVec
	denials    *prometheus.CounterVec
	executions *prometheus.CounterVec
	execErrors *prometheus.CounterVec
	failures   *prometheus.CounterVec
	feedsDown  *prometheus.CounterVec

	bankroll   prometheus.Gauge
	totalValue prometheus.Gauge
	drawdown   prometheus.Gauge
}

// New creates a recorder with Go runtime and process collectors attached
func New() *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Recorder{
		reg: reg,
		signals: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "polyengine_signals_total",
				Help: "Signals that passed strategy filtering",
			},
			[]string{"strategy"},
		),
		denials: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "polyengine_risk_denials_total",
				Help: "Signals denied by the risk manager",
			},
			[]string{"strategy"},
		),
		executions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "polyengine_executions_total",
				Help: "Executed trades",
			},
			[]string{"strategy", "action", "mode"},
		),
		execErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "polyengine_execution_errors_total",
				Help: "Execution attempts that failed",
			},
			[]string{"strategy"},
		),
		failures: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "polyengine_strategy_failures_total",
				Help: "Analyze calls that errored, panicked or timed out",
			},
			[]string{"strategy"},
		),
		feedsDown: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "polyengine_feed_given_up_total",
				Help: "Feeds that exhausted their reconnect attempts",
			},
			[]string{"feed"},
		),
		bankroll: f.NewGauge(prometheus.GaugeOpts{
			Name: "polyengine_bankroll_usd",
			Help: "Cash available",
		}),
		totalValue: f.NewGauge(prometheus.GaugeOpts{
			Name: "polyengine_total_value_usd",
			Help: "Bankroll plus marked open positions",
		}),
		drawdown: f.NewGauge(prometheus.GaugeOpts{
			Name: "polyengine_drawdown_percent",
			Help: "Decline of total value from its peak",
		}),
	}
}

func (r *Recorder) SignalEmitted(s string) { r.signals.WithLabelValues(s).Inc() }

func (r *Recorder) RiskDenied(s string) { r.denials.WithLabelValues(s).Inc() }

func (r *Recorder) TradeExecuted(s string, action strategy.Action, mode string) {
	r.executions.WithLabelValues(s, string(action), mode).Inc()
}

func (r *Recorder) ExecutionFailed(s string) { r.execErrors.WithLabelValues(s).Inc() }

func (r *Recorder) StrategyFailed(s string) { r.failures.WithLabelValues(s).Inc() }

func (r *Recorder) FeedGivenUp(feed string) { r.feedsDown.WithLabelValues(feed).Inc() }

// ObservePortfolio sets the portfolio gauges
func (r *Recorder) ObservePortfolio(bankroll, total, drawdownPct float64) {
	r.bankroll.Set(bankroll)
	r.totalValue.Set(total)
	r.drawdown.Set(drawdownPct)
}

// WatchMarketsClient exports the REST client's request and cache-hit counters
func (r *Recorder) WatchMarketsClient(requests, cacheHits func() int64) {
	r.reg.MustRegister(
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "polyengine_markets_requests_total",
			Help: "HTTP requests issued by the markets client",
		}, func() float64 { return float64(requests()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "polyengine_markets_cache_hits_total",
			Help: "Markets client responses served from cache",
		}, func() float64 { return float64(cacheHits()) }),
	)
}

// Registry exposes the underlying registry
func (r *Recorder) Registry() *prometheus.Registry { return r.reg }

// Handler serves the registry in the Prometheus text format
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}
