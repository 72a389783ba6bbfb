package monitor

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "digit_trader"

// Collectors are the prometheus series exported on /metrics.
type Collectors struct {
	Registry *prometheus.Registry

	Ticks          *prometheus.CounterVec
	Gaps           *prometheus.CounterVec
	TradesOpened   *prometheus.CounterVec
	TradesSettled  *prometheus.CounterVec
	Decisions      *prometheus.CounterVec
	Alerts         *prometheus.CounterVec
	SessionState   *prometheus.GaugeVec
	Balance        *prometheus.GaugeVec
	SettleSeconds  prometheus.Histogram
	HTTPRequests   *prometheus.CounterVec
	HTTPDuration   *prometheus.HistogramVec
	DroppedEvents  prometheus.GaugeFunc
	PoolGateways   prometheus.GaugeFunc
	RunningSession prometheus.GaugeFunc
}

// Gauges read on scrape. Any of them may be nil.
type Gauges struct {
	DroppedEvents   func() float64
	PooledGateways  func() float64
	RunningSessions func() float64
}

// NewCollectors registers every series on a fresh registry together with
// the Go runtime and process collectors.
func NewCollectors(g Gauges) *Collectors {
	reg := prometheus.NewRegistry()
	c := &Collectors{
		Registry: reg,
		Ticks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "ticks_total", Help: "Ticks received per symbol.",
		}, []string{"symbol"}),
		Gaps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "feed_gaps_total", Help: "Price feed discontinuities.",
		}, []string{"symbol", "reason"}),
		TradesOpened: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "trades_opened_total", Help: "Trades placed, by contract type.",
		}, []string{"contract_type", "ambiguous"}),
		TradesSettled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "trades_settled_total", Help: "Trades reaching a terminal status.",
		}, []string{"contract_type", "status"}),
		Decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "decisions_total", Help: "Decision cycles by outcome reason.",
		}, []string{"reason"}),
		Alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "risk_alerts_total", Help: "Risk alerts raised.",
		}, []string{"kind"}),
		SessionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "session_state", Help: "1 for the current controller state of a user.",
		}, []string{"user", "state"}),
		Balance: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "account_balance", Help: "Session balance per user and mode.",
		}, []string{"user", "mode"}),
		SettleSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "settlement_seconds", Help: "Time from placement to settlement.",
			Buckets:   []float64{1, 2, 5, 10, 20, 30, 60, 120, 300, 600},
		}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "http_requests_total", Help: "API requests by route and status.",
		}, []string{"method", "route", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "http_request_seconds", Help: "API latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.Ticks, c.Gaps, c.TradesOpened, c.TradesSettled, c.Decisions, c.Alerts,
		c.SessionState, c.Balance, c.SettleSeconds, c.HTTPRequests, c.HTTPDuration,
	)
	if g.DroppedEvents != nil {
		c.DroppedEvents = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Name: "bus_dropped_events", Help: "Events dropped by slow bus subscribers.",
		}, g.DroppedEvents)
		reg.MustRegister(c.DroppedEvents)
	}
	if g.PooledGateways != nil {
		c.PoolGateways = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Name: "gateway_pool_size", Help: "Open broker connections.",
		}, g.PooledGateways)
		reg.MustRegister(c.PoolGateways)
	}
	if g.RunningSessions != nil {
		c.RunningSession = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Name: "running_sessions", Help: "Controllers in RUNNING state.",
		}, g.RunningSessions)
		reg.MustRegister(c.RunningSession)
	}
	return c
}

// Handler serves the registry in the prometheus exposition format.
func (c *Collectors) Handler() http.Handler {
	return promhttp.HandlerFor(c.Registry, promhttp.HandlerOpts{Registry: c.Registry})
}
