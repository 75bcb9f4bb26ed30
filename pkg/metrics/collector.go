// Package metrics exposes the bridge's prometheus counters.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ds2api"

// Collector owns a private registry. All Record methods are safe on a nil
// receiver so callers can run without metrics.
type Collector struct {
	registry *prometheus.Registry

	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	upstreamTotal    *prometheus.CounterVec
	upstreamDuration *prometheus.HistogramVec
	loginsTotal      *prometheus.CounterVec
	powTotal         *prometheus.CounterVec
	tokensTotal      *prometheus.CounterVec
	activeStreams    prometheus.Gauge
}

func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)
	return &Collector{
		registry: reg,
		requestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chat_requests_total",
			Help:      "Chat completion requests by model and response status.",
		}, []string{"model", "status"}),
		requestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "chat_request_duration_seconds",
			Help:      "Chat completion latency until the last byte was written.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}, []string{"model", "stream"}),
		upstreamTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_requests_total",
			Help:      "Upstream HTTP exchanges by operation and status code.",
		}, []string{"operation", "status"}),
		upstreamDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_request_duration_seconds",
			Help:      "Time to upstream response headers.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		loginsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "account_logins_total",
			Help:      "Account logins by result.",
		}, []string{"result"}),
		powTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pow_attempts_total",
			Help:      "Proof-of-work attempts by result.",
		}, []string{"result"}),
		tokensTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_total",
			Help:      "Estimated tokens by model and type (prompt, completion, reasoning).",
		}, []string{"model", "type"}),
		activeStreams: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_streams",
			Help:      "Streaming responses currently being written.",
		}),
	}
}

// Handler serves the registry in the prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

func (c *Collector) RecordRequest(model string, status int, stream bool, elapsed time.Duration) {
	if c == nil {
		return
	}
	if model == "" {
		model = "unknown"
	}
	c.requestsTotal.WithLabelValues(model, strconv.Itoa(status)).Inc()
	c.requestDuration.WithLabelValues(model, strconv.FormatBool(stream)).Observe(elapsed.Seconds())
}

// ObserveUpstream matches the deepseek client's observe hook. status is 0 on
// transport errors.
func (c *Collector) ObserveUpstream(operation string, status int, elapsed time.Duration) {
	if c == nil {
		return
	}
	code := "error"
	if status > 0 {
		code = strconv.Itoa(status)
	}
	c.upstreamTotal.WithLabelValues(operation, code).Inc()
	c.upstreamDuration.WithLabelValues(operation).Observe(elapsed.Seconds())
}

// RecordLogin matches the account pool's login hook.
func (c *Collector) RecordLogin(_ string, err error) {
	if c == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.loginsTotal.WithLabelValues(result).Inc()
}

func (c *Collector) RecordPow(result string) {
	if c == nil {
		return
	}
	c.powTotal.WithLabelValues(result).Inc()
}

func (c *Collector) RecordTokens(model string, prompt, completion, reasoning int) {
	if c == nil {
		return
	}
	c.tokensTotal.WithLabelValues(model, "prompt").Add(float64(prompt))
	c.tokensTotal.WithLabelValues(model, "completion").Add(float64(completion))
	if reasoning > 0 {
		c.tokensTotal.WithLabelValues(model, "reasoning").Add(float64(reasoning))
	}
}

// StreamStarted increments the active stream gauge and returns the matching
// decrement.
func (c *Collector) StreamStarted() func() {
	if c == nil {
		return func() {}
	}
	c.activeStreams.Inc()
	return c.activeStreams.Dec
}
