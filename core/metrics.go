package core

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus 指标集合，标签里只放提供商名和结果类别，不放任何请求内容
var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ai_gateway",
		Name:      "requests_total",
		Help:      "Generation requests by provider and outcome.",
	}, []string{"provider", "outcome"})

	retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ai_gateway",
		Name:      "retries_total",
		Help:      "Credential/provider retries by provider and reason.",
	}, []string{"provider", "reason"})

	circuitState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "ai_gateway",
		Name:      "circuit_state",
		Help:      "Circuit breaker state per service (0=closed, 1=open, 2=half-open).",
	}, []string{"service"})

	inflightRequests = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "ai_gateway",
		Name:      "inflight_requests",
		Help:      "Generation requests currently being relayed.",
	})

	rateLimitRejects = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ai_gateway",
		Name:      "rate_limit_rejections_total",
		Help:      "Requests rejected by the inbound rate limiter.",
	})
)

func observeRequest(provider, outcome string) {
	requestsTotal.WithLabelValues(provider, outcome).Inc()
}

func observeRetry(provider, reason string) {
	retriesTotal.WithLabelValues(provider, reason).Inc()
}

func setCircuitStateMetric(service string, s CircuitState) {
	circuitState.WithLabelValues(service).Set(float64(s))
}

// TrackInflight 请求进入中继时调用，返回配对的出栈函数
func TrackInflight() func() {
	inflightRequests.Inc()
	return inflightRequests.Dec
}

// ObserveRateLimitReject 入口限流拒绝计数
func ObserveRateLimitReject() {
	rateLimitRejects.Inc()
}
