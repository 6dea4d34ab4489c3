// Package metrics 许可证服务的 Prometheus 指标
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 业务指标
type Metrics interface {
	IncValidation(outcome string)
	IncBinding(mode string)
	AddExpired(n int)
	IncCredentialRotation(which string)
	ObserveRequest(method, route string, status int, elapsed time.Duration)
}

// 校验请求结果标签
const (
	OutcomeOK           = "ok"
	OutcomeNotFound     = "not_found"
	OutcomeUnauthorized = "unauthorized"
	OutcomeRejected     = "rejected"
	OutcomeBadRequest   = "bad_request"
	OutcomeError        = "error"
)

// Noop 不输出任何指标
type Noop struct{}

func (Noop) IncValidation(string)                               {}
func (Noop) IncBinding(string)                                  {}
func (Noop) AddExpired(int)                                     {}
func (Noop) IncCredentialRotation(string)                       {}
func (Noop) ObserveRequest(string, string, int, time.Duration) {}

// Prom 使用独立 Registry，避免重复注册到全局
type Prom struct {
	registry    *prometheus.Registry
	validations *prometheus.CounterVec
	bindings    *prometheus.CounterVec
	expired     prometheus.Counter
	rotations   *prometheus.CounterVec
	requests    *prometheus.CounterVec
	latency     *prometheus.HistogramVec
}

func NewProm(namespace string) *Prom {
	p := &Prom{
		registry: prometheus.NewRegistry(),
		validations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "license_validations_total",
			Help:      "License validation requests by outcome",
		}, []string{"outcome"}),
		bindings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "license_bindings_total",
			Help:      "New site bindings by mode",
		}, []string{"mode"}),
		expired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "licenses_expired_total",
			Help:      "Licenses marked expired by the sweeper",
		}),
		rotations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credential_rotations_total",
			Help:      "Consumer credential rotations",
		}, []string{"credential"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method/route/status",
		}, []string{"method", "route", "status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
	p.registry.MustRegister(
		p.validations, p.bindings, p.expired, p.rotations, p.requests, p.latency,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return p
}

func (p *Prom) IncValidation(outcome string) {
	p.validations.WithLabelValues(outcome).Inc()
}

func (p *Prom) IncBinding(mode string) {
	p.bindings.WithLabelValues(mode).Inc()
}

func (p *Prom) AddExpired(n int) {
	if n > 0 {
		p.expired.Add(float64(n))
	}
}

func (p *Prom) IncCredentialRotation(which string) {
	p.rotations.WithLabelValues(which).Inc()
}

func (p *Prom) ObserveRequest(method, route string, status int, elapsed time.Duration) {
	p.requests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	p.latency.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

// Handler /metrics 的 HTTP handler
func (p *Prom) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
