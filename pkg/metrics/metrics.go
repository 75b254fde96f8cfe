// Package metrics holds the Prometheus collectors for the custodian.
package metrics

import (
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	vaultOnce sync.Once
	vaultReg  *VaultMetrics

	httpOnce sync.Once
	httpReg  *HTTPMetrics
)

// VaultMetrics captures vault operation outcomes and balances.
type VaultMetrics struct {
	requests    *prometheus.CounterVec
	latency     *prometheus.HistogramVec
	errors      *prometheus.CounterVec
	totalMinted prometheus.Gauge
	reserve     prometheus.Gauge
}

// Vault returns the singleton vault metrics registry.
func Vault() *VaultMetrics {
	vaultOnce.Do(func() {
		vaultReg = &VaultMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "custodian",
				Subsystem: "vault",
				Name:      "operations_total",
				Help:      "Count of vault operations segmented by operation and outcome.",
			}, []string{"operation", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "custodian",
				Subsystem: "vault",
				Name:      "operation_duration_seconds",
				Help:      "Latency distribution for vault operations.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"operation"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "custodian",
				Subsystem: "vault",
				Name:      "errors_total",
				Help:      "Count of rejected vault operations segmented by operation and error kind.",
			}, []string{"operation", "kind"}),
			totalMinted: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "custodian",
				Subsystem: "vault",
				Name:      "total_minted",
				Help:      "Outstanding shares issued by the vault, in base units.",
			}),
			reserve: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "custodian",
				Subsystem: "vault",
				Name:      "collateral_reserve",
				Help:      "Collateral held by the vault, in base units.",
			}),
		}
		prometheus.MustRegister(
			vaultReg.requests,
			vaultReg.latency,
			vaultReg.errors,
			vaultReg.totalMinted,
			vaultReg.reserve,
		)
	})
	return vaultReg
}

// Observe records one vault operation. kind is empty on success.
func (m *VaultMetrics) Observe(operation string, duration time.Duration, kind string) {
	if m == nil {
		return
	}
	op := label(operation)
	outcome := "success"
	if kind != "" {
		outcome = "error"
		m.errors.WithLabelValues(op, label(kind)).Inc()
	}
	m.requests.WithLabelValues(op, outcome).Inc()
	m.latency.WithLabelValues(op).Observe(duration.Seconds())
}

// SetBalances publishes the current minted total and collateral reserve.
func (m *VaultMetrics) SetBalances(totalMinted, reserve *big.Int) {
	if m == nil {
		return
	}
	m.totalMinted.Set(toFloat(totalMinted))
	m.reserve.Set(toFloat(reserve))
}

// HTTPMetrics tracks the read-only API.
type HTTPMetrics struct {
	requests  *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles prometheus.Counter
}

// HTTP returns the singleton API metrics registry.
func HTTP() *HTTPMetrics {
	httpOnce.Do(func() {
		httpReg = &HTTPMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "custodian",
				Subsystem: "api",
				Name:      "requests_total",
				Help:      "Total API requests segmented by route and status code.",
			}, []string{"route", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "custodian",
				Subsystem: "api",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for API handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route"}),
			throttles: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "custodian",
				Subsystem: "api",
				Name:      "throttles_total",
				Help:      "Count of API requests rejected by the rate limiter.",
			}),
		}
		prometheus.MustRegister(httpReg.requests, httpReg.latency, httpReg.throttles)
	})
	return httpReg
}

// Observe records one API request.
func (m *HTTPMetrics) Observe(route string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	r := label(route)
	m.requests.WithLabelValues(r, statusLabel(status)).Inc()
	m.latency.WithLabelValues(r).Observe(duration.Seconds())
}

// Throttled counts a rate-limited request.
func (m *HTTPMetrics) Throttled() {
	if m == nil {
		return
	}
	m.throttles.Inc()
}

func label(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return "unknown"
	}
	return v
}

func statusLabel(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}

// toFloat is lossy above 2^53; gauges are indicative only.
func toFloat(v *big.Int) float64 {
	if v == nil {
		return 0
	}
	f, _ := new(big.Float).SetInt(v).Float64()
	return f
}
