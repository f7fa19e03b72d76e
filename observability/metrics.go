package observability

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

type moduleMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

var (
	moduleMetricsOnce sync.Once
	moduleRegistry    *moduleMetrics

	dealMetricsOnce sync.Once
	dealRegistry    *DealMetrics
)

// ModuleMetrics returns the lazily-initialised module metrics registry used to
// record RPC module activity.
func ModuleMetrics() *moduleMetrics {
	moduleMetricsOnce.Do(func() {
		moduleRegistry = &moduleMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrow",
				Subsystem: "rpc",
				Name:      "requests_total",
				Help:      "Total JSON-RPC requests segmented by module and method.",
			}, []string{"module", "method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrow",
				Subsystem: "rpc",
				Name:      "errors_total",
				Help:      "Total JSON-RPC errors segmented by module, method, and status code.",
			}, []string{"module", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "escrow",
				Subsystem: "rpc",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for JSON-RPC handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"module", "method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrow",
				Subsystem: "rpc",
				Name:      "throttles_total",
				Help:      "Count of requests rejected due to throttling policies.",
			}, []string{"module", "reason"}),
		}
		prometheus.MustRegister(
			moduleRegistry.requests,
			moduleRegistry.errors,
			moduleRegistry.latency,
			moduleRegistry.throttles,
		)
	})
	return moduleRegistry
}

// Observe records the outcome of a module request. The status code should be
// the HTTP status that was ultimately written to the response writer.
func (m *moduleMetrics) Observe(module, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if module == "" {
		module = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	outcome := "success"
	if status >= 400 {
		outcome = "error"
	}
	m.requests.WithLabelValues(module, method, outcome).Inc()
	if status >= 400 {
		m.errors.WithLabelValues(module, method, fmt.Sprintf("%d", status)).Inc()
	}
	m.latency.WithLabelValues(module, method).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter for the supplied module and
// reason. Reasons should be stable strings such as "rate_limit" so dashboards
// and alerts remain consistent.
func (m *moduleMetrics) RecordThrottle(module, reason string) {
	if m == nil {
		return
	}
	if module == "" {
		module = "unknown"
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.throttles.WithLabelValues(module, reason).Inc()
}

// DealMetrics captures deal engine activity. It satisfies deal.Observer.
type DealMetrics struct {
	operations *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	payouts    *prometheus.CounterVec
	paidAmount *prometheus.CounterVec
	held       prometheus.Gauge
	streams    prometheus.Gauge
	meter      dealMeter
}

// dealMeter mirrors settlement counts onto the OpenTelemetry meter so an OTLP
// collector sees them alongside the Prometheus scrape.
type dealMeter struct {
	payouts metric.Int64Counter
}

func newDealMeter(provider metric.MeterProvider) dealMeter {
	counter, err := provider.Meter("dealescrow/deals").Int64Counter("escrow.deal.payouts",
		metric.WithDescription("Completed payouts segmented by kind."))
	if err != nil {
		counter, _ = noop.NewMeterProvider().Meter("dealescrow/deals").Int64Counter("escrow.deal.payouts")
	}
	return dealMeter{payouts: counter}
}

func (d dealMeter) payout(kind string) {
	if d.payouts == nil {
		return
	}
	d.payouts.Add(context.Background(), 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// Deals returns the singleton deal metrics registry.
func Deals() *DealMetrics {
	dealMetricsOnce.Do(func() {
		dealRegistry = &DealMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrow",
				Subsystem: "deal",
				Name:      "operations_total",
				Help:      "Deal operations segmented by operation and outcome (success or error kind).",
			}, []string{"op", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "escrow",
				Subsystem: "deal",
				Name:      "operation_duration_seconds",
				Help:      "Latency distribution for deal operations.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"op"}),
			payouts: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrow",
				Subsystem: "deal",
				Name:      "payouts_total",
				Help:      "Completed payouts segmented by kind (refund or withdrawal).",
			}, []string{"kind"}),
			paidAmount: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrow",
				Subsystem: "deal",
				Name:      "paid_amount_total",
				Help:      "Sum of paid-out amounts in base units, segmented by kind.",
			}, []string{"kind"}),
			held: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "escrow",
				Subsystem: "deal",
				Name:      "held_amount",
				Help:      "Amount currently held in escrow across all deals.",
			}),
			streams: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "escrow",
				Subsystem: "events",
				Name:      "stream_subscribers",
				Help:      "Number of connected websocket event subscribers.",
			}),
			meter: newDealMeter(otel.GetMeterProvider()),
		}
		prometheus.MustRegister(
			dealRegistry.operations,
			dealRegistry.latency,
			dealRegistry.payouts,
			dealRegistry.paidAmount,
			dealRegistry.held,
			dealRegistry.streams,
		)
	})
	return dealRegistry
}

// ObserveOperation records one engine operation.
func (m *DealMetrics) ObserveOperation(op, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(op, outcome).Inc()
	m.latency.WithLabelValues(op).Observe(elapsed.Seconds())
}

// ObservePayout records a completed payout.
func (m *DealMetrics) ObservePayout(kind string, amount *big.Int) {
	if m == nil {
		return
	}
	m.payouts.WithLabelValues(kind).Inc()
	m.meter.payout(kind)
	if amount != nil && amount.Sign() > 0 {
		m.paidAmount.WithLabelValues(kind).Add(bigToFloat(amount))
	}
}

// SetHeld publishes the amount currently escrowed.
func (m *DealMetrics) SetHeld(amount *big.Int) {
	if m == nil || amount == nil {
		return
	}
	m.held.Set(bigToFloat(amount))
}

// StreamOpened and StreamClosed track websocket subscribers.
func (m *DealMetrics) StreamOpened() {
	if m != nil {
		m.streams.Inc()
	}
}

func (m *DealMetrics) StreamClosed() {
	if m != nil {
		m.streams.Dec()
	}
}

func bigToFloat(v *big.Int) float64 {
	f, _ := new(big.Float).SetInt(v).Float64()
	return f
}
