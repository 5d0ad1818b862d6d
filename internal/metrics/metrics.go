// Package metrics exposes the relay's Prometheus instrumentation.
//
// All methods are safe on a nil *Metrics so components can run uninstrumented.
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

const namespace = "wa_relay"

// Publish results
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// Delivery results
const (
	DeliveryQueued      = "queued"
	DeliveryDeadLetter  = "error_queue"
	DeliveryUnavailable = "no_channel"
)

// Metrics holds every collector registered by the relay
type Metrics struct {
	registry *prometheus.Registry

	httpRequests       *prometheus.CounterVec
	httpDuration       *prometheus.HistogramVec
	webhooksReceived   *prometheus.CounterVec
	signatureFailures  *prometheus.CounterVec
	rateLimited        prometheus.Counter
	publishAttempts    *prometheus.CounterVec
	deliveries         *prometheus.CounterVec
	deliveryDuration   prometheus.Histogram
	errorQueueFailures prometheus.Counter
	brokerConnected    prometheus.Gauge
	reconnectAttempts  prometheus.Counter
	panicsRecovered    prometheus.Counter
}

// New registers the relay collectors on a fresh registry together with the
// Go runtime and process collectors
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		httpRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		httpDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request latency in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		webhooksReceived: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "webhooks_received_total",
				Help:      "Webhook POSTs by outcome",
			},
			[]string{"outcome"},
		),
		signatureFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "webhook_signature_failures_total",
				Help:      "Rejected webhook signatures by reason",
			},
			[]string{"reason"},
		),
		rateLimited: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "webhook_rate_limited_total",
				Help:      "Webhook POSTs rejected by the rate limiter",
			},
		),
		publishAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "publish_attempts_total",
				Help:      "Broker publish attempts by queue and result",
			},
			[]string{"queue", "result"},
		),
		deliveries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deliveries_total",
				Help:      "Completed deliveries by result",
			},
			[]string{"result"},
		),
		deliveryDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "delivery_duration_seconds",
				Help:      "Time spent delivering one message including retries",
				Buckets:   []float64{.005, .01, .05, .1, .5, 1, 2.5, 5, 10, 30, 60},
			},
		),
		errorQueueFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "error_queue_failures_total",
				Help:      "Error envelopes that could not be written to the error queue",
			},
		),
		brokerConnected: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "broker_connected",
				Help:      "1 when the broker channel is available, 0 otherwise",
			},
		),
		reconnectAttempts: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "broker_reconnect_attempts_total",
				Help:      "Broker connection attempts after a failure",
			},
		),
		panicsRecovered: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "panics_recovered_total",
				Help:      "Panics recovered in HTTP handlers",
			},
		),
	}
}

// Registry returns the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveHTTP records one served request
func (m *Metrics) ObserveHTTP(method, route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

// WebhookReceived counts a webhook POST by its final outcome
func (m *Metrics) WebhookReceived(outcome string) {
	if m == nil {
		return
	}
	m.webhooksReceived.WithLabelValues(outcome).Inc()
}

// SignatureFailure counts a rejected signature
func (m *Metrics) SignatureFailure(reason string) {
	if m == nil {
		return
	}
	m.signatureFailures.WithLabelValues(reason).Inc()
}

// RateLimited counts a request rejected by the limiter
func (m *Metrics) RateLimited() {
	if m == nil {
		return
	}
	m.rateLimited.Inc()
}

// PublishAttempt counts one publish to queue
func (m *Metrics) PublishAttempt(queue string, err error) {
	if m == nil {
		return
	}
	result := ResultSuccess
	if err != nil {
		result = ResultFailure
	}
	m.publishAttempts.WithLabelValues(queue, result).Inc()
}

// Delivery records a finished delivery
func (m *Metrics) Delivery(result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(result).Inc()
	m.deliveryDuration.Observe(elapsed.Seconds())
}

// ErrorQueueFailure counts a lost error envelope
func (m *Metrics) ErrorQueueFailure() {
	if m == nil {
		return
	}
	m.errorQueueFailures.Inc()
}

// PanicRecovered counts a recovered handler panic
func (m *Metrics) PanicRecovered() {
	if m == nil {
		return
	}
	m.panicsRecovered.Inc()
}

// OnConnected implements rabbitmq.ConnectionStateListener
func (m *Metrics) OnConnected() {
	if m == nil {
		return
	}
	m.brokerConnected.Set(1)
}

// OnDisconnected implements rabbitmq.ConnectionStateListener
func (m *Metrics) OnDisconnected(error) {
	if m == nil {
		return
	}
	m.brokerConnected.Set(0)
}

// OnReconnecting implements rabbitmq.ConnectionStateListener
func (m *Metrics) OnReconnecting(int) {
	if m == nil {
		return
	}
	m.reconnectAttempts.Inc()
}
