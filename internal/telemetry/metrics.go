// Package telemetry holds the Prometheus collectors exported on /metrics.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the service collectors. A nil *Metrics records nothing.
type Metrics struct {
	registry      *prometheus.Registry
	webhookEvents *prometheus.CounterVec
	outboundCalls *prometheus.CounterVec
	notifications *prometheus.CounterVec
	leadsSubmit   *prometheus.CounterVec
	breakerState  *prometheus.GaugeVec
}

// New registers all collectors on a fresh registry together with the Go and
// process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		webhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "leadbridge",
			Name:      "webhook_events_total",
			Help:      "amoCRM webhook events by entity, action and result.",
		}, []string{"entity", "action", "result"}),
		outboundCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "leadbridge",
			Name:      "amocrm_requests_total",
			Help:      "amoCRM API requests by operation and outcome.",
		}, []string{"operation", "outcome"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "leadbridge",
			Name:      "notifications_total",
			Help:      "Notification deliveries by channel and final status.",
		}, []string{"channel", "status"}),
		leadsSubmit: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "leadbridge",
			Name:      "leads_submitted_total",
			Help:      "Leads accepted by the intake endpoint by sync result.",
		}, []string{"result"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "leadbridge",
			Name:      "circuit_breaker_open",
			Help:      "1 while the named circuit breaker is open or half-open.",
		}, []string{"name"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.webhookEvents,
		m.outboundCalls,
		m.notifications,
		m.leadsSubmit,
		m.breakerState,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// WebhookEvent counts one processed webhook event.
func (m *Metrics) WebhookEvent(entity, action, result string) {
	if m == nil {
		return
	}
	m.webhookEvents.WithLabelValues(entity, action, result).Inc()
}

// OutboundCall counts one amoCRM request.
func (m *Metrics) OutboundCall(operation, outcome string) {
	if m == nil {
		return
	}
	m.outboundCalls.WithLabelValues(operation, outcome).Inc()
}

// Notification counts one finished delivery.
func (m *Metrics) Notification(channel, status string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(channel, status).Inc()
}

// LeadSubmitted counts one intake request.
func (m *Metrics) LeadSubmitted(result string) {
	if m == nil {
		return
	}
	m.leadsSubmit.WithLabelValues(result).Inc()
}

// BreakerStateChanged tracks breaker transitions.
func (m *Metrics) BreakerStateChanged(name, _, to string) {
	if m == nil {
		return
	}
	v := 0.0
	if to != "closed" {
		v = 1
	}
	m.breakerState.WithLabelValues(name).Set(v)
}
