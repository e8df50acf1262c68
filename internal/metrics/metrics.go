// Package metrics espone le metriche Prometheus del core: chiamate ai
// provider, stato dei circuit breaker, salute dei provider, transizioni di
// stato, decisioni di routing ed escalation.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/biodoia/hacp/internal/events"
	"github.com/biodoia/hacp/internal/providers"
	"github.com/biodoia/hacp/pkg/apperrors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collectors raccoglie tutte le metriche su un registry dedicato
type Collectors struct {
	registry *prometheus.Registry

	providerCalls     *prometheus.CounterVec
	providerDuration  *prometheus.HistogramVec
	breakerState      *prometheus.GaugeVec
	providerHealth    *prometheus.GaugeVec
	transitions       *prometheus.CounterVec
	routingDecisions  *prometheus.CounterVec
	escalations       *prometheus.CounterVec
	escalationLatency prometheus.Histogram
}

// New crea i collector con il namespace indicato
func New(namespace string) *Collectors {
	if namespace == "" {
		namespace = "hacp"
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Collectors{
		registry: reg,

		providerCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_calls_total",
				Help:      "Total provider calls by provider, operation and outcome",
			},
			[]string{"provider", "op", "outcome"},
		),

		providerDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "provider_call_duration_seconds",
				Help:      "Provider call duration including retries",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"provider", "op"},
		),

		breakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "provider_breaker_state",
				Help:      "Circuit breaker state (0 closed, 1 half-open, 2 open)",
			},
			[]string{"provider"},
		),

		providerHealth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "provider_healthy",
				Help:      "Result of the last provider health check (1 healthy, 0 unhealthy)",
			},
			[]string{"provider"},
		),

		transitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "state_transitions_total",
				Help:      "State transitions by subject type and target state",
			},
			[]string{"type", "to"},
		),

		routingDecisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "routing_decisions_total",
				Help:      "Routing decisions by operation, selected provider and fallback usage",
			},
			[]string{"operation", "provider", "fallback"},
		),

		escalations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "escalations_total",
				Help:      "Resolved escalations by trigger reason and resolution",
			},
			[]string{"reason", "resolution"},
		),

		escalationLatency: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "escalation_duration_seconds",
				Help:      "Time from escalation trigger to resolution",
				Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
		),
	}
}

// Registry restituisce il registry Prometheus
func (c *Collectors) Registry() *prometheus.Registry {
	return c.registry
}

// Handler restituisce l'handler HTTP per lo scrape
func (c *Collectors) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// ObserveCall implementa providers.CallObserver
func (c *Collectors) ObserveCall(kind providers.Kind, op string, duration time.Duration, err error) {
	c.providerCalls.WithLabelValues(string(kind), op, outcome(err)).Inc()
	c.providerDuration.WithLabelValues(string(kind), op).Observe(duration.Seconds())
}

// ObserveBreakerState implementa providers.CallObserver
func (c *Collectors) ObserveBreakerState(kind providers.Kind, state string) {
	value := 0.0
	switch state {
	case "half-open":
		value = 1
	case "open":
		value = 2
	}
	c.breakerState.WithLabelValues(string(kind)).Set(value)
}

// ObserveHealth registra l'esito di un health check
func (c *Collectors) ObserveHealth(kind providers.Kind, err error) {
	value := 1.0
	if err != nil {
		value = 0
	}
	c.providerHealth.WithLabelValues(string(kind)).Set(value)
}

// ObserveRouting registra una decisione di routing
func (c *Collectors) ObserveRouting(op string, provider providers.Kind, usedFallback bool) {
	fallback := "false"
	if usedFallback {
		fallback = "true"
	}
	c.routingDecisions.WithLabelValues(op, string(provider), fallback).Inc()
}

// ObserveEscalation registra un'escalation risolta
func (c *Collectors) ObserveEscalation(reason, resolution string, duration time.Duration) {
	c.escalations.WithLabelValues(reason, resolution).Inc()
	c.escalationLatency.Observe(duration.Seconds())
}

// Name implementa events.Sink
func (c *Collectors) Name() string { return "metrics" }

// Send implementa events.Sink
func (c *Collectors) Send(ctx context.Context, event events.Event) error {
	c.transitions.WithLabelValues(string(event.Type), event.To).Inc()
	return nil
}

func outcome(err error) string {
	if err == nil {
		return "success"
	}
	return string(apperrors.KindOf(err))
}

var (
	_ providers.CallObserver = (*Collectors)(nil)
	_ events.Sink            = (*Collectors)(nil)
)
