// Package metrics exposes Prometheus counters for actions, scheduled triggers and webhook delivery.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the set of observations the automation core emits.
type Metrics interface {
	IncActionExecuted(actionType, outcome string)
	IncTriggerFired(triggerType, outcome string)
	IncDeliveryAttempt(status string)
	AddDeliveriesCreated(count int)
	ObserveTick(tick string, durationSeconds float64)
}

// Noop implements Metrics without emitting anything.
type Noop struct{}

func (Noop) IncActionExecuted(string, string) {}
func (Noop) IncTriggerFired(string, string)   {}
func (Noop) IncDeliveryAttempt(string)        {}
func (Noop) AddDeliveriesCreated(int)         {}
func (Noop) ObserveTick(string, float64)      {}

// Prom implements Metrics backed by Prometheus collectors.
type Prom struct {
	actions    *prometheus.CounterVec
	triggers   *prometheus.CounterVec
	deliveries *prometheus.CounterVec
	created    prometheus.Counter
	ticks      *prometheus.HistogramVec
}

// NewProm creates the collectors and registers them with registerer.
func NewProm(namespace string, registerer prometheus.Registerer) (*Prom, error) {
	p := &Prom{
		actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "actions_executed_total",
			Help:      "Actions executed by type and outcome",
		}, []string{"action_type", "outcome"}),
		triggers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduled_triggers_fired_total",
			Help:      "Scheduled trigger firings by trigger type and outcome",
		}, []string{"trigger_type", "outcome"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_delivery_attempts_total",
			Help:      "Webhook delivery attempts by resulting status",
		}, []string{"status"}),
		created: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_deliveries_created_total",
			Help:      "Webhook deliveries created by outbox fan-out",
		}),
		ticks: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tick_duration_seconds",
			Help:      "Duration of scheduler and delivery ticks",
			Buckets:   prometheus.DefBuckets,
		}, []string{"tick"}),
	}

	for _, collector := range []prometheus.Collector{p.actions, p.triggers, p.deliveries, p.created, p.ticks} {
		if err := registerer.Register(collector); err != nil {
			return nil, err
		}
	}

	return p, nil
}

func (p *Prom) IncActionExecuted(actionType, outcome string) {
	p.actions.WithLabelValues(actionType, outcome).Inc()
}

func (p *Prom) IncTriggerFired(triggerType, outcome string) {
	p.triggers.WithLabelValues(triggerType, outcome).Inc()
}

func (p *Prom) IncDeliveryAttempt(status string) {
	p.deliveries.WithLabelValues(status).Inc()
}

func (p *Prom) AddDeliveriesCreated(count int) {
	p.created.Add(float64(count))
}

func (p *Prom) ObserveTick(tick string, durationSeconds float64) {
	p.ticks.WithLabelValues(tick).Observe(durationSeconds)
}

// Handler serves the metrics gathered by gatherer.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
