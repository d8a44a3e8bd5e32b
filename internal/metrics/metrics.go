package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
)

type Metrics struct {
	WebhookEvents        *prometheus.CounterVec
	ReconcileTransitions *prometheus.CounterVec
	DeadLetters          *prometheus.CounterVec
	ProviderCalls        *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		WebhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "serenity_webhook_events_total",
			Help: "Inbound webhook deliveries by provider and outcome.",
		}, []string{"provider", "outcome"}),
		ReconcileTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "serenity_reconcile_transitions_total",
			Help: "Applied subscription state transitions by event type.",
		}, []string{"event_type", "status"}),
		DeadLetters: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "serenity_dead_letters_total",
			Help: "Events parked for manual inspection by reason.",
		}, []string{"reason"}),
		ProviderCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "serenity_provider_calls_total",
			Help: "Outbound provider API calls by provider, operation and outcome.",
		}, []string{"provider", "operation", "outcome"}),
	}
	reg.MustRegister(m.WebhookEvents, m.ReconcileTransitions, m.DeadLetters, m.ProviderCalls)
	return m
}

var Module = fx.Module("metrics",
	fx.Provide(func() *prometheus.Registry { return prometheus.NewRegistry() }),
	fx.Provide(func(reg *prometheus.Registry) prometheus.Registerer { return reg }),
	fx.Provide(New),
)
