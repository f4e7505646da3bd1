package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	messages  prometheus.Counter
	gaps      prometheus.Counter
	fullState prometheus.Counter
	offers    *prometheus.CounterVec
	errors    *prometheus.CounterVec
	pushes    *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer, sessions func() float64) *metrics {
	f := promauto.With(reg)
	m := &metrics{
		messages: f.NewCounter(prometheus.CounterOpts{
			Namespace: "fleetsync",
			Name:      "agent_messages_total",
			Help:      "Agent messages processed.",
		}),
		gaps: f.NewCounter(prometheus.CounterOpts{
			Namespace: "fleetsync",
			Name:      "sequence_gaps_total",
			Help:      "Sequence number gaps detected across all sessions.",
		}),
		fullState: f.NewCounter(prometheus.CounterOpts{
			Namespace: "fleetsync",
			Name:      "full_state_requests_total",
			Help:      "Full state reports requested from agents.",
		}),
		offers: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fleetsync",
			Name:      "offers_total",
			Help:      "Offers sent to agents, by kind.",
		}, []string{"kind"}),
		errors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fleetsync",
			Name:      "error_responses_total",
			Help:      "Error responses sent to agents, by error type.",
		}, []string{"type"}),
		pushes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fleetsync",
			Name:      "pushes_total",
			Help:      "Server initiated messages, by outcome.",
		}, []string{"outcome"}),
	}
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "fleetsync",
		Name:      "sessions",
		Help:      "Live agent sessions.",
	}, sessions)
	return m
}
