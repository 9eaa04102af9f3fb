package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	ChatRequests      *prometheus.CounterVec
	UpstreamFailures  *prometheus.CounterVec
	RateLimited       prometheus.Counter
	SideEffectsQueued prometheus.Counter
	SideEffectsSent   *prometheus.CounterVec
	SideEffectsFailed *prometheus.CounterVec
	// SideEffectsDeadLettered counts jobs parked for manual review.
	SideEffectsDeadLettered *prometheus.CounterVec
	ConnectivityTests       *prometheus.CounterVec
}

var (
	once   sync.Once
	global *Metrics
)

func Global() *Metrics {
	once.Do(func() {
		global = &Metrics{
			ChatRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "vaultchat",
				Name:      "chat_requests_total",
				Help:      "Chat queries forwarded to the RAG backend by route",
			}, []string{"route"}),
			UpstreamFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "vaultchat",
				Name:      "upstream_failures_total",
				Help:      "Non-2xx or transport failures from the RAG backend",
			}, []string{"kind"}),
			RateLimited: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "vaultchat",
				Name:      "chat_rate_limited_total",
				Help:      "Chat queries rejected by the per-tenant limiter",
			}),
			SideEffectsQueued: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "vaultchat",
				Name:      "side_effects_enqueued_total",
				Help:      "Confirmed tool side effects enqueued to redis stream",
			}),
			SideEffectsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "vaultchat",
				Name:      "side_effects_delivered_total",
				Help:      "Side effects delivered by the worker",
			}, []string{"tool"}),
			SideEffectsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "vaultchat",
				Name:      "side_effects_failed_total",
				Help:      "Side effect delivery attempts that failed",
			}, []string{"tool"}),
			SideEffectsDeadLettered: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "vaultchat",
				Name:      "side_effects_dead_lettered_total",
				Help:      "Side effects moved to the dead-letter stream",
			}, []string{"tool"}),
			ConnectivityTests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "vaultchat",
				Name:      "llm_connectivity_tests_total",
				Help:      "BYOLLM connectivity probes by result",
			}, []string{"result"}),
		}
		prometheus.MustRegister(
			global.ChatRequests,
			global.UpstreamFailures,
			global.RateLimited,
			global.SideEffectsQueued,
			global.SideEffectsSent,
			global.SideEffectsFailed,
			global.SideEffectsDeadLettered,
			global.ConnectivityTests,
		)
	})
	return global
}
