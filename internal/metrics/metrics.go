package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	GatewayRequests *prometheus.CounterVec
	GatewayDuration *prometheus.HistogramVec
	StreamChunks    *prometheus.CounterVec
	ModelCache      *prometheus.CounterVec
	VaultOps        *prometheus.CounterVec
	ChatSends       *prometheus.CounterVec
	RelayPublished  prometheus.Counter
	RelayFailed     prometheus.Counter
}

var (
	once   sync.Once
	global *Metrics
)

func Global() *Metrics {
	once.Do(func() {
		global = &Metrics{
			GatewayRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "keygate",
				Name:      "gateway_requests_total",
				Help:      "Gateway operations by provider, operation and outcome",
			}, []string{"provider", "operation", "outcome"}),
			GatewayDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "keygate",
				Name:      "gateway_request_duration_seconds",
				Help:      "Gateway operation latency, streaming included",
				Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			}, []string{"provider", "operation"}),
			StreamChunks: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "keygate",
				Name:      "stream_chunks_total",
				Help:      "Text chunks delivered to stream consumers",
			}, []string{"provider"}),
			ModelCache: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "keygate",
				Name:      "model_cache_lookups_total",
				Help:      "Model list cache lookups by result",
			}, []string{"result"}),
			VaultOps: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "keygate",
				Name:      "vault_operations_total",
				Help:      "Vault operations by operation and outcome",
			}, []string{"operation", "outcome"}),
			ChatSends: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "keygate",
				Name:      "chat_sends_total",
				Help:      "Chat send requests by outcome",
			}, []string{"outcome"}),
			RelayPublished: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "keygate",
				Name:      "relay_published_total",
				Help:      "Stream events published to redis",
			}),
			RelayFailed: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "keygate",
				Name:      "relay_failed_total",
				Help:      "Stream events that could not be published to redis",
			}),
		}
		prometheus.MustRegister(
			global.GatewayRequests,
			global.GatewayDuration,
			global.StreamChunks,
			global.ModelCache,
			global.VaultOps,
			global.ChatSends,
			global.RelayPublished,
			global.RelayFailed,
		)
	})
	return global
}

// Outcome is the label value for err.
func Outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
