package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestFailures *prometheus.CounterVec
	StreamChunks    prometheus.Counter
	SessionsActive  prometheus.Gauge
	SessionEvicted  *prometheus.CounterVec
	AuditWritten    prometheus.Counter
	AuditDropped    prometheus.Counter
	AuditFailed     prometheus.Counter
}

var (
	once   sync.Once
	global *Metrics
)

func Global() *Metrics {
	once.Do(func() {
		global = &Metrics{
			RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "llmgate",
				Name:      "requests_total",
				Help:      "Total chat completion requests by provider",
			}, []string{"provider"}),
			RequestFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "llmgate",
				Name:      "request_failures_total",
				Help:      "Total failed requests by error kind",
			}, []string{"kind"}),
			StreamChunks: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "llmgate",
				Name:      "stream_chunks_total",
				Help:      "Total streamed chunks forwarded to clients",
			}),
			SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "llmgate",
				Name:      "sessions_active",
				Help:      "Sessions currently tracked by the session manager",
			}),
			SessionEvicted: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "llmgate",
				Name:      "sessions_evicted_total",
				Help:      "Sessions evicted by reason (ttl, capacity)",
			}, []string{"reason"}),
			AuditWritten: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "llmgate",
				Name:      "audit_written_total",
				Help:      "Audit records persisted by the worker",
			}),
			AuditDropped: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "llmgate",
				Name:      "audit_dropped_total",
				Help:      "Audit records dropped because the hand-off buffer was full",
			}),
			AuditFailed: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "llmgate",
				Name:      "audit_failed_total",
				Help:      "Audit records that failed to enqueue or persist",
			}),
		}
		prometheus.MustRegister(
			global.RequestsTotal,
			global.RequestFailures,
			global.StreamChunks,
			global.SessionsActive,
			global.SessionEvicted,
			global.AuditWritten,
			global.AuditDropped,
			global.AuditFailed,
		)
	})
	return global
}
