package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	ChatSends           prometheus.Counter
	StreamChunks        prometheus.Counter
	TransportFailures   prometheus.Counter
	SessionsCreated     prometheus.Counter
	CaseSearchFallbacks prometheus.Counter
	EnqueuedJobs        prometheus.Counter
	ProcessedJobs       prometheus.Counter
	FailedJobs          prometheus.Counter
	UpdatesTotal        prometheus.Counter
}

var (
	once   sync.Once
	global *Metrics
)

func Global() *Metrics {
	once.Do(func() {
		global = New()
		prometheus.MustRegister(global.collectors()...)
	})
	return global
}

// New builds an unregistered set of counters.
func New() *Metrics {
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hakichat",
			Name:      name,
			Help:      help,
		})
	}
	return &Metrics{
		ChatSends:           counter("chat_sends_total", "Total chat messages submitted to the assistant"),
		StreamChunks:        counter("chat_stream_chunks_total", "Total reply chunks received from the chat endpoint"),
		TransportFailures:   counter("chat_transport_failures_total", "Total replies replaced by the fallback message"),
		SessionsCreated:     counter("chat_sessions_created_total", "Total chat sessions created"),
		CaseSearchFallbacks: counter("casesearch_fallbacks_total", "Total smart searches served by the secondary backend"),
		EnqueuedJobs:        counter("queue_enqueued_total", "Total jobs enqueued to redis stream"),
		ProcessedJobs:       counter("queue_processed_total", "Total jobs successfully processed"),
		FailedJobs:          counter("queue_failed_total", "Total jobs failed during processing"),
		UpdatesTotal:        counter("telegram_updates_total", "Total telegram updates received"),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.ChatSends,
		m.StreamChunks,
		m.TransportFailures,
		m.SessionsCreated,
		m.CaseSearchFallbacks,
		m.EnqueuedJobs,
		m.ProcessedJobs,
		m.FailedJobs,
		m.UpdatesTotal,
	}
}
