package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	UpdatesTotal  prometheus.Counter
	CommandsTotal prometheus.Counter
	EnqueuedJobs  prometheus.Counter
	ProcessedJobs prometheus.Counter
	FailedJobs    prometheus.Counter
	PanelRequests prometheus.Counter
	PanelErrors   prometheus.Counter
}

var (
	once   sync.Once
	global *Metrics
)

func Global() *Metrics {
	once.Do(func() {
		global = &Metrics{
			UpdatesTotal: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "pterobot",
				Name:      "telegram_updates_total",
				Help:      "Total telegram updates received",
			}),
			CommandsTotal: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "pterobot",
				Name:      "commands_total",
				Help:      "Total bot commands handled",
			}),
			EnqueuedJobs: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "pterobot",
				Name:      "queue_enqueued_total",
				Help:      "Total server creation jobs enqueued",
			}),
			ProcessedJobs: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "pterobot",
				Name:      "queue_processed_total",
				Help:      "Total server creation jobs successfully processed",
			}),
			FailedJobs: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "pterobot",
				Name:      "queue_failed_total",
				Help:      "Total server creation jobs failed during processing",
			}),
			PanelRequests: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "pterobot",
				Name:      "panel_requests_total",
				Help:      "Total HTTP requests issued to the panel API",
			}),
			PanelErrors: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "pterobot",
				Name:      "panel_errors_total",
				Help:      "Total panel API requests that returned an error",
			}),
		}
		prometheus.MustRegister(
			global.UpdatesTotal,
			global.CommandsTotal,
			global.EnqueuedJobs,
			global.ProcessedJobs,
			global.FailedJobs,
			global.PanelRequests,
			global.PanelErrors,
		)
	})
	return global
}
