package syncqueue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobsEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "snapback_syncqueue_jobs_enqueued_total",
		Help: "Total number of sync jobs enqueued, by queue kind",
	}, []string{"kind"})

	jobsDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "snapback_syncqueue_jobs_dispatched_total",
		Help: "Total number of sync jobs pulled and pushed by workers, by queue kind",
	}, []string{"kind"})

	jobsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "snapback_syncqueue_jobs_failed_total",
		Help: "Total number of sync jobs whose local clock read or push errored, by queue kind",
	}, []string{"kind"})

	monitorOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "snapback_syncqueue_monitor_outcomes_total",
		Help: "Completion monitor outcomes, by queue kind and outcome",
	}, []string{"kind", "outcome"})

	queueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "snapback_syncqueue_pending_depth",
		Help: "Number of currently pending (de-duplicated) jobs across both queues, labelled with the kind of the queue that last updated it",
	}, []string{"kind"})
)

func outcomeLabel(o Outcome) string {
	if o == NoAdditionalSyncRequired {
		return "caught_up"
	}
	return "additional_sync_required"
}
