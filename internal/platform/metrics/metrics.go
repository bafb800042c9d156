package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the application.
type Metrics struct {
	MergesTotal           *prometheus.CounterVec
	MergeRejectionsTotal  *prometheus.CounterVec
	MergeConflictsTotal   prometheus.Counter
	MergeDuration         prometheus.Histogram
	ChangeEventsPublished prometheus.Counter
	ChangeFeedErrors      prometheus.Counter
	DownstreamAttempts    prometheus.Counter
	DownstreamFailures    *prometheus.CounterVec
	DownstreamSkipped     prometheus.Counter
}

// New creates and registers all Prometheus metrics.
func New() *Metrics {
	return &Metrics{
		MergesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "idvault_merges_total",
			Help: "Successful profile merges by lifecycle condition.",
		}, []string{"condition"}),
		MergeRejectionsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "idvault_merge_rejections_total",
			Help: "Rejected profile submissions by reason.",
		}, []string{"reason"}),
		MergeConflictsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "idvault_merge_conflicts_total",
			Help: "Conditional writes that lost the optimistic concurrency race.",
		}),
		MergeDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "idvault_merge_duration_seconds",
			Help:    "End to end merge latency including storage round trips.",
			Buckets: prometheus.DefBuckets,
		}),
		ChangeEventsPublished: promauto.NewCounter(prometheus.CounterOpts{
			Name: "idvault_change_events_published_total",
			Help: "Change events relayed from the outbox to the feed.",
		}),
		ChangeFeedErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "idvault_change_feed_errors_total",
			Help: "Errors while relaying or consuming the change feed.",
		}),
		DownstreamAttempts: promauto.NewCounter(prometheus.CounterOpts{
			Name: "idvault_downstream_publish_attempts_total",
			Help: "Profile pushes attempted against downstream targets.",
		}),
		DownstreamFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "idvault_downstream_publish_failures_total",
			Help: "Downstream publish failures by kind (transient or permanent).",
		}, []string{"kind"}),
		DownstreamSkipped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "idvault_downstream_skipped_total",
			Help: "Change events skipped because the target already had the sequence.",
		}),
	}
}
