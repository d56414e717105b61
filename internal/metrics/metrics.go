package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	HandshakesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pagerelay_handshakes_total",
			Help: "Total number of webhook verification handshakes by result.",
		},
		[]string{"result"}, // ok, forbidden, bad_request
	)

	WebhooksReceivedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pagerelay_webhooks_received_total",
			Help: "Total number of signed webhook POSTs by result.",
		},
		[]string{"result"}, // ok, bad_signature, ignored_object
	)

	PostsEnqueuedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pagerelay_posts_enqueued_total",
			Help: "Total number of new posts enqueued for processing.",
		},
	)

	DuplicateWebhooksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pagerelay_duplicate_webhooks_total",
			Help: "Total number of webhook changes that matched an existing post.",
		},
	)

	FetchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pagerelay_fetches_total",
			Help: "Total number of upstream post fetches by result.",
		},
		[]string{"result"}, // ok, retryable, fatal, fallback
	)

	DispatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pagerelay_dispatches_total",
			Help: "Total number of sink dispatch attempts by outcome.",
		},
		[]string{"outcome"}, // success, retryable, fatal, ambiguous
	)

	DispatchLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pagerelay_dispatch_latency_seconds",
			Help:    "End-to-end sink dispatch latency in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	PipelineOutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pagerelay_pipeline_outcomes_total",
			Help: "Total number of worker pipeline completions by outcome.",
		},
		[]string{"outcome"}, // delivered, ignored, failed, needs_review, retried, suppressed, missing
	)

	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pagerelay_retries_total",
			Help: "Total number of retries requested by pipeline stage.",
		},
		[]string{"stage"}, // fetch, dispatch
	)

	QueueJobs = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pagerelay_queue_jobs",
			Help: "Live queue job counts by state.",
		},
		[]string{"state"},
	)

	PrunedPostsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pagerelay_pruned_posts_total",
			Help: "Total number of terminal posts removed by maintenance pruning.",
		},
	)
)

func MustRegister(reg *prometheus.Registry) {
	reg.MustRegister(
		HandshakesTotal,
		WebhooksReceivedTotal,
		PostsEnqueuedTotal,
		DuplicateWebhooksTotal,
		FetchesTotal,
		DispatchesTotal,
		DispatchLatency,
		PipelineOutcomesTotal,
		RetriesTotal,
		QueueJobs,
		PrunedPostsTotal,
	)
}

// RecordHandshake counts a verification handshake result.
func RecordHandshake(result string) {
	HandshakesTotal.WithLabelValues(result).Inc()
}

// RecordWebhook counts a signed event POST result.
func RecordWebhook(result string) {
	WebhooksReceivedTotal.WithLabelValues(result).Inc()
}

// RecordEnqueued counts a newly enqueued post.
func RecordEnqueued() {
	PostsEnqueuedTotal.Inc()
}

// RecordDuplicate counts a webhook change that collapsed onto an existing row.
func RecordDuplicate() {
	DuplicateWebhooksTotal.Inc()
}

// RecordFetch counts an upstream fetch result.
func RecordFetch(result string) {
	FetchesTotal.WithLabelValues(result).Inc()
}

// RecordDispatch counts a sink dispatch and observes its latency.
func RecordDispatch(outcome string, latency time.Duration) {
	DispatchesTotal.WithLabelValues(outcome).Inc()
	DispatchLatency.Observe(latency.Seconds())
}

// RecordOutcome counts a completed pipeline run.
func RecordOutcome(outcome string) {
	PipelineOutcomesTotal.WithLabelValues(outcome).Inc()
}

// RecordRetry counts a retry requested at the given pipeline stage.
func RecordRetry(stage string) {
	RetriesTotal.WithLabelValues(stage).Inc()
}

// UpdateQueueJobs sets the live job count gauge for a queue state.
func UpdateQueueJobs(state string, count float64) {
	QueueJobs.WithLabelValues(state).Set(count)
}

// RecordPruned counts posts removed by the maintenance sweep.
func RecordPruned(count int64) {
	PrunedPostsTotal.Add(float64(count))
}
