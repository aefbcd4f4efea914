package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const MetricsPrefix = "gradepipe_scheduler_"

var JobsReaped = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: MetricsPrefix + "jobs_reaped_total",
		Help: "Number of pipeline jobs harvested and deleted, by reason",
	}, []string{"reason"})

var LogHarvestFailures = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: MetricsPrefix + "log_harvest_failures_total",
		Help: "Number of reaps that recorded the log unavailable placeholder",
	})

var LaunchesDeferred = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: MetricsPrefix + "launches_deferred_total",
		Help: "Number of launch requests deferred by admission control",
	})

var SubmissionsReapedStale = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: MetricsPrefix + "submissions_reaped_stale_total",
		Help: "Number of submissions force processed by the staleness sweep",
	})

var SubmissionsResubmitted = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: MetricsPrefix + "submissions_resubmitted_total",
		Help: "Number of never-launched submissions re-admitted by the orphan sweep",
	})
