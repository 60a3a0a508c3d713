// Package metrics exposes scheduler gauges computed from live store counts
// on every scrape. Counting in the store instead of in-process keeps
// scheduler replicas stateless at the cost of a bounded query per scrape.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/dockschedule/dockschedule/pkg/store"
	"github.com/dockschedule/dockschedule/pkg/types"
)

// scrapeTimeout bounds the store queries behind one scrape
const scrapeTimeout = 2 * time.Second

// Counter is the slice of the store the collector needs
type Counter interface {
	Count(ctx context.Context, coll string, filter any) int64
}

var (
	jobsTotalDesc = prometheus.NewDesc(
		"scheduler_jobs_total",
		"Total number of job records",
		nil, nil,
	)
	jobsPendingDesc = prometheus.NewDesc(
		"scheduler_jobs_pending",
		"Number of job records waiting for a worker",
		nil, nil,
	)
	jobsRunningDesc = prometheus.NewDesc(
		"scheduler_jobs_running",
		"Number of job records currently executing",
		nil, nil,
	)
	jobsSuccessfulDesc = prometheus.NewDesc(
		"scheduler_jobs_successful_total",
		"Number of completed job records with a successful result",
		nil, nil,
	)
	jobsFailedDesc = prometheus.NewDesc(
		"scheduler_jobs_failed_total",
		"Number of completed job records with a failed result",
		nil, nil,
	)
	cronsTotalDesc = prometheus.NewDesc(
		"scheduler_crons_total",
		"Total number of cron specs",
		nil, nil,
	)
	cronsEnabledDesc = prometheus.NewDesc(
		"scheduler_crons_enabled_total",
		"Number of enabled cron specs",
		nil, nil,
	)
)

// JobsCollector implements prometheus.Collector over store counts. An
// unavailable store reports zero for every gauge.
type JobsCollector struct {
	store Counter
}

// NewJobsCollector creates a collector backed by the given store
func NewJobsCollector(s Counter) *JobsCollector {
	return &JobsCollector{store: s}
}

// Describe implements prometheus.Collector
func (c *JobsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- jobsTotalDesc
	ch <- jobsPendingDesc
	ch <- jobsRunningDesc
	ch <- jobsSuccessfulDesc
	ch <- jobsFailedDesc
	ch <- cronsTotalDesc
	ch <- cronsEnabledDesc
}

// Collect implements prometheus.Collector
func (c *JobsCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), scrapeTimeout)
	defer cancel()

	gauge := func(desc *prometheus.Desc, filter any, coll string) {
		n := c.store.Count(ctx, coll, filter)
		ch <- prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, float64(n))
	}

	gauge(jobsTotalDesc, bson.M{}, store.JobsCollection)
	gauge(jobsPendingDesc, bson.M{"state": types.JobStatePending}, store.JobsCollection)
	gauge(jobsRunningDesc, bson.M{"state": types.JobStateRunning}, store.JobsCollection)
	gauge(jobsSuccessfulDesc, bson.M{"state": types.JobStateCompleted, "result": true}, store.JobsCollection)
	gauge(jobsFailedDesc, bson.M{"state": types.JobStateCompleted, "result": false}, store.JobsCollection)
	gauge(cronsTotalDesc, bson.M{}, store.CronsCollection)
	gauge(cronsEnabledDesc, bson.M{"disabled": false}, store.CronsCollection)
}

// Handler returns an HTTP handler serving only the scheduler gauges
func Handler(s Counter) http.Handler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(NewJobsCollector(s))
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
