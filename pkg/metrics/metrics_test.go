package metrics

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/dockschedule/dockschedule/pkg/store"
)

type fakeCounter struct {
	byFilter map[string]int64
}

func key(coll string, filter any) string {
	return fmt.Sprintf("%s %v", coll, filter)
}

func (f *fakeCounter) Count(_ context.Context, coll string, filter any) int64 {
	return f.byFilter[key(coll, filter)]
}

func TestCollectorReportsStoreCounts(t *testing.T) {
	f := &fakeCounter{byFilter: map[string]int64{
		key(store.JobsCollection, bson.M{}):                                     10,
		key(store.JobsCollection, bson.M{"state": "pending"}):                   2,
		key(store.JobsCollection, bson.M{"state": "running"}):                   1,
		key(store.JobsCollection, bson.M{"result": true, "state": "completed"}):  6,
		key(store.JobsCollection, bson.M{"result": false, "state": "completed"}): 1,
		key(store.CronsCollection, bson.M{}):                  4,
		key(store.CronsCollection, bson.M{"disabled": false}): 3,
	}}

	expected := `
# HELP scheduler_crons_enabled_total Number of enabled cron specs
# TYPE scheduler_crons_enabled_total gauge
scheduler_crons_enabled_total 3
# HELP scheduler_crons_total Total number of cron specs
# TYPE scheduler_crons_total gauge
scheduler_crons_total 4
# HELP scheduler_jobs_failed_total Number of completed job records with a failed result
# TYPE scheduler_jobs_failed_total gauge
scheduler_jobs_failed_total 1
# HELP scheduler_jobs_pending Number of job records waiting for a worker
# TYPE scheduler_jobs_pending gauge
scheduler_jobs_pending 2
# HELP scheduler_jobs_running Number of job records currently executing
# TYPE scheduler_jobs_running gauge
scheduler_jobs_running 1
# HELP scheduler_jobs_successful_total Number of completed job records with a successful result
# TYPE scheduler_jobs_successful_total gauge
scheduler_jobs_successful_total 6
# HELP scheduler_jobs_total Total number of job records
# TYPE scheduler_jobs_total gauge
scheduler_jobs_total 10
`
	if err := testutil.CollectAndCompare(NewJobsCollector(f), strings.NewReader(expected)); err != nil {
		t.Errorf("unexpected metrics:\n%v", err)
	}
}

func TestCollectorZeroWhenStoreUnavailable(t *testing.T) {
	// an unavailable store counts everything as zero rather than failing
	// the scrape
	c := NewJobsCollector(&fakeCounter{byFilter: map[string]int64{}})
	if got := testutil.CollectAndCount(c); got != 7 {
		t.Errorf("collected %d metrics, want 7", got)
	}
}
