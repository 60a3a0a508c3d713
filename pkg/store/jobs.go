package store

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/dockschedule/dockschedule/pkg/types"
)

// InsertJob persists a freshly materialised job record
func (c *Client) InsertJob(ctx context.Context, job *types.JobRecord) bool {
	return c.InsertOne(ctx, JobsCollection, job)
}

// GetJob loads a job record by ID. Nil means the record does not exist or
// the store is unavailable; the worker treats both as a tombstone.
func (c *Client) GetJob(ctx context.Context, id string) *types.JobRecord {
	var job types.JobRecord
	if !c.FindOne(ctx, JobsCollection, bson.M{"_id": id}, &job) {
		return nil
	}
	return &job
}

// JobState fetches only the state field, the worker's duplicate check
func (c *Client) JobState(ctx context.Context, id string) (types.JobState, bool) {
	var doc struct {
		State types.JobState `bson:"state"`
	}
	if !c.FindOne(ctx, JobsCollection, bson.M{"_id": id}, &doc, bson.M{"state": 1}) {
		return "", false
	}
	return doc.State, true
}

// JobResult is the result-polling projection used by front ends waiting on
// a job
type JobResult struct {
	Result *bool    `bson:"result"`
	Errors []string `bson:"errors"`
}

// GetJobResult fetches only the result and errors fields
func (c *Client) GetJobResult(ctx context.Context, id string) (*JobResult, bool) {
	var res JobResult
	if !c.FindOne(ctx, JobsCollection, bson.M{"_id": id}, &res, bson.M{"result": 1, "errors": 1}) {
		return nil, false
	}
	return &res, true
}

// SaveJob overwrites the mutable fields of a record the caller owns
func (c *Client) SaveJob(ctx context.Context, job *types.JobRecord) bool {
	return c.UpdateOne(ctx, JobsCollection, bson.M{"_id": job.ID}, bson.M{"$set": job}, false)
}

// MarkJobRunning transitions pending -> running and stamps the start time.
// The state filter makes the claim atomic: if another worker already moved
// the record past pending, nothing matches and the claim reports false.
func (c *Client) MarkJobRunning(ctx context.Context, id string, start time.Time) bool {
	col := c.collection(ctx, JobsCollection)
	if col == nil {
		return false
	}
	filter := bson.M{"_id": id, "state": types.JobStatePending}
	patch := bson.M{"$set": bson.M{"state": types.JobStateRunning, "start": start}}
	res, err := col.UpdateOne(ctx, filter, patch)
	if err != nil {
		c.logger.Error().Err(err).Msg("Failed to claim job")
		return false
	}
	return res.ModifiedCount == 1
}

// MarkJobResent records one redelivery attempt
func (c *Client) MarkJobResent(ctx context.Context, id string, attempt int, at time.Time) bool {
	patch := bson.M{"$set": bson.M{"resendAttempt": attempt, "resent": at}}
	return c.UpdateOne(ctx, JobsCollection, bson.M{"_id": id}, patch, false)
}

// PendingJobs returns every record still waiting for a worker
func (c *Client) PendingJobs(ctx context.Context) []*types.JobRecord {
	var jobs []*types.JobRecord
	if !c.FindAll(ctx, JobsCollection, bson.M{"state": types.JobStatePending}, &jobs) {
		return nil
	}
	return jobs
}

// LatestCompletedJob returns the completed record with the newest scheduled
// timestamp, the watermark for the redelivery scan
func (c *Client) LatestCompletedJob(ctx context.Context) *types.JobRecord {
	col := c.collection(ctx, JobsCollection)
	if col == nil {
		return nil
	}
	opts := options.FindOne().SetSort(bson.D{{Key: "scheduled", Value: -1}})
	var job types.JobRecord
	if err := col.FindOne(ctx, bson.M{"state": types.JobStateCompleted}, opts).Decode(&job); err != nil {
		return nil
	}
	return &job
}
