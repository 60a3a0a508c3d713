package types

import (
	"time"
)

// CronSpec is a user's recurring job declaration. Specs are created and
// mutated by the front end; the scheduler only ever reads them.
type CronSpec struct {
	ID            string            `bson:"_id" json:"id"`
	Name          string            `bson:"name" json:"name"`
	Kind          JobKind           `bson:"kind" json:"kind"`
	RunTarget     string            `bson:"runTarget" json:"runTarget"`
	Args          []string          `bson:"args,omitempty" json:"args,omitempty"`
	Frequency     Frequency         `bson:"frequency" json:"frequency"`
	Interval      int               `bson:"interval,omitempty" json:"interval,omitempty"`
	At            string            `bson:"at,omitempty" json:"at,omitempty"`
	Timezone      string            `bson:"timezone,omitempty" json:"timezone,omitempty"`
	HostInventory map[string]string `bson:"hostInventory,omitempty" json:"hostInventory,omitempty"`
	ExtraVars     map[string]string `bson:"extraVars,omitempty" json:"extraVars,omitempty"`
	Disabled      bool              `bson:"disabled" json:"disabled"`
}

// JobKind identifies what runs a job
type JobKind string

const (
	KindPython JobKind = "python"
	KindShell  JobKind = "shell"
	KindOrch   JobKind = "orch"
	KindPHP    JobKind = "php"
	KindNode   JobKind = "node"
)

// KnownKind reports whether k is one of the five known job kinds
func KnownKind(k JobKind) bool {
	switch k {
	case KindPython, KindShell, KindOrch, KindPHP, KindNode:
		return true
	}
	return false
}

// Frequency is the cron base unit
type Frequency string

const (
	FrequencySecond Frequency = "second"
	FrequencyMinute Frequency = "minute"
	FrequencyHour   Frequency = "hour"
	FrequencyDay    Frequency = "day"
)

// JobState tracks the lifecycle of a JobRecord. Transitions are monotonic
// pending -> running -> completed; a record never moves backwards.
type JobState string

const (
	JobStatePending   JobState = "pending"
	JobStateRunning   JobState = "running"
	JobStateCompleted JobState = "completed"
)

// JobRecord is one materialised invocation. The scheduler creates it in
// state pending; exactly one worker moves it to running and then completed.
// After completion it is read-only history.
type JobRecord struct {
	ID            string            `bson:"_id" json:"id"`
	CronID        string            `bson:"cronId,omitempty" json:"cronId,omitempty"`
	Name          string            `bson:"name" json:"name"`
	Kind          JobKind           `bson:"kind" json:"kind"`
	RunTarget     string            `bson:"runTarget" json:"runTarget"`
	Args          []string          `bson:"args,omitempty" json:"args,omitempty"`
	HostInventory map[string]string `bson:"hostInventory,omitempty" json:"hostInventory,omitempty"`
	ExtraVars     map[string]string `bson:"extraVars,omitempty" json:"extraVars,omitempty"`
	State         JobState          `bson:"state" json:"state"`
	Result        *bool             `bson:"result" json:"result"`
	Errors        []string          `bson:"errors" json:"errors"`
	Tasks         []TaskOutcome     `bson:"tasks" json:"tasks"`
	Scheduled     time.Time         `bson:"scheduled" json:"scheduled"`
	Start         time.Time         `bson:"start,omitempty" json:"start,omitempty"`
	End           time.Time         `bson:"end,omitempty" json:"end,omitempty"`
	ResendAttempt int               `bson:"resendAttempt" json:"resendAttempt"`
	Resent        time.Time         `bson:"resent" json:"resent"`
	ExpiryTime    time.Time         `bson:"expiryTime" json:"expiryTime"`
}

// TaskOutcome captures one runner sub-step of a job
type TaskOutcome struct {
	Task   string   `bson:"task" json:"task"`
	Host   string   `bson:"host" json:"host"`
	RC     int      `bson:"rc" json:"rc"`
	Cmd    []string `bson:"cmd,omitempty" json:"cmd,omitempty"`
	Stdout []string `bson:"stdout,omitempty" json:"stdout,omitempty"`
	Stderr []string `bson:"stderr,omitempty" json:"stderr,omitempty"`
	Msg    string   `bson:"msg,omitempty" json:"msg,omitempty"`
}

// JobExpiry is how long a completed or stuck record is retained before
// downstream TTL pruning removes it
const JobExpiry = 7 * 24 * time.Hour

// NewJobFromCron materialises a pending JobRecord from a firing cron spec
func NewJobFromCron(id string, spec *CronSpec, now time.Time) *JobRecord {
	job := &JobRecord{
		ID:            id,
		CronID:        spec.ID,
		Name:          spec.Name,
		Kind:          spec.Kind,
		RunTarget:     spec.RunTarget,
		Args:          spec.Args,
		HostInventory: spec.HostInventory,
		ExtraVars:     spec.ExtraVars,
	}
	job.InitPending(now)
	return job
}

// InitPending stamps the bookkeeping fields the scheduler owns before a
// record is inserted and its ID is published
func (j *JobRecord) InitPending(now time.Time) {
	j.State = JobStatePending
	j.Result = nil
	j.Errors = []string{}
	j.Tasks = []TaskOutcome{}
	j.Scheduled = now
	j.ResendAttempt = 0
	j.Resent = now
	j.ExpiryTime = now.Add(JobExpiry)
}
