package model

import (
	"errors"
	"fmt"
)

// JobStatus values mirror the jobs.status column. Jobs and their items
// move along these graphs:
//
// Job:
//
//	preparing ──► queued ──► running ──► completed
//	    │           │           │
//	    └───────────┴───────────┴──────► failed
//	    └──────────────────────► running
//
// JobItem:
//
//	preparing ──► queued ──► running ──► completed | failed
//	                 ▲          │
//	                 └──────────┘ (stale requeue)
//
// A preparing or queued item may also fail directly. completed and failed
// are terminal in both graphs.
type JobStatus string

const (
	JobPreparing JobStatus = "preparing"
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// ItemStatus values mirror the job_items.status column.
type ItemStatus string

const (
	ItemPreparing ItemStatus = "preparing"
	ItemQueued    ItemStatus = "queued"
	ItemRunning   ItemStatus = "running"
	ItemCompleted ItemStatus = "completed"
	ItemFailed    ItemStatus = "failed"
)

// ErrIllegalTransition reports a status change the graphs do not allow.
var ErrIllegalTransition = errors.New("illegal status transition")

var jobTransitions = map[JobStatus][]JobStatus{
	JobPreparing: {JobQueued, JobRunning, JobFailed},
	JobQueued:    {JobRunning, JobFailed},
	JobRunning:   {JobCompleted, JobFailed},
}

var itemTransitions = map[ItemStatus][]ItemStatus{
	ItemPreparing: {ItemQueued, ItemFailed},
	ItemQueued:    {ItemRunning, ItemFailed},
	ItemRunning:   {ItemCompleted, ItemFailed, ItemQueued},
}

// ParseJobStatus converts a raw string, rejecting unknown values.
func ParseJobStatus(s string) (JobStatus, error) {
	st := JobStatus(s)
	switch st {
	case JobPreparing, JobQueued, JobRunning, JobCompleted, JobFailed:
		return st, nil
	}
	return "", fmt.Errorf("unknown job status %q", s)
}

// ParseItemStatus converts a raw string, rejecting unknown values.
func ParseItemStatus(s string) (ItemStatus, error) {
	st := ItemStatus(s)
	switch st {
	case ItemPreparing, ItemQueued, ItemRunning, ItemCompleted, ItemFailed:
		return st, nil
	}
	return "", fmt.Errorf("unknown item status %q", s)
}

// CanTransition reports whether a Job may move from → to.
// Staying in the same non-terminal status is always allowed.
func (from JobStatus) CanTransition(to JobStatus) bool {
	if from == to {
		return !from.IsTerminal()
	}
	for _, s := range jobTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// CanTransition reports whether an item may move from → to.
func (from ItemStatus) CanTransition(to ItemStatus) bool {
	for _, s := range itemTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// TransitionTo returns an error wrapping ErrIllegalTransition unless the
// Job may move from → to.
func (from JobStatus) TransitionTo(to JobStatus) error {
	if !from.CanTransition(to) {
		return fmt.Errorf("job %s -> %s: %w", from, to, ErrIllegalTransition)
	}
	return nil
}

// TransitionTo returns an error wrapping ErrIllegalTransition unless the
// item may move from → to.
func (from ItemStatus) TransitionTo(to ItemStatus) error {
	if !from.CanTransition(to) {
		return fmt.Errorf("item %s -> %s: %w", from, to, ErrIllegalTransition)
	}
	return nil
}

// IsTerminal reports whether no further transitions are possible.
func (s JobStatus) IsTerminal() bool { return s == JobCompleted || s == JobFailed }

// IsActive reports whether the Job may still own its Target.
func (s JobStatus) IsActive() bool {
	return s == JobPreparing || s == JobQueued || s == JobRunning
}

// FinalStatus is the terminal status for a Job with the given failure count.
func FinalStatus(failed int) JobStatus {
	if failed > 0 {
		return JobFailed
	}
	return JobCompleted
}

// Stage names a pipeline callback.
type Stage string

const (
	StagePrepare Stage = "prepare"
	StageProcess Stage = "process"
)

// ParseStage converts a raw string, rejecting unknown values.
func ParseStage(s string) (Stage, error) {
	switch Stage(s) {
	case StagePrepare, StageProcess:
		return Stage(s), nil
	}
	return "", fmt.Errorf("unknown stage %q", s)
}

// StatusEvent is published whenever a Job's status or counters change.
type StatusEvent struct {
	JobID     string    `json:"jobId"`
	Status    JobStatus `json:"status"`
	Submitted int       `json:"submitted"`
	Failed    int       `json:"failed"`
	Prepared  int       `json:"prepared"`
}

// EventFor snapshots j.
func EventFor(j Job) StatusEvent {
	return StatusEvent{JobID: j.ID, Status: j.Status, Submitted: j.Submitted, Failed: j.Failed, Prepared: j.Prepared}
}
