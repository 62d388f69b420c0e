// Package store persists Targets, FieldSpecs, Jobs and JobItems.
//
// Every multi-row change runs in one transaction so the pipeline's
// invariants hold under concurrent callbacks: a Target has at most one
// active Job, a queued item is claimed by one invocation, and counters
// never exceed the Job's count.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"filly/run-service/internal/model"
)

// ErrNotFound is returned when a Target, Job or item does not exist.
var ErrNotFound = errors.New("not found")

// FieldUpdate carries operator edits for one stored field. Nil members are left unchanged.
type FieldUpdate struct {
	ID       string             `json:"id"`
	Position *int               `json:"position,omitempty"`
	Config   *model.FieldConfig `json:"config,omitempty"`
}

// SchemaUpdate replaces what was learnt from the latest fetch of a Target.
// Fields are written back in full; rows absent from Fields are removed.
type SchemaUpdate struct {
	Title      string
	RawPayload json.RawMessage
	Meta       model.TransportMeta
	Fields     []model.FieldSpec
}

// StartParams describes a Job to create.
type StartParams struct {
	TargetID  string
	Count     int
	RateLimit int
	Fields    []FieldUpdate
	Now       time.Time
}

// ItemCounts tallies a Job's items by status.
type ItemCounts struct {
	Preparing int `json:"preparing"`
	Queued    int `json:"queued"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// Total is the number of items counted.
func (c ItemCounts) Total() int {
	return c.Preparing + c.Queued + c.Running + c.Completed + c.Failed
}

// Add increments the bucket for s.
func (c *ItemCounts) Add(s model.ItemStatus, n int) {
	switch s {
	case model.ItemPreparing:
		c.Preparing += n
	case model.ItemQueued:
		c.Queued += n
	case model.ItemRunning:
		c.Running += n
	case model.ItemCompleted:
		c.Completed += n
	case model.ItemFailed:
		c.Failed += n
	}
}

// Settle derives a Job's counters and status from its item tally. A Job
// whose items all have outcomes becomes terminal; one with items still
// queued or running stays running; otherwise it is still preparing. The
// status change must be an edge of the Job graph.
func Settle(j model.Job, c ItemCounts) (model.Job, error) {
	j.Submitted = c.Completed
	j.Failed = c.Failed
	next := j.Status
	switch {
	case j.Submitted+j.Failed >= j.Count:
		next = model.FinalStatus(j.Failed)
	case c.Queued > 0 || c.Running > 0:
		next = model.JobRunning
	case j.Status != model.JobPreparing && j.Status != model.JobQueued:
		next = model.JobRunning
	}
	if err := j.Status.TransitionTo(next); err != nil {
		return j, fmt.Errorf("settle job %s: %w", j.ID, err)
	}
	j.Status = next
	return j, nil
}
