// Package pipeline runs Jobs: it prepares generated records for every item
// and submits them at the Job's rate, re-entering through scheduled
// callbacks so every step can resume from stored state.
package pipeline

import (
	"context"
	"errors"
	"time"

	"filly/run-service/internal/model"
	"filly/run-service/internal/store"
	"filly/run-service/internal/submit"
)

// ─── Errors ───────────────────────────────────────────────────────────────────

var (
	// ErrNotFound is returned when a Target or Job does not exist.
	ErrNotFound = store.ErrNotFound
	// ErrSuperseded fails a Job whose Target now belongs to another Job.
	ErrSuperseded = errors.New("superseded by another active job")
)

// ValidationError reports bad operator input.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

func invalid(msg string) error { return &ValidationError{Msg: msg} }

// ─── Collaborators ────────────────────────────────────────────────────────────

// Store is the persistence the pipeline needs.
type Store interface {
	CreateTarget(ctx context.Context, t model.Target, fields []model.FieldSpec) (model.Target, bool, error)
	GetTarget(ctx context.Context, id string) (model.Target, error)
	ListFields(ctx context.Context, targetID string) ([]model.FieldSpec, error)
	SaveSchema(ctx context.Context, targetID string, upd store.SchemaUpdate) error
	UpdateMeta(ctx context.Context, targetID string, meta model.TransportMeta) error
	UpdateFields(ctx context.Context, targetID string, updates []store.FieldUpdate) ([]model.FieldSpec, error)

	StartJob(ctx context.Context, p store.StartParams) (model.Job, bool, error)
	GetJob(ctx context.Context, id string) (model.Job, error)
	ListItems(ctx context.Context, jobID string, status model.ItemStatus, limit int) ([]model.JobItem, error)
	CountItems(ctx context.Context, jobID string) (store.ItemCounts, error)
	ApplyPrepared(ctx context.Context, jobID string, prepared []model.PreparedItem) (model.Job, error)
	FinalizePrepared(ctx context.Context, jobID string) (model.Job, error)
	MarkRunning(ctx context.Context, jobID string) (model.Job, error)
	ClaimQueued(ctx context.Context, jobID string, limit int) ([]model.JobItem, error)
	RecordResults(ctx context.Context, jobID string, results []model.ItemResult, now time.Time) (model.Job, error)
	Recompute(ctx context.Context, jobID string, now time.Time) (model.Job, error)
	FailJob(ctx context.Context, jobID, msg string, now time.Time) (model.Job, error)
	RequeueStale(ctx context.Context, jobID string, before time.Time) (int, error)
}

// Scheduler re-invokes a stage after delay. Delivery is at-least-once.
type Scheduler interface {
	ScheduleCallback(ctx context.Context, jobID string, stage model.Stage, delay time.Duration) error
}

// Generator produces exactly count records for fields.
type Generator interface {
	GenerateBatch(ctx context.Context, fields []model.FieldSpec, count int) ([]model.Record, error)
}

// Submitter sends one record. It never fails; problems are in the Outcome.
type Submitter interface {
	Submit(ctx context.Context, req submit.Request) submit.Outcome
}

// Fetcher downloads a form page.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (string, error)
}

// Notifier pushes status events. Best-effort.
type Notifier interface {
	Publish(ctx context.Context, ev model.StatusEvent)
}

// Clock is the pipeline's only source of time.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

// SystemClock is the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// Sleep waits for d or until ctx is done.
func (SystemClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type nopNotifier struct{}

func (nopNotifier) Publish(context.Context, model.StatusEvent) {}
