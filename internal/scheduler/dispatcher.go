package scheduler

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"filly/run-service/internal/model"
)

const (
	defaultPoll    = 250 * time.Millisecond
	defaultWorkers = 32
)

// Queue hands out due callbacks.
type Queue interface {
	Due(ctx context.Context, limit int) ([]Task, error)
}

// Runner executes a stage callback.
type Runner interface {
	Run(ctx context.Context, jobID string, stage model.Stage) error
}

// Dispatcher polls a Queue and runs due callbacks concurrently, at most
// workers at a time.
type Dispatcher struct {
	queue   Queue
	runner  Runner
	poll    time.Duration
	workers int
	log     *slog.Logger
}

// NewDispatcher returns a Dispatcher polling every poll.
func NewDispatcher(q Queue, r Runner, poll time.Duration, workers int) *Dispatcher {
	if poll <= 0 {
		poll = defaultPoll
	}
	if workers <= 0 {
		workers = defaultWorkers
	}
	return &Dispatcher{
		queue:   q,
		runner:  r,
		poll:    poll,
		workers: workers,
		log:     slog.Default().With("component", "dispatcher"),
	}
}

// Run polls until ctx is done and returns once in-flight callbacks finish.
func (d *Dispatcher) Run(ctx context.Context) error {
	var g errgroup.Group
	g.SetLimit(d.workers)
	defer g.Wait()

	ticker := time.NewTicker(d.poll)
	defer ticker.Stop()

	d.log.Info("dispatcher started", "poll", d.poll, "workers", d.workers)
	for {
		tasks, err := d.queue.Due(ctx, d.workers)
		if err != nil && ctx.Err() == nil {
			d.log.Warn("poll failed", "err", err)
		}
		for _, t := range tasks {
			g.Go(func() error {
				if err := d.runner.Run(ctx, t.JobID, t.Stage); err != nil {
					d.log.Warn("callback failed", "job", t.JobID, "stage", t.Stage, "err", err)
				}
				return nil
			})
		}

		select {
		case <-ctx.Done():
			d.log.Info("dispatcher stopping")
			return nil
		case <-ticker.C:
		}
	}
}
