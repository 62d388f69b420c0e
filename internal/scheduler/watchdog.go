package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"filly/run-service/internal/model"
)

const sweepLimit = 100

// StalledLister finds active Jobs not updated since a point in time.
type StalledLister interface {
	ListStalled(ctx context.Context, before time.Time, limit int) ([]model.Job, error)
}

// Resumer re-triggers a Job's stages.
type Resumer interface {
	Resume(ctx context.Context, jobID string) (model.Job, error)
}

// Watchdog wraps robfig/cron and resumes stalled Jobs on every tick.
type Watchdog struct {
	cron       *cron.Cron
	jobs       StalledLister
	resumer    Resumer
	staleAfter time.Duration
	spec       string
	now        func() time.Time
	log        *slog.Logger
}

// NewWatchdog creates a Watchdog that sweeps every intervalMinutes minutes.
func NewWatchdog(jobs StalledLister, resumer Resumer, intervalMinutes int, staleAfter time.Duration) *Watchdog {
	log := slog.Default().With("component", "watchdog")
	return &Watchdog{
		cron:       cron.New(cron.WithLogger(cron.PrintfLogger(slog.NewLogLogger(log.Handler(), slog.LevelDebug)))),
		jobs:       jobs,
		resumer:    resumer,
		staleAfter: staleAfter,
		spec:       fmt.Sprintf("@every %dm", max(1, intervalMinutes)),
		now:        time.Now,
		log:        log,
	}
}

// Start registers the sweep and starts the cron. One sweep also runs
// immediately so Jobs interrupted by a restart resume without waiting a tick.
func (w *Watchdog) Start(ctx context.Context) error {
	if _, err := w.cron.AddFunc(w.spec, func() { w.Sweep(ctx) }); err != nil {
		return fmt.Errorf("cron.AddFunc: %w", err)
	}
	w.cron.Start()
	w.log.Info("watchdog started", "spec", w.spec, "staleAfter", w.staleAfter)

	go w.Sweep(ctx)
	return nil
}

// Stop halts the cron and waits for a running sweep.
func (w *Watchdog) Stop() {
	<-w.cron.Stop().Done()
	w.log.Info("watchdog stopped")
}

// Sweep resumes every stalled Job and returns how many were resumed.
func (w *Watchdog) Sweep(ctx context.Context) int {
	jobs, err := w.jobs.ListStalled(ctx, w.now().Add(-w.staleAfter), sweepLimit)
	if err != nil {
		w.log.Warn("list stalled jobs", "err", err)
		return 0
	}
	if len(jobs) == 0 {
		return 0
	}

	resumed := 0
	for _, j := range jobs {
		if _, err := w.resumer.Resume(ctx, j.ID); err != nil {
			w.log.Warn("resume failed", "job", j.ID, "err", err)
			continue
		}
		resumed++
	}
	w.log.Info("stalled jobs resumed", "found", len(jobs), "resumed", resumed)
	return resumed
}
