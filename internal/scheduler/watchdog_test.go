package scheduler_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"filly/run-service/internal/model"
	"filly/run-service/internal/scheduler"
)

type stalledJobs struct {
	jobs   []model.Job
	err    error
	before time.Time
}

func (s *stalledJobs) ListStalled(_ context.Context, before time.Time, _ int) ([]model.Job, error) {
	s.before = before
	return s.jobs, s.err
}

type resumer struct {
	mu   sync.Mutex
	ids  []string
	fail map[string]bool
}

func (r *resumer) Resume(_ context.Context, id string) (model.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, id)
	if r.fail[id] {
		return model.Job{}, errors.New("redis down")
	}
	return model.Job{ID: id}, nil
}

func TestWatchdog_SweepResumesStalledJobs(t *testing.T) {
	jobs := &stalledJobs{jobs: []model.Job{{ID: "a"}, {ID: "b"}, {ID: "c"}}}
	r := &resumer{fail: map[string]bool{"b": true}}
	w := scheduler.NewWatchdog(jobs, r, 5, 10*time.Minute)

	assert.Equal(t, 2, w.Sweep(context.Background()))
	assert.Equal(t, []string{"a", "b", "c"}, r.ids)
	assert.WithinDuration(t, time.Now().Add(-10*time.Minute), jobs.before, time.Minute)
}

func TestWatchdog_SweepListError(t *testing.T) {
	r := &resumer{}
	w := scheduler.NewWatchdog(&stalledJobs{err: errors.New("db down")}, r, 5, time.Minute)
	assert.Zero(t, w.Sweep(context.Background()))
	assert.Empty(t, r.ids)
}

func TestWatchdog_StartSweepsImmediately(t *testing.T) {
	jobs := &stalledJobs{jobs: []model.Job{{ID: "boot"}}}
	r := &resumer{}
	w := scheduler.NewWatchdog(jobs, r, 60, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	assert.NoError(t, w.Start(ctx))
	assert.Eventually(t, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		return len(r.ids) == 1
	}, time.Second, 5*time.Millisecond)
	w.Stop()
}
