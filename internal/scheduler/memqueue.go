package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"filly/run-service/internal/model"
)

// MemQueue is an in-process Queue with the same collapsing rules as
// RedisQueue. Pending callbacks are lost on restart; the watchdog picks the
// affected Jobs up again.
type MemQueue struct {
	mu      sync.Mutex
	pending map[Task]time.Time
	now     func() time.Time
}

// NewMemQueue returns an empty queue.
func NewMemQueue() *MemQueue {
	return NewMemQueueWithClock(time.Now)
}

// NewMemQueueWithClock returns an empty queue reading time from now.
func NewMemQueueWithClock(now func() time.Time) *MemQueue {
	return &MemQueue{pending: map[Task]time.Time{}, now: now}
}

// ScheduleCallback makes stage of jobID due after delay, keeping an earlier
// pending due time when there is one.
func (q *MemQueue) ScheduleCallback(_ context.Context, jobID string, stage model.Stage, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	t := Task{JobID: jobID, Stage: stage}
	due := q.now().Add(delay)
	if cur, ok := q.pending[t]; !ok || due.Before(cur) {
		q.pending[t] = due
	}
	return nil
}

// Due removes and returns up to limit callbacks, earliest first.
func (q *MemQueue) Due(_ context.Context, limit int) ([]Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	type entry struct {
		task Task
		due  time.Time
	}
	var ready []entry
	for t, due := range q.pending {
		if !due.After(now) {
			ready = append(ready, entry{t, due})
		}
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i].due.Before(ready[j].due) })
	if limit > 0 && len(ready) > limit {
		ready = ready[:limit]
	}
	out := make([]Task, 0, len(ready))
	for _, e := range ready {
		delete(q.pending, e.task)
		out = append(out, e.task)
	}
	return out, nil
}
