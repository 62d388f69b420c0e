// Package notify pushes Job status events to Redis pub/sub so clients can
// follow a run live. Delivery is best-effort; the stored Job stays the
// source of truth.
package notify

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"filly/run-service/internal/model"
)

// Channel is the pub/sub channel for a Job's events.
func Channel(jobID string) string { return "run-" + jobID }

// Redis publishes StatusEvents.
type Redis struct {
	rdb *redis.Client
}

// NewRedis returns a publisher backed by rdb.
func NewRedis(rdb *redis.Client) *Redis {
	return &Redis{rdb: rdb}
}

// Publish sends ev on the Job's channel. Failures are logged, never returned.
func (r *Redis) Publish(ctx context.Context, ev model.StatusEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		slog.Warn("notify: marshal event", "job", ev.JobID, "err", err)
		return
	}
	if err := r.rdb.Publish(ctx, Channel(ev.JobID), payload).Err(); err != nil {
		slog.Warn("notify: publish failed (non-fatal)", "job", ev.JobID, "err", err)
	}
}

// Subscribe streams decoded events for jobID until ctx is done. The
// returned channel is closed when the subscription ends.
func (r *Redis) Subscribe(ctx context.Context, jobID string) <-chan model.StatusEvent {
	sub := r.rdb.Subscribe(ctx, Channel(jobID))
	out := make(chan model.StatusEvent)
	go func() {
		defer close(out)
		defer sub.Close()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var ev model.StatusEvent
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					slog.Warn("notify: bad event", "job", jobID, "err", err)
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}
