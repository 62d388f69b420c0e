// Package scheduler delivers delayed stage callbacks and periodically
// resumes Jobs that stopped making progress.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"filly/run-service/internal/model"
)

// DefaultQueueKey is the sorted set holding pending callbacks.
const DefaultQueueKey = "run:callbacks"

// Task is one stage callback.
type Task struct {
	JobID string      `json:"jobId"`
	Stage model.Stage `json:"stage"`
}

// RedisQueue keeps callbacks in a sorted set scored by due time in
// milliseconds. Identical pending callbacks collapse into the earliest one.
type RedisQueue struct {
	rdb *redis.Client
	key string
	now func() time.Time
}

// NewRedisQueue returns a queue stored under key.
func NewRedisQueue(rdb *redis.Client, key string) *RedisQueue {
	if key == "" {
		key = DefaultQueueKey
	}
	return &RedisQueue{rdb: rdb, key: key, now: time.Now}
}

// ScheduleCallback makes stage of jobID due after delay.
func (q *RedisQueue) ScheduleCallback(ctx context.Context, jobID string, stage model.Stage, delay time.Duration) error {
	member, err := json.Marshal(Task{JobID: jobID, Stage: stage})
	if err != nil {
		return err
	}
	due := q.now().Add(delay).UnixMilli()
	err = q.rdb.ZAddArgs(ctx, q.key, redis.ZAddArgs{
		LT:      true,
		Members: []redis.Z{{Score: float64(due), Member: string(member)}},
	}).Err()
	if err != nil {
		return fmt.Errorf("schedule %s/%s: %w", jobID, stage, err)
	}
	return nil
}

// Due removes and returns up to limit callbacks whose time has come.
// A callback is returned to exactly one caller.
func (q *RedisQueue) Due(ctx context.Context, limit int) ([]Task, error) {
	members, err := q.rdb.ZRangeByScore(ctx, q.key, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(q.now().UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("due callbacks: %w", err)
	}

	tasks := make([]Task, 0, len(members))
	for _, m := range members {
		n, err := q.rdb.ZRem(ctx, q.key, m).Result()
		if err != nil {
			return tasks, fmt.Errorf("claim callback: %w", err)
		}
		if n == 0 {
			continue
		}
		t, err := parseTask(m)
		if err != nil {
			slog.Warn("dropping malformed callback", "member", m, "err", err)
			continue
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

func parseTask(member string) (Task, error) {
	var t Task
	if err := json.Unmarshal([]byte(member), &t); err != nil {
		return t, err
	}
	if t.JobID == "" {
		return t, errors.New("missing job id")
	}
	stage, err := model.ParseStage(string(t.Stage))
	if err != nil {
		return t, err
	}
	t.Stage = stage
	return t, nil
}
