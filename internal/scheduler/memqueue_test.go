package scheduler_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"filly/run-service/internal/model"
	"filly/run-service/internal/scheduler"
)

func TestMemQueue_CollapsesToEarliest(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	q := scheduler.NewMemQueueWithClock(func() time.Time { return now })
	ctx := context.Background()

	require.NoError(t, q.ScheduleCallback(ctx, "j1", model.StageProcess, 5*time.Second))
	require.NoError(t, q.ScheduleCallback(ctx, "j1", model.StageProcess, time.Second))
	require.NoError(t, q.ScheduleCallback(ctx, "j1", model.StageProcess, 9*time.Second))
	require.NoError(t, q.ScheduleCallback(ctx, "j1", model.StagePrepare, 0))

	due, err := q.Due(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []scheduler.Task{{JobID: "j1", Stage: model.StagePrepare}}, due)

	now = now.Add(time.Second)
	due, err = q.Due(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []scheduler.Task{{JobID: "j1", Stage: model.StageProcess}}, due)

	due, _ = q.Due(ctx, 10)
	assert.Empty(t, due)
}

func TestMemQueue_LimitTakesEarliestFirst(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	q := scheduler.NewMemQueueWithClock(func() time.Time { return now })
	ctx := context.Background()

	for i, id := range []string{"c", "a", "b"} {
		require.NoError(t, q.ScheduleCallback(ctx, id, model.StageProcess, time.Duration(i)*time.Millisecond))
	}
	now = now.Add(time.Second)

	due, err := q.Due(ctx, 2)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, "c", due[0].JobID)
	assert.Equal(t, "a", due[1].JobID)

	due, _ = q.Due(ctx, 2)
	assert.Equal(t, "b", due[0].JobID)
}
