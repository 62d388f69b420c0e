package memstore_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"filly/run-service/internal/model"
	"filly/run-service/internal/store"
	"filly/run-service/internal/store/memstore"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func seed(t *testing.T, s *memstore.Store) model.Target {
	t.Helper()
	target, created, err := s.CreateTarget(context.Background(),
		model.Target{ExternalID: "abc", Kind: "e", Title: "Survey"},
		[]model.FieldSpec{
			{EntryID: "1", Label: "Name", Type: model.FieldShortText, Config: model.DefaultFieldConfig()},
			{EntryID: "2", Label: "Color", Type: model.FieldSingle, Options: []string{"Red", "Blue"}, Config: model.DefaultFieldConfig()},
		})
	require.NoError(t, err)
	require.True(t, created)
	return target
}

func start(t *testing.T, s *memstore.Store, targetID string, count int) model.Job {
	t.Helper()
	job, created, err := s.StartJob(context.Background(), store.StartParams{
		TargetID: targetID, Count: count, RateLimit: 5, Now: epoch,
	})
	require.NoError(t, err)
	require.True(t, created)
	return job
}

func prepareAll(t *testing.T, s *memstore.Store, jobID string) {
	t.Helper()
	ctx := context.Background()
	items, err := s.ListItems(ctx, jobID, model.ItemPreparing, 0)
	require.NoError(t, err)
	prepared := make([]model.PreparedItem, len(items))
	for i, it := range items {
		prepared[i] = model.PreparedItem{ItemID: it.ID, Record: model.Record{"entry.1": model.String("x")}}
	}
	_, err = s.ApplyPrepared(ctx, jobID, prepared)
	require.NoError(t, err)
}

// ── Targets ──

func TestCreateTarget_IsIdempotentPerExternalID(t *testing.T) {
	s := memstore.New()
	first := seed(t, s)

	again, created, err := s.CreateTarget(context.Background(), model.Target{ExternalID: "abc", Kind: "e"}, nil)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, again.ID)

	fields, err := s.ListFields(context.Background(), first.ID)
	require.NoError(t, err)
	require.Len(t, fields, 2)
	assert.Equal(t, 0, fields[0].Position)
	assert.Equal(t, 1, fields[1].Position)
}

func TestGetTarget_Missing(t *testing.T) {
	_, err := memstore.New().GetTarget(context.Background(), "nope")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestUpdateFields_ReordersAndRejectsUnknown(t *testing.T) {
	s := memstore.New()
	target := seed(t, s)
	ctx := context.Background()
	fields, _ := s.ListFields(ctx, target.ID)

	pos := 5
	cfg := model.FieldConfig{Strategy: model.StrategyFixed, FixedValue: "Ann", Enabled: true}
	out, err := s.UpdateFields(ctx, target.ID, []store.FieldUpdate{{ID: fields[0].ID, Position: &pos, Config: &cfg}})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "Color", out[0].Label)
	assert.Equal(t, "Ann", out[1].Config.FixedValue)

	_, err = s.UpdateFields(ctx, target.ID, []store.FieldUpdate{{ID: "missing", Config: &cfg}})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

// ── Jobs ──

func TestStartJob_ReturnsActiveJob(t *testing.T) {
	s := memstore.New()
	target := seed(t, s)
	job := start(t, s, target.ID, 3)

	again, created, err := s.StartJob(context.Background(), store.StartParams{TargetID: target.ID, Count: 9, RateLimit: 1, Now: epoch})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, job.ID, again.ID)
	assert.Equal(t, 3, again.Count)

	got, _ := s.GetTarget(context.Background(), target.ID)
	require.NotNil(t, got.ActiveJobID)
	assert.Equal(t, job.ID, *got.ActiveJobID)
}

func TestStartJob_ConcurrentCallersShareOneJob(t *testing.T) {
	s := memstore.New()
	target := seed(t, s)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		ids     = map[string]bool{}
		created int
	)
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			job, ok, err := s.StartJob(context.Background(), store.StartParams{TargetID: target.ID, Count: 2, RateLimit: 1, Now: epoch})
			assert.NoError(t, err)
			mu.Lock()
			defer mu.Unlock()
			ids[job.ID] = true
			if ok {
				created++
			}
		}()
	}
	wg.Wait()
	assert.Len(t, ids, 1)
	assert.Equal(t, 1, created)
}

func TestApplyPrepared_CountsOnlyTransitions(t *testing.T) {
	s := memstore.New()
	target := seed(t, s)
	job := start(t, s, target.ID, 2)
	ctx := context.Background()

	items, _ := s.ListItems(ctx, job.ID, "", 0)
	batch := []model.PreparedItem{{ItemID: items[0].ID, Record: model.Record{}}}

	j, err := s.ApplyPrepared(ctx, job.ID, batch)
	require.NoError(t, err)
	assert.Equal(t, 1, j.Prepared)
	assert.Equal(t, model.JobPreparing, j.Status)

	j, err = s.ApplyPrepared(ctx, job.ID, batch)
	require.NoError(t, err)
	assert.Equal(t, 1, j.Prepared, "replayed batch must not double count")

	j, err = s.ApplyPrepared(ctx, job.ID, []model.PreparedItem{{ItemID: items[1].ID, Record: model.Record{}}})
	require.NoError(t, err)
	assert.Equal(t, 2, j.Prepared)
	assert.Equal(t, model.JobQueued, j.Status)
}

func TestClaimQueued_NeverHandsOutAnItemTwice(t *testing.T) {
	s := memstore.New()
	target := seed(t, s)
	job := start(t, s, target.ID, 20)
	prepareAll(t, s, job.ID)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = map[string]int{}
	)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			items, err := s.ClaimQueued(context.Background(), job.ID, 3)
			assert.NoError(t, err)
			mu.Lock()
			defer mu.Unlock()
			for _, it := range items {
				seen[it.ID]++
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, 20)
	for id, n := range seen {
		assert.Equal(t, 1, n, id)
	}
}

func TestRecordResults_FinishesAndReleasesTarget(t *testing.T) {
	s := memstore.New()
	target := seed(t, s)
	job := start(t, s, target.ID, 2)
	prepareAll(t, s, job.ID)
	ctx := context.Background()

	_, err := s.MarkRunning(ctx, job.ID)
	require.NoError(t, err)
	claimed, err := s.ClaimQueued(ctx, job.ID, 5)
	require.NoError(t, err)
	require.Len(t, claimed, 2)

	j, err := s.RecordResults(ctx, job.ID, []model.ItemResult{
		{ItemID: claimed[0].ID, Accepted: true},
		{ItemID: claimed[1].ID, Accepted: false, Error: "HTTP 500"},
	}, epoch)
	require.NoError(t, err)
	assert.Equal(t, model.JobFailed, j.Status)
	assert.Equal(t, 1, j.Submitted)
	assert.Equal(t, 1, j.Failed)
	require.NotNil(t, j.FinishedAt)

	got, _ := s.GetTarget(ctx, target.ID)
	assert.Nil(t, got.ActiveJobID)

	again, err := s.RecordResults(ctx, job.ID, []model.ItemResult{{ItemID: claimed[0].ID, Accepted: true}}, epoch)
	require.NoError(t, err)
	assert.Equal(t, 1, again.Submitted)
}

func TestFailJob_DoesNotReleaseAnotherJobsTarget(t *testing.T) {
	s := memstore.New()
	target := seed(t, s)
	ctx := context.Background()
	old := start(t, s, target.ID, 1)

	_, err := s.FailJob(ctx, old.ID, "boom", epoch)
	require.NoError(t, err)
	fresh := start(t, s, target.ID, 1)

	j, err := s.FailJob(ctx, old.ID, "again", epoch)
	require.NoError(t, err)
	assert.Equal(t, "boom", j.Error)

	got, _ := s.GetTarget(ctx, target.ID)
	require.NotNil(t, got.ActiveJobID)
	assert.Equal(t, fresh.ID, *got.ActiveJobID)
}

func TestRequeueStale(t *testing.T) {
	now := epoch
	s := memstore.NewWithClock(func() time.Time { return now })
	target := seed(t, s)
	job := start(t, s, target.ID, 3)
	prepareAll(t, s, job.ID)
	ctx := context.Background()

	_, err := s.ClaimQueued(ctx, job.ID, 2)
	require.NoError(t, err)

	n, err := s.RequeueStale(ctx, job.ID, epoch)
	require.NoError(t, err)
	assert.Zero(t, n)

	now = epoch.Add(time.Hour)
	n, err = s.RequeueStale(ctx, job.ID, epoch.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	counts, _ := s.CountItems(ctx, job.ID)
	assert.Equal(t, store.ItemCounts{Queued: 3}, counts)
}

func TestRecompute_SettlesFromItems(t *testing.T) {
	s := memstore.New()
	target := seed(t, s)
	job := start(t, s, target.ID, 1)
	prepareAll(t, s, job.ID)
	ctx := context.Background()

	_, err := s.MarkRunning(ctx, job.ID)
	require.NoError(t, err)
	claimed, _ := s.ClaimQueued(ctx, job.ID, 1)
	_, err = s.RecordResults(ctx, job.ID, []model.ItemResult{{ItemID: claimed[0].ID, Accepted: true}}, epoch)
	require.NoError(t, err)

	j, err := s.Recompute(ctx, job.ID, epoch)
	require.NoError(t, err)
	assert.Equal(t, model.JobCompleted, j.Status)
}

func TestRecordResults_RejectsFinishingAJobThatNeverRan(t *testing.T) {
	s := memstore.New()
	target := seed(t, s)
	job := start(t, s, target.ID, 1)
	prepareAll(t, s, job.ID)
	ctx := context.Background()

	claimed, err := s.ClaimQueued(ctx, job.ID, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	_, err = s.RecordResults(ctx, job.ID, []model.ItemResult{{ItemID: claimed[0].ID, Accepted: true}}, epoch)
	require.ErrorIs(t, err, model.ErrIllegalTransition)

	j, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobQueued, j.Status)
}

func TestMarkRunning_LeavesTerminalJobsAlone(t *testing.T) {
	s := memstore.New()
	target := seed(t, s)
	job := start(t, s, target.ID, 1)
	ctx := context.Background()

	_, err := s.FailJob(ctx, job.ID, "boom", epoch)
	require.NoError(t, err)

	j, err := s.MarkRunning(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobFailed, j.Status)
}

func TestListStalled(t *testing.T) {
	s := memstore.New()
	target := seed(t, s)
	job := start(t, s, target.ID, 1)

	stalled, err := s.ListStalled(context.Background(), epoch.Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, stalled, 1)
	assert.Equal(t, job.ID, stalled[0].ID)

	stalled, err = s.ListStalled(context.Background(), epoch.Add(-time.Minute), 10)
	require.NoError(t, err)
	assert.Empty(t, stalled)
}
