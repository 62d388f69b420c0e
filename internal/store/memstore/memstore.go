// Package memstore is an in-process store with the same guarantees as the
// Postgres store, serialized by a single mutex. It backs STORE_DRIVER=memory.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"filly/run-service/internal/model"
	"filly/run-service/internal/store"
)

// Store keeps everything in maps.
type Store struct {
	mu      sync.Mutex
	now     func() time.Time
	targets map[string]*model.Target
	fields  map[string][]model.FieldSpec // by target id, position order
	jobs    map[string]*model.Job
	items   map[string][]*model.JobItem // by job id, index order
}

// New returns an empty store.
func New() *Store { return NewWithClock(time.Now) }

// NewWithClock returns an empty store stamping rows with now.
func NewWithClock(now func() time.Time) *Store {
	return &Store{
		now:     now,
		targets: map[string]*model.Target{},
		fields:  map[string][]model.FieldSpec{},
		jobs:    map[string]*model.Job{},
		items:   map[string][]*model.JobItem{},
	}
}

func cloneTarget(t *model.Target) model.Target {
	out := *t
	if t.ActiveJobID != nil {
		id := *t.ActiveJobID
		out.ActiveJobID = &id
	}
	return out
}

func cloneFields(fs []model.FieldSpec) []model.FieldSpec {
	out := make([]model.FieldSpec, len(fs))
	for i, f := range fs {
		f.Options = append([]string(nil), f.Options...)
		out[i] = f
	}
	return out
}

func cloneItem(it *model.JobItem) model.JobItem {
	out := *it
	if it.Record != nil {
		out.Record = it.Record.Clone()
	}
	return out
}

// ─── Targets ──────────────────────────────────────────────────────────────────

func (s *Store) CreateTarget(_ context.Context, t model.Target, fields []model.FieldSpec) (model.Target, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.targets {
		if existing.ExternalID == t.ExternalID && existing.Kind == t.Kind {
			return cloneTarget(existing), false, nil
		}
	}

	now := s.now()
	t.ID = uuid.NewString()
	t.ActiveJobID = nil
	t.CreatedAt, t.UpdatedAt = now, now
	s.targets[t.ID] = &t

	stored := cloneFields(fields)
	for i := range stored {
		if stored[i].ID == "" {
			stored[i].ID = uuid.NewString()
		}
		stored[i].TargetID = t.ID
		stored[i].Position = i
	}
	s.fields[t.ID] = stored
	return cloneTarget(&t), true, nil
}

func (s *Store) GetTarget(_ context.Context, id string) (model.Target, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.targets[id]
	if !ok {
		return model.Target{}, store.ErrNotFound
	}
	return cloneTarget(t), nil
}

func (s *Store) ListFields(_ context.Context, targetID string) ([]model.FieldSpec, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneFields(s.fields[targetID]), nil
}

func (s *Store) SaveSchema(_ context.Context, targetID string, upd store.SchemaUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.targets[targetID]
	if !ok {
		return store.ErrNotFound
	}
	t.Title = upd.Title
	if len(upd.RawPayload) > 0 {
		t.RawPayload = upd.RawPayload
	}
	t.Meta = upd.Meta
	t.UpdatedAt = s.now()

	fields := cloneFields(upd.Fields)
	for i := range fields {
		if fields[i].ID == "" {
			fields[i].ID = uuid.NewString()
		}
		fields[i].TargetID = targetID
	}
	sortFields(fields)
	s.fields[targetID] = fields
	return nil
}

func (s *Store) UpdateMeta(_ context.Context, targetID string, meta model.TransportMeta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.targets[targetID]
	if !ok {
		return store.ErrNotFound
	}
	t.Meta = meta
	t.UpdatedAt = s.now()
	return nil
}

func (s *Store) UpdateFields(_ context.Context, targetID string, updates []store.FieldUpdate) ([]model.FieldSpec, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.targets[targetID]; !ok {
		return nil, store.ErrNotFound
	}
	if err := s.applyFieldUpdates(targetID, updates); err != nil {
		return nil, err
	}
	return cloneFields(s.fields[targetID]), nil
}

// applyFieldUpdates validates every update before changing anything.
func (s *Store) applyFieldUpdates(targetID string, updates []store.FieldUpdate) error {
	fields := cloneFields(s.fields[targetID])
	index := make(map[string]int, len(fields))
	for i, f := range fields {
		index[f.ID] = i
	}
	for _, u := range updates {
		i, ok := index[u.ID]
		if !ok {
			return fmt.Errorf("field %s: %w", u.ID, store.ErrNotFound)
		}
		if u.Position != nil {
			fields[i].Position = *u.Position
		}
		if u.Config != nil {
			fields[i].Config = *u.Config
		}
	}
	sortFields(fields)
	s.fields[targetID] = fields
	return nil
}

func sortFields(fs []model.FieldSpec) {
	sort.SliceStable(fs, func(i, j int) bool { return fs[i].Position < fs[j].Position })
}

// ─── Jobs ─────────────────────────────────────────────────────────────────────

func (s *Store) StartJob(_ context.Context, p store.StartParams) (model.Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.targets[p.TargetID]
	if !ok {
		return model.Job{}, false, store.ErrNotFound
	}

	if t.ActiveJobID != nil {
		if j, ok := s.jobs[*t.ActiveJobID]; ok && j.Status.IsActive() {
			return *j, false, nil
		}
		t.ActiveJobID = nil
	}
	if j := s.latestActive(p.TargetID); j != nil {
		id := j.ID
		t.ActiveJobID = &id
		return *j, false, nil
	}

	if err := s.applyFieldUpdates(p.TargetID, p.Fields); err != nil {
		return model.Job{}, false, err
	}

	now := p.Now
	job := &model.Job{
		ID:        uuid.NewString(),
		TargetID:  p.TargetID,
		Status:    model.JobPreparing,
		Count:     p.Count,
		RateLimit: p.RateLimit,
		CreatedAt: now,
		StartedAt: &now,
		UpdatedAt: now,
	}
	s.jobs[job.ID] = job

	items := make([]*model.JobItem, p.Count)
	for i := range items {
		items[i] = &model.JobItem{
			ID:        uuid.NewString(),
			JobID:     job.ID,
			Index:     i,
			Status:    model.ItemPreparing,
			UpdatedAt: now,
		}
	}
	s.items[job.ID] = items

	id := job.ID
	t.ActiveJobID = &id
	t.UpdatedAt = now
	return *job, true, nil
}

func (s *Store) latestActive(targetID string) *model.Job {
	var best *model.Job
	for _, j := range s.jobs {
		if j.TargetID != targetID || !j.Status.IsActive() {
			continue
		}
		if best == nil || j.CreatedAt.After(best.CreatedAt) {
			best = j
		}
	}
	return best
}

func (s *Store) GetJob(_ context.Context, id string) (model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return model.Job{}, store.ErrNotFound
	}
	return *j, nil
}

func (s *Store) ListItems(_ context.Context, jobID string, status model.ItemStatus, limit int) ([]model.JobItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.JobItem, 0)
	for _, it := range s.items[jobID] {
		if status != "" && it.Status != status {
			continue
		}
		out = append(out, cloneItem(it))
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *Store) CountItems(_ context.Context, jobID string) (store.ItemCounts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count(jobID), nil
}

func (s *Store) count(jobID string) store.ItemCounts {
	var c store.ItemCounts
	for _, it := range s.items[jobID] {
		c.Add(it.Status, 1)
	}
	return c
}

func (s *Store) job(id string) (*model.Job, error) {
	j, ok := s.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return j, nil
}

func (s *Store) ApplyPrepared(_ context.Context, jobID string, prepared []model.PreparedItem) (model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.job(jobID)
	if err != nil {
		return model.Job{}, err
	}

	byID := make(map[string]*model.JobItem, len(s.items[jobID]))
	for _, it := range s.items[jobID] {
		byID[it.ID] = it
	}
	now := s.now()
	queued := 0
	for _, p := range prepared {
		it, ok := byID[p.ItemID]
		if !ok || it.Status != model.ItemPreparing {
			continue
		}
		if err := moveItem(it, model.ItemQueued, now); err != nil {
			return model.Job{}, err
		}
		it.Record = p.Record.Clone()
		queued++
	}

	j.Prepared = min(j.Count, j.Prepared+queued)
	if j.Status == model.JobPreparing && j.Prepared >= j.Count {
		if err := moveJob(j, model.JobQueued); err != nil {
			return model.Job{}, err
		}
	}
	j.UpdatedAt = now
	return *j, nil
}

func (s *Store) FinalizePrepared(_ context.Context, jobID string) (model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.job(jobID)
	if err != nil {
		return model.Job{}, err
	}
	j.Prepared = j.Count
	if j.Status == model.JobPreparing {
		if err := moveJob(j, model.JobQueued); err != nil {
			return model.Job{}, err
		}
	}
	j.UpdatedAt = s.now()
	return *j, nil
}

func (s *Store) MarkRunning(_ context.Context, jobID string) (model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.job(jobID)
	if err != nil {
		return model.Job{}, err
	}
	if j.Status != model.JobRunning && j.Status.CanTransition(model.JobRunning) {
		now := s.now()
		j.Status = model.JobRunning
		if j.StartedAt == nil {
			j.StartedAt = &now
		}
		j.UpdatedAt = now
	}
	return *j, nil
}

func (s *Store) ClaimQueued(_ context.Context, jobID string, limit int) ([]model.JobItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	out := make([]model.JobItem, 0, limit)
	for _, it := range s.items[jobID] {
		if len(out) == limit {
			break
		}
		if it.Status != model.ItemQueued {
			continue
		}
		if err := moveItem(it, model.ItemRunning, now); err != nil {
			return nil, err
		}
		out = append(out, cloneItem(it))
	}
	return out, nil
}

func (s *Store) RecordResults(_ context.Context, jobID string, results []model.ItemResult, now time.Time) (model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.job(jobID)
	if err != nil {
		return model.Job{}, err
	}

	byID := make(map[string]*model.JobItem, len(s.items[jobID]))
	for _, it := range s.items[jobID] {
		byID[it.ID] = it
	}
	type outcome struct {
		it *model.JobItem
		r  model.ItemResult
	}
	apply := make([]outcome, 0, len(results))
	submitted, failed := j.Submitted, j.Failed
	for _, r := range results {
		it, ok := byID[r.ItemID]
		if !ok || it.Status != model.ItemRunning {
			continue
		}
		apply = append(apply, outcome{it, r})
		if r.Accepted {
			submitted++
		} else {
			failed++
		}
	}
	finished := submitted+failed >= j.Count && !j.Status.IsTerminal()
	if finished {
		if err := j.Status.TransitionTo(model.FinalStatus(failed)); err != nil {
			return model.Job{}, fmt.Errorf("job %s: %w", j.ID, err)
		}
	}

	for _, o := range apply {
		to := model.ItemFailed
		if o.r.Accepted {
			to = model.ItemCompleted
		}
		if err := moveItem(o.it, to, now); err != nil {
			return model.Job{}, err
		}
		done := now
		o.it.Outcome = o.r.Outcome
		o.it.Error = o.r.Error
		o.it.CompletedAt = &done
	}
	j.Submitted, j.Failed = submitted, failed
	j.UpdatedAt = now

	if finished {
		j.Status = model.FinalStatus(failed)
		s.finish(j, now)
	}
	return *j, nil
}

func (s *Store) Recompute(_ context.Context, jobID string, now time.Time) (model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.job(jobID)
	if err != nil {
		return model.Job{}, err
	}
	if j.Status.IsTerminal() {
		return *j, nil
	}
	settled, err := store.Settle(*j, s.count(jobID))
	if err != nil {
		return model.Job{}, err
	}
	*j = settled
	j.UpdatedAt = now
	if j.Status.IsTerminal() {
		s.finish(j, now)
	}
	return *j, nil
}

func (s *Store) FailJob(_ context.Context, jobID, msg string, now time.Time) (model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.job(jobID)
	if err != nil {
		return model.Job{}, err
	}
	if j.Status.IsTerminal() {
		return *j, nil
	}
	if err := moveJob(j, model.JobFailed); err != nil {
		return model.Job{}, err
	}
	j.Error = msg
	s.finish(j, now)
	return *j, nil
}

// moveJob sets j's status along an edge of the Job graph.
func moveJob(j *model.Job, to model.JobStatus) error {
	if err := j.Status.TransitionTo(to); err != nil {
		return fmt.Errorf("job %s: %w", j.ID, err)
	}
	j.Status = to
	return nil
}

// moveItem sets the item's status along an edge of the item graph.
func moveItem(it *model.JobItem, to model.ItemStatus, now time.Time) error {
	if err := it.Status.TransitionTo(to); err != nil {
		return fmt.Errorf("item %s: %w", it.ID, err)
	}
	it.Status = to
	it.UpdatedAt = now
	return nil
}

// finish stamps a terminal Job and releases its Target if still owned.
func (s *Store) finish(j *model.Job, now time.Time) {
	j.FinishedAt = &now
	j.UpdatedAt = now
	if t, ok := s.targets[j.TargetID]; ok && t.ActiveJobID != nil && *t.ActiveJobID == j.ID {
		t.ActiveJobID = nil
		t.UpdatedAt = now
	}
}

func (s *Store) RequeueStale(_ context.Context, jobID string, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, it := range s.items[jobID] {
		if it.Status != model.ItemRunning || !it.UpdatedAt.Before(before) {
			continue
		}
		if err := moveItem(it, model.ItemQueued, s.now()); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func (s *Store) ListStalled(_ context.Context, before time.Time, limit int) ([]model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Job, 0)
	for _, j := range s.jobs {
		if j.Status.IsActive() && j.UpdatedAt.Before(before) {
			out = append(out, *j)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].UpdatedAt.Before(out[b].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }
