package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"filly/run-service/internal/model"
)

// ─── Postgres ─────────────────────────────────────────────────────────────────

// Postgres is the pgx-backed store.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres returns a store over pool. The schema must already be applied.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// transact runs fn in a transaction, rolling back on error.
func transact[T any](ctx context.Context, pool *pgxpool.Pool, fn func(pgx.Tx) (T, error)) (T, error) {
	var zero T
	tx, err := pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return zero, fmt.Errorf("begin tx: %w", err)
	}

	result, err := fn(tx)
	if err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			return zero, fmt.Errorf("tx rollback failed: %v (original err: %w)", rbErr, err)
		}
		return zero, err
	}

	if err := tx.Commit(ctx); err != nil {
		return zero, fmt.Errorf("commit tx: %w", err)
	}
	return result, nil
}

const (
	targetCols = `id::text, external_id, kind, url, title, raw_payload, meta,
	              active_job_id::text, created_at, updated_at`
	fieldCols = `id::text, target_id::text, entry_id, label, type, raw_type, options,
	             required, validation, help_text, position, config`
	jobCols = `id::text, target_id::text, status, count, rate_limit, prepared, submitted,
	           failed, error, created_at, started_at, finished_at, updated_at`
	itemCols = `id::text, job_id::text, idx, status, record, outcome, error, completed_at, updated_at`

	activeStatuses = `('preparing', 'queued', 'running')`
)

func scanTarget(row pgx.Row) (model.Target, error) {
	var (
		t    model.Target
		raw  []byte
		meta []byte
	)
	err := row.Scan(&t.ID, &t.ExternalID, &t.Kind, &t.URL, &t.Title, &raw, &meta,
		&t.ActiveJobID, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if len(raw) > 0 {
		t.RawPayload = raw
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &t.Meta); err != nil {
			return t, fmt.Errorf("decode target meta: %w", err)
		}
	}
	return t, nil
}

func scanField(row pgx.Row) (model.FieldSpec, error) {
	var (
		f                      model.FieldSpec
		typ                    string
		options, valid, config []byte
	)
	if err := row.Scan(&f.ID, &f.TargetID, &f.EntryID, &f.Label, &typ, &f.RawType, &options,
		&f.Required, &valid, &f.HelpText, &f.Position, &config); err != nil {
		return f, err
	}
	f.Type = model.FieldType(typ)
	if err := json.Unmarshal(options, &f.Options); err != nil {
		return f, fmt.Errorf("decode options: %w", err)
	}
	if len(valid) > 0 && string(valid) != "null" {
		f.Validation = &model.Validation{}
		if err := json.Unmarshal(valid, f.Validation); err != nil {
			return f, fmt.Errorf("decode validation: %w", err)
		}
	}
	if err := json.Unmarshal(config, &f.Config); err != nil {
		return f, fmt.Errorf("decode config: %w", err)
	}
	return f, nil
}

func scanJob(row pgx.Row) (model.Job, error) {
	var (
		j      model.Job
		status string
	)
	err := row.Scan(&j.ID, &j.TargetID, &status, &j.Count, &j.RateLimit, &j.Prepared,
		&j.Submitted, &j.Failed, &j.Error, &j.CreatedAt, &j.StartedAt, &j.FinishedAt, &j.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return j, ErrNotFound
	}
	if err != nil {
		return j, err
	}
	j.Status, err = model.ParseJobStatus(status)
	return j, err
}

func scanItem(row pgx.Row) (model.JobItem, error) {
	var (
		it      model.JobItem
		status  string
		record  []byte
		outcome []byte
	)
	if err := row.Scan(&it.ID, &it.JobID, &it.Index, &status, &record, &outcome,
		&it.Error, &it.CompletedAt, &it.UpdatedAt); err != nil {
		return it, err
	}
	var err error
	if it.Status, err = model.ParseItemStatus(status); err != nil {
		return it, err
	}
	if len(record) > 0 && string(record) != "null" {
		if err := json.Unmarshal(record, &it.Record); err != nil {
			return it, fmt.Errorf("decode record: %w", err)
		}
	}
	if len(outcome) > 0 {
		it.Outcome = outcome
	}
	return it, nil
}

func collectItems(rows pgx.Rows) ([]model.JobItem, error) {
	defer rows.Close()
	items := make([]model.JobItem, 0)
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// ─── Targets ──────────────────────────────────────────────────────────────────

// CreateTarget inserts t and its fields unless a Target with the same
// external id and kind exists, in which case that Target is returned.
func (s *Postgres) CreateTarget(ctx context.Context, t model.Target, fields []model.FieldSpec) (model.Target, bool, error) {
	type result struct {
		target  model.Target
		created bool
	}
	res, err := transact(ctx, s.pool, func(tx pgx.Tx) (result, error) {
		meta, err := json.Marshal(t.Meta)
		if err != nil {
			return result{}, err
		}
		created, err := scanTarget(tx.QueryRow(ctx,
			`INSERT INTO targets (id, external_id, kind, url, title, raw_payload, meta)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)
			 ON CONFLICT (external_id, kind) DO NOTHING
			 RETURNING `+targetCols,
			uuid.NewString(), t.ExternalID, t.Kind, t.URL, t.Title, nullJSON(t.RawPayload), meta,
		))
		if errors.Is(err, ErrNotFound) {
			existing, err := scanTarget(tx.QueryRow(ctx,
				`SELECT `+targetCols+` FROM targets WHERE external_id = $1 AND kind = $2`,
				t.ExternalID, t.Kind))
			return result{target: existing}, err
		}
		if err != nil {
			return result{}, fmt.Errorf("insert target: %w", err)
		}
		for i := range fields {
			fields[i].Position = i
			if err := upsertField(ctx, tx, created.ID, &fields[i]); err != nil {
				return result{}, err
			}
		}
		return result{target: created, created: true}, nil
	})
	return res.target, res.created, err
}

// GetTarget returns a Target by id.
func (s *Postgres) GetTarget(ctx context.Context, id string) (model.Target, error) {
	return scanTarget(s.pool.QueryRow(ctx, `SELECT `+targetCols+` FROM targets WHERE id = $1`, id))
}

// ListFields returns a Target's fields in position order.
func (s *Postgres) ListFields(ctx context.Context, targetID string) ([]model.FieldSpec, error) {
	return listFields(ctx, s.pool, targetID)
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func listFields(ctx context.Context, q querier, targetID string) ([]model.FieldSpec, error) {
	rows, err := q.Query(ctx,
		`SELECT `+fieldCols+` FROM fields WHERE target_id = $1 ORDER BY position, entry_id`, targetID)
	if err != nil {
		return nil, fmt.Errorf("listFields query: %w", err)
	}
	defer rows.Close()

	fields := make([]model.FieldSpec, 0)
	for rows.Next() {
		f, err := scanField(rows)
		if err != nil {
			return nil, fmt.Errorf("listFields scan: %w", err)
		}
		fields = append(fields, f)
	}
	return fields, rows.Err()
}

func upsertField(ctx context.Context, tx pgx.Tx, targetID string, f *model.FieldSpec) error {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	f.TargetID = targetID
	options, err := json.Marshal(nonNil(f.Options))
	if err != nil {
		return err
	}
	config, err := json.Marshal(f.Config)
	if err != nil {
		return err
	}
	var validation []byte
	if f.Validation != nil {
		if validation, err = json.Marshal(f.Validation); err != nil {
			return err
		}
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO fields (id, target_id, entry_id, label, type, raw_type, options, required,
		                     validation, help_text, position, config)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 ON CONFLICT (id) DO UPDATE
		 SET entry_id = EXCLUDED.entry_id, label = EXCLUDED.label, type = EXCLUDED.type,
		     raw_type = EXCLUDED.raw_type, options = EXCLUDED.options, required = EXCLUDED.required,
		     validation = EXCLUDED.validation, help_text = EXCLUDED.help_text,
		     position = EXCLUDED.position, config = EXCLUDED.config, updated_at = NOW()`,
		f.ID, targetID, f.EntryID, f.Label, string(f.Type), f.RawType, options, f.Required,
		validation, f.HelpText, f.Position, config,
	)
	if err != nil {
		return fmt.Errorf("upsert field %s: %w", f.EntryID, err)
	}
	return nil
}

// SaveSchema writes the latest title, payload, tokens and fields of a Target.
func (s *Postgres) SaveSchema(ctx context.Context, targetID string, upd SchemaUpdate) error {
	_, err := transact(ctx, s.pool, func(tx pgx.Tx) (struct{}, error) {
		meta, err := json.Marshal(upd.Meta)
		if err != nil {
			return struct{}{}, err
		}
		tag, err := tx.Exec(ctx,
			`UPDATE targets SET title = $2, raw_payload = COALESCE($3, raw_payload), meta = $4, updated_at = NOW()
			 WHERE id = $1`,
			targetID, upd.Title, nullJSON(upd.RawPayload), meta)
		if err != nil {
			return struct{}{}, fmt.Errorf("update target: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return struct{}{}, ErrNotFound
		}

		keep := make([]string, 0, len(upd.Fields))
		for i := range upd.Fields {
			if err := upsertField(ctx, tx, targetID, &upd.Fields[i]); err != nil {
				return struct{}{}, err
			}
			keep = append(keep, upd.Fields[i].ID)
		}
		if _, err := tx.Exec(ctx,
			`DELETE FROM fields WHERE target_id = $1 AND id::text <> ALL($2::text[])`,
			targetID, keep); err != nil {
			return struct{}{}, fmt.Errorf("prune fields: %w", err)
		}
		return struct{}{}, nil
	})
	return err
}

// UpdateMeta replaces a Target's transport tokens.
func (s *Postgres) UpdateMeta(ctx context.Context, targetID string, meta model.TransportMeta) error {
	b, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `UPDATE targets SET meta = $2, updated_at = NOW() WHERE id = $1`, targetID, b)
	if err != nil {
		return fmt.Errorf("update meta: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateFields applies operator edits and returns the resulting field list.
func (s *Postgres) UpdateFields(ctx context.Context, targetID string, updates []FieldUpdate) ([]model.FieldSpec, error) {
	return transact(ctx, s.pool, func(tx pgx.Tx) ([]model.FieldSpec, error) {
		if err := applyFieldUpdates(ctx, tx, targetID, updates); err != nil {
			return nil, err
		}
		return listFields(ctx, tx, targetID)
	})
}

func applyFieldUpdates(ctx context.Context, tx pgx.Tx, targetID string, updates []FieldUpdate) error {
	for _, u := range updates {
		var config []byte
		if u.Config != nil {
			b, err := json.Marshal(u.Config)
			if err != nil {
				return err
			}
			config = b
		}
		tag, err := tx.Exec(ctx,
			`UPDATE fields
			 SET position = COALESCE($3, position), config = COALESCE($4::jsonb, config), updated_at = NOW()
			 WHERE id = $1 AND target_id = $2`,
			u.ID, targetID, u.Position, config)
		if err != nil {
			return fmt.Errorf("update field %s: %w", u.ID, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("field %s: %w", u.ID, ErrNotFound)
		}
	}
	return nil
}

// ─── Jobs ─────────────────────────────────────────────────────────────────────

// StartJob creates a Job and its items and makes it the Target's active Job.
// If the Target already has an active Job, that Job is returned with created=false.
func (s *Postgres) StartJob(ctx context.Context, p StartParams) (model.Job, bool, error) {
	type result struct {
		job     model.Job
		created bool
	}
	res, err := transact(ctx, s.pool, func(tx pgx.Tx) (result, error) {
		var active *string
		err := tx.QueryRow(ctx,
			`SELECT active_job_id::text FROM targets WHERE id = $1 FOR UPDATE`, p.TargetID,
		).Scan(&active)
		if errors.Is(err, pgx.ErrNoRows) {
			return result{}, ErrNotFound
		}
		if err != nil {
			return result{}, fmt.Errorf("lock target: %w", err)
		}

		if active != nil {
			j, err := scanJob(tx.QueryRow(ctx, `SELECT `+jobCols+` FROM jobs WHERE id = $1`, *active))
			if err == nil && j.Status.IsActive() {
				return result{job: j}, nil
			}
			if err != nil && !errors.Is(err, ErrNotFound) {
				return result{}, err
			}
		}

		// The reference is empty or stale; an active Job may still exist for this Target.
		j, err := scanJob(tx.QueryRow(ctx,
			`SELECT `+jobCols+` FROM jobs
			 WHERE target_id = $1 AND status IN `+activeStatuses+`
			 ORDER BY created_at DESC LIMIT 1`, p.TargetID))
		if err == nil {
			if _, err := tx.Exec(ctx,
				`UPDATE targets SET active_job_id = $2, updated_at = NOW() WHERE id = $1`, p.TargetID, j.ID); err != nil {
				return result{}, fmt.Errorf("repair active ref: %w", err)
			}
			return result{job: j}, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return result{}, err
		}

		if err := applyFieldUpdates(ctx, tx, p.TargetID, p.Fields); err != nil {
			return result{}, err
		}

		job, err := scanJob(tx.QueryRow(ctx,
			`INSERT INTO jobs (id, target_id, status, count, rate_limit, started_at, created_at, updated_at)
			 VALUES ($1, $2, 'preparing', $3, $4, $5, $5, $5)
			 RETURNING `+jobCols,
			uuid.NewString(), p.TargetID, p.Count, p.RateLimit, p.Now))
		if err != nil {
			return result{}, fmt.Errorf("insert job: %w", err)
		}

		ids := make([]string, p.Count)
		for i := range ids {
			ids[i] = uuid.NewString()
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO job_items (id, job_id, idx, status, updated_at)
			 SELECT u::uuid, $1::uuid, ord - 1, 'preparing', $3::timestamptz
			 FROM unnest($2::text[]) WITH ORDINALITY AS t(u, ord)`,
			job.ID, ids, p.Now); err != nil {
			return result{}, fmt.Errorf("insert items: %w", err)
		}

		if _, err := tx.Exec(ctx,
			`UPDATE targets SET active_job_id = $2, updated_at = NOW() WHERE id = $1`, p.TargetID, job.ID); err != nil {
			return result{}, fmt.Errorf("set active job: %w", err)
		}
		return result{job: job, created: true}, nil
	})
	return res.job, res.created, err
}

// GetJob returns a Job by id.
func (s *Postgres) GetJob(ctx context.Context, id string) (model.Job, error) {
	return scanJob(s.pool.QueryRow(ctx, `SELECT `+jobCols+` FROM jobs WHERE id = $1`, id))
}

// ListItems returns up to limit items of a Job in index order. An empty
// status lists every item; limit <= 0 means no limit.
func (s *Postgres) ListItems(ctx context.Context, jobID string, status model.ItemStatus, limit int) ([]model.JobItem, error) {
	var lim *int
	if limit > 0 {
		lim = &limit
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+itemCols+` FROM job_items
		 WHERE job_id = $1 AND ($2 = '' OR status = $2)
		 ORDER BY idx LIMIT $3`,
		jobID, string(status), lim)
	if err != nil {
		return nil, fmt.Errorf("listItems query: %w", err)
	}
	return collectItems(rows)
}

// CountItems tallies a Job's items by status.
func (s *Postgres) CountItems(ctx context.Context, jobID string) (ItemCounts, error) {
	return countItems(ctx, s.pool, jobID)
}

func countItems(ctx context.Context, q querier, jobID string) (ItemCounts, error) {
	rows, err := q.Query(ctx,
		`SELECT status, COUNT(*) FROM job_items WHERE job_id = $1 GROUP BY status`, jobID)
	if err != nil {
		return ItemCounts{}, fmt.Errorf("countItems query: %w", err)
	}
	defer rows.Close()

	var c ItemCounts
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return ItemCounts{}, fmt.Errorf("countItems scan: %w", err)
		}
		c.Add(model.ItemStatus(status), n)
	}
	return c, rows.Err()
}

// ApplyPrepared attaches records to preparing items, queues them and
// advances the prepared counter by the number actually queued.
func (s *Postgres) ApplyPrepared(ctx context.Context, jobID string, items []model.PreparedItem) (model.Job, error) {
	return transact(ctx, s.pool, func(tx pgx.Tx) (model.Job, error) {
		queued := 0
		for _, it := range items {
			record, err := json.Marshal(it.Record)
			if err != nil {
				return model.Job{}, err
			}
			tag, err := tx.Exec(ctx,
				`UPDATE job_items SET status = 'queued', record = $3, updated_at = NOW()
				 WHERE id = $1 AND job_id = $2 AND status = 'preparing'`,
				it.ItemID, jobID, record)
			if err != nil {
				return model.Job{}, fmt.Errorf("queue item: %w", err)
			}
			queued += int(tag.RowsAffected())
		}

		return scanJob(tx.QueryRow(ctx,
			`UPDATE jobs
			 SET prepared   = LEAST(count, prepared + $2),
			     status     = CASE WHEN status = 'preparing' AND LEAST(count, prepared + $2) >= count
			                       THEN 'queued' ELSE status END,
			     updated_at = NOW()
			 WHERE id = $1
			 RETURNING `+jobCols,
			jobID, queued))
	})
}

// FinalizePrepared marks every item prepared.
func (s *Postgres) FinalizePrepared(ctx context.Context, jobID string) (model.Job, error) {
	return scanJob(s.pool.QueryRow(ctx,
		`UPDATE jobs
		 SET prepared = count,
		     status = CASE WHEN status = 'preparing' THEN 'queued' ELSE status END,
		     updated_at = NOW()
		 WHERE id = $1
		 RETURNING `+jobCols, jobID))
}

// MarkRunning moves a preparing or queued Job to running.
func (s *Postgres) MarkRunning(ctx context.Context, jobID string) (model.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx,
		`UPDATE jobs SET status = 'running', started_at = COALESCE(started_at, NOW()), updated_at = NOW()
		 WHERE id = $1 AND status IN ('preparing', 'queued')
		 RETURNING `+jobCols, jobID))
	if errors.Is(err, ErrNotFound) {
		return s.GetJob(ctx, jobID)
	}
	return j, err
}

// ClaimQueued moves up to limit queued items to running and returns them.
// Concurrent callers never receive the same item.
func (s *Postgres) ClaimQueued(ctx context.Context, jobID string, limit int) ([]model.JobItem, error) {
	rows, err := s.pool.Query(ctx,
		`UPDATE job_items SET status = 'running', updated_at = NOW()
		 WHERE id IN (
		   SELECT id FROM job_items
		   WHERE job_id = $1 AND status = 'queued'
		   ORDER BY idx
		   LIMIT $2
		   FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+itemCols,
		jobID, limit)
	if err != nil {
		return nil, fmt.Errorf("claimQueued: %w", err)
	}
	items, err := collectItems(rows)
	if err != nil {
		return nil, err
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Index < items[j].Index })
	return items, nil
}

// RecordResults stores item outcomes and advances the Job's counters,
// finishing the Job once every item has an outcome.
func (s *Postgres) RecordResults(ctx context.Context, jobID string, results []model.ItemResult, now time.Time) (model.Job, error) {
	return transact(ctx, s.pool, func(tx pgx.Tx) (model.Job, error) {
		var submitted, failed int
		for _, r := range results {
			status := model.ItemFailed
			if r.Accepted {
				status = model.ItemCompleted
			}
			if err := model.ItemRunning.TransitionTo(status); err != nil {
				return model.Job{}, err
			}
			tag, err := tx.Exec(ctx,
				`UPDATE job_items
				 SET status = $3, outcome = $4, error = $5, completed_at = $6, updated_at = $6
				 WHERE id = $1 AND job_id = $2 AND status = 'running'`,
				r.ItemID, jobID, string(status), nullJSON(r.Outcome), r.Error, now)
			if err != nil {
				return model.Job{}, fmt.Errorf("record item: %w", err)
			}
			if tag.RowsAffected() == 0 {
				continue
			}
			if r.Accepted {
				submitted++
			} else {
				failed++
			}
		}

		j, err := scanJob(tx.QueryRow(ctx,
			`UPDATE jobs SET submitted = submitted + $2, failed = failed + $3, updated_at = $4
			 WHERE id = $1
			 RETURNING `+jobCols,
			jobID, submitted, failed, now))
		if err != nil {
			return model.Job{}, err
		}
		if j.Processed() >= j.Count && !j.Status.IsTerminal() {
			final := model.FinalStatus(j.Failed)
			if err := j.Status.TransitionTo(final); err != nil {
				return model.Job{}, fmt.Errorf("job %s: %w", j.ID, err)
			}
			j.Status = final
			return finishJob(ctx, tx, j, now)
		}
		return j, nil
	})
}

// Recompute derives counters and status from the items.
func (s *Postgres) Recompute(ctx context.Context, jobID string, now time.Time) (model.Job, error) {
	return transact(ctx, s.pool, func(tx pgx.Tx) (model.Job, error) {
		j, err := scanJob(tx.QueryRow(ctx, `SELECT `+jobCols+` FROM jobs WHERE id = $1 FOR UPDATE`, jobID))
		if err != nil {
			return model.Job{}, err
		}
		if j.Status.IsTerminal() {
			return j, nil
		}
		counts, err := countItems(ctx, tx, jobID)
		if err != nil {
			return model.Job{}, err
		}

		if j, err = Settle(j, counts); err != nil {
			return model.Job{}, err
		}
		if j.Status.IsTerminal() {
			return finishJob(ctx, tx, j, now)
		}
		return scanJob(tx.QueryRow(ctx,
			`UPDATE jobs SET status = $2, submitted = $3, failed = $4, updated_at = $5
			 WHERE id = $1 RETURNING `+jobCols,
			jobID, string(j.Status), j.Submitted, j.Failed, now))
	})
}

// FailJob marks an active Job failed with msg and releases its Target.
func (s *Postgres) FailJob(ctx context.Context, jobID, msg string, now time.Time) (model.Job, error) {
	return transact(ctx, s.pool, func(tx pgx.Tx) (model.Job, error) {
		j, err := scanJob(tx.QueryRow(ctx, `SELECT `+jobCols+` FROM jobs WHERE id = $1 FOR UPDATE`, jobID))
		if err != nil {
			return model.Job{}, err
		}
		if j.Status.IsTerminal() {
			return j, nil
		}
		if err := j.Status.TransitionTo(model.JobFailed); err != nil {
			return model.Job{}, fmt.Errorf("job %s: %w", j.ID, err)
		}
		j.Status = model.JobFailed
		j.Error = msg
		return finishJob(ctx, tx, j, now)
	})
}

// finishJob persists a terminal status and clears the Target's reference
// only if it still points at this Job.
func finishJob(ctx context.Context, tx pgx.Tx, j model.Job, now time.Time) (model.Job, error) {
	out, err := scanJob(tx.QueryRow(ctx,
		`UPDATE jobs
		 SET status = $2, submitted = $3, failed = $4, error = $5, finished_at = $6, updated_at = $6
		 WHERE id = $1
		 RETURNING `+jobCols,
		j.ID, string(j.Status), j.Submitted, j.Failed, j.Error, now))
	if err != nil {
		return model.Job{}, fmt.Errorf("finish job: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE targets SET active_job_id = NULL, updated_at = NOW()
		 WHERE id = $1 AND active_job_id = $2`, j.TargetID, j.ID); err != nil {
		return model.Job{}, fmt.Errorf("release target: %w", err)
	}
	return out, nil
}

// RequeueStale returns items stuck in running since before to the queue.
func (s *Postgres) RequeueStale(ctx context.Context, jobID string, before time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE job_items SET status = 'queued', updated_at = NOW()
		 WHERE job_id = $1 AND status = 'running' AND updated_at < $2`,
		jobID, before)
	if err != nil {
		return 0, fmt.Errorf("requeueStale: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// ListStalled returns active Jobs not updated since before, oldest first.
func (s *Postgres) ListStalled(ctx context.Context, before time.Time, limit int) ([]model.Job, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobCols+` FROM jobs
		 WHERE status IN `+activeStatuses+` AND updated_at < $1
		 ORDER BY updated_at LIMIT $2`,
		before, limit)
	if err != nil {
		return nil, fmt.Errorf("listStalled query: %w", err)
	}
	defer rows.Close()

	jobs := make([]model.Job, 0)
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("listStalled scan: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// Ping reports whether the database answers.
func (s *Postgres) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func nullJSON(b json.RawMessage) any {
	if len(b) == 0 {
		return nil
	}
	return []byte(b)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
