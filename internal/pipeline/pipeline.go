package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"filly/run-service/internal/forms"
	"filly/run-service/internal/model"
	"filly/run-service/internal/reconcile"
	"filly/run-service/internal/store"
	"filly/run-service/internal/submit"
)

// DefaultStaleAfter is how long an item may sit in running before Resume requeues it.
const DefaultStaleAfter = 10 * time.Minute

const (
	defaultItemLimit = 100
	maxItemLimit     = 500
)

// Deps wires a Pipeline. Notifier, Clock and StaleAfter are optional.
type Deps struct {
	Store      Store
	Scheduler  Scheduler
	Generator  Generator
	Submitter  Submitter
	Fetcher    Fetcher
	Notifier   Notifier
	Clock      Clock
	StaleAfter time.Duration
}

// Pipeline drives Targets and Jobs through their lifecycle.
type Pipeline struct {
	store      Store
	sched      Scheduler
	gen        Generator
	sub        Submitter
	fetch      Fetcher
	notify     Notifier
	clock      Clock
	staleAfter time.Duration
	log        *slog.Logger
}

// New returns a Pipeline.
func New(d Deps) *Pipeline {
	p := &Pipeline{
		store:      d.Store,
		sched:      d.Scheduler,
		gen:        d.Generator,
		sub:        d.Submitter,
		fetch:      d.Fetcher,
		notify:     d.Notifier,
		clock:      d.Clock,
		staleAfter: d.StaleAfter,
		log:        slog.Default().With("component", "pipeline"),
	}
	if p.notify == nil {
		p.notify = nopNotifier{}
	}
	if p.clock == nil {
		p.clock = SystemClock{}
	}
	if p.staleAfter <= 0 {
		p.staleAfter = DefaultStaleAfter
	}
	return p
}

// ─── Targets ──────────────────────────────────────────────────────────────────

// TargetView is a Target with its ordered fields.
type TargetView struct {
	Target model.Target      `json:"target"`
	Fields []model.FieldSpec `json:"fields"`
}

// Import fetches and extracts the form at rawURL. A form seen before keeps
// its stored fields and their operator config; questions added since are
// appended.
func (p *Pipeline) Import(ctx context.Context, rawURL string) (TargetView, bool, error) {
	form, err := p.extract(ctx, rawURL)
	if err != nil {
		return TargetView{}, false, err
	}

	t, created, err := p.store.CreateTarget(ctx, model.Target{
		ExternalID: form.ExternalID,
		Kind:       form.Kind,
		URL:        form.Meta.ViewURL,
		Title:      form.Title,
		RawPayload: form.RawPayload,
		Meta:       form.Meta,
	}, form.Fields)
	if err != nil {
		return TargetView{}, false, fmt.Errorf("create target: %w", err)
	}
	if !created {
		if err := p.saveSchema(ctx, t.ID, form); err != nil {
			return TargetView{}, false, err
		}
	}

	view, err := p.Target(ctx, t.ID)
	return view, created, err
}

// Target returns a Target and its fields.
func (p *Pipeline) Target(ctx context.Context, id string) (TargetView, error) {
	t, err := p.store.GetTarget(ctx, id)
	if err != nil {
		return TargetView{}, err
	}
	fields, err := p.store.ListFields(ctx, id)
	if err != nil {
		return TargetView{}, err
	}
	return TargetView{Target: t, Fields: fields}, nil
}

// UpdateFields persists operator edits to a Target's fields.
func (p *Pipeline) UpdateFields(ctx context.Context, targetID string, updates []store.FieldUpdate) ([]model.FieldSpec, error) {
	if err := validateUpdates(updates); err != nil {
		return nil, err
	}
	return p.store.UpdateFields(ctx, targetID, updates)
}

// Preview generates up to 25 records without touching any Job. updates are
// applied to a copy of the stored fields only.
func (p *Pipeline) Preview(ctx context.Context, targetID string, updates []store.FieldUpdate, count int) ([]model.Record, error) {
	if err := validateUpdates(updates); err != nil {
		return nil, err
	}
	view, err := p.Target(ctx, targetID)
	if err != nil {
		return nil, err
	}
	fields, err := applyUpdates(view.Fields, updates)
	if err != nil {
		return nil, err
	}
	return p.gen.GenerateBatch(ctx, fields, min(MaxPreview, max(1, count)))
}

func (p *Pipeline) extract(ctx context.Context, rawURL string) (*forms.Form, error) {
	if _, _, err := forms.ParseURL(rawURL); err != nil {
		return nil, err
	}
	page, err := p.fetch.Fetch(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	form, err := forms.Extract(page, rawURL)
	if err != nil {
		return nil, err
	}
	if err := form.Usable(); err != nil {
		return nil, err
	}
	return form, nil
}

// saveSchema merges form into the stored fields of targetID and persists the result.
func (p *Pipeline) saveSchema(ctx context.Context, targetID string, form *forms.Form) error {
	stored, err := p.store.ListFields(ctx, targetID)
	if err != nil {
		return err
	}
	return p.store.SaveSchema(ctx, targetID, store.SchemaUpdate{
		Title:      form.Title,
		RawPayload: form.RawPayload,
		Meta:       form.Meta,
		Fields:     MergeFields(stored, form.Fields),
	})
}

// MergeFields reconciles fresh into stored and appends fresh fields that
// matched nothing, positioned after the last stored field.
func MergeFields(stored, fresh []model.FieldSpec) []model.FieldSpec {
	out := reconcile.Reconcile(stored, fresh)
	next := 0
	for _, f := range out {
		next = max(next, f.Position+1)
	}
	for _, f := range reconcile.NewFields(stored, fresh) {
		f.ID = ""
		f.Position = next
		next++
		out = append(out, f)
	}
	return out
}

func targetURL(t model.Target) string {
	if t.URL != "" {
		return t.URL
	}
	return forms.ViewURL(t.ExternalID, t.Kind)
}

func validateUpdates(updates []store.FieldUpdate) error {
	for _, u := range updates {
		if u.ID == "" {
			return invalid("field id is required")
		}
		if u.Position != nil && *u.Position < 0 {
			return invalid(fmt.Sprintf("field %s: position must not be negative", u.ID))
		}
		if u.Config == nil {
			continue
		}
		switch u.Config.Strategy {
		case model.StrategyRandom, model.StrategyPattern:
		case model.StrategyFixed:
			if u.Config.FixedValue == "" {
				return invalid(fmt.Sprintf("field %s: fixed strategy needs a value", u.ID))
			}
		default:
			return invalid(fmt.Sprintf("field %s: unknown strategy %q", u.ID, u.Config.Strategy))
		}
	}
	return nil
}

func applyUpdates(fields []model.FieldSpec, updates []store.FieldUpdate) ([]model.FieldSpec, error) {
	out := append([]model.FieldSpec(nil), fields...)
	index := make(map[string]int, len(out))
	for i, f := range out {
		index[f.ID] = i
	}
	for _, u := range updates {
		i, ok := index[u.ID]
		if !ok {
			return nil, invalid(fmt.Sprintf("unknown field %s", u.ID))
		}
		if u.Position != nil {
			out[i].Position = *u.Position
		}
		if u.Config != nil {
			out[i].Config = *u.Config
		}
	}
	return out, nil
}

// ─── Jobs ─────────────────────────────────────────────────────────────────────

// StartRequest asks for a Job against a Target.
type StartRequest struct {
	TargetID  string              `json:"targetId"`
	Count     int                 `json:"count"`
	RateLimit int                 `json:"rateLimit"`
	Fields    []store.FieldUpdate `json:"fields,omitempty"`
}

// Start creates a Job, or returns the Target's active Job unchanged. The
// bool reports whether a Job was created.
func (p *Pipeline) Start(ctx context.Context, req StartRequest) (model.Job, bool, error) {
	if req.TargetID == "" {
		return model.Job{}, false, invalid("targetId is required")
	}
	if err := validateUpdates(req.Fields); err != nil {
		return model.Job{}, false, err
	}

	job, created, err := p.store.StartJob(ctx, store.StartParams{
		TargetID:  req.TargetID,
		Count:     ClampCount(req.Count),
		RateLimit: ClampRate(req.RateLimit),
		Fields:    req.Fields,
		Now:       p.clock.Now(),
	})
	if err != nil {
		return model.Job{}, false, err
	}
	if !created {
		return job, false, nil
	}

	p.log.Info("job started", "job", job.ID, "target", job.TargetID, "count", job.Count, "rate", job.RateLimit)
	p.publish(ctx, job)
	p.schedule(ctx, job.ID, []Effect{{Stage: model.StagePrepare}})
	return job, true, nil
}

// JobView is a Job with its item tally.
type JobView struct {
	Job   model.Job        `json:"job"`
	Items store.ItemCounts `json:"items"`
}

// Status returns the stored Job and its item counts.
func (p *Pipeline) Status(ctx context.Context, jobID string) (JobView, error) {
	job, err := p.store.GetJob(ctx, jobID)
	if err != nil {
		return JobView{}, err
	}
	counts, err := p.store.CountItems(ctx, jobID)
	if err != nil {
		return JobView{}, err
	}
	return JobView{Job: job, Items: counts}, nil
}

// Items lists a Job's items in index order, optionally filtered by status.
func (p *Pipeline) Items(ctx context.Context, jobID, status string, limit int) ([]model.JobItem, error) {
	var st model.ItemStatus
	if status != "" {
		var err error
		if st, err = model.ParseItemStatus(status); err != nil {
			return nil, invalid(err.Error())
		}
	}
	if _, err := p.store.GetJob(ctx, jobID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultItemLimit
	}
	return p.store.ListItems(ctx, jobID, st, min(limit, maxItemLimit))
}

// Resume re-triggers both stages of an active Job after returning items
// stuck in running to the queue. Terminal Jobs are returned untouched.
func (p *Pipeline) Resume(ctx context.Context, jobID string) (model.Job, error) {
	job, err := p.store.GetJob(ctx, jobID)
	if err != nil {
		return model.Job{}, err
	}
	if job.Status.IsTerminal() {
		return job, nil
	}

	n, err := p.store.RequeueStale(ctx, jobID, p.clock.Now().Add(-p.staleAfter))
	if err != nil {
		return model.Job{}, err
	}
	if n > 0 {
		p.log.Info("requeued stale items", "job", jobID, "count", n)
	}

	for _, st := range []model.Stage{model.StagePrepare, model.StageProcess} {
		if err := p.sched.ScheduleCallback(ctx, jobID, st, 0); err != nil {
			return job, fmt.Errorf("schedule %s: %w", st, err)
		}
	}
	return job, nil
}

// Run executes one stage callback.
func (p *Pipeline) Run(ctx context.Context, jobID string, stage model.Stage) error {
	switch stage {
	case model.StagePrepare:
		return p.Prepare(ctx, jobID)
	case model.StageProcess:
		return p.Process(ctx, jobID)
	}
	return fmt.Errorf("unknown stage %q", stage)
}

// ─── Stages ───────────────────────────────────────────────────────────────────

// admit loads the Job and its Target and reports whether the stage may run.
// A superseded Job is failed here.
func (p *Pipeline) admit(ctx context.Context, jobID string) (model.Job, model.Target, bool, error) {
	job, err := p.store.GetJob(ctx, jobID)
	if err != nil {
		return model.Job{}, model.Target{}, false, err
	}
	target, err := p.store.GetTarget(ctx, job.TargetID)
	if err != nil {
		return job, model.Target{}, false, err
	}

	active := ""
	if target.ActiveJobID != nil {
		active = *target.ActiveJobID
	}
	switch Admit(job, active) {
	case GateSkip:
		return job, target, false, nil
	case GateSupersede:
		return job, target, false, p.fail(ctx, job, ErrSuperseded)
	}
	return job, target, true, nil
}

// Prepare generates records for the next batch of preparing items.
func (p *Pipeline) Prepare(ctx context.Context, jobID string) error {
	job, target, ok, err := p.admit(ctx, jobID)
	if err != nil || !ok {
		return err
	}
	if err := p.prepare(ctx, job, target); err != nil {
		return p.fail(ctx, job, err)
	}
	return nil
}

func (p *Pipeline) prepare(ctx context.Context, job model.Job, target model.Target) error {
	pending, err := p.store.ListItems(ctx, job.ID, model.ItemPreparing, BatchSize(job.RateLimit))
	if err != nil {
		return err
	}

	act := PlanPrepare(job, len(pending))
	if act.Finalize {
		after, err := p.store.FinalizePrepared(ctx, job.ID)
		if err != nil {
			return err
		}
		p.publish(ctx, after)
		p.schedule(ctx, job.ID, AfterPrepare(job, after, true))
		return nil
	}

	if act.RefreshSchema {
		form, err := p.extract(ctx, targetURL(target))
		if err != nil {
			return fmt.Errorf("refresh schema: %w", err)
		}
		if err := p.saveSchema(ctx, target.ID, form); err != nil {
			return fmt.Errorf("save schema: %w", err)
		}
	}

	fields, err := p.store.ListFields(ctx, target.ID)
	if err != nil {
		return err
	}
	records, err := p.gen.GenerateBatch(ctx, fields, act.Batch)
	if err != nil {
		return err
	}
	if len(records) != act.Batch {
		return fmt.Errorf("generator returned %d records, want %d", len(records), act.Batch)
	}

	prepared := make([]model.PreparedItem, act.Batch)
	for i := range prepared {
		prepared[i] = model.PreparedItem{ItemID: pending[i].ID, Record: records[i]}
	}
	after, err := p.store.ApplyPrepared(ctx, job.ID, prepared)
	if err != nil {
		return err
	}

	p.log.Debug("batch prepared", "job", job.ID, "batch", act.Batch, "prepared", after.Prepared, "count", after.Count)
	p.publish(ctx, after)
	p.schedule(ctx, job.ID, AfterPrepare(job, after, false))
	return nil
}

// Process submits the next batch of queued items at the Job's rate.
func (p *Pipeline) Process(ctx context.Context, jobID string) error {
	job, target, ok, err := p.admit(ctx, jobID)
	if err != nil || !ok {
		return err
	}
	if err := p.process(ctx, job, target); err != nil {
		return p.fail(ctx, job, err)
	}
	return nil
}

func (p *Pipeline) process(ctx context.Context, job model.Job, target model.Target) error {
	claimed, err := p.store.ClaimQueued(ctx, job.ID, BatchSize(job.RateLimit))
	if err != nil {
		return err
	}

	act := PlanProcess(job, len(claimed))
	switch act.Kind {
	case ProcessWait:
		p.schedule(ctx, job.ID, []Effect{{Stage: model.StageProcess, Delay: act.Delay}})
		return nil
	case ProcessFinalize:
		after, err := p.store.Recompute(ctx, job.ID, p.clock.Now())
		if err != nil {
			return err
		}
		p.publish(ctx, after)
		p.schedule(ctx, job.ID, AfterProcess(after, 0))
		return nil
	}

	if job.Status != model.JobRunning {
		if job, err = p.store.MarkRunning(ctx, job.ID); err != nil {
			return err
		}
		p.publish(ctx, job)
	}

	meta := p.transportMeta(ctx, target)
	fields, err := p.store.ListFields(ctx, target.ID)
	if err != nil {
		return err
	}

	after := job
	start := p.clock.Now()
	for i, item := range claimed {
		if err := p.clock.Sleep(ctx, SlotAt(start, job.RateLimit, i).Sub(p.clock.Now())); err != nil {
			return err
		}
		out := p.sub.Submit(ctx, submit.Request{
			Record:     item.Record,
			Meta:       meta,
			Fields:     fields,
			ExternalID: target.ExternalID,
			Kind:       target.Kind,
		})
		if ctx.Err() != nil {
			return ctx.Err()
		}

		res := model.ItemResult{ItemID: item.ID, Accepted: out.Accepted, Outcome: out.JSON(), Error: out.Error}
		if after, err = p.store.RecordResults(ctx, job.ID, []model.ItemResult{res}, p.clock.Now()); err != nil {
			return err
		}
		if !out.Accepted {
			p.log.Debug("item rejected", "job", job.ID, "item", item.Index, "err", out.Error)
		}
		p.publish(ctx, after)
	}

	p.schedule(ctx, job.ID, AfterProcess(after, len(claimed)))
	return nil
}

// transportMeta returns the Target's tokens, fetching fresh ones when some
// are missing. A failed refresh keeps the stored tokens.
func (p *Pipeline) transportMeta(ctx context.Context, target model.Target) model.TransportMeta {
	if target.Meta.Complete() {
		return target.Meta
	}
	form, err := p.extract(ctx, targetURL(target))
	if err != nil {
		p.log.Warn("token refresh failed", "target", target.ID, "err", err)
		return target.Meta
	}
	if err := p.store.UpdateMeta(ctx, target.ID, form.Meta); err != nil {
		p.log.Warn("token save failed", "target", target.ID, "err", err)
	}
	return form.Meta
}

// fail marks job failed with cause. Cancellation of ctx is not a Job
// failure: the stage is abandoned and Resume picks it up later.
func (p *Pipeline) fail(ctx context.Context, job model.Job, cause error) error {
	if ctx.Err() != nil || errors.Is(cause, context.Canceled) {
		return cause
	}
	after, err := p.store.FailJob(ctx, job.ID, cause.Error(), p.clock.Now())
	if err != nil {
		return errors.Join(cause, fmt.Errorf("fail job: %w", err))
	}
	p.log.Warn("job failed", "job", job.ID, "err", cause)
	p.publish(ctx, after)
	return nil
}

func (p *Pipeline) publish(ctx context.Context, job model.Job) {
	p.notify.Publish(ctx, model.EventFor(job))
}

// schedule enqueues effects. Failures are logged; the watchdog resumes
// Jobs whose chain broke.
func (p *Pipeline) schedule(ctx context.Context, jobID string, effects []Effect) {
	for _, e := range effects {
		if err := p.sched.ScheduleCallback(ctx, jobID, e.Stage, e.Delay); err != nil {
			p.log.Warn("schedule callback failed", "job", jobID, "stage", e.Stage, "err", err)
		}
	}
}
