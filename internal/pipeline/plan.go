package pipeline

import (
	"math"
	"time"

	"filly/run-service/internal/model"
)

// ─── Sizing & pacing ──────────────────────────────────────────────────────────

const (
	MinCount      = 1
	MaxCount      = 500
	MaxPreview    = 25
	minBatch      = 3
	maxBatch      = 25
	minInterval   = 150 * time.Millisecond
	minNextRound  = 500 * time.Millisecond
	prepareGap    = time.Second
	waitPrepared  = time.Second
	waitFirstItem = 500 * time.Millisecond
)

// ClampCount bounds a requested item count to 1..500.
func ClampCount(n int) int { return min(MaxCount, max(MinCount, n)) }

// ClampRate bounds a rate limit to at least one submission per second.
func ClampRate(r int) int { return max(1, r) }

// BatchSize is ceil(rate×3) bounded to 3..25.
func BatchSize(rate int) int {
	n := int(math.Ceil(float64(ClampRate(rate)) * 3))
	return min(maxBatch, max(minBatch, n))
}

// Interval is the spacing between submissions: 1000/rate ms, never under 150ms.
func Interval(rate int) time.Duration {
	d := time.Duration(1000/ClampRate(rate)) * time.Millisecond
	return max(d, minInterval)
}

// NextProcessDelay is how long process waits after submitting n items.
func NextProcessDelay(rate, n int) time.Duration {
	return max(minNextRound, Interval(rate)*time.Duration(n))
}

// ─── Deciders ─────────────────────────────────────────────────────────────────

// Effect is a stage callback to schedule.
type Effect struct {
	Stage model.Stage
	Delay time.Duration
}

// Gate is the outcome of admitting a stage invocation.
type Gate int

const (
	GateProceed Gate = iota
	// GateSkip: the Job is terminal.
	GateSkip
	// GateSupersede: another Job owns the Target.
	GateSupersede
)

// Admit decides whether a stage may run for job. activeJobID is the
// Target's current reference, empty when unset. A terminal Job is never
// reported as superseded.
func Admit(job model.Job, activeJobID string) Gate {
	if job.Status.IsTerminal() {
		return GateSkip
	}
	if activeJobID != "" && activeJobID != job.ID {
		return GateSupersede
	}
	return GateProceed
}

// PrepareAction is what one prepare invocation must do.
type PrepareAction struct {
	RefreshSchema bool
	Finalize      bool
	Batch         int
}

// PlanPrepare decides a prepare invocation given the number of items still
// preparing (at most one batch is looked up).
func PlanPrepare(job model.Job, pending int) PrepareAction {
	if pending <= 0 {
		return PrepareAction{Finalize: true}
	}
	return PrepareAction{
		RefreshSchema: job.Prepared == 0,
		Batch:         min(pending, BatchSize(job.RateLimit)),
	}
}

// AfterPrepare returns the callbacks following a prepare invocation that
// moved the Job from before to after.
func AfterPrepare(before, after model.Job, finalized bool) []Effect {
	if after.Status.IsTerminal() {
		return nil
	}
	if finalized {
		return []Effect{{Stage: model.StageProcess}}
	}
	var out []Effect
	if before.Prepared == 0 {
		out = append(out, Effect{Stage: model.StageProcess})
	}
	if after.Prepared < after.Count {
		out = append(out, Effect{Stage: model.StagePrepare, Delay: prepareGap})
	}
	return out
}

// ProcessKind enumerates what a process invocation does.
type ProcessKind int

const (
	ProcessSubmit ProcessKind = iota
	ProcessWait
	ProcessFinalize
)

// ProcessAction is what one process invocation must do.
type ProcessAction struct {
	Kind ProcessKind

	// Delay applies to ProcessWait.
	Delay time.Duration
}

// PlanProcess decides a process invocation given how many queued items it claimed.
func PlanProcess(job model.Job, claimed int) ProcessAction {
	switch {
	case claimed > 0:
		return ProcessAction{Kind: ProcessSubmit}
	case job.Status == model.JobPreparing:
		return ProcessAction{Kind: ProcessWait, Delay: waitFirstItem}
	case job.Prepared >= job.Count:
		return ProcessAction{Kind: ProcessFinalize}
	default:
		return ProcessAction{Kind: ProcessWait, Delay: waitPrepared}
	}
}

// AfterProcess returns the callbacks following a process invocation that
// left the Job as after, having submitted n items.
func AfterProcess(after model.Job, n int) []Effect {
	if after.Status.IsTerminal() {
		return nil
	}
	if n == 0 {
		return []Effect{{Stage: model.StageProcess, Delay: waitPrepared}}
	}
	return []Effect{{Stage: model.StageProcess, Delay: NextProcessDelay(after.RateLimit, n)}}
}

// SlotAt is the absolute time item i of a batch started at start is due.
func SlotAt(start time.Time, rate, i int) time.Time {
	return start.Add(Interval(rate) * time.Duration(i))
}
