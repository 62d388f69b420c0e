package pipeline_test

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"filly/run-service/internal/model"
	"filly/run-service/internal/pipeline"
	"filly/run-service/internal/store/memstore"
	"filly/run-service/internal/submit"
)

const formURL = "https://docs.google.com/forms/d/e/1FAIpQLSrun/viewform"

const signupPayload = `[null,["Join us",[
  [111,"Name",null,0,[[1001,null,1]]],
  [112,"Email",null,0,[[1002,null,1]]]
 ],null,null,null,null,null,null,"Signup"],"/forms","Signup"]`

const signupPayloadV2 = `[null,["Join us",[
  [111,"Name",null,0,[[2001,null,1]]],
  [112,"Email",null,0,[[2002,null,1]]],
  [113,"Team",null,2,[[2003,[["Red"],["Blue"]],0]]]
 ],null,null,null,null,null,null,"Signup v2"],"/forms","Signup"]`

func formPage(payload string, tokens bool) string {
	var b strings.Builder
	b.WriteString(`<html><head></head><body>
<form action="https://docs.google.com/forms/d/e/1FAIpQLSrun/formResponse" method="POST">`)
	if tokens {
		b.WriteString(`<input type="hidden" name="fvv" value="1">
<input type="hidden" name="fbzx" value="-77">`)
	}
	b.WriteString(`</form><script>var FB_PUBLIC_LOAD_DATA_ = ` + payload + `;
</script></body></html>`)
	return b.String()
}

// ── Clock ──

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d <= 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	return nil
}

func (c *fakeClock) advanceTo(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.After(c.now) {
		c.now = t
	}
}

// ── Scheduler ──

type callback struct {
	JobID string
	Stage model.Stage
	Delay time.Duration
	due   time.Time
	seq   int
}

type fakeScheduler struct {
	mu      sync.Mutex
	clock   *fakeClock
	pending []callback
	log     []callback
	seq     int
	err     error
}

func (s *fakeScheduler) ScheduleCallback(_ context.Context, jobID string, stage model.Stage, delay time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.seq++
	cb := callback{JobID: jobID, Stage: stage, Delay: delay, due: s.clock.Now().Add(delay), seq: s.seq}
	s.pending = append(s.pending, cb)
	s.log = append(s.log, cb)
	return nil
}

func (s *fakeScheduler) next() (callback, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return callback{}, false
	}
	sort.SliceStable(s.pending, func(i, j int) bool {
		if !s.pending[i].due.Equal(s.pending[j].due) {
			return s.pending[i].due.Before(s.pending[j].due)
		}
		return s.pending[i].seq < s.pending[j].seq
	})
	cb := s.pending[0]
	s.pending = s.pending[1:]
	return cb, true
}

func (s *fakeScheduler) stages() []model.Stage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Stage, len(s.log))
	for i, cb := range s.log {
		out[i] = cb.Stage
	}
	return out
}

// ── Generator ──

type fakeGenerator struct {
	mu     sync.Mutex
	counts []int
	err    error
}

func (g *fakeGenerator) GenerateBatch(_ context.Context, fields []model.FieldSpec, count int) ([]model.Record, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.counts = append(g.counts, count)
	if g.err != nil {
		return nil, g.err
	}
	out := make([]model.Record, count)
	for i := range out {
		rec := model.Record{}
		for _, f := range fields {
			if f.Config.Enabled {
				rec[f.Key()] = model.String(fmt.Sprintf("%s-%d", f.Label, i))
			}
		}
		out[i] = rec
	}
	return out, nil
}

func (g *fakeGenerator) total() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, c := range g.counts {
		n += c
	}
	return n
}

// ── Submitter ──

type fakeSubmitter struct {
	mu     sync.Mutex
	clock  *fakeClock
	reqs   []submit.Request
	at     []time.Time
	reject func(n int) bool
}

func (s *fakeSubmitter) Submit(_ context.Context, req submit.Request) submit.Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.reqs)
	s.reqs = append(s.reqs, req)
	s.at = append(s.at, s.clock.Now())
	if s.reject != nil && s.reject(n) {
		return submit.Outcome{Error: "HTTP 500", Diagnostics: submit.Diagnostics{Status: 500}}
	}
	return submit.Outcome{Accepted: true, Diagnostics: submit.Diagnostics{Status: 302, Redirected: true}}
}

func (s *fakeSubmitter) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.reqs)
}

// ── Fetcher ──

type fakeFetcher struct {
	mu    sync.Mutex
	page  string
	err   error
	calls int
}

func (f *fakeFetcher) Fetch(context.Context, string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.page, f.err
}

func (f *fakeFetcher) set(page string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.page, f.err = page, err
}

// ── Notifier ──

type fakeNotifier struct {
	mu     sync.Mutex
	events []model.StatusEvent
}

func (n *fakeNotifier) Publish(_ context.Context, ev model.StatusEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
}

func (n *fakeNotifier) last() model.StatusEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.events[len(n.events)-1]
}

// ── Harness ──

type harness struct {
	store  *memstore.Store
	clock  *fakeClock
	sched  *fakeScheduler
	gen    *fakeGenerator
	sub    *fakeSubmitter
	fetch  *fakeFetcher
	notify *fakeNotifier
	p      *pipeline.Pipeline
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clock := newClock()
	h := &harness{
		store:  memstore.NewWithClock(clock.Now),
		clock:  clock,
		sched:  &fakeScheduler{clock: clock},
		gen:    &fakeGenerator{},
		sub:    &fakeSubmitter{clock: clock},
		fetch:  &fakeFetcher{page: formPage(signupPayload, true)},
		notify: &fakeNotifier{},
	}
	h.p = pipeline.New(pipeline.Deps{
		Store:      h.store,
		Scheduler:  h.sched,
		Generator:  h.gen,
		Submitter:  h.sub,
		Fetcher:    h.fetch,
		Notifier:   h.notify,
		Clock:      h.clock,
		StaleAfter: time.Minute,
	})
	return h
}

// withGenerator rebuilds the pipeline around g.
func (h *harness) withGenerator(g pipeline.Generator) {
	h.p = pipeline.New(pipeline.Deps{
		Store:     h.store,
		Scheduler: h.sched,
		Generator: g,
		Submitter: h.sub,
		Fetcher:   h.fetch,
		Notifier:  h.notify,
		Clock:     h.clock,
	})
}

func (h *harness) importTarget(t *testing.T) pipeline.TargetView {
	t.Helper()
	view, created, err := h.p.Import(context.Background(), formURL)
	require.NoError(t, err)
	require.True(t, created)
	return view
}

// drain runs scheduled callbacks in due order until none remain.
func (h *harness) drain(t *testing.T) {
	t.Helper()
	for i := 0; ; i++ {
		require.Less(t, i, 1000, "callback chain did not settle")
		cb, ok := h.sched.next()
		if !ok {
			return
		}
		h.clock.advanceTo(cb.due)
		require.NoError(t, h.p.Run(context.Background(), cb.JobID, cb.Stage))
	}
}

var errBoom = errors.New("provider exploded")
