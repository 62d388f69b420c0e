package httpapi_test

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"filly/run-service/internal/forms"
	"filly/run-service/internal/generator"
	"filly/run-service/internal/httpapi"
	"filly/run-service/internal/model"
	"filly/run-service/internal/pipeline"
	"filly/run-service/internal/store"
)

type fakePipeline struct {
	mu       sync.Mutex
	err      error
	created  bool
	started  pipeline.StartRequest
	updates  []store.FieldUpdate
	preview  int
	delay    time.Duration
	statuses []model.JobStatus
	polls    int
}

func (f *fakePipeline) Import(_ context.Context, rawURL string) (pipeline.TargetView, bool, error) {
	if f.err != nil {
		return pipeline.TargetView{}, false, f.err
	}
	return pipeline.TargetView{Target: model.Target{ID: "t-1", URL: rawURL}}, f.created, nil
}

func (f *fakePipeline) Target(_ context.Context, id string) (pipeline.TargetView, error) {
	if id != "t-1" {
		return pipeline.TargetView{}, store.ErrNotFound
	}
	return pipeline.TargetView{
		Target: model.Target{ID: id, Title: "Signup"},
		Fields: []model.FieldSpec{{ID: "f-1", EntryID: "1001", Label: "Name", Type: model.FieldShortText}},
	}, nil
}

func (f *fakePipeline) UpdateFields(_ context.Context, _ string, updates []store.FieldUpdate) ([]model.FieldSpec, error) {
	f.updates = updates
	return []model.FieldSpec{{ID: "f-1"}}, f.err
}

func (f *fakePipeline) Preview(_ context.Context, _ string, _ []store.FieldUpdate, count int) ([]model.Record, error) {
	f.preview = count
	time.Sleep(f.delay)
	if f.err != nil {
		return nil, f.err
	}
	return []model.Record{{"entry.1001": model.String("Ann")}}, nil
}

func (f *fakePipeline) Start(_ context.Context, req pipeline.StartRequest) (model.Job, bool, error) {
	f.started = req
	if f.err != nil {
		return model.Job{}, false, f.err
	}
	return model.Job{ID: "job-1", TargetID: req.TargetID, Status: model.JobPreparing, Count: req.Count}, f.created, nil
}

func (f *fakePipeline) Status(_ context.Context, jobID string) (pipeline.JobView, error) {
	if jobID != "job-1" {
		return pipeline.JobView{}, store.ErrNotFound
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	st := model.JobRunning
	if len(f.statuses) > 0 {
		st = f.statuses[min(f.polls, len(f.statuses)-1)]
	}
	f.polls++
	return pipeline.JobView{Job: model.Job{ID: jobID, Status: st, Count: 2}}, nil
}

func (f *fakePipeline) Items(_ context.Context, jobID, status string, limit int) ([]model.JobItem, error) {
	if status == "bogus" {
		return nil, &pipeline.ValidationError{Msg: "unknown item status"}
	}
	return []model.JobItem{{ID: "i-1", JobID: jobID, Index: limit}}, nil
}

func (f *fakePipeline) Resume(_ context.Context, jobID string) (model.Job, error) {
	if f.err != nil {
		return model.Job{}, f.err
	}
	return model.Job{ID: jobID, Status: model.JobRunning}, nil
}

func newServer(f *fakePipeline) *httptest.Server {
	return httptest.NewServer(httpapi.Server{
		Pipeline:       f,
		Version:        "test",
		StreamInterval: 5 * time.Millisecond,
	}.Router())
}

func do(t *testing.T, srv *httptest.Server, method, path, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

// ── Health ──

func TestHealth(t *testing.T) {
	srv := newServer(&fakePipeline{})
	defer srv.Close()

	resp, body := do(t, srv, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "run-service", body["service"])
	assert.Equal(t, "test", body["version"])
}

// ── Targets ──

func TestImport(t *testing.T) {
	f := &fakePipeline{created: true}
	srv := newServer(f)
	defer srv.Close()

	resp, body := do(t, srv, http.MethodPost, "/v1/targets", `{"url":"https://docs.google.com/forms/d/e/abc/viewform"}`)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "t-1", body["target"].(map[string]any)["id"])

	f.created = false
	resp, _ = do(t, srv, http.MethodPost, "/v1/targets", `{"url":"https://docs.google.com/forms/d/e/abc/viewform"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = do(t, srv, http.MethodPost, "/v1/targets", `{}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "url is required", body["error"])

	resp, _ = do(t, srv, http.MethodPost, "/v1/targets", `{"url":`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestImport_ErrorMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"invalid url", &forms.ParseError{Kind: forms.ErrInvalidURL, Detail: "nope"}, http.StatusUnprocessableEntity},
		{"no fields", forms.ErrNoFields, http.StatusUnprocessableEntity},
		{"missing payload", forms.ErrMissingPayload, http.StatusUnprocessableEntity},
		{"transport", &forms.TransportError{URL: "u", Status: 503}, http.StatusBadGateway},
		{"generation", &generator.GenerationError{Attempts: 3, Err: errors.New("short")}, http.StatusBadGateway},
		{"unexpected", errors.New("pool closed"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := newServer(&fakePipeline{err: tc.err})
			defer srv.Close()
			resp, body := do(t, srv, http.MethodPost, "/v1/targets", `{"url":"x"}`)
			assert.Equal(t, tc.want, resp.StatusCode)
			if tc.want == http.StatusInternalServerError {
				assert.Equal(t, "internal server error", body["error"])
			}
		})
	}
}

func TestGetTarget(t *testing.T) {
	srv := newServer(&fakePipeline{})
	defer srv.Close()

	resp, body := do(t, srv, http.MethodGet, "/v1/targets/t-1", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["fields"], 1)

	resp, _ = do(t, srv, http.MethodGet, "/v1/targets/missing", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestUpdateFields(t *testing.T) {
	f := &fakePipeline{}
	srv := newServer(f)
	defer srv.Close()

	resp, _ := do(t, srv, http.MethodPut, "/v1/targets/t-1/fields",
		`{"fields":[{"id":"f-1","position":2,"config":{"strategy":"fixed","fixedValue":"x@y.com","enabled":true}}]}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, f.updates, 1)
	assert.Equal(t, 2, *f.updates[0].Position)
	assert.Equal(t, "x@y.com", f.updates[0].Config.FixedValue)
}

func TestPreview(t *testing.T) {
	f := &fakePipeline{}
	srv := newServer(f)
	defer srv.Close()

	resp, body := do(t, srv, http.MethodPost, "/v1/targets/t-1/preview", `{"count":5}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 5, f.preview)
	assert.Equal(t, "Ann", body["records"].([]any)[0].(map[string]any)["entry.1001"])
}

func TestPreview_OutlastsWriteTimeout(t *testing.T) {
	f := &fakePipeline{delay: 150 * time.Millisecond}
	srv := httptest.NewUnstartedServer(httpapi.Server{Pipeline: f, Version: "test"}.Router())
	srv.Config.WriteTimeout = 50 * time.Millisecond
	srv.Start()
	defer srv.Close()

	resp, body := do(t, srv, http.MethodPost, "/v1/targets/t-1/preview", `{"count":1}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["records"], 1)
}

// ── Jobs ──

func TestStartJob(t *testing.T) {
	f := &fakePipeline{created: true}
	srv := newServer(f)
	defer srv.Close()

	resp, body := do(t, srv, http.MethodPost, "/v1/targets/t-1/jobs", `{"count":10,"rateLimit":5}`)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, true, body["created"])
	assert.Equal(t, pipeline.StartRequest{TargetID: "t-1", Count: 10, RateLimit: 5}, f.started)

	f.created = false
	resp, body = do(t, srv, http.MethodPost, "/v1/targets/t-1/jobs", `{"count":10,"rateLimit":5}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["created"])

	f.err = &pipeline.ValidationError{Msg: "field f-9: unknown strategy \"x\""}
	resp, body = do(t, srv, http.MethodPost, "/v1/targets/t-1/jobs", `{"count":1}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body["error"], "unknown strategy")
}

func TestGetJobAndItems(t *testing.T) {
	srv := newServer(&fakePipeline{})
	defer srv.Close()

	resp, body := do(t, srv, http.MethodGet, "/v1/jobs/job-1", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "running", body["job"].(map[string]any)["status"])

	resp, _ = do(t, srv, http.MethodGet, "/v1/jobs/nope", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = do(t, srv, http.MethodGet, "/v1/jobs/job-1/items?status=failed&limit=7", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 7, body["items"].([]any)[0].(map[string]any)["index"])

	resp, _ = do(t, srv, http.MethodGet, "/v1/jobs/job-1/items?limit=-1", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = do(t, srv, http.MethodGet, "/v1/jobs/job-1/items?status=bogus", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestResume(t *testing.T) {
	srv := newServer(&fakePipeline{})
	defer srv.Close()

	resp, body := do(t, srv, http.MethodPost, "/v1/jobs/job-1/resume", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "job-1", body["id"])
}

// ── Stream ──

func TestStream_EmitsChangesUntilTerminal(t *testing.T) {
	f := &fakePipeline{statuses: []model.JobStatus{
		model.JobPreparing, model.JobPreparing, model.JobRunning, model.JobRunning, model.JobCompleted,
	}}
	srv := newServer(f)
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL + "/v1/jobs/job-1/stream")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	var got []model.JobStatus
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var view pipeline.JobView
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &view))
		got = append(got, view.Job.Status)
	}
	assert.Equal(t, []model.JobStatus{model.JobPreparing, model.JobRunning, model.JobCompleted}, got)
}

func TestStream_UnknownJob(t *testing.T) {
	srv := newServer(&fakePipeline{})
	defer srv.Close()

	resp, _ := do(t, srv, http.MethodGet, "/v1/jobs/nope/stream", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
