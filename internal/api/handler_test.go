package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/reelsched/reelsched/internal/events"
	"github.com/reelsched/reelsched/internal/instagram"
	"github.com/reelsched/reelsched/internal/job"
	"github.com/reelsched/reelsched/internal/media"
	"github.com/reelsched/reelsched/internal/publish"
	"github.com/reelsched/reelsched/internal/sweep"
)

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

// stubRunner completes every publish immediately unless the media URL is in fail.
type stubRunner struct {
	fail map[string]error
}

func (r *stubRunner) Run(ctx context.Context, req publish.Request, hooks publish.Hooks) (*publish.Result, error) {
	res := &publish.Result{ContainerID: "c-" + req.JobID}
	if hooks.OnContainer != nil {
		if err := hooks.OnContainer(ctx, res.ContainerID); err != nil {
			return res, err
		}
	}
	if err := r.fail[req.MediaURL]; err != nil {
		return res, err
	}
	res.PublishedID = "p-" + req.JobID
	return res, nil
}

type stubMedia struct {
	videos []media.Video
	err    error
}

func (m *stubMedia) List(ctx context.Context) ([]media.Video, error) {
	return m.videos, m.err
}

// slowRemote reports IN_PROGRESS a fixed number of times before READY.
type slowRemote struct {
	pending int
}

func (r *slowRemote) CreateContainer(ctx context.Context, videoURL, caption string) (string, error) {
	return "c-1", nil
}

func (r *slowRemote) CheckStatus(ctx context.Context, containerID string) (instagram.StatusCode, error) {
	if r.pending > 0 {
		r.pending--
		return instagram.StatusInProgress, nil
	}
	return instagram.StatusReady, nil
}

func (r *slowRemote) Publish(ctx context.Context, containerID string) (string, error) {
	return "p-1", nil
}

type testEnv struct {
	store   *job.SQLiteStore
	runner  *stubRunner
	handler *Handler
	mux     *http.ServeMux
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	runner := &stubRunner{fail: map[string]error{}}
	env := newTestEnvWith(t, runner)
	env.runner = runner
	return env
}

func newTestEnvWith(t *testing.T, runner sweep.Runner) *testEnv {
	t.Helper()
	store, err := job.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	hub := events.NewHub()
	clock := func() time.Time { return testNow }
	sw := sweep.New(store, runner, sweep.Config{BatchSize: 5}).WithHub(hub).WithClock(clock)

	h := NewHandler(store, sw, hub, time.UTC)
	h.clock = clock
	// Run background publishes inline so tests observe their effect.
	h.async = func(fn func()) { fn() }

	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	return &testEnv{store: store, handler: h, mux: mux}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rr := httptest.NewRecorder()
	e.mux.ServeHTTP(rr, req)
	return rr
}

func (e *testEnv) insert(t *testing.T, name string, at time.Time) *job.Job {
	t.Helper()
	jobs, err := e.store.InsertMany(context.Background(), []job.Draft{{
		Filename:     name,
		VideoURL:     "https://cdn.example.com/" + name,
		ScheduledFor: at,
	}})
	if err != nil {
		t.Fatalf("InsertMany: %v", err)
	}
	return jobs[0]
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rr.Body).Decode(&v); err != nil {
		t.Fatalf("decode response %q: %v", rr.Body.String(), err)
	}
	return v
}

func TestCreateJob(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(t, http.MethodPost, "/api/v1/jobs", map[string]any{
		"filename":      "21.mp4",
		"video_url":     "https://cdn.example.com/21.mp4",
		"caption":       "first",
		"scheduled_for": "2026-03-11T08:00:00Z",
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201 (body %s)", rr.Code, rr.Body.String())
	}
	j := decode[job.Job](t, rr)
	if j.ID == "" || j.Status != job.StatusPending || j.Caption != "first" {
		t.Errorf("job = %+v", j)
	}
}

func TestCreateJob_Invalid(t *testing.T) {
	env := newTestEnv(t)
	tests := []struct {
		name string
		body any
	}{
		{"malformed json", "{"},
		{"missing url", map[string]any{"filename": "1.mp4", "scheduled_for": "2026-03-11T08:00:00Z"}},
		{"missing time", map[string]any{"filename": "1.mp4", "video_url": "https://cdn.example.com/1.mp4"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := env.do(t, http.MethodPost, "/api/v1/jobs", tt.body)
			if rr.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400 (body %s)", rr.Code, rr.Body.String())
			}
		})
	}
}

func TestBulkSchedule(t *testing.T) {
	env := newTestEnv(t)
	videos := make([]map[string]string, 5)
	for i := range videos {
		name := string(rune('a'+i)) + ".mp4"
		videos[i] = map[string]string{"filename": name, "video_url": "https://cdn.example.com/" + name}
	}
	rr := env.do(t, http.MethodPost, "/api/v1/jobs/bulk", map[string]any{
		"videos":        videos,
		"start_date":    "2026-03-11",
		"slots_per_day": 2,
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201 (body %s)", rr.Code, rr.Body.String())
	}

	var resp struct {
		Scheduled    int        `json:"scheduled"`
		Jobs         []*job.Job `json:"jobs"`
		Distribution struct {
			SlotsPerDay int      `json:"slots_per_day"`
			SlotTimes   []string `json:"slot_times"`
			TotalDays   int      `json:"total_days"`
		} `json:"distribution"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Scheduled != 5 || len(resp.Jobs) != 5 {
		t.Fatalf("scheduled = %d with %d jobs, want 5", resp.Scheduled, len(resp.Jobs))
	}
	if resp.Distribution.TotalDays != 3 || resp.Distribution.SlotsPerDay != 2 {
		t.Errorf("distribution = %+v", resp.Distribution)
	}
	want := []time.Time{
		time.Date(2026, 3, 11, 8, 0, 0, 0, time.UTC),
		time.Date(2026, 3, 11, 17, 0, 0, 0, time.UTC),
		time.Date(2026, 3, 12, 8, 0, 0, 0, time.UTC),
		time.Date(2026, 3, 12, 17, 0, 0, 0, time.UTC),
		time.Date(2026, 3, 13, 8, 0, 0, 0, time.UTC),
	}
	for i, j := range resp.Jobs {
		if !j.ScheduledFor.Equal(want[i]) {
			t.Errorf("job %d scheduled_for = %s, want %s", i, j.ScheduledFor, want[i])
		}
	}
}

func TestBulkSchedule_Invalid(t *testing.T) {
	env := newTestEnv(t)
	tests := []struct {
		name string
		body any
	}{
		{"no videos", map[string]any{"videos": []any{}, "start_date": "2026-03-11"}},
		{"bad date", map[string]any{"videos": []map[string]string{{"filename": "a.mp4", "video_url": "https://cdn.example.com/a.mp4"}}, "start_date": "11/03/2026"}},
		{"video without url", map[string]any{"videos": []map[string]string{{"filename": "a.mp4"}}, "start_date": "2026-03-11"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := env.do(t, http.MethodPost, "/api/v1/jobs/bulk", tt.body)
			if rr.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400 (body %s)", rr.Code, rr.Body.String())
			}
		})
	}
}

func TestListJobs_Filter(t *testing.T) {
	env := newTestEnv(t)
	env.insert(t, "1.mp4", testNow.Add(time.Hour))
	env.insert(t, "2.mp4", testNow.Add(2*time.Hour))

	rr := env.do(t, http.MethodGet, "/api/v1/jobs?status=pending&limit=1", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var resp struct {
		Jobs  []*job.Job `json:"jobs"`
		Total int        `json:"total"`
		Limit int        `json:"limit"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Total != 2 || len(resp.Jobs) != 1 || resp.Limit != 1 {
		t.Errorf("total=%d jobs=%d limit=%d, want 2/1/1", resp.Total, len(resp.Jobs), resp.Limit)
	}

	if rr := env.do(t, http.MethodGet, "/api/v1/jobs?status=queued", nil); rr.Code != http.StatusBadRequest {
		t.Errorf("unknown status filter: status = %d, want 400", rr.Code)
	}
}

func TestListJobs_EmptyIsArray(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(t, http.MethodGet, "/api/v1/jobs", nil)
	if !strings.Contains(rr.Body.String(), `"jobs":[]`) {
		t.Errorf("body = %s, want empty jobs array", rr.Body.String())
	}
}

func TestGetJob_NotFound(t *testing.T) {
	env := newTestEnv(t)
	if rr := env.do(t, http.MethodGet, "/api/v1/jobs/nope", nil); rr.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rr.Code)
	}
}

func TestRescheduleJob(t *testing.T) {
	env := newTestEnv(t)
	j := env.insert(t, "1.mp4", testNow.Add(time.Hour))
	at := time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)

	rr := env.do(t, http.MethodPatch, "/api/v1/jobs/"+j.ID, map[string]any{"scheduled_for": at})
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d (body %s)", rr.Code, rr.Body.String())
	}
	got := decode[job.Job](t, rr)
	if !got.ScheduledFor.Equal(at) || got.Status != job.StatusPending {
		t.Errorf("rescheduled job = %+v", got)
	}

	if rr := env.do(t, http.MethodPatch, "/api/v1/jobs/"+j.ID, map[string]any{}); rr.Code != http.StatusBadRequest {
		t.Errorf("missing scheduled_for: status = %d, want 400", rr.Code)
	}
}

func TestRescheduleJob_PublishedConflict(t *testing.T) {
	env := newTestEnv(t)
	j := env.insert(t, "1.mp4", testNow.Add(-time.Minute))
	if rr := env.do(t, http.MethodPost, "/api/v1/jobs/"+j.ID+"/publish", nil); rr.Code != http.StatusAccepted {
		t.Fatalf("publish status = %d", rr.Code)
	}
	rr := env.do(t, http.MethodPatch, "/api/v1/jobs/"+j.ID, map[string]any{"scheduled_for": testNow.Add(time.Hour)})
	if rr.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", rr.Code)
	}
}

func TestDeleteJob(t *testing.T) {
	env := newTestEnv(t)
	j := env.insert(t, "1.mp4", testNow.Add(time.Hour))

	if rr := env.do(t, http.MethodDelete, "/api/v1/jobs/"+j.ID, nil); rr.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rr.Code)
	}
	if rr := env.do(t, http.MethodDelete, "/api/v1/jobs/"+j.ID, nil); rr.Code != http.StatusNotFound {
		t.Errorf("second delete: status = %d, want 404", rr.Code)
	}
}

func TestPublishJob(t *testing.T) {
	env := newTestEnv(t)
	j := env.insert(t, "1.mp4", testNow.Add(24*time.Hour))

	rr := env.do(t, http.MethodPost, "/api/v1/jobs/"+j.ID+"/publish", nil)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d (body %s)", rr.Code, rr.Body.String())
	}
	resp := decode[map[string]string](t, rr)
	if resp["status"] != string(job.StatusProcessing) || resp["events"] != "/api/v1/jobs/"+j.ID+"/events" {
		t.Errorf("response = %v", resp)
	}

	got, err := env.store.Get(context.Background(), j.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != job.StatusPublished || got.PublishedID != "p-"+j.ID {
		t.Errorf("job after publish = %+v", got)
	}

	if rr := env.do(t, http.MethodPost, "/api/v1/jobs/"+j.ID+"/publish", nil); rr.Code != http.StatusConflict {
		t.Errorf("republish: status = %d, want 409", rr.Code)
	}
}

func TestPublishJob_RetriesFailed(t *testing.T) {
	env := newTestEnv(t)
	j := env.insert(t, "1.mp4", testNow.Add(-time.Minute))
	env.runner.fail[j.VideoURL] = &publish.StepError{Step: publish.StepProcessing, Err: publish.ErrProcessingFailed}

	env.do(t, http.MethodPost, "/api/v1/jobs/"+j.ID+"/publish", nil)
	got, _ := env.store.Get(context.Background(), j.ID)
	if got.Status != job.StatusFailed || got.Error != publish.ErrProcessingFailed.Error() {
		t.Fatalf("job after failed publish = %+v", got)
	}

	delete(env.runner.fail, j.VideoURL)
	if rr := env.do(t, http.MethodPost, "/api/v1/jobs/"+j.ID+"/publish", nil); rr.Code != http.StatusAccepted {
		t.Fatalf("retry status = %d", rr.Code)
	}
	got, _ = env.store.Get(context.Background(), j.ID)
	if got.Status != job.StatusPublished || got.Error != "" {
		t.Errorf("job after retry = %+v", got)
	}
}

func TestPublishJob_NotFound(t *testing.T) {
	env := newTestEnv(t)
	if rr := env.do(t, http.MethodPost, "/api/v1/jobs/nope/publish", nil); rr.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rr.Code)
	}
}

func TestSweep(t *testing.T) {
	env := newTestEnv(t)
	due := env.insert(t, "due.mp4", testNow.Add(-time.Minute))
	env.insert(t, "later.mp4", testNow.Add(time.Hour))

	rr := env.do(t, http.MethodPost, "/api/v1/sweep", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d (body %s)", rr.Code, rr.Body.String())
	}
	report := decode[sweep.Report](t, rr)
	if report.Selected != 1 || report.Succeeded != 1 {
		t.Fatalf("report = %+v", report)
	}
	if report.Outcomes[0].JobID != due.ID {
		t.Errorf("outcome job = %s, want %s", report.Outcomes[0].JobID, due.ID)
	}
}

func TestSweep_OutlivesClientDisconnect(t *testing.T) {
	reqCtx, cancelReq := context.WithCancel(context.Background())
	defer cancelReq()

	// The client goes away during the first wait between status checks.
	remote := &slowRemote{pending: 3}
	waiter := publish.NewWaiter(remote, time.Second).WithSleep(func(ctx context.Context, d time.Duration) error {
		cancelReq()
		return ctx.Err()
	})
	env := newTestEnvWith(t, publish.NewWorkflow(remote, waiter))
	j := env.insert(t, "1.mp4", testNow.Add(-time.Minute))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/sweep", nil).WithContext(reqCtx)
	env.mux.ServeHTTP(httptest.NewRecorder(), req)
	env.handler.Wait()

	got, err := env.store.Get(context.Background(), j.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != job.StatusPublished || got.PublishedID != "p-1" || got.Error != "" {
		t.Errorf("job = %+v, want published despite the client leaving", got)
	}
}

func TestStats(t *testing.T) {
	env := newTestEnv(t)
	env.insert(t, "1.mp4", testNow.Add(-time.Minute))
	env.insert(t, "2.mp4", testNow.Add(time.Hour))

	rr := env.do(t, http.MethodGet, "/api/v1/stats", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	stats := decode[job.Stats](t, rr)
	if stats.Total != 2 || stats.Pending != 2 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.NextDue == nil || !stats.NextDue.Equal(testNow.Add(time.Hour)) {
		t.Errorf("next_due = %v, want %s", stats.NextDue, testNow.Add(time.Hour))
	}
}

func TestListMedia(t *testing.T) {
	env := newTestEnv(t)
	if rr := env.do(t, http.MethodGet, "/api/v1/media", nil); rr.Code != http.StatusServiceUnavailable {
		t.Errorf("unconfigured: status = %d, want 503", rr.Code)
	}

	env.handler.WithMedia(&stubMedia{videos: []media.Video{{Filename: "1.mp4", VideoURL: "http://media/1.mp4"}}})
	rr := env.do(t, http.MethodGet, "/api/v1/media", nil)
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"count":1`) {
		t.Errorf("status = %d body = %s", rr.Code, rr.Body.String())
	}

	env.handler.WithMedia(&stubMedia{err: media.ErrUnavailable})
	if rr := env.do(t, http.MethodGet, "/api/v1/media", nil); rr.Code != http.StatusBadGateway {
		t.Errorf("unavailable: status = %d, want 502", rr.Code)
	}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(t, http.MethodGet, "/api/v1/health", nil)
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"ok"`) {
		t.Errorf("status = %d body = %s", rr.Code, rr.Body.String())
	}
}

func TestStreamEvents_TerminalJobSendsResult(t *testing.T) {
	env := newTestEnv(t)
	j := env.insert(t, "1.mp4", testNow.Add(-time.Minute))
	env.do(t, http.MethodPost, "/api/v1/jobs/"+j.ID+"/publish", nil)

	rr := env.do(t, http.MethodGet, "/api/v1/jobs/"+j.ID+"/events", nil)
	if ct := rr.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}
	body := rr.Body.String()
	if !strings.HasPrefix(body, "event: result\ndata: ") || !strings.Contains(body, `"status":"published"`) {
		t.Errorf("body = %q", body)
	}
}

func TestStreamEvents_LiveUpdates(t *testing.T) {
	env := newTestEnv(t)
	j := env.insert(t, "1.mp4", testNow.Add(-time.Minute))

	srv := httptest.NewServer(env.mux)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/v1/jobs/" + j.ID + "/events")
	if err != nil {
		t.Fatalf("GET events: %v", err)
	}
	defer resp.Body.Close()

	var names []string
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	// The initial status event arrives before the job is published.
	if got := <-lines; got != "event: status" {
		t.Fatalf("first line = %q, want initial status event", got)
	}
	env.do(t, http.MethodPost, "/api/v1/jobs/"+j.ID+"/publish", nil)

	timeout := time.After(5 * time.Second)
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				if len(names) == 0 || names[len(names)-1] != events.EventResult {
					t.Errorf("events = %v, want stream ending with result", names)
				}
				return
			}
			if name, found := strings.CutPrefix(line, "event: "); found {
				names = append(names, name)
			}
		case <-timeout:
			t.Fatalf("stream did not close; events so far %v", names)
		}
	}
}

func TestStreamEvents_NotFound(t *testing.T) {
	env := newTestEnv(t)
	if rr := env.do(t, http.MethodGet, "/api/v1/jobs/nope/events", nil); rr.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rr.Code)
	}
}

func TestWriteStoreError(t *testing.T) {
	h := &Handler{}
	tests := []struct {
		err  error
		want int
	}{
		{job.ErrNotFound, http.StatusNotFound},
		{job.ErrTransitionDenied, http.StatusConflict},
		{job.ErrInvalid, http.StatusBadRequest},
		{errors.New("disk full"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		rr := httptest.NewRecorder()
		h.writeStoreError(rr, tt.err, "test")
		if rr.Code != tt.want {
			t.Errorf("writeStoreError(%v) = %d, want %d", tt.err, rr.Code, tt.want)
		}
	}
}

func TestParseIntParam(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"", 20},
		{"5", 5},
		{"abc", 20},
	}
	for _, tt := range tests {
		if got := parseIntParam(tt.in, 20); got != tt.want {
			t.Errorf("parseIntParam(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
