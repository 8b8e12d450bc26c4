package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"event-replay-service/internal/config"
	"event-replay-service/internal/events"
	"event-replay-service/internal/housekeeping"
	"event-replay-service/internal/models"
	"event-replay-service/internal/ratelimit"
	"event-replay-service/internal/replay"
	"event-replay-service/internal/store"
)

type fakeAudit struct {
	jobs     map[string]models.ReplayJob
	items    map[string][]models.ReplayItem
	lastPage store.ReplayJobQuery
	lastDay  string
	scope    store.ScopeFilter
	latest   *models.HousekeepingRun
}

func (f *fakeAudit) GetReplayJob(_ context.Context, id string) (models.ReplayJob, error) {
	job, ok := f.jobs[id]
	if !ok {
		return job, fmt.Errorf("replay job: %w", store.ErrNotFound)
	}
	return job, nil
}

func (f *fakeAudit) ListReplayItems(_ context.Context, id string) ([]models.ReplayItem, error) {
	return f.items[id], nil
}

func (f *fakeAudit) ListReplayJobs(_ context.Context, q store.ReplayJobQuery) (store.ReplayJobPage, error) {
	f.lastPage = q
	jobs := []models.ReplayJob{}
	for _, j := range f.jobs {
		jobs = append(jobs, j)
	}
	return store.ReplayJobPage{Jobs: jobs, Total: int64(len(jobs)), Operators: []string{"ops"}, EventKeys: []string{"loans"}}, nil
}

func (f *fakeAudit) ListDaily(_ context.Context, sf store.ScopeFilter, limit int) ([]models.HousekeepingDaily, error) {
	f.scope = sf
	return []models.HousekeepingDaily{{JobType: models.JobTypeRetention, EventKey: "ALL", RunDate: "2026-10-15", RetentionDays: limit}}, nil
}

func (f *fakeAudit) ListRunsForDate(_ context.Context, runDate string, sf store.ScopeFilter) ([]models.HousekeepingRun, error) {
	f.lastDay, f.scope = runDate, sf
	return []models.HousekeepingRun{{ID: "r1", Attempt: 1}, {ID: "r2", Attempt: 2}}, nil
}

func (f *fakeAudit) LatestRun(_ context.Context, runDate string, sf store.ScopeFilter) (models.HousekeepingRun, error) {
	f.lastDay, f.scope = runDate, sf
	if f.latest == nil {
		return models.HousekeepingRun{}, fmt.Errorf("housekeeping run: %w", store.ErrNotFound)
	}
	return *f.latest, nil
}

func (f *fakeAudit) RunSummaries(_ context.Context, q store.SummaryQuery) ([]models.RunSummary, int64, error) {
	f.scope = q.ScopeFilter
	return []models.RunSummary{{RunDate: "2026-10-15", EventKey: "ALL", Attempts: 2}}, 1, nil
}

type fakeReplayer struct {
	got replay.Selection
	job models.ReplayJob
	err error
}

func (f *fakeReplayer) Submit(_ context.Context, sel replay.Selection) (models.ReplayJob, error) {
	f.got = sel
	return f.job, f.err
}

type fakeHousekeeper struct {
	runErr  error
	jobType models.JobType
	key     string
	trigger string
}

func (f *fakeHousekeeper) RunNow(_ context.Context, jt models.JobType, eventKey, trigger, runDate string) (models.HousekeepingRun, error) {
	f.jobType, f.key, f.trigger = jt, eventKey, trigger
	if f.runErr != nil {
		return models.HousekeepingRun{}, f.runErr
	}
	return models.HousekeepingRun{ID: "run-1", JobType: jt, EventKey: models.ScopeAll, RunDate: runDate, Attempt: 1, Status: models.RunCompleted, DeletedTotal: 12}, nil
}

func (f *fakeHousekeeper) Preview(_ context.Context, jt models.JobType, eventKey string) (housekeeping.Preview, error) {
	return housekeeping.Preview{JobType: jt, EventKey: eventKey, EligibleTotal: 120}, nil
}

func (f *fakeHousekeeper) JobTypes() []models.JobType { return models.JobTypes }
func (f *fakeHousekeeper) Today() string              { return "2026-10-15" }

type denyAll struct{ operators []string }

func (d *denyAll) Allow(_ context.Context, operator string) (ratelimit.Decision, error) {
	d.operators = append(d.operators, operator)
	return ratelimit.Decision{Allowed: false, RetryAfter: 1500 * time.Millisecond}, nil
}

type testServer struct {
	audit *fakeAudit
	rep   *fakeReplayer
	hk    *fakeHousekeeper
	srv   *httptest.Server
}

func newTestServer(t *testing.T, limiter Limiter) *testServer {
	t.Helper()
	ts := &testServer{
		audit: &fakeAudit{jobs: map[string]models.ReplayJob{}, items: map[string][]models.ReplayItem{}},
		rep:   &fakeReplayer{},
		hk:    &fakeHousekeeper{},
	}
	s := New(config.Config{}, ts.audit, ts.rep, ts.hk, limiter, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ts.srv = httptest.NewServer(s.Router())
	t.Cleanup(ts.srv.Close)
	return ts
}

func (ts *testServer) do(t *testing.T, method, path, body string, headers map[string]string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, ts.srv.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	out := map[string]any{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestReplayByIDs(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.rep.job = models.ReplayJob{TotalRequested: 3, FailedCount: 1}

	resp, body := ts.do(t, http.MethodPost, "/api/v1/replay",
		`{"mode":"IDS","eventKey":"loans","day":"2026-10-14","ids":[1,2,3]}`, map[string]string{"X-Requested-By": "alice"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if body["requested"] != float64(3) || body["failed"] != float64(1) || len(body) != 2 {
		t.Fatalf("unexpected body %v", body)
	}
	if ts.rep.got.Mode != models.SelectionIDs || ts.rep.got.RequestedBy != "alice" || len(ts.rep.got.IDs) != 3 {
		t.Fatalf("unexpected selection %+v", ts.rep.got)
	}

	ts.do(t, http.MethodPost, "/api/v1/replay", `{"mode":"ID","eventKey":"loans","day":"2026-10-14","id":42}`, nil)
	if len(ts.rep.got.IDs) != 1 || ts.rep.got.IDs[0] != 42 || ts.rep.got.RequestedBy != "anonymous" {
		t.Fatalf("single id mode: %+v", ts.rep.got)
	}

	if resp, _ := ts.do(t, http.MethodPost, "/api/v1/replay", `{"mode":"ID","eventKey":"loans"}`, nil); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing id should be 400, got %d", resp.StatusCode)
	}
	if resp, _ := ts.do(t, http.MethodPost, "/api/v1/replay", `not json`, nil); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad json should be 400, got %d", resp.StatusCode)
	}
}

func TestReplayErrorsMapToStatus(t *testing.T) {
	ts := newTestServer(t, nil)
	cases := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w: 60 ids", replay.ErrSelectionTooLarge), http.StatusBadRequest},
		{fmt.Errorf("%w: cards", events.ErrUnknownEventKey), http.StatusBadRequest},
		{fmt.Errorf("%w: bad day", replay.ErrInvalidSelection), http.StatusBadRequest},
		{fmt.Errorf("finish replay job: %w", context.Canceled), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		ts.rep.err = tc.err
		resp, body := ts.do(t, http.MethodPost, "/api/v1/replay-jobs", `{"eventKey":"loans","day":"2026-10-14","filters":{"version":1}}`, nil)
		if resp.StatusCode != tc.want {
			t.Fatalf("%v: got %d want %d", tc.err, resp.StatusCode, tc.want)
		}
		if body["error"] == nil {
			t.Fatalf("%v: missing error body", tc.err)
		}
	}
	if ts.rep.got.Mode != models.SelectionFilters || ts.rep.got.Filters == nil || ts.rep.got.Filters.Version != 1 {
		t.Fatalf("filters selection not passed through: %+v", ts.rep.got)
	}
}

func TestReplayRateLimited(t *testing.T) {
	limiter := &denyAll{}
	ts := newTestServer(t, limiter)
	resp, _ := ts.do(t, http.MethodPost, "/api/v1/replay", `{"mode":"IDS","eventKey":"loans","day":"2026-10-14","ids":[1]}`,
		map[string]string{"X-Requested-By": "bob"})
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") != "2" {
		t.Fatalf("expected Retry-After 2, got %q", resp.Header.Get("Retry-After"))
	}
	if len(limiter.operators) != 1 || limiter.operators[0] != "bob" {
		t.Fatalf("limiter keyed by operator: %v", limiter.operators)
	}
	if resp, _ := ts.do(t, http.MethodGet, "/api/v1/replay-jobs", "", nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("reads are not rate limited, got %d", resp.StatusCode)
	}
}

func TestReplayJobQueries(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.audit.jobs["job-1"] = models.ReplayJob{ID: "job-1", Status: models.JobCompleted}
	ts.audit.items["job-1"] = []models.ReplayItem{{JobID: "job-1", RecordID: 7, Status: models.ItemReplayed}}

	resp, body := ts.do(t, http.MethodGet, "/api/v1/replay-jobs?page=2&size=500&status=partial&requestedBy=ops", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	for _, k := range []string{"jobs", "page", "size", "total", "stats", "operators", "eventKeys"} {
		if _, ok := body[k]; !ok {
			t.Fatalf("missing %q in %v", k, body)
		}
	}
	if q := ts.audit.lastPage; q.Page != 2 || q.Size != 200 || q.Status != "partial" || q.RequestedBy != "ops" {
		t.Fatalf("unexpected query %+v", q)
	}

	resp, body = ts.do(t, http.MethodGet, "/api/v1/replay-jobs/job-1/items", "", nil)
	items, _ := body["items"].([]any)
	if resp.StatusCode != http.StatusOK || len(items) != 1 {
		t.Fatalf("items: %d %v", resp.StatusCode, body)
	}
	if item := items[0].(map[string]any); item["replayId"] != "job-1" || item["recordId"] != float64(7) {
		t.Fatalf("unexpected item %v", item)
	}

	if resp, _ := ts.do(t, http.MethodGet, "/api/v1/replay-jobs/job-1", "", nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("job detail: %d", resp.StatusCode)
	}
	if resp, _ := ts.do(t, http.MethodGet, "/api/v1/replay-jobs/nope/items", "", nil); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown job should 404, got %d", resp.StatusCode)
	}
}

func TestHousekeepingRun(t *testing.T) {
	ts := newTestServer(t, nil)
	resp, body := ts.do(t, http.MethodPost, "/api/v1/housekeeping/run?jobType=retention&eventKey=payments.in", "", nil)
	if resp.StatusCode != http.StatusOK || body["deletedTotal"] != float64(12) || body["attempt"] != float64(1) {
		t.Fatalf("run: %d %v", resp.StatusCode, body)
	}
	if ts.hk.jobType != models.JobTypeRetention || ts.hk.key != "payments.in" || ts.hk.trigger != models.TriggerManual {
		t.Fatalf("unexpected run call %+v", ts.hk)
	}

	ts.hk.runErr = fmt.Errorf("%w: RETENTION:ALL", housekeeping.ErrRunInProgress)
	if resp, _ := ts.do(t, http.MethodPost, "/api/v1/housekeeping/run", "", nil); resp.StatusCode != http.StatusConflict {
		t.Fatalf("concurrent run should 409, got %d", resp.StatusCode)
	}
	if resp, _ := ts.do(t, http.MethodPost, "/api/v1/housekeeping/run?jobType=VACUUM", "", nil); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown job type should 400, got %d", resp.StatusCode)
	}
}

func TestHousekeepingReads(t *testing.T) {
	ts := newTestServer(t, nil)

	_, body := ts.do(t, http.MethodGet, "/api/v1/housekeeping/preview", "", nil)
	if previews, _ := body["previews"].([]any); len(previews) != len(models.JobTypes) {
		t.Fatalf("preview without jobType covers every job type: %v", body)
	}
	_, body = ts.do(t, http.MethodGet, "/api/v1/housekeeping/preview?jobType=RETENTION&eventKey=payments.in", "", nil)
	previews, _ := body["previews"].([]any)
	if len(previews) != 1 || previews[0].(map[string]any)["eligibleTotal"] != float64(120) {
		t.Fatalf("unexpected preview %v", body)
	}

	ts.do(t, http.MethodGet, "/api/v1/housekeeping/daily?limit=7&jobType=REPLAY_AUDIT", "", nil)
	if ts.audit.scope.JobType != models.JobTypeReplayAudit {
		t.Fatalf("daily scope: %+v", ts.audit.scope)
	}

	resp, body := ts.do(t, http.MethodGet, "/api/v1/housekeeping/daily/2026-10-14/runs?eventKey=ALL", "", nil)
	if resp.StatusCode != http.StatusOK || ts.audit.lastDay != "2026-10-14" || ts.audit.scope.EventKey != "ALL" {
		t.Fatalf("runs for date: %d %v", resp.StatusCode, body)
	}
	if resp, _ := ts.do(t, http.MethodGet, "/api/v1/housekeeping/daily/yesterday/runs", "", nil); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad date should 400, got %d", resp.StatusCode)
	}

	_, body = ts.do(t, http.MethodGet, "/api/v1/housekeeping/runs/summary?limit=10&offset=20", "", nil)
	if body["total"] != float64(1) || body["limit"] != float64(10) || body["offset"] != float64(20) {
		t.Fatalf("summary: %v", body)
	}

	if resp, _ := ts.do(t, http.MethodGet, "/api/v1/housekeeping/status", "", nil); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("no run yet should 404, got %d", resp.StatusCode)
	}
	if ts.audit.lastDay != "2026-10-15" {
		t.Fatalf("status defaults to today, got %q", ts.audit.lastDay)
	}
	ts.audit.latest = &models.HousekeepingRun{ID: "r9", Items: []models.HousekeepingRunItem{{RunID: "r9", EventKey: "loans", DeletedTotal: 4}}}
	_, body = ts.do(t, http.MethodGet, "/api/v1/housekeeping/status?date=2026-10-14", "", nil)
	if items, _ := body["items"].([]any); body["id"] != "r9" || len(items) != 1 {
		t.Fatalf("status: %v", body)
	}
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t, nil)
	resp, body := ts.do(t, http.MethodGet, "/healthz", "", nil)
	if resp.StatusCode != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("healthz: %d %v", resp.StatusCode, body)
	}
}
