package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/shaiso/Stagehand/internal/domain"
	"github.com/shaiso/Stagehand/internal/repo"
)

const stagingYAML = `
type: staging
description: nightly staging build
stages:
  - name: fetch
    template:
      image: registry.local/fetch:1
      args: ["--dataset", "{{ .Inputs.dataset }}"]
  - name: process
    retryable: true
    max_retries: 2
    template:
      image: registry.local/process:1
      memory: 2Gi
`

type memorySchedules struct {
	mu        sync.Mutex
	schedules map[uuid.UUID]domain.Schedule
}

func (m *memorySchedules) Create(_ context.Context, s *domain.Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.schedules[s.ID] = *s
	return nil
}

func (m *memorySchedules) GetByID(_ context.Context, id uuid.UUID) (*domain.Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.schedules[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	return &s, nil
}

func (m *memorySchedules) List(_ context.Context, filter repo.ScheduleFilter) ([]domain.Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Schedule
	for _, s := range m.schedules {
		if filter.PipelineType != "" && s.PipelineType != filter.PipelineType {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

func (m *memorySchedules) Update(ctx context.Context, s *domain.Schedule) error {
	if _, err := m.GetByID(ctx, s.ID); err != nil {
		return err
	}
	return m.Create(ctx, s)
}

func (m *memorySchedules) Delete(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.schedules[id]; !ok {
		return repo.ErrNotFound
	}
	delete(m.schedules, id)
	return nil
}

func (m *memorySchedules) SetEnabled(_ context.Context, id uuid.UUID, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.schedules[id]
	if !ok {
		return repo.ErrNotFound
	}
	s.Enabled = enabled
	m.schedules[id] = s
	return nil
}

type capturePublisher struct {
	mu   sync.Mutex
	runs []uuid.UUID
}

func (p *capturePublisher) PublishRunPending(_ context.Context, runID uuid.UUID, _ string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.runs = append(p.runs, runID)
	return nil
}

type testAPI struct {
	srv       *httptest.Server
	runs      *repo.MemoryRunStore
	catalog   *repo.MemoryCatalog
	schedules *memorySchedules
	publisher *capturePublisher
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()

	a := &testAPI{
		runs:      repo.NewMemoryRunStore(),
		catalog:   repo.NewMemoryCatalog(),
		schedules: &memorySchedules{schedules: make(map[uuid.UUID]domain.Schedule)},
		publisher: &capturePublisher{},
	}
	h := NewHandler(Config{
		Pipelines: a.catalog,
		Runs:      a.runs,
		Schedules: a.schedules,
		Publisher: a.publisher,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	a.srv = httptest.NewServer(mux)
	t.Cleanup(a.srv.Close)
	return a
}

func (a *testAPI) do(t *testing.T, method, path, body string, out any) int {
	t.Helper()

	req, err := http.NewRequest(method, a.srv.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if out != nil && resp.StatusCode < 300 && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode response: %v", err)
		}
	}
	return resp.StatusCode
}

func (a *testAPI) putStaging(t *testing.T) {
	t.Helper()
	if code := a.do(t, http.MethodPut, "/api/v1/pipelines/staging", stagingYAML, nil); code != http.StatusOK {
		t.Fatalf("put pipeline: status %d", code)
	}
}

// --- Pipeline Tests ---

func TestPipelines_PutGetList(t *testing.T) {
	a := newTestAPI(t)
	a.putStaging(t)

	var got struct {
		Data domain.Pipeline `json:"data"`
	}
	if code := a.do(t, http.MethodGet, "/api/v1/pipelines/staging", "", &got); code != http.StatusOK {
		t.Fatalf("get: status %d", code)
	}
	if len(got.Data.Stages) != 2 || got.Data.Stages[1].MaxRetries != 2 {
		t.Errorf("unexpected pipeline %+v", got.Data)
	}

	var list struct {
		Data []PipelineSummary `json:"data"`
	}
	a.do(t, http.MethodGet, "/api/v1/pipelines", "", &list)
	if len(list.Data) != 1 || strings.Join(list.Data[0].Stages, ",") != "fetch,process" {
		t.Errorf("unexpected list %+v", list.Data)
	}
}

func TestPipelines_PutErrors(t *testing.T) {
	a := newTestAPI(t)

	tests := []struct {
		name string
		path string
		body string
	}{
		{"malformed", "/api/v1/pipelines/staging", "stages: [oops"},
		{"no stages", "/api/v1/pipelines/staging", "type: staging\nstages: []"},
		{"type mismatch", "/api/v1/pipelines/other", stagingYAML},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if code := a.do(t, http.MethodPut, tt.path, tt.body, nil); code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d", code)
			}
		})
	}

	if code := a.do(t, http.MethodGet, "/api/v1/pipelines/staging", "", nil); code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", code)
	}
}

// --- Run Tests ---

func TestRuns_CreateAndGet(t *testing.T) {
	a := newTestAPI(t)
	a.putStaging(t)

	var created struct {
		Data RunResponse `json:"data"`
	}
	code := a.do(t, http.MethodPost, "/api/v1/pipelines/staging/runs", `{"inputs":{"dataset":"orders"}}`, &created)
	if code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", code)
	}
	run := created.Data
	if run.Status != "ACTIVE" || run.Stage != "fetch" || run.StageCount != 2 || run.StageStatus != "NOT_STARTED" {
		t.Errorf("unexpected run %+v", run)
	}
	if len(a.publisher.runs) != 1 || a.publisher.runs[0] != run.ID {
		t.Errorf("expected run.pending for %s", run.ID)
	}

	stored, err := a.runs.GetByID(context.Background(), run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(stored.Stages) != 2 || stored.Inputs["dataset"] != "orders" {
		t.Errorf("expected stage snapshot and inputs, got %+v", stored)
	}

	var got struct {
		Data RunResponse `json:"data"`
	}
	if code := a.do(t, http.MethodGet, "/api/v1/runs/"+run.ID.String(), "", &got); code != http.StatusOK || got.Data.ID != run.ID {
		t.Errorf("get run: status %d, %+v", code, got.Data)
	}
}

func TestRuns_CreateIdempotent(t *testing.T) {
	a := newTestAPI(t)
	a.putStaging(t)

	var first, second struct {
		Data RunResponse `json:"data"`
	}
	body := `{"idempotency_key":"order-42"}`
	if code := a.do(t, http.MethodPost, "/api/v1/pipelines/staging/runs", body, &first); code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", code)
	}
	if code := a.do(t, http.MethodPost, "/api/v1/pipelines/staging/runs", body, &second); code != http.StatusOK {
		t.Fatalf("expected 200 for existing run, got %d", code)
	}
	if first.Data.ID != second.Data.ID {
		t.Error("same idempotency key must return the same run")
	}
}

func TestRuns_CreateErrors(t *testing.T) {
	a := newTestAPI(t)
	a.putStaging(t)

	if code := a.do(t, http.MethodPost, "/api/v1/pipelines/missing/runs", "", nil); code != http.StatusNotFound {
		t.Errorf("unknown pipeline: expected 404, got %d", code)
	}
	if code := a.do(t, http.MethodPost, "/api/v1/pipelines/staging/runs", "{", nil); code != http.StatusBadRequest {
		t.Errorf("bad body: expected 400, got %d", code)
	}
	if code := a.do(t, http.MethodPost, "/api/v1/pipelines/staging/runs", "", nil); code != http.StatusCreated {
		t.Errorf("empty body: expected 201, got %d", code)
	}
	if code := a.do(t, http.MethodGet, "/api/v1/runs/not-a-uuid", "", nil); code != http.StatusBadRequest {
		t.Errorf("bad id: expected 400, got %d", code)
	}
	if code := a.do(t, http.MethodGet, "/api/v1/runs?status=bogus", "", nil); code != http.StatusBadRequest {
		t.Errorf("bad status: expected 400, got %d", code)
	}
}

func TestRuns_Cancel(t *testing.T) {
	a := newTestAPI(t)
	a.putStaging(t)

	var created struct {
		Data RunResponse `json:"data"`
	}
	a.do(t, http.MethodPost, "/api/v1/pipelines/staging/runs", "", &created)
	path := "/api/v1/runs/" + created.Data.ID.String() + "/cancel"

	var cancelled struct {
		Data RunResponse `json:"data"`
	}
	if code := a.do(t, http.MethodPost, path, "", &cancelled); code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", code)
	}
	if !cancelled.Data.CancelRequested || cancelled.Data.Status != "ACTIVE" {
		t.Errorf("expected cancel request on active run, got %+v", cancelled.Data)
	}

	// повторная отмена идемпотентна
	if code := a.do(t, http.MethodPost, path, "", nil); code != http.StatusAccepted {
		t.Errorf("repeated cancel: expected 202, got %d", code)
	}

	// завершённый run отменить нельзя
	stored, _ := a.runs.GetByID(context.Background(), created.Data.ID)
	stored.Status = domain.RunStatusSucceeded
	stored.CancelRequested = false
	if ok, err := a.runs.CompareAndSwap(context.Background(), stored.Version, stored); !ok || err != nil {
		t.Fatalf("finish run: %v %v", ok, err)
	}
	if code := a.do(t, http.MethodPost, path, "", nil); code != http.StatusUnprocessableEntity {
		t.Errorf("finished run: expected 422, got %d", code)
	}

	if code := a.do(t, http.MethodPost, "/api/v1/runs/"+uuid.NewString()+"/cancel", "", nil); code != http.StatusNotFound {
		t.Errorf("unknown run: expected 404, got %d", code)
	}
}

func TestRuns_ListFilter(t *testing.T) {
	a := newTestAPI(t)
	a.putStaging(t)
	for i := 0; i < 3; i++ {
		a.do(t, http.MethodPost, "/api/v1/pipelines/staging/runs", "", nil)
	}

	var list struct {
		Data  []RunResponse `json:"data"`
		Total int           `json:"total"`
	}
	a.do(t, http.MethodGet, "/api/v1/runs?pipeline=staging&status=active&limit=2", "", &list)
	if len(list.Data) != 2 || list.Total != 2 {
		t.Errorf("expected 2 runs, got %d", len(list.Data))
	}

	list.Data = nil
	a.do(t, http.MethodGet, "/api/v1/runs?status=failed", "", &list)
	if len(list.Data) != 0 {
		t.Errorf("expected no failed runs, got %d", len(list.Data))
	}
}

func TestRuns_AttemptsWithoutStore(t *testing.T) {
	a := newTestAPI(t)
	a.putStaging(t)

	var created struct {
		Data RunResponse `json:"data"`
	}
	a.do(t, http.MethodPost, "/api/v1/pipelines/staging/runs", "", &created)

	var list struct {
		Data []AttemptResponse `json:"data"`
	}
	if code := a.do(t, http.MethodGet, "/api/v1/runs/"+created.Data.ID.String()+"/attempts", "", &list); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if len(list.Data) != 0 {
		t.Errorf("expected empty list, got %d", len(list.Data))
	}
}

// --- Schedule Tests ---

func TestSchedules_Lifecycle(t *testing.T) {
	a := newTestAPI(t)
	a.putStaging(t)

	var created struct {
		Data ScheduleResponse `json:"data"`
	}
	code := a.do(t, http.MethodPost, "/api/v1/pipelines/staging/schedules",
		`{"name":"nightly","cron_expr":"0 2 * * *","enabled":true}`, &created)
	if code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", code)
	}
	if created.Data.NextDueAt == nil || created.Data.Timezone != "UTC" || created.Data.PipelineType != "staging" {
		t.Errorf("unexpected schedule %+v", created.Data)
	}
	if created.Data.Overlap != string(domain.OverlapAllow) {
		t.Errorf("expected default overlap allow, got %q", created.Data.Overlap)
	}
	path := "/api/v1/schedules/" + created.Data.ID.String()

	var updated struct {
		Data ScheduleResponse `json:"data"`
	}
	if code := a.do(t, http.MethodPut, path, `{"cron_expr":"*/10 * * * *","overlap":"skip"}`, &updated); code != http.StatusOK {
		t.Fatalf("update: expected 200, got %d", code)
	}
	if updated.Data.CronExpr != "*/10 * * * *" || updated.Data.Overlap != string(domain.OverlapSkip) {
		t.Errorf("unexpected update result %+v", updated.Data)
	}

	var disabled struct {
		Data ScheduleResponse `json:"data"`
	}
	a.do(t, http.MethodPut, path+"/enabled", `{"enabled":false}`, &disabled)
	if disabled.Data.Enabled {
		t.Error("expected disabled schedule")
	}

	if code := a.do(t, http.MethodDelete, path, "", nil); code != http.StatusNoContent {
		t.Errorf("delete: expected 204, got %d", code)
	}
	if code := a.do(t, http.MethodGet, path, "", nil); code != http.StatusNotFound {
		t.Errorf("expected 404 after delete, got %d", code)
	}
}

func TestSchedules_Validation(t *testing.T) {
	a := newTestAPI(t)
	a.putStaging(t)

	tests := []struct {
		name string
		path string
		body string
		want int
	}{
		{"no name", "/api/v1/pipelines/staging/schedules", `{"cron_expr":"0 * * * *"}`, http.StatusBadRequest},
		{"no trigger", "/api/v1/pipelines/staging/schedules", `{"name":"x"}`, http.StatusBadRequest},
		{"bad cron", "/api/v1/pipelines/staging/schedules", `{"name":"x","cron_expr":"every day"}`, http.StatusBadRequest},
		{"unknown pipeline", "/api/v1/pipelines/missing/schedules", `{"name":"x","interval_sec":60}`, http.StatusNotFound},
		{"bad overlap", "/api/v1/pipelines/staging/schedules", `{"name":"x","interval_sec":60,"overlap":"queue"}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if code := a.do(t, http.MethodPost, tt.path, tt.body, nil); code != tt.want {
				t.Errorf("expected %d, got %d", tt.want, code)
			}
		})
	}
}

func TestSchedules_LastRunStatus(t *testing.T) {
	a := newTestAPI(t)
	ctx := context.Background()

	run := domain.NewRun("staging", nil, nil)
	run.IdempotencyKey = "sched_1767225600"
	if err := a.runs.Create(ctx, run); err != nil {
		t.Fatal(err)
	}
	run.Status = domain.RunStatusFailed
	run.LastError = "BackoffLimitExceeded"
	if ok, err := a.runs.CompareAndSwap(ctx, run.Version, run); err != nil || !ok {
		t.Fatalf("finish run: ok=%v err=%v", ok, err)
	}

	// расписание помнит run как ACTIVE: статус на момент срабатывания
	sched := domain.Schedule{
		ID:            uuid.New(),
		PipelineType:  "staging",
		Name:          "nightly",
		IntervalSec:   60,
		Timezone:      "UTC",
		Enabled:       true,
		LastRunID:     &run.ID,
		LastRunKey:    run.IdempotencyKey,
		LastRunStatus: domain.RunStatusActive,
	}
	if err := a.schedules.Create(ctx, &sched); err != nil {
		t.Fatal(err)
	}

	var got struct {
		Data ScheduleResponse `json:"data"`
	}
	if code := a.do(t, http.MethodGet, "/api/v1/schedules/"+sched.ID.String(), "", &got); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if got.Data.LastRunStatus != string(domain.RunStatusFailed) || got.Data.LastRunError != "BackoffLimitExceeded" {
		t.Errorf("expected live status of the last run, got %q %q", got.Data.LastRunStatus, got.Data.LastRunError)
	}
	if got.Data.LastRunKey != run.IdempotencyKey {
		t.Errorf("expected last run key %q, got %q", run.IdempotencyKey, got.Data.LastRunKey)
	}

	var list struct {
		Data []ScheduleResponse `json:"data"`
	}
	a.do(t, http.MethodGet, "/api/v1/schedules", "", &list)
	if len(list.Data) != 1 || list.Data[0].LastRunStatus != string(domain.RunStatusFailed) {
		t.Errorf("expected list to carry last run status, got %+v", list.Data)
	}
}
