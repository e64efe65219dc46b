package cli

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// fakeAPI отвечает фиксированными телами и запоминает запросы.
type fakeAPI struct {
	requests []string
	bodies   []string
	handler  func(w http.ResponseWriter, r *http.Request)
}

func newFakeAPI(t *testing.T, handler func(w http.ResponseWriter, r *http.Request)) (*fakeAPI, *Client) {
	t.Helper()
	f := &fakeAPI{handler: handler}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		f.requests = append(f.requests, r.Method+" "+r.URL.RequestURI())
		f.bodies = append(f.bodies, string(body))
		w.Header().Set("Content-Type", "application/json")
		f.handler(w, r)
	}))
	t.Cleanup(srv.Close)
	return f, NewClient(srv.URL)
}

// --- Client Tests ---

func TestClient_ListRunsQuery(t *testing.T) {
	f, client := newFakeAPI(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"data":[{"id":"r1","pipeline_type":"staging","status":"ACTIVE","stage":"fetch","stage_count":2}],"total":1}`)
	})

	runs, err := client.ListRuns(ListRunsOpts{Pipeline: "staging", Status: "ACTIVE", Limit: 5})
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 || runs[0].ID != "r1" || runs[0].Stage != "fetch" {
		t.Errorf("unexpected runs %+v", runs)
	}
	if f.requests[0] != "GET /api/v1/runs?limit=5&pipeline=staging&status=ACTIVE" {
		t.Errorf("unexpected request %q", f.requests[0])
	}
}

func TestClient_CreateRun(t *testing.T) {
	f, client := newFakeAPI(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		io.WriteString(w, `{"data":{"id":"r1","pipeline_type":"staging","status":"ACTIVE"}}`)
	})

	run, err := client.CreateRun("staging", CreateRunRequest{
		Inputs:         map[string]any{"dataset": "orders"},
		IdempotencyKey: "k1",
	})
	if err != nil {
		t.Fatal(err)
	}
	if run.ID != "r1" {
		t.Errorf("unexpected run %+v", run)
	}
	if f.requests[0] != "POST /api/v1/pipelines/staging/runs" {
		t.Errorf("unexpected request %q", f.requests[0])
	}

	var sent CreateRunRequest
	if err := json.Unmarshal([]byte(f.bodies[0]), &sent); err != nil {
		t.Fatal(err)
	}
	if sent.IdempotencyKey != "k1" || sent.Inputs["dataset"] != "orders" {
		t.Errorf("unexpected body %s", f.bodies[0])
	}
}

func TestClient_APIError(t *testing.T) {
	_, client := newFakeAPI(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		io.WriteString(w, `{"error":{"code":"INVALID_STATE","message":"run is already finished"}}`)
	})

	_, err := client.CancelRun("r1")
	if err == nil || err.Error() != "INVALID_STATE: run is already finished" {
		t.Errorf("unexpected error %v", err)
	}
}

func TestClient_ApplyPipelineSendsYAML(t *testing.T) {
	var contentType string
	f, client := newFakeAPI(t, func(w http.ResponseWriter, r *http.Request) {
		contentType = r.Header.Get("Content-Type")
		io.WriteString(w, `{"data":{"type":"staging","stages":[{"name":"fetch","position":0,"template":{"image":"busybox"}}]}}`)
	})

	doc := "type: staging\nstages:\n  - name: fetch\n    template:\n      image: busybox\n"
	p, err := client.ApplyPipeline("staging", []byte(doc))
	if err != nil {
		t.Fatal(err)
	}
	if len(p.Stages) != 1 || p.Stages[0].Template.Image != "busybox" {
		t.Errorf("unexpected pipeline %+v", p)
	}
	if f.requests[0] != "PUT /api/v1/pipelines/staging" || f.bodies[0] != doc {
		t.Errorf("unexpected request %q %q", f.requests[0], f.bodies[0])
	}
	if contentType != "application/yaml" {
		t.Errorf("unexpected content type %q", contentType)
	}
}

func TestWaitRun(t *testing.T) {
	calls := 0
	_, client := newFakeAPI(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		status := "ACTIVE"
		if calls >= 3 {
			status = "SUCCEEDED"
		}
		io.WriteString(w, `{"data":{"id":"r1","status":"`+status+`"}}`)
	})

	run, err := waitRun(client, "r1", time.Millisecond, 0)
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != "SUCCEEDED" || calls != 3 {
		t.Errorf("expected success after 3 polls, got %s after %d", run.Status, calls)
	}
}

func TestWaitRun_Timeout(t *testing.T) {
	_, client := newFakeAPI(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"data":{"id":"r1","status":"ACTIVE","stage_status":"JOB_RUNNING"}}`)
	})

	_, err := waitRun(client, "r1", time.Millisecond, 5*time.Millisecond)
	if err == nil || !strings.Contains(err.Error(), "JOB_RUNNING") {
		t.Errorf("expected timeout error, got %v", err)
	}
}

// --- Output Tests ---

func TestOutput_Table(t *testing.T) {
	var buf bytes.Buffer
	out := &Output{w: &buf, errW: io.Discard, now: time.Now}

	out.Print([]string{"ID", "STATUS"}, [][]string{{"r1", "ACTIVE"}}, nil)

	want := "ID  STATUS\n--  ------\nr1  ACTIVE\n"
	if buf.String() != want {
		t.Errorf("got\n%s\nwant\n%s", buf.String(), want)
	}
}

func TestOutput_JSON(t *testing.T) {
	var buf bytes.Buffer
	out := &Output{jsonMode: true, w: &buf, errW: io.Discard, now: time.Now}

	out.Print(nil, nil, map[string]string{"id": "r1"})

	if !strings.Contains(buf.String(), `"id": "r1"`) {
		t.Errorf("unexpected json %q", buf.String())
	}
}

func TestOutput_Age(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	out := &Output{now: func() time.Time { return now }}

	tests := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"not a time", "not a time"},
		{"2026-03-01T11:57:00Z", "3 minutes ago"},
		{"2026-03-01T14:00:00Z", "2 hours from now"},
	}
	for _, tt := range tests {
		if got := out.Age(tt.in); got != tt.want {
			t.Errorf("Age(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestParseInputs(t *testing.T) {
	got, err := parseInputs([]string{"dataset=orders", "filter=a=b"})
	if err != nil {
		t.Fatal(err)
	}
	if got["dataset"] != "orders" || got["filter"] != "a=b" {
		t.Errorf("unexpected inputs %v", got)
	}

	if got, err := parseInputs(nil); err != nil || got != nil {
		t.Errorf("expected nil inputs, got %v %v", got, err)
	}

	for _, bad := range []string{"novalue", "=x"} {
		if _, err := parseInputs([]string{bad}); err == nil {
			t.Errorf("expected error for %q", bad)
		}
	}
}

func TestStageLabel(t *testing.T) {
	if got := stageLabel(&RunResponse{Stage: "process", StageIndex: 1, StageCount: 3}); got != "process (2/3)" {
		t.Errorf("unexpected label %q", got)
	}
	if got := stageLabel(&RunResponse{}); got != "-" {
		t.Errorf("unexpected label %q", got)
	}
}

// --- Schedule Tests ---

func TestTriggerLabel(t *testing.T) {
	tests := []struct {
		name string
		in   ScheduleResponse
		want string
	}{
		{"cron in utc", ScheduleResponse{CronExpr: "0 2 * * *", Timezone: "UTC"}, "cron 0 2 * * *"},
		{"cron with zone", ScheduleResponse{CronExpr: "0 2 * * *", Timezone: "Europe/Moscow"}, "cron 0 2 * * * Europe/Moscow"},
		{"interval", ScheduleResponse{IntervalSec: 90}, "every 1m30s"},
		{"none", ScheduleResponse{}, "-"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := triggerLabel(&tt.in); got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestLastRunLabel(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	out := &Output{now: func() time.Time { return now }}

	tests := []struct {
		name string
		in   ScheduleResponse
		want string
	}{
		{"never fired", ScheduleResponse{}, "-"},
		{"failed run", ScheduleResponse{LastRunID: "r1", LastRunStatus: "FAILED", LastRunAt: "2026-03-01T11:57:00Z"}, "FAILED 3 minutes ago"},
		{"status unknown", ScheduleResponse{LastRunID: "r1"}, "-"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := lastRunLabel(out, &tt.in); got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestScheduleList_ShowsLastRun(t *testing.T) {
	f, client := newFakeAPI(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"data":[{"id":"s1","pipeline_type":"staging","name":"nightly","cron_expr":"0 2 * * *",`+
			`"timezone":"UTC","enabled":true,"overlap":"skip","last_run_id":"r1","last_run_status":"SUCCEEDED",`+
			`"last_run_key":"s1_1767225600"}],"total":1}`)
	})

	var buf bytes.Buffer
	out := &Output{w: &buf, errW: io.Discard, now: time.Now}
	cmd := NewScheduleCmd(func() *Client { return client }, func() *Output { return out })
	cmd.SetArgs([]string{"list", "--pipeline", "staging"})
	if err := cmd.Execute(); err != nil {
		t.Fatal(err)
	}

	if f.requests[0] != "GET /api/v1/schedules?pipeline=staging" {
		t.Errorf("unexpected request %q", f.requests[0])
	}
	for _, want := range []string{"LAST RUN", "SUCCEEDED", "s1_1767225600", "skip", "cron 0 2 * * *"} {
		if !strings.Contains(buf.String(), want) {
			t.Errorf("expected %q in output:\n%s", want, buf.String())
		}
	}
}
