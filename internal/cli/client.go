package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// --- Response types (дублируются из api/dto.go, CLI не импортирует internal/api) ---

// PipelineSummary — pipeline в списке.
type PipelineSummary struct {
	Type        string   `json:"type"`
	Description string   `json:"description,omitempty"`
	Stages      []string `json:"stages"`
	UpdatedAt   string   `json:"updated_at"`
}

// StageResponse — стадия pipeline.
type StageResponse struct {
	Name       string `json:"name"`
	Position   int    `json:"position"`
	Retryable  bool   `json:"retryable"`
	MaxRetries int    `json:"max_retries"`
	Template   struct {
		Image  string `json:"image"`
		CPU    string `json:"cpu,omitempty"`
		Memory string `json:"memory,omitempty"`
	} `json:"template"`
}

// PipelineResponse — полное определение pipeline.
type PipelineResponse struct {
	Type        string          `json:"type"`
	Description string          `json:"description,omitempty"`
	Stages      []StageResponse `json:"stages"`
	UpdatedAt   string          `json:"updated_at,omitempty"`
}

// RunResponse — run из API.
type RunResponse struct {
	ID              string         `json:"id"`
	PipelineType    string         `json:"pipeline_type"`
	Status          string         `json:"status"`
	Stage           string         `json:"stage,omitempty"`
	StageIndex      int            `json:"stage_index"`
	StageCount      int            `json:"stage_count"`
	StageStatus     string         `json:"stage_status"`
	AttemptCount    int            `json:"attempt_count"`
	Job             string         `json:"job,omitempty"`
	Error           string         `json:"error,omitempty"`
	CancelRequested bool           `json:"cancel_requested,omitempty"`
	Inputs          map[string]any `json:"inputs,omitempty"`
	IdempotencyKey  string         `json:"idempotency_key,omitempty"`
	StartedAt       string         `json:"started_at,omitempty"`
	FinishedAt      string         `json:"finished_at,omitempty"`
	CreatedAt       string         `json:"created_at"`
}

// IsFinished — run в терминальном статусе.
func (r *RunResponse) IsFinished() bool {
	return r.Status == "SUCCEEDED" || r.Status == "FAILED"
}

// AttemptResponse — попытка стадии из API.
type AttemptResponse struct {
	Stage       string `json:"stage"`
	Attempt     int    `json:"attempt"`
	Job         string `json:"job"`
	Outcome     string `json:"outcome"`
	Error       string `json:"error,omitempty"`
	SubmittedAt string `json:"submitted_at"`
	FinishedAt  string `json:"finished_at,omitempty"`
}

// ScheduleResponse — schedule из API.
type ScheduleResponse struct {
	ID            string         `json:"id"`
	PipelineType  string         `json:"pipeline_type"`
	Name          string         `json:"name"`
	CronExpr      string         `json:"cron_expr,omitempty"`
	IntervalSec   int            `json:"interval_sec,omitempty"`
	Timezone      string         `json:"timezone"`
	Enabled       bool           `json:"enabled"`
	Overlap       string         `json:"overlap"`
	Inputs        map[string]any `json:"inputs,omitempty"`
	NextDueAt     string         `json:"next_due_at,omitempty"`
	LastRunAt     string         `json:"last_run_at,omitempty"`
	LastRunID     string         `json:"last_run_id,omitempty"`
	LastRunKey    string         `json:"last_run_key,omitempty"`
	LastRunStatus string         `json:"last_run_status,omitempty"`
	LastRunError  string         `json:"last_run_error,omitempty"`
	SkippedFires  int            `json:"skipped_fires"`
	CreatedAt     string         `json:"created_at"`
	UpdatedAt     string         `json:"updated_at"`
}

// --- Request types ---

// CreateRunRequest — создание run.
type CreateRunRequest struct {
	Inputs         map[string]any `json:"inputs,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
}

// CreateScheduleRequest — создание schedule.
type CreateScheduleRequest struct {
	Name        string         `json:"name"`
	CronExpr    string         `json:"cron_expr,omitempty"`
	IntervalSec int            `json:"interval_sec,omitempty"`
	Timezone    string         `json:"timezone,omitempty"`
	Enabled     bool           `json:"enabled"`
	Overlap     string         `json:"overlap,omitempty"`
	Inputs      map[string]any `json:"inputs,omitempty"`
}

// UpdateScheduleRequest — обновление schedule.
type UpdateScheduleRequest struct {
	Name        *string `json:"name,omitempty"`
	CronExpr    *string `json:"cron_expr,omitempty"`
	IntervalSec *int    `json:"interval_sec,omitempty"`
	Timezone    *string `json:"timezone,omitempty"`
	Overlap     *string `json:"overlap,omitempty"`
}

// ListRunsOpts — параметры фильтрации runs.
type ListRunsOpts struct {
	Pipeline string
	Status   string
	Limit    int
}

// --- API response wrappers ---

type dataResponse struct {
	Data json.RawMessage `json:"data"`
}

type listResponse struct {
	Data  json.RawMessage `json:"data"`
	Total int             `json:"total"`
}

type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// --- Client ---

// Client — HTTP-клиент для Stagehand API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient создаёт клиент для API.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// --- Pipelines ---

// ListPipelines возвращает все pipelines.
func (c *Client) ListPipelines() ([]PipelineSummary, error) {
	var pipelines []PipelineSummary
	err := c.list("/api/v1/pipelines", nil, &pipelines)
	return pipelines, err
}

// GetPipeline возвращает определение pipeline.
func (c *Client) GetPipeline(pipelineType string) (*PipelineResponse, error) {
	var p PipelineResponse
	err := c.get("/api/v1/pipelines/"+url.PathEscape(pipelineType), &p)
	return &p, err
}

// ApplyPipeline создаёт или заменяет pipeline документом в YAML или JSON.
func (c *Client) ApplyPipeline(pipelineType string, document []byte) (*PipelineResponse, error) {
	resp, err := c.doRaw(http.MethodPut, "/api/v1/pipelines/"+url.PathEscape(pipelineType),
		bytes.NewReader(document), "application/yaml")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var p PipelineResponse
	if err := c.decodeData(resp, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// DeletePipeline удаляет pipeline.
func (c *Client) DeletePipeline(pipelineType string) error {
	return c.delete("/api/v1/pipelines/" + url.PathEscape(pipelineType))
}

// --- Runs ---

// ListRuns возвращает список runs с фильтрацией.
func (c *Client) ListRuns(opts ListRunsOpts) ([]RunResponse, error) {
	params := url.Values{}
	if opts.Pipeline != "" {
		params.Set("pipeline", opts.Pipeline)
	}
	if opts.Status != "" {
		params.Set("status", opts.Status)
	}
	if opts.Limit > 0 {
		params.Set("limit", strconv.Itoa(opts.Limit))
	}

	var runs []RunResponse
	err := c.list("/api/v1/runs", params, &runs)
	return runs, err
}

// CreateRun создаёт run pipeline.
func (c *Client) CreateRun(pipelineType string, req CreateRunRequest) (*RunResponse, error) {
	var run RunResponse
	err := c.post("/api/v1/pipelines/"+url.PathEscape(pipelineType)+"/runs", req, &run)
	return &run, err
}

// GetRun возвращает run по ID.
func (c *Client) GetRun(id string) (*RunResponse, error) {
	var run RunResponse
	err := c.get("/api/v1/runs/"+id, &run)
	return &run, err
}

// CancelRun запрашивает отмену run.
func (c *Client) CancelRun(id string) (*RunResponse, error) {
	var run RunResponse
	err := c.post("/api/v1/runs/"+id+"/cancel", nil, &run)
	return &run, err
}

// ListAttempts возвращает попытки стадий run.
func (c *Client) ListAttempts(runID string) ([]AttemptResponse, error) {
	var attempts []AttemptResponse
	err := c.list("/api/v1/runs/"+runID+"/attempts", nil, &attempts)
	return attempts, err
}

// --- Schedules ---

// ListSchedules возвращает schedules. Если pipelineType не пустой — фильтрует.
func (c *Client) ListSchedules(pipelineType string) ([]ScheduleResponse, error) {
	params := url.Values{}
	if pipelineType != "" {
		params.Set("pipeline", pipelineType)
	}

	var schedules []ScheduleResponse
	err := c.list("/api/v1/schedules", params, &schedules)
	return schedules, err
}

// CreateSchedule создаёт schedule для pipeline.
func (c *Client) CreateSchedule(pipelineType string, req CreateScheduleRequest) (*ScheduleResponse, error) {
	var schedule ScheduleResponse
	err := c.post("/api/v1/pipelines/"+url.PathEscape(pipelineType)+"/schedules", req, &schedule)
	return &schedule, err
}

// GetSchedule возвращает schedule по ID.
func (c *Client) GetSchedule(id string) (*ScheduleResponse, error) {
	var schedule ScheduleResponse
	err := c.get("/api/v1/schedules/"+id, &schedule)
	return &schedule, err
}

// UpdateSchedule обновляет schedule.
func (c *Client) UpdateSchedule(id string, req UpdateScheduleRequest) (*ScheduleResponse, error) {
	var schedule ScheduleResponse
	err := c.put("/api/v1/schedules/"+id, req, &schedule)
	return &schedule, err
}

// DeleteSchedule удаляет schedule.
func (c *Client) DeleteSchedule(id string) error {
	return c.delete("/api/v1/schedules/" + id)
}

// SetScheduleEnabled включает или выключает schedule.
func (c *Client) SetScheduleEnabled(id string, enabled bool) (*ScheduleResponse, error) {
	var schedule ScheduleResponse
	body := map[string]bool{"enabled": enabled}
	err := c.put("/api/v1/schedules/"+id+"/enabled", body, &schedule)
	return &schedule, err
}

// --- HTTP helpers ---

func (c *Client) get(path string, result any) error {
	return c.doData(http.MethodGet, path, nil, result)
}

func (c *Client) post(path string, body any, result any) error {
	return c.doData(http.MethodPost, path, body, result)
}

func (c *Client) put(path string, body any, result any) error {
	return c.doData(http.MethodPut, path, body, result)
}

func (c *Client) delete(path string) error {
	resp, err := c.do(http.MethodDelete, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return c.checkError(resp)
}

func (c *Client) list(path string, params url.Values, result any) error {
	if len(params) > 0 {
		path = path + "?" + params.Encode()
	}

	resp, err := c.do(http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := c.checkError(resp); err != nil {
		return err
	}

	var lr listResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	return json.Unmarshal(lr.Data, result)
}

func (c *Client) doData(method, path string, body any, result any) error {
	resp, err := c.do(method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return c.decodeData(resp, result)
}

func (c *Client) decodeData(resp *http.Response, result any) error {
	if err := c.checkError(resp); err != nil {
		return err
	}

	// 204 No Content
	if resp.StatusCode == http.StatusNoContent {
		return nil
	}

	var dr dataResponse
	if err := json.NewDecoder(resp.Body).Decode(&dr); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	if result != nil {
		return json.Unmarshal(dr.Data, result)
	}
	return nil
}

func (c *Client) do(method, path string, body any) (*http.Response, error) {
	if body == nil {
		return c.doRaw(method, path, nil, "")
	}

	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	return c.doRaw(method, path, bytes.NewReader(data), "application/json")
}

func (c *Client) doRaw(method, path string, body io.Reader, contentType string) (*http.Response, error) {
	req, err := http.NewRequest(method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	return c.httpClient.Do(req)
}

func (c *Client) checkError(resp *http.Response) error {
	if resp.StatusCode < 400 {
		return nil
	}

	var er errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		return fmt.Errorf("API error: HTTP %d", resp.StatusCode)
	}

	return fmt.Errorf("%s: %s", er.Error.Code, er.Error.Message)
}
