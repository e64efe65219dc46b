package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Stagehand/internal/domain"
)

// Pipeline DTOs

// PipelineSummary — pipeline в списке.
type PipelineSummary struct {
	Type        string    `json:"type"`
	Description string    `json:"description,omitempty"`
	Stages      []string  `json:"stages"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// PipelineSummaryFromDomain конвертирует domain.Pipeline в PipelineSummary.
func PipelineSummaryFromDomain(p *domain.Pipeline) PipelineSummary {
	return PipelineSummary{
		Type:        p.Type,
		Description: p.Description,
		Stages:      p.StageNames(),
		UpdatedAt:   p.UpdatedAt,
	}
}

// Run DTOs

// CreateRunRequest — запрос на создание run.
type CreateRunRequest struct {
	Inputs         map[string]any `json:"inputs,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
}

// RunResponse — ответ с run.
type RunResponse struct {
	ID              uuid.UUID      `json:"id"`
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
	Version         int64          `json:"version"`
	StartedAt       *time.Time     `json:"started_at,omitempty"`
	FinishedAt      *time.Time     `json:"finished_at,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// RunFromDomain конвертирует domain.Run в RunResponse.
func RunFromDomain(r *domain.Run) RunResponse {
	return RunResponse{
		ID:              r.ID,
		PipelineType:    r.PipelineType,
		Status:          string(r.Status),
		Stage:           r.StageName(),
		StageIndex:      r.StageIndex,
		StageCount:      len(r.Stages),
		StageStatus:     string(r.StageStatus),
		AttemptCount:    r.AttemptCount,
		Job:             r.JobRef.String(),
		Error:           r.LastError,
		CancelRequested: r.CancelRequested,
		Inputs:          r.Inputs,
		IdempotencyKey:  r.IdempotencyKey,
		Version:         r.Version,
		StartedAt:       r.StartedAt,
		FinishedAt:      r.FinishedAt,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
}

// AttemptResponse — попытка стадии.
type AttemptResponse struct {
	Stage       string     `json:"stage"`
	Attempt     int        `json:"attempt"`
	Job         string     `json:"job"`
	Outcome     string     `json:"outcome"`
	Error       string     `json:"error,omitempty"`
	SubmittedAt time.Time  `json:"submitted_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

// AttemptFromDomain конвертирует domain.JobAttempt в AttemptResponse.
func AttemptFromDomain(a domain.JobAttempt) AttemptResponse {
	return AttemptResponse{
		Stage:       a.Stage,
		Attempt:     a.Attempt,
		Job:         a.JobRef.String(),
		Outcome:     string(a.Outcome),
		Error:       a.Error,
		SubmittedAt: a.SubmittedAt,
		FinishedAt:  a.FinishedAt,
	}
}

// Schedule DTOs

// CreateScheduleRequest — запрос на создание schedule.
type CreateScheduleRequest struct {
	Name        string         `json:"name"`
	CronExpr    string         `json:"cron_expr,omitempty"`
	IntervalSec int            `json:"interval_sec,omitempty"`
	Timezone    string         `json:"timezone,omitempty"`
	Enabled     bool           `json:"enabled"`
	Overlap     string         `json:"overlap,omitempty"`
	Inputs      map[string]any `json:"inputs,omitempty"`
}

// UpdateScheduleRequest — частичное обновление; nil-поля не меняются.
type UpdateScheduleRequest struct {
	Name        *string         `json:"name,omitempty"`
	CronExpr    *string         `json:"cron_expr,omitempty"`
	IntervalSec *int            `json:"interval_sec,omitempty"`
	Timezone    *string         `json:"timezone,omitempty"`
	Overlap     *string         `json:"overlap,omitempty"`
	Inputs      *map[string]any `json:"inputs,omitempty"`
}

// SetEnabledRequest — запрос на включение/выключение.
type SetEnabledRequest struct {
	Enabled bool `json:"enabled"`
}

// ScheduleResponse — schedule вместе с последним созданным им run.
type ScheduleResponse struct {
	ID            uuid.UUID      `json:"id"`
	PipelineType  string         `json:"pipeline_type"`
	Name          string         `json:"name"`
	CronExpr      string         `json:"cron_expr,omitempty"`
	IntervalSec   int            `json:"interval_sec,omitempty"`
	Timezone      string         `json:"timezone"`
	Enabled       bool           `json:"enabled"`
	Overlap       string         `json:"overlap"`
	Inputs        map[string]any `json:"inputs,omitempty"`
	NextDueAt     *time.Time     `json:"next_due_at,omitempty"`
	LastRunAt     *time.Time     `json:"last_run_at,omitempty"`
	LastRunID     *uuid.UUID     `json:"last_run_id,omitempty"`
	LastRunKey    string         `json:"last_run_key,omitempty"`
	LastRunStatus string         `json:"last_run_status,omitempty"`
	LastRunError  string         `json:"last_run_error,omitempty"`
	SkippedFires  int            `json:"skipped_fires"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// ScheduleFromDomain конвертирует schedule. last — его последний run, если известен.
func ScheduleFromDomain(s *domain.Schedule, last *domain.Run) ScheduleResponse {
	resp := ScheduleResponse{
		ID:            s.ID,
		PipelineType:  s.PipelineType,
		Name:          s.Name,
		CronExpr:      s.CronExpr,
		IntervalSec:   s.IntervalSec,
		Timezone:      s.Timezone,
		Enabled:       s.Enabled,
		Overlap:       string(s.Overlap),
		Inputs:        s.Inputs,
		NextDueAt:     s.NextDueAt,
		LastRunAt:     s.LastRunAt,
		LastRunID:     s.LastRunID,
		LastRunKey:    s.LastRunKey,
		LastRunStatus: string(s.LastRunStatus),
		SkippedFires:  s.SkippedFires,
		CreatedAt:     s.CreatedAt,
		UpdatedAt:     s.UpdatedAt,
	}
	if resp.Overlap == "" {
		resp.Overlap = string(domain.OverlapAllow)
	}
	if last != nil && s.LastRunID != nil && *s.LastRunID == last.ID {
		resp.LastRunStatus = string(last.Status)
		resp.LastRunError = last.LastError
	}
	return resp
}
