package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Stagehand/internal/domain"
	"github.com/shaiso/Stagehand/internal/repo"
	"github.com/shaiso/Stagehand/internal/scheduler"
)

// ListSchedules — GET /api/v1/schedules?pipeline=&enabled=&limit=&offset=
func (h *Handler) ListSchedules(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := repo.ScheduleFilter{
		PipelineType: q.Get("pipeline"),
		Limit:        parseIntParam(r, "limit", 50),
		Offset:       parseIntParam(r, "offset", 0),
	}
	if raw := q.Get("enabled"); raw != "" {
		enabled, err := strconv.ParseBool(raw)
		if err != nil {
			BadRequest(w, "invalid enabled")
			return
		}
		filter.Enabled = &enabled
	}

	schedules, err := h.schedules.List(r.Context(), filter)
	if HandleRepoError(w, h.logger, err, "") {
		return
	}

	out := make([]ScheduleResponse, len(schedules))
	for i := range schedules {
		out[i] = h.scheduleResponse(r.Context(), &schedules[i])
	}
	List(w, out, len(out))
}

// CreateSchedule — POST /api/v1/pipelines/{type}/schedules
//
// Pipeline должен быть в каталоге: расписание на неизвестный тип
// никогда не создаст ни одного run.
func (h *Handler) CreateSchedule(w http.ResponseWriter, r *http.Request) {
	pipelineType := r.PathValue("type")

	var req CreateScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}
	if req.Name == "" {
		BadRequest(w, "name is required")
		return
	}

	if _, err := h.pipelines.Get(r.Context(), pipelineType); HandleRepoError(w, h.logger, err, "pipeline not found") {
		return
	}

	now := h.now().UTC()
	sched := &domain.Schedule{
		ID:           uuid.New(),
		PipelineType: pipelineType,
		Name:         req.Name,
		CronExpr:     req.CronExpr,
		IntervalSec:  req.IntervalSec,
		Timezone:     req.Timezone,
		Enabled:      req.Enabled,
		Overlap:      domain.OverlapPolicy(req.Overlap),
		Inputs:       req.Inputs,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if sched.Timezone == "" {
		sched.Timezone = "UTC"
	}
	if sched.Overlap == "" {
		sched.Overlap = domain.OverlapAllow
	}
	if !h.planSchedule(w, sched, now) {
		return
	}

	if err := h.schedules.Create(r.Context(), sched); err != nil {
		HandleRepoError(w, h.logger, err, "")
		return
	}
	Created(w, ScheduleFromDomain(sched, nil))
}

// GetSchedule — GET /api/v1/schedules/{id}
func (h *Handler) GetSchedule(w http.ResponseWriter, r *http.Request) {
	sched, ok := h.loadSchedule(w, r)
	if !ok {
		return
	}
	Success(w, h.scheduleResponse(r.Context(), sched))
}

// UpdateSchedule — PUT /api/v1/schedules/{id}
//
// Изменение триггера пересчитывает next_due_at от текущего момента.
func (h *Handler) UpdateSchedule(w http.ResponseWriter, r *http.Request) {
	sched, ok := h.loadSchedule(w, r)
	if !ok {
		return
	}

	var req UpdateScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}

	retimed := req.CronExpr != nil || req.IntervalSec != nil || req.Timezone != nil
	if req.Name != nil {
		sched.Name = *req.Name
	}
	if req.CronExpr != nil {
		sched.CronExpr = *req.CronExpr
	}
	if req.IntervalSec != nil {
		sched.IntervalSec = *req.IntervalSec
	}
	if req.Timezone != nil {
		sched.Timezone = *req.Timezone
	}
	if req.Overlap != nil {
		sched.Overlap = domain.OverlapPolicy(*req.Overlap)
	}
	if req.Inputs != nil {
		sched.Inputs = *req.Inputs
	}

	now := h.now().UTC()
	sched.UpdatedAt = now
	if retimed {
		if !h.planSchedule(w, sched, now) {
			return
		}
	} else if err := scheduler.Validate(sched); err != nil {
		BadRequest(w, err.Error())
		return
	}

	if err := h.schedules.Update(r.Context(), sched); err != nil {
		HandleRepoError(w, h.logger, err, "schedule not found")
		return
	}
	Success(w, h.scheduleResponse(r.Context(), sched))
}

// DeleteSchedule — DELETE /api/v1/schedules/{id}
func (h *Handler) DeleteSchedule(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		BadRequest(w, "invalid schedule id")
		return
	}
	if HandleRepoError(w, h.logger, h.schedules.Delete(r.Context(), id), "schedule not found") {
		return
	}
	NoContent(w)
}

// SetScheduleEnabled — PUT /api/v1/schedules/{id}/enabled
func (h *Handler) SetScheduleEnabled(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		BadRequest(w, "invalid schedule id")
		return
	}

	var req SetEnabledRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}
	if HandleRepoError(w, h.logger, h.schedules.SetEnabled(r.Context(), id, req.Enabled), "schedule not found") {
		return
	}

	sched, err := h.schedules.GetByID(r.Context(), id)
	if HandleRepoError(w, h.logger, err, "schedule not found") {
		return
	}
	Success(w, h.scheduleResponse(r.Context(), sched))
}

func (h *Handler) loadSchedule(w http.ResponseWriter, r *http.Request) (*domain.Schedule, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		BadRequest(w, "invalid schedule id")
		return nil, false
	}
	sched, err := h.schedules.GetByID(r.Context(), id)
	if HandleRepoError(w, h.logger, err, "schedule not found") {
		return nil, false
	}
	return sched, true
}

// scheduleResponse дополняет schedule текущим статусом его последнего run.
// Ошибка чтения run не мешает ответу: остаётся статус из расписания.
func (h *Handler) scheduleResponse(ctx context.Context, sched *domain.Schedule) ScheduleResponse {
	if sched.LastRunID == nil {
		return ScheduleFromDomain(sched, nil)
	}
	last, err := h.runs.GetByID(ctx, *sched.LastRunID)
	if err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			h.logger.Warn("failed to load last run of schedule", "schedule_id", sched.ID, "error", err)
		}
		return ScheduleFromDomain(sched, nil)
	}
	return ScheduleFromDomain(sched, last)
}

// planSchedule проверяет расписание и ставит первое срабатывание.
// false — ответ с ошибкой уже отправлен.
func (h *Handler) planSchedule(w http.ResponseWriter, sched *domain.Schedule, now time.Time) bool {
	if err := scheduler.Validate(sched); err != nil {
		BadRequest(w, err.Error())
		return false
	}
	next, err := scheduler.CalculateNextDue(sched, now)
	if err != nil {
		BadRequest(w, err.Error())
		return false
	}
	sched.NextDueAt = &next
	return true
}
