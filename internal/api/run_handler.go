package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/shaiso/Stagehand/internal/domain"
	"github.com/shaiso/Stagehand/internal/repo"
)

// cancelAttempts — сколько раз повторяется CAS отмены при гонке с supervisor.
const cancelAttempts = 5

// ListRuns возвращает список runs с фильтрацией.
// GET /api/v1/runs?pipeline=...&status=...&limit=...&offset=...
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	filter := repo.RunFilter{
		PipelineType: r.URL.Query().Get("pipeline"),
		Limit:        parseIntParam(r, "limit", 50),
		Offset:       parseIntParam(r, "offset", 0),
	}

	if status := r.URL.Query().Get("status"); status != "" {
		parsed := domain.ParseRunStatus(strings.ToUpper(status))
		if parsed == "" {
			BadRequest(w, "invalid status")
			return
		}
		filter.Status = parsed
	}

	runs, err := h.runs.List(r.Context(), filter)
	if HandleRepoError(w, h.logger, err, "") {
		return
	}

	result := make([]RunResponse, len(runs))
	for i := range runs {
		result[i] = RunFromDomain(&runs[i])
	}

	List(w, result, len(result))
}

// CreateRun создаёт run pipeline со снимком его текущих стадий.
// POST /api/v1/pipelines/{type}/runs
func (h *Handler) CreateRun(w http.ResponseWriter, r *http.Request) {
	pipelineType := r.PathValue("type")

	// тело необязательно
	var req CreateRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		BadRequest(w, "invalid request body")
		return
	}

	pipeline, err := h.pipelines.Get(r.Context(), pipelineType)
	if HandleRepoError(w, h.logger, err, "pipeline not found") {
		return
	}

	if req.IdempotencyKey != "" {
		existing, err := h.runs.GetByIdempotencyKey(r.Context(), pipelineType, req.IdempotencyKey)
		if err == nil {
			Success(w, RunFromDomain(existing))
			return
		}
		if !errors.Is(err, repo.ErrNotFound) {
			InternalError(w, h.logger, err)
			return
		}
	}

	run := domain.NewRun(pipeline.Type, pipeline.Stages, req.Inputs)
	run.IdempotencyKey = req.IdempotencyKey

	if err := h.runs.Create(r.Context(), run); err != nil {
		if errors.Is(err, repo.ErrAlreadyExists) && req.IdempotencyKey != "" {
			// параллельный запрос с тем же ключом
			existing, getErr := h.runs.GetByIdempotencyKey(r.Context(), pipelineType, req.IdempotencyKey)
			if getErr == nil {
				Success(w, RunFromDomain(existing))
				return
			}
		}
		HandleRepoError(w, h.logger, err, "")
		return
	}

	h.logger.Info("run created", "run_id", run.ID, "pipeline", run.PipelineType)
	h.nudge(r, run)

	Created(w, RunFromDomain(run))
}

// GetRun возвращает run по ID.
// GET /api/v1/runs/{id}
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		BadRequest(w, "invalid run id")
		return
	}

	run, err := h.runs.GetByID(r.Context(), id)
	if HandleRepoError(w, h.logger, err, "run not found") {
		return
	}

	Success(w, RunFromDomain(run))
}

// CancelRun запрашивает отмену run.
// Отмену выполняет supervisor на следующем тике; ответ 202.
// POST /api/v1/runs/{id}/cancel
func (h *Handler) CancelRun(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		BadRequest(w, "invalid run id")
		return
	}

	for i := 0; i < cancelAttempts; i++ {
		run, err := h.runs.GetByID(r.Context(), id)
		if HandleRepoError(w, h.logger, err, "run not found") {
			return
		}

		if run.IsFinished() {
			InvalidState(w, "run is already finished")
			return
		}
		if run.CancelRequested {
			Accepted(w, RunFromDomain(run))
			return
		}

		run.CancelRequested = true
		run.UpdatedAt = h.now().UTC()
		ok, err := h.runs.CompareAndSwap(r.Context(), run.Version, run)
		if err != nil {
			InternalError(w, h.logger, err)
			return
		}
		if ok {
			h.logger.Info("run cancel requested", "run_id", run.ID)
			h.nudge(r, run)
			Accepted(w, RunFromDomain(run))
			return
		}
		// supervisor успел изменить run, перечитываем
	}

	Conflict(w, "run is changing too fast, try again")
}

// ListRunAttempts возвращает попытки стадий run.
// GET /api/v1/runs/{id}/attempts
func (h *Handler) ListRunAttempts(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		BadRequest(w, "invalid run id")
		return
	}

	_, err = h.runs.GetByID(r.Context(), id)
	if HandleRepoError(w, h.logger, err, "run not found") {
		return
	}

	if h.attempts == nil {
		List(w, []AttemptResponse{}, 0)
		return
	}

	attempts, err := h.attempts.ListByRun(r.Context(), id)
	if HandleRepoError(w, h.logger, err, "") {
		return
	}

	result := make([]AttemptResponse, len(attempts))
	for i, a := range attempts {
		result[i] = AttemptFromDomain(a)
	}

	List(w, result, len(result))
}

// nudge публикует run.pending. Потеря сообщения не критична: supervisor опрашивает БД.
func (h *Handler) nudge(r *http.Request, run *domain.Run) {
	if h.publisher == nil {
		return
	}
	if err := h.publisher.PublishRunPending(r.Context(), run.ID, run.PipelineType); err != nil {
		h.logger.Warn("failed to publish run.pending", "run_id", run.ID, "error", err)
	}
}

// parseIntParam читает неотрицательное целое из query.
func parseIntParam(r *http.Request, name string, def int) int {
	s := r.URL.Query().Get(name)
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return def
	}
	return n
}
